package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"admission-gateway/delivery"
	"admission-gateway/middleware/origin"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"
	"admission-gateway/stream"
	"admission-gateway/upstream"
)

const allowedOrigin = "https://app.example.com"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeUpstream struct {
	seq     upstream.Sequence
	openErr error
	text    string
	err     error
	opened  int
}

func (f *fakeUpstream) Open(ctx context.Context, c upstream.ChatContext) (upstream.Sequence, error) {
	f.opened++
	return f.seq, f.openErr
}

func (f *fakeUpstream) Complete(ctx context.Context, c upstream.ChatContext) (string, error) {
	return f.text, f.err
}

func seqOf(err error, parts ...string) upstream.Sequence {
	return func(yield func(string, error) bool) {
		for _, p := range parts {
			if !yield(p, nil) {
				return
			}
		}
		if err != nil {
			yield("", err)
		}
	}
}

type fakeSender struct {
	resp *delivery.Response
	err  error
	sent []delivery.Message
}

func (f *fakeSender) Send(ctx context.Context, m delivery.Message) (*delivery.Response, error) {
	f.sent = append(f.sent, m)
	return f.resp, f.err
}

type failingLimiter struct{}

func (failingLimiter) Evaluate(context.Context, []domain.Check) (domain.Decision, error) {
	return domain.Decision{}, domain.ErrStoreUnavailable
}

type harness struct {
	handler http.Handler
	store   *infra.MemoryStore
	stats   *infra.MemoryStatsStore
	clock   *clock
	up      *fakeUpstream
	sender  *fakeSender
}

func newHarness(t *testing.T, mod ...func(*Deps)) *harness {
	t.Helper()
	v, err := origin.New([]string{allowedOrigin}, origin.DefaultBlockedAgents)
	require.NoError(t, err)

	h := &harness{
		store:  infra.NewMemoryStore(),
		stats:  infra.NewMemoryStatsStore(infra.WithTrackKeys(true)),
		clock:  &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		up:     &fakeUpstream{seq: seqOf(nil, "Hello ", "student.")},
		sender: &fakeSender{resp: &delivery.Response{StatusCode: 200, Body: json.RawMessage(`{"id":"sms-1"}`)}},
	}
	d := Deps{
		Validator: v,
		Limiter:   application.Service{Store: h.store, Now: h.clock.Now},
		Stats:     h.stats,
		Policies: Policies{
			StreamIP:    domain.Policy{Window: 60 * time.Second, MaxRequests: 20, BanDuration: 300 * time.Second},
			OTPIdentity: domain.Policy{Window: 24 * time.Hour, MaxRequests: 4, BanDuration: 24 * time.Hour},
			OTPIP:       domain.Policy{Window: time.Hour, MaxRequests: 10, BanDuration: time.Hour},
			OTPGlobal:   domain.Policy{Window: time.Minute, MaxRequests: 1000},
		},
		ConcurrencyMax: 4,
		Upstream:       h.up,
		Relay:          &stream.Relay{Logger: zerolog.Nop()},
		Sender:         h.sender,
		OTPTemplate:    "Your code: %s",
		Logger:         zerolog.Nop(),
	}
	for _, m := range mod {
		m(&d)
	}
	h.handler = New(d)
	return h
}

const chatBody = `{"section":"Reading","questionType":"Multiple choice","passage":"Tides rise twice a day.","userQuery":"Why is B wrong?"}`

func (h *harness) chat(path, body string, mod ...func(*http.Request)) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	r.RemoteAddr = "203.0.113.7:40000"
	r.Header.Set("Origin", allowedOrigin)
	r.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64)")
	r.Header.Set("Content-Type", "application/json")
	for _, m := range mod {
		m(r)
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, r)
	return w
}

func (h *harness) otp(to, code, remote string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(otpRequest{To: to, GeneratedOTP: code})
	r := httptest.NewRequest(http.MethodPost, "/api/otp/send", strings.NewReader(string(body)))
	r.RemoteAddr = remote
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, r)
	return w
}

func TestStream_RelaysFragments(t *testing.T) {
	h := newHarness(t)
	w := h.chat("/api/chat/stream", chatBody)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Hello student.", w.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestStream_ValidatorRejectsBeforeLimiter(t *testing.T) {
	h := newHarness(t)

	w := h.chat("/api/chat/stream", chatBody, func(r *http.Request) { r.Header.Set("Origin", "https://evil.example") })
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "origin_forbidden", w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	w = h.chat("/api/chat/stream", chatBody, func(r *http.Request) { r.Header.Set("User-Agent", "curl/8.5.0") })
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "agent_forbidden", w.Body.String())

	assert.Zero(t, h.store.Len(), "rejected requests must not touch the limiter")
	assert.Zero(t, h.up.opened)
}

func TestStream_IPBanScenario(t *testing.T) {
	h := newHarness(t)

	for i := 1; i <= 20; i++ {
		require.Equal(t, http.StatusOK, h.chat("/api/chat/stream", chatBody).Code, "request %d", i)
	}
	w := h.chat("/api/chat/stream", chatBody)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "300", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "temporarily blocked")

	h.clock.Advance(250 * time.Second)
	w = h.chat("/api/chat/stream", chatBody)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "50", w.Header().Get("Retry-After"))

	h.clock.Advance(60 * time.Second)
	assert.Equal(t, http.StatusOK, h.chat("/api/chat/stream", chatBody).Code)
	rec, ok := h.store.Snapshot(domain.NewKey(domain.ClassIP, "203.0.113.7"))
	require.True(t, ok)
	assert.Equal(t, int64(1), rec.Count)

	assert.Equal(t, 20, h.up.opened, "limited requests must not reach upstream")
}

func TestStream_MalformedBody(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusBadRequest, h.chat("/api/chat/stream", `{"userQuery":`).Code)
	assert.Equal(t, http.StatusBadRequest, h.chat("/api/chat/stream", `{"section":"x"}`).Code)
	assert.Zero(t, h.up.opened)
}

func TestStream_PreStreamErrorsMapTo5xx(t *testing.T) {
	cases := []struct {
		name   string
		up     *fakeUpstream
		status int
	}{
		{"timeout in sequence", &fakeUpstream{seq: seqOf(&upstream.Error{Kind: upstream.ErrTimeout})}, http.StatusGatewayTimeout},
		{"unavailable in sequence", &fakeUpstream{seq: seqOf(&upstream.Error{Kind: upstream.ErrUnavailable, Err: errors.New("secret dial detail")})}, http.StatusBadGateway},
		{"open fails", &fakeUpstream{openErr: &upstream.Error{Kind: upstream.ErrProtocol}}, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, func(d *Deps) { d.Upstream = tc.up })
			w := h.chat("/api/chat/stream", chatBody)
			assert.Equal(t, tc.status, w.Code)
			assert.NotContains(t, w.Body.String(), "secret")
		})
	}
}

func TestStream_MidStreamErrorAppendsNotice(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Upstream = &fakeUpstream{seq: seqOf(&upstream.Error{Kind: upstream.ErrUnavailable}, "Partial ")}
	})
	w := h.chat("/api/chat/stream", chatBody)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Partial "+stream.DefaultErrorNotice, w.Body.String())
}

// disconnectAfterFirstWrite simula o cliente indo embora pouco depois do
// primeiro fragmento, enquanto o upstream ainda espera o próximo.
type disconnectAfterFirstWrite struct {
	*httptest.ResponseRecorder
	cancel context.CancelFunc
	once   sync.Once
}

func (d *disconnectAfterFirstWrite) Write(p []byte) (int, error) {
	d.once.Do(func() { time.AfterFunc(20*time.Millisecond, d.cancel) })
	return d.ResponseRecorder.Write(p)
}

func TestStream_ClientGoneMidStreamWritesNoNotice(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := stream.NewMetrics(reg)
	require.NoError(t, err)
	h := newHarness(t, func(d *Deps) {
		d.Upstream = upstream.Static{Delay: 2 * time.Second}
		d.Relay = &stream.Relay{Logger: zerolog.Nop(), Metrics: m}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader(chatBody)).WithContext(ctx)
	r.RemoteAddr = "203.0.113.7:40000"
	r.Header.Set("Origin", allowedOrigin)
	r.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64)")
	w := &disconnectAfterFirstWrite{ResponseRecorder: httptest.NewRecorder(), cancel: cancel}

	start := time.Now()
	h.handler.ServeHTTP(w, r)

	assert.Less(t, time.Since(start), time.Second, "upstream wait must end with the client")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "You ", w.Body.String())
	assert.NotContains(t, w.Body.String(), stream.DefaultErrorNotice)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	states := map[string]float64{}
	for _, mf := range mfs {
		if mf.GetName() != "gateway_stream_relays_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			states[metric.GetLabel()[0].GetValue()] = metric.GetCounter().GetValue()
		}
	}
	assert.Equal(t, map[string]float64{"cancelled": 1}, states)
}

func TestStream_StoreFailureFailsClosed(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Limiter = failingLimiter{} })
	assert.Equal(t, http.StatusServiceUnavailable, h.chat("/api/chat/stream", chatBody).Code)
	assert.Zero(t, h.up.opened)
}

func TestComplete_ReturnsJSON(t *testing.T) {
	h := newHarness(t)
	h.up.text = "Option C is correct."

	w := h.chat("/api/chat/complete", chatBody)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"text":"Option C is correct."}`, w.Body.String())

	h.up.err = &upstream.Error{Kind: upstream.ErrTimeout}
	w = h.chat("/api/chat/complete", chatBody)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestOTP_FifthRequestBansPhone(t *testing.T) {
	h := newHarness(t)

	for i := 1; i <= 4; i++ {
		w := h.otp("15551234567", "123456", "198.51.100.1:5000")
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
		assert.JSONEq(t, `{"success":true,"data":{"id":"sms-1"}}`, w.Body.String())
	}

	w := h.otp("15551234567", "123456", "198.51.100.2:5000")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, msgOTPLimited, body.Error)

	rec, ok := h.store.Snapshot(domain.NewKey(domain.ClassIdentity, "15551234567"))
	require.True(t, ok)
	assert.Equal(t, h.clock.Now().Add(24*time.Hour), rec.BannedUntil)

	// o IP novo e o global também contaram a tentativa negada
	ipRec, ok := h.store.Snapshot(domain.NewKey(domain.ClassIP, "198.51.100.2"))
	require.True(t, ok)
	assert.Equal(t, int64(1), ipRec.Count)
	globalRec, ok := h.store.Snapshot(GlobalOTPKey)
	require.True(t, ok)
	assert.Equal(t, int64(5), globalRec.Count)

	assert.Len(t, h.sender.sent, 4)
	assert.Equal(t, delivery.Message{To: "15551234567", Body: "Your code: 123456"}, h.sender.sent[0])
	assert.Equal(t, int64(1), h.stats.DeniedByReason()[domain.ReasonRateExceeded])
}

func TestOTP_NormalizesRecipient(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusOK, h.otp("+1 (555) 123-4567", "1234", "198.51.100.1:5000").Code)

	rec, ok := h.store.Snapshot(domain.NewKey(domain.ClassIdentity, "+15551234567"))
	require.True(t, ok)
	assert.Equal(t, int64(1), rec.Count)
}

func TestOTP_BadRequest(t *testing.T) {
	h := newHarness(t)
	for _, tc := range []struct{ to, code string }{
		{"", "1234"},
		{"15551234567", ""},
		{"15551234567", "12ab"},
		{"15551234567", "12"},
	} {
		w := h.otp(tc.to, tc.code, "198.51.100.1:5000")
		assert.Equal(t, http.StatusBadRequest, w.Code, "to=%q code=%q", tc.to, tc.code)
	}
	assert.Zero(t, h.store.Len())
	assert.Empty(t, h.sender.sent)
}

func TestOTP_StoreFailure(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Limiter = failingLimiter{} })
	w := h.otp("15551234567", "1234", "198.51.100.1:5000")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Empty(t, h.sender.sent)
}

func TestOTP_ProviderErrorPassthrough(t *testing.T) {
	h := newHarness(t)
	h.sender.err = &delivery.ProviderError{StatusCode: http.StatusUnprocessableEntity, Body: json.RawMessage(`{"error":"invalid number"}`)}

	w := h.otp("15551234567", "1234", "198.51.100.1:5000")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.JSONEq(t, `{"error":"invalid number"}`, w.Body.String())
}

func TestOTP_ProviderUnreachable(t *testing.T) {
	h := newHarness(t)
	h.sender.err = delivery.ErrUnavailable

	w := h.otp("15551234567", "1234", "198.51.100.1:5000")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), msgOTPProviderDown)
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	stats, err := infra.NewPrometheusStats(reg)
	require.NoError(t, err)
	h := newHarness(t, func(d *Deps) {
		d.Stats = stats
		d.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
		d.Registerer = reg
	})

	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())

	require.Equal(t, http.StatusOK, h.chat("/api/chat/stream", chatBody).Code)

	w = httptest.NewRecorder()
	h.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `gateway_admission_decisions_total{class="ip",endpoint="stream",outcome="allowed",reason=""} 1`)
	assert.Contains(t, w.Body.String(), "gateway_stream_slots_capacity 4")
}

func TestRequestIDIsKeptWhenValid(t *testing.T) {
	h := newHarness(t)
	const id = "0b6f8a3e-8c57-4c4f-9a3c-1f6f5f9f2d11"
	w := h.chat("/api/chat/stream", chatBody, func(r *http.Request) { r.Header.Set(requestIDHeader, id) })
	assert.Equal(t, id, w.Header().Get(requestIDHeader))

	w = h.chat("/api/chat/stream", chatBody, func(r *http.Request) { r.Header.Set(requestIDHeader, "not-a-uuid") })
	assert.NotEqual(t, "not-a-uuid", w.Header().Get(requestIDHeader))
}
