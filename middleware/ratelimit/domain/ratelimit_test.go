package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

// run aplica n requisições em sequência, todas no mesmo instante.
func run(t *testing.T, rec Record, exists bool, p Policy, now time.Time, n int) (Record, []Outcome) {
	t.Helper()
	outs := make([]Outcome, 0, n)
	for i := 0; i < n; i++ {
		var out Outcome
		rec, out = Apply(rec, exists, p, now)
		exists = true
		outs = append(outs, out)
	}
	return rec, outs
}

func TestApply_AllowsUpToMaxThenRateExceeded(t *testing.T) {
	p := Policy{Window: time.Minute, MaxRequests: 3, BanDuration: 5 * time.Minute}

	rec, outs := run(t, Record{}, false, p, t0, 4)
	for i := 0; i < 3; i++ {
		assert.True(t, outs[i].Passed, "request %d", i+1)
	}
	assert.False(t, outs[3].Passed)
	assert.Equal(t, ReasonRateExceeded, outs[3].Reason)
	assert.Equal(t, 5*time.Minute, outs[3].RetryAfter)
	assert.Equal(t, int64(4), rec.Count)
	assert.Equal(t, t0.Add(5*time.Minute), rec.BannedUntil)
}

func TestApply_BanOutlivesWindow(t *testing.T) {
	p := Policy{Window: time.Minute, MaxRequests: 1, BanDuration: 5 * time.Minute}

	rec, _ := run(t, Record{}, false, p, t0, 2)
	require.True(t, rec.Banned(t0))

	// a janela já teria virado, mas o ban continua valendo
	later := t0.Add(250 * time.Second)
	next, out := Apply(rec, true, p, later)
	assert.False(t, out.Passed)
	assert.Equal(t, ReasonBanned, out.Reason)
	assert.Equal(t, 50*time.Second, out.RetryAfter)
	assert.Equal(t, rec.Count, next.Count, "banned checks must not count")
}

func TestApply_AfterBanStartsFreshWindow(t *testing.T) {
	p := Policy{Window: time.Hour, MaxRequests: 1, BanDuration: time.Minute}

	rec, _ := run(t, Record{}, false, p, t0, 2)
	require.True(t, rec.Banned(t0))

	// ban menor que a janela: ainda assim a próxima requisição abre janela nova
	after := t0.Add(2 * time.Minute)
	rec, out := Apply(rec, true, p, after)
	assert.True(t, out.Passed)
	assert.Equal(t, int64(1), rec.Count)
	assert.Equal(t, after, rec.WindowStart)
	assert.True(t, rec.BannedUntil.IsZero())
}

func TestApply_WindowResetsCount(t *testing.T) {
	p := Policy{Window: time.Minute, MaxRequests: 2}

	rec, _ := run(t, Record{}, false, p, t0, 2)
	rec, out := Apply(rec, true, p, t0.Add(time.Minute))
	assert.True(t, out.Passed)
	assert.Equal(t, int64(1), rec.Count)
}

func TestApply_NoBanDurationReportsWindowRemainder(t *testing.T) {
	p := Policy{Window: time.Minute, MaxRequests: 1}

	rec, _ := Apply(Record{}, false, p, t0)
	rec, out := Apply(rec, true, p, t0.Add(20*time.Second))
	assert.False(t, out.Passed)
	assert.Equal(t, ReasonRateExceeded, out.Reason)
	assert.Equal(t, 40*time.Second, out.RetryAfter)
	assert.True(t, rec.BannedUntil.IsZero())
}

func TestPolicy_ValidateAndTTL(t *testing.T) {
	assert.Error(t, Policy{MaxRequests: 1}.Validate())
	assert.Error(t, Policy{Window: time.Second}.Validate())
	assert.Error(t, Policy{Window: time.Second, MaxRequests: 1, BanDuration: -1}.Validate())
	assert.NoError(t, Policy{Window: time.Second, MaxRequests: 1}.Validate())

	assert.Equal(t, 5*time.Minute, Policy{Window: time.Minute, BanDuration: 5 * time.Minute}.TTL())
	assert.Equal(t, 24*time.Hour, Policy{Window: 24 * time.Hour, BanDuration: time.Hour}.TTL())
}

func TestKey_Class(t *testing.T) {
	assert.Equal(t, Key("ip:10.0.0.1"), NewKey(ClassIP, " 10.0.0.1 "))
	assert.Equal(t, ClassIdentity, NewKey(ClassIdentity, "15551234567").Class())
	assert.Equal(t, ClassIP, Key("ip:::1").Class())
}
