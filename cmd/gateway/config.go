package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"admission-gateway/gateway"
	"admission-gateway/middleware/origin"
	"admission-gateway/middleware/ratelimit/domain"
)

type config struct {
	listenAddr      string
	allowedOrigins  []string
	blockedAgents   []string
	trustXFF        bool
	addHeaders      bool
	shutdownTimeout time.Duration

	rateStore     string
	redisAddr     string
	redisPassword string
	redisDB       int
	redisPrefix   string
	policies      gateway.Policies

	concurrencyMax     int
	concurrencyTimeout time.Duration

	upstreamProvider   string
	geminiAPIKey       string
	geminiModel        string
	geminiTemperature  float64
	geminiMaxTokens    int
	upstreamTimeout    time.Duration
	streamWriteTimeout time.Duration
	streamErrorNotice  string

	deliveryURL   string
	deliveryToken string
	deliveryRPS   float64
	otpTemplate   string

	statsBackend   string
	statsPrefix    string
	statsTTL       time.Duration
	statsBucket    string
	statsTrackKeys bool

	logLevel  string
	logFormat string
}

// envReader lê variáveis de ambiente e acumula erros de parse, para que a
// inicialização reporte todos os valores inválidos de uma vez.
type envReader struct {
	errs []error
}

func (e *envReader) fail(k, v string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", k, v, err))
}

func (e *envReader) getenvIntDefault(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.fail(k, v, err)
		return def
	}
	return i
}

func (e *envReader) getenvFloatDefault(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(k, v, err)
		return def
	}
	return f
}

func (e *envReader) getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(k, v, err)
		return def
	}
	return b
}

func (e *envReader) getenvDurationDefault(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(k, v, err)
		return def
	}
	return d
}

// getenvPolicy lê <prefix>_MAX, <prefix>_WINDOW e <prefix>_BAN.
// MAX=0 desliga a política.
func (e *envReader) getenvPolicy(prefix string, def domain.Policy) domain.Policy {
	p := domain.Policy{
		MaxRequests: int64(e.getenvIntDefault(prefix+"_MAX", int(def.MaxRequests))),
		Window:      e.getenvDurationDefault(prefix+"_WINDOW", def.Window),
		BanDuration: e.getenvDurationDefault(prefix+"_BAN", def.BanDuration),
	}
	if p.MaxRequests == 0 {
		return domain.Policy{}
	}
	if err := p.Validate(); err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s_*: %w", prefix, err))
	}
	return p
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvList(k string, def []string) []string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func readConfig() (config, error) {
	e := &envReader{}
	cfg := config{}

	cfg.listenAddr = getenvDefault("LISTEN_ADDR", ":8080")
	cfg.allowedOrigins = getenvList("ALLOWED_ORIGINS", nil)
	cfg.blockedAgents = getenvList("BLOCKED_AGENTS", origin.DefaultBlockedAgents)
	cfg.trustXFF = e.getenvBoolDefault("TRUST_XFF", false)
	cfg.addHeaders = e.getenvBoolDefault("ADD_RATELIMIT_HEADERS", false)
	cfg.shutdownTimeout = e.getenvDurationDefault("SHUTDOWN_TIMEOUT", 10*time.Second)

	cfg.rateStore = strings.ToLower(getenvDefault("RATE_STORE", "memory"))
	cfg.redisAddr = os.Getenv("REDIS_ADDR")
	cfg.redisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.redisDB = e.getenvIntDefault("REDIS_DB", 0)
	cfg.redisPrefix = getenvDefault("REDIS_PREFIX", "gateway")

	cfg.policies = gateway.Policies{
		StreamIP:     e.getenvPolicy("STREAM_IP", domain.Policy{MaxRequests: 20, Window: time.Minute, BanDuration: 5 * time.Minute}),
		StreamGlobal: e.getenvPolicy("STREAM_GLOBAL", domain.Policy{}),
		OTPIdentity:  e.getenvPolicy("OTP_PHONE", domain.Policy{MaxRequests: 4, Window: 24 * time.Hour, BanDuration: 24 * time.Hour}),
		OTPIP:        e.getenvPolicy("OTP_IP", domain.Policy{MaxRequests: 10, Window: time.Hour, BanDuration: time.Hour}),
		OTPGlobal:    e.getenvPolicy("OTP_GLOBAL", domain.Policy{MaxRequests: 1000, Window: time.Hour}),
	}

	cfg.concurrencyMax = e.getenvIntDefault("CONCURRENCY_MAX", 100)
	cfg.concurrencyTimeout = e.getenvDurationDefault("CONCURRENCY_TIMEOUT", 0)

	cfg.upstreamProvider = strings.ToLower(getenvDefault("UPSTREAM_PROVIDER", "gemini"))
	cfg.geminiAPIKey = os.Getenv("GEMINI_API_KEY")
	cfg.geminiModel = getenvDefault("GEMINI_MODEL", "gemini-2.0-flash")
	cfg.geminiTemperature = e.getenvFloatDefault("GEMINI_TEMPERATURE", 0.4)
	cfg.geminiMaxTokens = e.getenvIntDefault("GEMINI_MAX_OUTPUT_TOKENS", 1024)
	cfg.upstreamTimeout = e.getenvDurationDefault("UPSTREAM_TIMEOUT", 60*time.Second)
	cfg.streamWriteTimeout = e.getenvDurationDefault("STREAM_WRITE_TIMEOUT", 10*time.Second)
	cfg.streamErrorNotice = os.Getenv("STREAM_ERROR_NOTICE")

	cfg.deliveryURL = os.Getenv("DELIVERY_URL")
	cfg.deliveryToken = os.Getenv("DELIVERY_TOKEN")
	cfg.deliveryRPS = e.getenvFloatDefault("DELIVERY_RPS", 5)
	cfg.otpTemplate = getenvDefault("OTP_MESSAGE_TEMPLATE", "Your verification code is %s")

	cfg.statsBackend = strings.ToLower(getenvDefault("STATS_BACKEND", "prometheus"))
	cfg.statsPrefix = getenvDefault("STATS_PREFIX", "ratelimit:stats")
	cfg.statsTTL = e.getenvDurationDefault("STATS_TTL", 24*time.Hour)
	cfg.statsBucket = getenvDefault("STATS_BUCKET", "minute")
	cfg.statsTrackKeys = e.getenvBoolDefault("STATS_TRACK_KEYS", false)

	cfg.logLevel = getenvDefault("LOG_LEVEL", "info")
	cfg.logFormat = strings.ToLower(getenvDefault("LOG_FORMAT", "json"))

	errs := e.errs
	if len(cfg.allowedOrigins) == 0 {
		errs = append(errs, errors.New("ALLOWED_ORIGINS is required"))
	}
	switch cfg.rateStore {
	case "memory":
	case "redis":
		if strings.TrimSpace(cfg.redisAddr) == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required when RATE_STORE=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("RATE_STORE must be memory or redis, got %q", cfg.rateStore))
	}
	switch cfg.statsBackend {
	case "none", "memory", "prometheus":
	case "redis":
		if strings.TrimSpace(cfg.redisAddr) == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required when STATS_BACKEND=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("STATS_BACKEND must be none, memory, redis or prometheus, got %q", cfg.statsBackend))
	}
	switch cfg.upstreamProvider {
	case "static":
	case "gemini":
		if cfg.geminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required when UPSTREAM_PROVIDER=gemini"))
		}
	default:
		errs = append(errs, fmt.Errorf("UPSTREAM_PROVIDER must be gemini or static, got %q", cfg.upstreamProvider))
	}
	if cfg.policies.StreamIP.MaxRequests == 0 {
		errs = append(errs, errors.New("STREAM_IP_MAX must be > 0"))
	}
	if cfg.concurrencyMax < 0 {
		errs = append(errs, errors.New("CONCURRENCY_MAX must be >= 0"))
	}
	if cfg.upstreamTimeout <= 0 {
		errs = append(errs, errors.New("UPSTREAM_TIMEOUT must be > 0"))
	}
	if cfg.logFormat != "json" && cfg.logFormat != "console" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", cfg.logFormat))
	}

	if err := errors.Join(errs...); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) usesRedis() bool {
	return c.rateStore == "redis" || c.statsBackend == "redis"
}
