package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env       string // dev|prod
	HTTPAddr  string
	PublicURL string

	// ToolConfPath points at a YAML/JSON tool conf; optional when a DB registry is configured.
	ToolConfPath string

	DBDriver string // sqlite|postgres; empty disables the SQL registry
	DBDSN    string

	RedisURL string // shared launch cache; in-process when empty

	SessionCookie  string
	LaunchLifetime time.Duration
	JWKSTTL        time.Duration
	HTTPTimeout    time.Duration
	GradeRetry     time.Duration // 0 disables the outbox retry loop
	CheckCookies   bool
	JSRedirect     bool

	CORSOrigins []string

	AdminUser     string
	AdminPassHash string // bcrypt
}

// Load reads .env (when present) and then the process environment.
func Load() Config {
	_ = godotenv.Load()
	return FromEnv()
}

func FromEnv() Config {
	return Config{
		Env:            envOr("ENV", "dev"),
		HTTPAddr:       envOr("HTTP_ADDR", ":8080"),
		PublicURL:      strings.TrimSuffix(os.Getenv("PUBLIC_URL"), "/"),
		ToolConfPath:   os.Getenv("LTI_TOOL_CONF"),
		DBDriver:       os.Getenv("DB_DRIVER"),
		DBDSN:          os.Getenv("DB_DSN"),
		RedisURL:       os.Getenv("REDIS_URL"),
		SessionCookie:  envOr("LTI_SESSION_COOKIE", "lti1p3-session"),
		LaunchLifetime: envDur("LTI_LAUNCH_TTL", 24*time.Hour),
		JWKSTTL:        envDur("LTI_JWKS_TTL", 10*time.Minute),
		HTTPTimeout:    envDur("LTI_HTTP_TIMEOUT", 10*time.Second),
		GradeRetry:     envDur("LTI_GRADE_RETRY", time.Minute),
		CheckCookies:   envBool("LTI_CHECK_COOKIES", false),
		JSRedirect:     envBool("LTI_JS_REDIRECT", false),
		CORSOrigins:    csvOr("CORS_ORIGINS", "http://localhost:3000"),
		AdminUser:      envOr("ADMIN_USER", "admin"),
		AdminPassHash:  os.Getenv("ADMIN_PASS_HASH"),
	}
}

// LaunchURL is where platforms post id_tokens.
func (c Config) LaunchURL() string { return c.PublicURL + "/lti/launch" }

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}

// envDur accepts Go durations ("90s") or bare seconds ("90").
func envDur(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if d, err := time.ParseDuration(v + "s"); err == nil {
		return d
	}
	return def
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
