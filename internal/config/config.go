package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string

	DataDir           string
	StoreDriver       string
	StoreDSN          string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	SessionTimeoutMinutes int
	SessionCookieName     string
	CSRFCookieName        string
	CookieSecure          bool
	TrustProxy            bool
	CORSAllowedOrigins    []string

	PasswordMinLength      int
	PasswordRequireMixed   bool
	PasswordHashIterations int

	DefaultAdminUsername string
	DefaultAdminPassword string

	AuditMaxEntries     int
	LoginMaxAttempts    int
	LoginLockoutSeconds int
	LoginRatePerMinute  int

	BackupDir  string
	BackupKeep int

	UPHDefaultTarget float64

	HTTPReadTimeoutSec       int
	HTTPReadHeaderTimeoutSec int
	HTTPWriteTimeoutSec      int
	HTTPIdleTimeoutSec       int

	ConfigFile string
}

// fileConfig is the optional YAML layer. Anything set here becomes the
// default that environment variables may still override.
type fileConfig struct {
	ListenAddr            string   `yaml:"listen_addr"`
	DataDir               string   `yaml:"data_dir"`
	StoreDriver           string   `yaml:"store_driver"`
	StoreDSN              string   `yaml:"store_dsn"`
	SessionTimeoutMinutes int      `yaml:"session_timeout_minutes"`
	PasswordMinLength     int      `yaml:"password_min_length"`
	PasswordRequireMixed  *bool    `yaml:"password_require_mixed"`
	DefaultAdminUsername  string   `yaml:"default_admin_username"`
	AuditMaxEntries       int      `yaml:"audit_max_entries"`
	LoginMaxAttempts      int      `yaml:"login_max_attempts"`
	LoginLockoutSeconds   int      `yaml:"login_lockout_seconds"`
	BackupDir             string   `yaml:"backup_dir"`
	BackupKeep            int      `yaml:"backup_keep"`
	UPHDefaultTarget      float64  `yaml:"uph_default_target"`
	CORSAllowedOrigins    []string `yaml:"cors_allowed_origins"`
}

func Load() (Config, error) {
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

func LoadFile(path string) (Config, error) {
	var fc fileConfig
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	dataDir := env("DATA_DIR", or(fc.DataDir, "./data"))
	requireMixed := false
	if fc.PasswordRequireMixed != nil {
		requireMixed = *fc.PasswordRequireMixed
	}
	origins := envCSV("CORS_ALLOWED_ORIGINS")
	if origins == nil {
		origins = fc.CORSAllowedOrigins
	}

	cfg := Config{
		ListenAddr:               env("LISTEN_ADDR", or(fc.ListenAddr, "127.0.0.1:8080")),
		DataDir:                  dataDir,
		StoreDriver:              strings.ToLower(env("STORE_DRIVER", or(fc.StoreDriver, "json"))),
		StoreDSN:                 env("STORE_DSN", fc.StoreDSN),
		DBMaxOpenConns:           envInt("DB_MAX_OPEN_CONNS", 4),
		DBMaxIdleConns:           envInt("DB_MAX_IDLE_CONNS", 2),
		DBConnMaxLifetime:        time.Duration(envInt("DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
		SessionTimeoutMinutes:    envInt("SESSION_TIMEOUT_MINUTES", orInt(fc.SessionTimeoutMinutes, 30)),
		SessionCookieName:        env("SESSION_COOKIE_NAME", "cycletime_session"),
		CSRFCookieName:           env("CSRF_COOKIE_NAME", "cycletime_csrf"),
		CookieSecure:             envBool("COOKIE_SECURE", false),
		TrustProxy:               envBool("TRUST_PROXY", false),
		CORSAllowedOrigins:       origins,
		PasswordMinLength:        envInt("PASSWORD_MIN_LENGTH", orInt(fc.PasswordMinLength, 8)),
		PasswordRequireMixed:     envBool("PASSWORD_REQUIRE_MIXED", requireMixed),
		PasswordHashIterations:   envInt("PASSWORD_HASH_ITERATIONS", 100_000),
		DefaultAdminUsername:     env("DEFAULT_ADMIN_USERNAME", or(fc.DefaultAdminUsername, "admin")),
		DefaultAdminPassword:     env("DEFAULT_ADMIN_PASSWORD", "admin123"),
		AuditMaxEntries:          envInt("AUDIT_MAX_ENTRIES", orInt(fc.AuditMaxEntries, 1000)),
		LoginMaxAttempts:         envInt("LOGIN_MAX_ATTEMPTS", orInt(fc.LoginMaxAttempts, 5)),
		LoginLockoutSeconds:      envInt("LOGIN_LOCKOUT_SECONDS", orInt(fc.LoginLockoutSeconds, 300)),
		LoginRatePerMinute:       envInt("LOGIN_RATE_PER_MINUTE", 20),
		BackupDir:                env("BACKUP_DIR", or(fc.BackupDir, filepath.Join(dataDir, "backups"))),
		BackupKeep:               envInt("BACKUP_KEEP", orInt(fc.BackupKeep, 10)),
		UPHDefaultTarget:         envFloat("UPH_DEFAULT_TARGET", orFloat(fc.UPHDefaultTarget, 100)),
		HTTPReadTimeoutSec:       envInt("HTTP_READ_TIMEOUT_SEC", 10),
		HTTPReadHeaderTimeoutSec: envInt("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		HTTPWriteTimeoutSec:      envInt("HTTP_WRITE_TIMEOUT_SEC", 30),
		HTTPIdleTimeoutSec:       envInt("HTTP_IDLE_TIMEOUT_SEC", 60),
		ConfigFile:               path,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "json", "sqlite", "mysql", "pgx", "postgres":
	default:
		return fmt.Errorf("STORE_DRIVER must be one of: json, sqlite, mysql, pgx")
	}
	if (c.StoreDriver == "mysql" || c.StoreDriver == "pgx" || c.StoreDriver == "postgres") && strings.TrimSpace(c.StoreDSN) == "" {
		return fmt.Errorf("STORE_DSN is required for STORE_DRIVER=%s", c.StoreDriver)
	}
	if c.StoreDriver == "sqlite" && strings.TrimSpace(c.StoreDSN) == "" {
		c.StoreDSN = filepath.Join(c.DataDir, "cycletime.db")
	}
	if c.DBMaxOpenConns <= 0 || c.DBMaxIdleConns < 0 {
		return fmt.Errorf("invalid DB pool config")
	}
	if c.SessionTimeoutMinutes <= 0 {
		return fmt.Errorf("session timeout must be positive")
	}
	if c.PasswordMinLength < 6 || c.PasswordMinLength > 8 {
		return fmt.Errorf("password min length must be between 6 and 8")
	}
	if c.PasswordHashIterations < 100_000 {
		return fmt.Errorf("password hash iterations must be >= 100000")
	}
	if strings.TrimSpace(c.DefaultAdminUsername) == "" || c.DefaultAdminPassword == "" {
		return fmt.Errorf("default admin credentials must be set")
	}
	if c.AuditMaxEntries <= 0 {
		return fmt.Errorf("audit max entries must be positive")
	}
	if c.LoginMaxAttempts <= 0 || c.LoginLockoutSeconds <= 0 {
		return fmt.Errorf("login throttle settings must be positive")
	}
	if c.LoginRatePerMinute <= 0 {
		return fmt.Errorf("login rate must be positive")
	}
	if c.BackupKeep <= 0 {
		return fmt.Errorf("backup keep must be positive")
	}
	if c.UPHDefaultTarget < 0 {
		return fmt.Errorf("UPH target must not be negative")
	}
	if !c.CookieSecure && !isLocalListen(c.ListenAddr) {
		return fmt.Errorf("COOKIE_SECURE=false is allowed only for local listen addresses")
	}
	return nil
}

func (c Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMinutes) * time.Minute
}

func (c Config) LoginLockout() time.Duration {
	return time.Duration(c.LoginLockoutSeconds) * time.Second
}

func env(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func envFloat(k string, d float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return d
	}
	return f
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return d
	}
	return b
}

func envCSV(k string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func or(v, d string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return d
}

func orInt(v, d int) int {
	if v != 0 {
		return v
	}
	return d
}

func orFloat(v, d float64) float64 {
	if v != 0 {
		return v
	}
	return d
}

func isLocalListen(addr string) bool {
	a := strings.ToLower(strings.TrimSpace(addr))
	return strings.Contains(a, "127.0.0.1") || strings.Contains(a, "localhost") || strings.Contains(a, "[::1]") || strings.HasPrefix(a, ":")
}
