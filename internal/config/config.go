package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or an env-file loaded at startup).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	Redis     RedisConfig
	DB        DBConfig
	AMQP      AMQPConfig
	Auth      AuthConfig
	Dispatch  DispatchConfig
	Messaging MessagingConfig
	Engine    EngineConfig

	// TenantsFile points at the JSON tenant registry. Optional; without it
	// the engine accepts events but produces no notifications.
	TenantsFile string
}

type AppConfig struct {
	Env  string
	Port int
}

// RedisConfig is optional: with an empty host the engine runs on in-process
// stores, which is the supported mode for tests and single-node deployments.
type RedisConfig struct {
	Host string
	Port int
}

// DBConfig is optional and only consumed by the raw-event archive.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// AMQPConfig is optional and only consumed by the AMQP dispatch sink.
type AMQPConfig struct {
	URL      string
	Exchange string
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

// DispatchConfig controls the CRM webhook sink.
type DispatchConfig struct {
	CRMWebhookURL string
	Timeout       time.Duration
}

// MessagingConfig points at the messaging collaborator that renders
// notifications into recipient channels. Optional; without it notifications
// are logged and dropped.
type MessagingConfig struct {
	BaseURL string
	Timeout time.Duration
}

// EngineConfig carries the correlation-engine tunables. The defaults are
// tuned against observed call-flow lengths; PBX behavior varies by
// deployment, so every threshold is overridable from env.
type EngineConfig struct {
	// Classification thresholds.
	FollowMeEventThreshold  int // total events above which a call is a forwarding cascade
	MultipleTransferBridges int // bridge events above which a call is a multi-transfer
	ComplexTransferCreates  int // bridge_create events above which a call is a complex transfer
	BusyStartWindow         int // leading events inspected for a second start
	EarlyBridgeWindow       int // leading events inspected for a pre-existing bridge

	// Scheduling.
	DebounceDelay time.Duration
	BatchInterval time.Duration
	BatchSize     int

	// Notification dedup.
	BridgeDedupWindow time.Duration

	// Cache retention.
	ActiveCallTTL   time.Duration
	FinishedCallTTL time.Duration
}

func defaultEngineConfig() EngineConfig {
	return EngineConfig{
		FollowMeEventThreshold:  35,
		MultipleTransferBridges: 4,
		ComplexTransferCreates:  2,
		BusyStartWindow:         10,
		EarlyBridgeWindow:       5,
		DebounceDelay:           2 * time.Second,
		BatchInterval:           5 * time.Second,
		BatchSize:               50,
		BridgeDedupWindow:       2 * time.Minute,
		ActiveCallTTL:           4 * time.Hour,
		FinishedCallTTL:         7 * 24 * time.Hour,
	}
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if c.Redis.Host != "" {
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	if c.DB.Host != "" {
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
		c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
		c.DB.Password = os.Getenv("DB_PASSWORD")
		c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
		c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	}

	c.AMQP.URL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	c.AMQP.Exchange = strings.TrimSpace(os.Getenv("AMQP_EXCHANGE"))

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL = optDuration("JWT_ACCESS_TTL")

	c.Dispatch.CRMWebhookURL = strings.TrimSpace(os.Getenv("CRM_WEBHOOK_URL"))
	c.Dispatch.Timeout = optDuration("CRM_DISPATCH_TIMEOUT")

	c.Messaging.BaseURL = strings.TrimSpace(os.Getenv("MESSAGING_BASE_URL"))
	c.Messaging.Timeout = optDuration("MESSAGING_TIMEOUT")

	c.TenantsFile = strings.TrimSpace(os.Getenv("TENANTS_FILE"))

	c.Engine = defaultEngineConfig()
	c.Engine.FollowMeEventThreshold = optInt("ENGINE_FOLLOWME_EVENTS", c.Engine.FollowMeEventThreshold)
	c.Engine.MultipleTransferBridges = optInt("ENGINE_TRANSFER_BRIDGES", c.Engine.MultipleTransferBridges)
	c.Engine.ComplexTransferCreates = optInt("ENGINE_TRANSFER_CREATES", c.Engine.ComplexTransferCreates)
	c.Engine.BusyStartWindow = optInt("ENGINE_BUSY_START_WINDOW", c.Engine.BusyStartWindow)
	c.Engine.EarlyBridgeWindow = optInt("ENGINE_EARLY_BRIDGE_WINDOW", c.Engine.EarlyBridgeWindow)
	if d := optDuration("ENGINE_DEBOUNCE_DELAY"); d > 0 {
		c.Engine.DebounceDelay = d
	}
	if d := optDuration("ENGINE_BATCH_INTERVAL"); d > 0 {
		c.Engine.BatchInterval = d
	}
	c.Engine.BatchSize = optInt("ENGINE_BATCH_SIZE", c.Engine.BatchSize)
	if d := optDuration("ENGINE_BRIDGE_DEDUP_WINDOW"); d > 0 {
		c.Engine.BridgeDedupWindow = d
	}
	if d := optDuration("ENGINE_ACTIVE_CALL_TTL"); d > 0 {
		c.Engine.ActiveCallTTL = d
	}
	if d := optDuration("ENGINE_FINISHED_CALL_TTL"); d > 0 {
		c.Engine.FinishedCallTTL = d
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.Redis.Host != "" && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	if c.IsProduction() && c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required in production (in-memory stores are single-node only)"))
	}

	if c.DB.Host != "" {
		if c.DB.Port <= 0 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required when DB_HOST is set"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required when DB_HOST is set"))
		}
		if c.DB.SSLMode == "" {
			if c.IsProduction() {
				errs = append(errs, errors.New("DB_SSLMODE is required in production"))
			} else {
				c.DB.SSLMode = "disable"
			}
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	}

	if c.AMQP.URL != "" && c.AMQP.Exchange == "" {
		errs = append(errs, errors.New("AMQP_EXCHANGE is required when AMQP_URL is set"))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}

	if c.Dispatch.Timeout <= 0 {
		c.Dispatch.Timeout = 5 * time.Second
	}
	if c.Messaging.Timeout <= 0 {
		c.Messaging.Timeout = 5 * time.Second
	}

	if c.Engine.FollowMeEventThreshold <= 0 {
		errs = append(errs, errors.New("ENGINE_FOLLOWME_EVENTS must be > 0"))
	}
	if c.Engine.MultipleTransferBridges <= 0 {
		errs = append(errs, errors.New("ENGINE_TRANSFER_BRIDGES must be > 0"))
	}
	if c.Engine.ComplexTransferCreates <= 0 {
		errs = append(errs, errors.New("ENGINE_TRANSFER_CREATES must be > 0"))
	}
	if c.Engine.BusyStartWindow <= 0 || c.Engine.EarlyBridgeWindow <= 0 {
		errs = append(errs, errors.New("classification windows must be > 0"))
	}
	if c.Engine.BatchSize <= 0 {
		errs = append(errs, errors.New("ENGINE_BATCH_SIZE must be > 0"))
	}
	if c.Engine.FinishedCallTTL <= c.Engine.ActiveCallTTL {
		errs = append(errs, errors.New("ENGINE_FINISHED_CALL_TTL must be greater than ENGINE_ACTIVE_CALL_TTL"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool { return c.App.Env == "production" }

func (c Config) HTTPAddr() string { return fmt.Sprintf(":%d", c.App.Port) }

func (c Config) RedisAddr() string {
	if c.Redis.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func optDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
