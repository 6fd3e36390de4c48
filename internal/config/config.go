package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	current *Config
	mu      sync.RWMutex
)

// Config holds the complete service configuration
type Config struct {
	Environment string `yaml:"environment"`

	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Backends      BackendConfig       `yaml:"backends"`
	Redis         RedisConfig         `yaml:"redis"`
	Scylla        ScyllaConfig        `yaml:"scylla"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Clickhouse    ClickhouseConfig    `yaml:"clickhouse"`
	Postgres      PostgresConfig      `yaml:"postgres"`
	KMS           KMSConfig           `yaml:"kms"`
	Hashing       HashingConfig       `yaml:"hashing"`
	Bucketing     BucketingConfig     `yaml:"bucketing"`
	JWT           JWTConfig           `yaml:"jwt"`
	Session       SessionConfig       `yaml:"session"`
	Security      SecurityConfig      `yaml:"security"`
	Realtime      RealtimeConfig      `yaml:"realtime"`
	Policy        PolicyConfig        `yaml:"policy"`
	Client        ClientConfig        `yaml:"client"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	TLSPort      int           `yaml:"tls_port"`
	EnableTLS    bool          `yaml:"enable_tls"`
	RequireTLS   bool          `yaml:"require_tls"`
	AutoCert     bool          `yaml:"auto_cert"`
	Domain       string        `yaml:"domain"`
	CertFile     string        `yaml:"cert_file"`
	KeyFile      string        `yaml:"key_file"`
	AutoCertDir  string        `yaml:"auto_cert_dir"`
	Email        string        `yaml:"email"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	CORSOrigins  []string      `yaml:"cors_origins"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	File          string `yaml:"file"`
	FileMaxSizeMB int    `yaml:"file_max_size_mb"`
	FileMaxAge    int    `yaml:"file_max_age_days"`
	FileBackups   int    `yaml:"file_max_backups"`
}

// BackendConfig selects the implementation of each shared store
type BackendConfig struct {
	Store      string   `yaml:"store"`     // memory | redis
	Accounts   string   `yaml:"accounts"`  // memory | scylla
	EventBus   string   `yaml:"event_bus"` // memory | redis
	AuditSinks []string `yaml:"audit_sinks"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type ScyllaConfig struct {
	Nodes    []string `yaml:"nodes"`
	Keyspace string   `yaml:"keyspace"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	CAPath   string   `yaml:"ca_path"`

	// Consistency is a gocql consistency name such as LOCAL_QUORUM
	Consistency string `yaml:"consistency"`
}

type KafkaConfig struct {
	Brokers    []string `yaml:"brokers"`
	AuditTopic string   `yaml:"audit_topic"`
}

type ElasticsearchConfig struct {
	URL        string `yaml:"url"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	AuditIndex string `yaml:"audit_index"`
}

type ClickhouseConfig struct {
	URL      string        `yaml:"url"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Database string        `yaml:"database"`
	CAFile   string        `yaml:"ca_file"`
	TTL      time.Duration `yaml:"ttl"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type KMSConfig struct {
	Enabled bool   `yaml:"enabled"`
	KeyID   string `yaml:"key_id"`
	Region  string `yaml:"region"`
}

type HashingConfig struct {
	Argon2MemoryCost  int               `yaml:"argon2_memory_cost"`
	Argon2TimeCost    int               `yaml:"argon2_time_cost"`
	Argon2Parallelism int               `yaml:"argon2_parallelism"`
	PepperVersion     int               `yaml:"pepper_version"`
	Peppers           map[int]string    `yaml:"peppers"`
}

type BucketingConfig struct {
	UserBuckets  int `yaml:"user_buckets"`
	EventBuckets int `yaml:"event_buckets"`
}

type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	EncryptedSecret string        `yaml:"encrypted_secret"`
	Issuer          string        `yaml:"issuer"`
	AccessTTL       time.Duration `yaml:"access_ttl"`
	RefreshTTL      time.Duration `yaml:"refresh_ttl"`
	RememberMeTTL   time.Duration `yaml:"remember_me_ttl"`
}

type SessionConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	WarningBefore time.Duration `yaml:"warning_before"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	CookieSecure  bool          `yaml:"cookie_secure"`
	CookieDomain  string        `yaml:"cookie_domain"`
}

type SecurityConfig struct {
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Lockout      LockoutConfig      `yaml:"lockout"`
	CSRF         CSRFConfig         `yaml:"csrf"`
	Password     PasswordConfig     `yaml:"password"`
	Registration RegistrationConfig `yaml:"registration"`
}

type RateLimitConfig struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

type LockoutConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Duration    time.Duration `yaml:"duration"`
	Window      time.Duration `yaml:"window"`
}

type CSRFConfig struct {
	Enforce       bool          `yaml:"enforce"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type PasswordConfig struct {
	MinScore  int `yaml:"min_score"`
	MinLength int `yaml:"min_length"`
	MaxLength int `yaml:"max_length"`
}

type RegistrationConfig struct {
	RequireEmailVerification bool     `yaml:"require_email_verification"`
	ElevatedRoles            []string `yaml:"elevated_roles"`
	ElevatedRoleDomains      []string `yaml:"elevated_role_domains"`
}

type RealtimeConfig struct {
	Path           string        `yaml:"path"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	InboundRate    float64       `yaml:"inbound_rate"`
	InboundBurst   int           `yaml:"inbound_burst"`
	EventChannel   string        `yaml:"event_channel"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

type PolicyConfig struct {
	RulesFile string `yaml:"rules_file"`
	Watch     bool   `yaml:"watch"`
}

// ClientConfig configures the terminal session client
type ClientConfig struct {
	BaseURL            string        `yaml:"base_url"`
	RealtimeURL        string        `yaml:"realtime_url"`
	LoginPath          string        `yaml:"login_path"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectAttempts  int           `yaml:"reconnect_attempts"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	StatusInterval     time.Duration `yaml:"status_interval"`
	InactivityAfter    time.Duration `yaml:"inactivity_after"`
	InactivityCheck    time.Duration `yaml:"inactivity_check"`
	ActivityReport     time.Duration `yaml:"activity_report"`
	CrossContext       string        `yaml:"cross_context"` // none | redis
}

// LoadConfig loads .env, environment variables and an optional YAML overlay
func LoadConfig() *Config {
	_ = godotenv.Load()

	env := getEnv("ENVIRONMENT", "development")
	production := env == "production"

	cfg := &Config{
		Environment: env,
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:    getEnvBool("ENABLE_TLS", false),
			RequireTLS:   getEnvBool("REQUIRE_TLS", production),
			AutoCert:     getEnvBool("AUTO_CERT", false),
			Domain:       getEnv("DOMAIN", "localhost"),
			CertFile:     getEnv("TLS_CERT_FILE", ""),
			KeyFile:      getEnv("TLS_KEY_FILE", ""),
			AutoCertDir:  getEnv("AUTO_CERT_DIR", "./certs"),
			Email:        getEnv("ACME_EMAIL", ""),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			CORSOrigins:  getEnvSlice("CORS_ORIGINS", []string{"https://*", "http://localhost:*"}),
		},
		Logging: LoggingConfig{
			Level:         getEnv("LOG_LEVEL", "info"),
			Format:        getEnv("LOG_FORMAT", "console"),
			File:          getEnv("LOG_FILE", ""),
			FileMaxSizeMB: getEnvInt("LOG_FILE_MAX_SIZE_MB", 100),
			FileMaxAge:    getEnvInt("LOG_FILE_MAX_AGE_DAYS", 28),
			FileBackups:   getEnvInt("LOG_FILE_MAX_BACKUPS", 5),
		},
		Backends: BackendConfig{
			Store:      getEnv("STORE_BACKEND", "memory"),
			Accounts:   getEnv("ACCOUNT_BACKEND", "memory"),
			EventBus:   getEnv("EVENT_BUS_BACKEND", "memory"),
			AuditSinks: getEnvSlice("AUDIT_SINKS", []string{"log"}),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Nodes:       getEnvSlice("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace:    getEnv("SCYLLA_KEYSPACE", "session_service"),
			Username:    getEnv("SCYLLA_USERNAME", ""),
			Password:    getEnv("SCYLLA_PASSWORD", ""),
			CAPath:      getEnv("SCYLLA_CA_PATH", ""),
			Consistency: getEnv("SCYLLA_CONSISTENCY", "LOCAL_QUORUM"),
		},
		Kafka: KafkaConfig{
			Brokers:    getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			AuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "security-events"),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:        getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:   getEnv("ELASTICSEARCH_USERNAME", ""),
			Password:   getEnv("ELASTICSEARCH_PASSWORD", ""),
			AuditIndex: getEnv("ELASTICSEARCH_AUDIT_INDEX", "security-events"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "security"),
			CAFile:   getEnv("CLICKHOUSE_CA_FILE", ""),
			TTL:      getEnvDuration("CLICKHOUSE_EVENT_TTL", 90*24*time.Hour),
		},
		Postgres: PostgresConfig{
			DSN: getEnv("POSTGRES_DSN", "postgres://localhost:5432/session_service?sslmode=disable"),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("AWS_REGION", "us-east-1"),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_COST", 64*1024),
			Argon2TimeCost:    getEnvInt("ARGON2_TIME_COST", 1),
			Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 2),
			PepperVersion:     1,
			Peppers:           map[int]string{1: getEnv("PASSWORD_PEPPER", "")},
		},
		Bucketing: BucketingConfig{
			UserBuckets:  getEnvInt("USER_BUCKETS", 256),
			EventBuckets: getEnvInt("EVENT_BUCKETS", 64),
		},
		JWT: JWTConfig{
			Secret:          getEnv("JWT_SECRET", ""),
			EncryptedSecret: getEnv("JWT_ENCRYPTED_SECRET", ""),
			Issuer:          getEnv("JWT_ISSUER", "session-service"),
			AccessTTL:       getEnvDuration("JWT_ACCESS_TTL", 15*time.Minute),
			RefreshTTL:      getEnvDuration("JWT_REFRESH_TTL", 7*24*time.Hour),
			RememberMeTTL:   getEnvDuration("JWT_REMEMBER_ME_TTL", 30*24*time.Hour),
		},
		Session: SessionConfig{
			TTL:           getEnvDuration("SESSION_TTL", 8*time.Hour),
			WarningBefore: getEnvDuration("SESSION_WARNING_BEFORE", 5*time.Minute),
			SweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", time.Minute),
			CookieSecure:  getEnvBool("COOKIE_SECURE", production),
			CookieDomain:  getEnv("COOKIE_DOMAIN", ""),
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Max:    getEnvInt("AUTH_RATE_LIMIT_MAX", 10),
				Window: getEnvDuration("AUTH_RATE_LIMIT_WINDOW", 15*time.Minute),
			},
			Lockout: LockoutConfig{
				MaxAttempts: getEnvInt("LOCKOUT_MAX_ATTEMPTS", 5),
				Duration:    getEnvDuration("LOCKOUT_DURATION", 15*time.Minute),
				Window:      getEnvDuration("LOCKOUT_WINDOW", time.Hour),
			},
			CSRF: CSRFConfig{
				Enforce:       getEnvBool("CSRF_ENFORCE", production),
				TTL:           getEnvDuration("CSRF_TTL", time.Hour),
				SweepInterval: getEnvDuration("CSRF_SWEEP_INTERVAL", 10*time.Minute),
			},
			Password: PasswordConfig{
				MinScore:  getEnvInt("PASSWORD_MIN_SCORE", 80),
				MinLength: getEnvInt("PASSWORD_MIN_LENGTH", 8),
				MaxLength: getEnvInt("PASSWORD_MAX_LENGTH", 128),
			},
			Registration: RegistrationConfig{
				RequireEmailVerification: getEnvBool("REQUIRE_EMAIL_VERIFICATION", false),
				ElevatedRoles:            getEnvSlice("ELEVATED_ROLES", []string{"admin", "manager"}),
				ElevatedRoleDomains:      getEnvSlice("ELEVATED_ROLE_DOMAINS", nil),
			},
		},
		Realtime: RealtimeConfig{
			Path:           getEnv("REALTIME_PATH", "/ws/session"),
			ReadTimeout:    getEnvDuration("REALTIME_READ_TIMEOUT", 90*time.Second),
			WriteTimeout:   getEnvDuration("REALTIME_WRITE_TIMEOUT", 10*time.Second),
			InboundRate:    getEnvFloat("REALTIME_INBOUND_RATE", 5),
			InboundBurst:   getEnvInt("REALTIME_INBOUND_BURST", 20),
			EventChannel:   getEnv("REALTIME_EVENT_CHANNEL", "session-events"),
			AllowedOrigins: getEnvSlice("REALTIME_ALLOWED_ORIGINS", nil),
		},
		Policy: PolicyConfig{
			RulesFile: getEnv("POLICY_RULES_FILE", ""),
			Watch:     getEnvBool("POLICY_WATCH", true),
		},
		Client: ClientConfig{
			BaseURL:            getEnv("CLIENT_BASE_URL", "http://localhost:8080"),
			RealtimeURL:        getEnv("CLIENT_REALTIME_URL", "ws://localhost:8080/ws/session"),
			LoginPath:          getEnv("CLIENT_LOGIN_PATH", "/login"),
			ReconnectBaseDelay: getEnvDuration("CLIENT_RECONNECT_BASE_DELAY", time.Second),
			ReconnectAttempts:  getEnvInt("CLIENT_RECONNECT_ATTEMPTS", 5),
			PingInterval:       getEnvDuration("CLIENT_PING_INTERVAL", 30*time.Second),
			StatusInterval:     getEnvDuration("CLIENT_STATUS_INTERVAL", 60*time.Second),
			InactivityAfter:    getEnvDuration("CLIENT_INACTIVITY_AFTER", 5*time.Minute),
			InactivityCheck:    getEnvDuration("CLIENT_INACTIVITY_CHECK", time.Minute),
			ActivityReport:     getEnvDuration("CLIENT_ACTIVITY_REPORT", time.Minute),
			CrossContext:       getEnv("CLIENT_CROSS_CONTEXT", "none"),
		},
	}

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.applyOverlay(path); err != nil {
			fmt.Fprintf(os.Stderr, "config overlay %s ignored: %v\n", path, err)
		}
	}

	mu.Lock()
	current = cfg
	mu.Unlock()

	return cfg
}

// applyOverlay merges a YAML file over the environment-derived values
func (c *Config) applyOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read overlay: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse overlay: %w", err)
	}
	return nil
}

// Get returns the loaded configuration, loading it on first use
func Get() *Config {
	mu.RLock()
	cfg := current
	mu.RUnlock()
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// HasAuditSink reports whether the named sink is enabled
func (c *Config) HasAuditSink(name string) bool {
	for _, s := range c.Backends.AuditSinks {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
