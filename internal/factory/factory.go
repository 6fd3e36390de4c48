package factory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"session-service/internal/audit"
	"session-service/internal/bucketing"
	"session-service/internal/client"
	"session-service/internal/config"
	"session-service/internal/csrf"
	"session-service/internal/encryption"
	"session-service/internal/handler"
	"session-service/internal/hashing"
	"session-service/internal/lockout"
	"session-service/internal/policy"
	"session-service/internal/ratelimit"
	"session-service/internal/realtime"
	"session-service/internal/repository"
	"session-service/internal/repository/memory"
	redisrepo "session-service/internal/repository/redis"
	"session-service/internal/repository/scylla"
	"session-service/internal/service"
	"session-service/internal/store"
	"session-service/internal/tls"
	"session-service/internal/token"
)

const (
	backendMemory = "memory"
	backendRedis  = "redis"
	backendScylla = "scylla"
)

type healthFunc func(ctx context.Context) error

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	logger     *zap.Logger
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	postgresClient   *client.PostgresClient

	memoryKV *store.MemoryKV
	kv       store.KV
	accounts repository.AccountStore
	sessions repository.SessionStore
	bus      realtime.Bus

	buckets  *bucketing.BucketingManager
	hasher   *hashing.Hasher
	signer   *token.Signer
	csrf     *csrf.Store
	policy   *policy.Watcher
	recorder *audit.Recorder

	serviceFactory *service.ServiceFactory
	hub            *realtime.Hub
	router         http.Handler

	health map[string]healthFunc

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory connects the configured backends and assembles the services,
// realtime hub and HTTP router. In production any backend failure is fatal;
// elsewhere a failed backend falls back to its in-memory counterpart.
func NewFactory(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Factory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Factory{
		config: cfg,
		logger: logger,
		health: make(map[string]healthFunc),
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(&tls.TLSConfig{
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
		}, logger)
	}

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	steps := []func(context.Context) error{
		f.initializeStores,
		f.initializeAudit,
		f.initializeSecurity,
	}
	for _, step := range steps {
		if err := step(initCtx); err != nil {
			f.Close()
			return nil, err
		}
	}
	f.initializeServices()

	logger.Info("Factory initialized successfully",
		zap.String("environment", cfg.Environment),
		zap.String("store", cfg.Backends.Store),
		zap.String("accounts", cfg.Backends.Accounts),
		zap.String("event_bus", cfg.Backends.EventBus),
		zap.Strings("audit_sinks", cfg.Backends.AuditSinks),
		zap.Bool("tls_enabled", cfg.Server.EnableTLS),
		zap.Bool("kms_enabled", cfg.KMS.Enabled),
	)
	return f, nil
}

// degrade returns err in production and logs it otherwise
func (f *Factory) degrade(component string, err error) error {
	if f.config.IsProduction() {
		return fmt.Errorf("critical service initialization failed: %s: %w", component, err)
	}
	f.logger.Warn("Service initialization warning, continuing without backend",
		zap.String("component", component), zap.Error(err))
	return nil
}

func (f *Factory) redis(ctx context.Context) (*client.RedisClient, error) {
	if f.redisClient != nil {
		return f.redisClient, nil
	}
	c, err := client.NewRedisClient(f.config, f.logger)
	if err != nil {
		return nil, err
	}
	if err := c.HealthCheck(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	f.redisClient = c
	f.health["redis"] = c.HealthCheck
	return c, nil
}

func (f *Factory) initializeStores(ctx context.Context) error {
	cfg := f.config
	f.buckets = bucketing.NewBucketingManager(cfg.Bucketing.UserBuckets, cfg.Bucketing.EventBuckets)

	if cfg.Backends.Store == backendRedis {
		if rc, err := f.redis(ctx); err != nil {
			if err := f.degrade("redis store", err); err != nil {
				return err
			}
		} else {
			f.kv = redisrepo.NewKVStore(rc, "", f.logger)
			f.sessions = redisrepo.NewSessionCache(rc, "", f.logger)
		}
	}
	if f.kv == nil {
		f.memoryKV = store.NewMemoryKV(nil)
		f.memoryKV.StartCleanupRoutine(cfg.Security.CSRF.SweepInterval)
		f.kv = f.memoryKV
		f.sessions = memory.NewSessionStore()
	}

	if cfg.Backends.Accounts == backendScylla {
		sc, err := scylla.NewScyllaClient(cfg, f.logger)
		if err == nil && !cfg.IsProduction() {
			err = sc.EnsureSchema(ctx)
		}
		if err != nil {
			if sc != nil {
				sc.Close()
			}
			if err := f.degrade("scylla accounts", err); err != nil {
				return err
			}
		} else {
			f.scyllaClient = sc
			f.accounts = scylla.NewAccountStore(sc, f.buckets, f.logger)
			f.health["scylla"] = sc.HealthCheck
		}
	}
	if f.accounts == nil {
		f.accounts = memory.NewAccountStore()
	}

	if cfg.Backends.EventBus == backendRedis {
		if rc, err := f.redis(ctx); err != nil {
			if err := f.degrade("redis event bus", err); err != nil {
				return err
			}
		} else {
			f.bus = realtime.NewBroadcastBus(redisrepo.NewPubSub(rc, cfg.Realtime.EventChannel, f.logger), f.logger)
		}
	}
	if f.bus == nil {
		f.bus = realtime.NewMemoryBus()
	}

	f.health["store"] = f.kv.Ping
	return nil
}

// initializeAudit builds the configured sinks. Unavailable analytics sinks
// are skipped; the log sink is always present so no event is lost silently.
func (f *Factory) initializeAudit(ctx context.Context) error {
	cfg := f.config
	sinks := []audit.Sink{audit.NewLogSink(f.logger)}

	if cfg.HasAuditSink("kafka") {
		if p, err := client.NewKafkaProducer(cfg, f.logger); err != nil {
			f.logger.Warn("Kafka producer initialization failed - proceeding without Kafka", zap.Error(err))
		} else {
			f.kafkaProducer = p
			f.health["kafka"] = p.HealthCheck
			sinks = append(sinks, audit.NewKafkaSink(p, cfg.Kafka.AuditTopic))
		}
	}

	if cfg.HasAuditSink("elasticsearch") {
		if es, err := client.NewElasticsearchClient(cfg, f.logger); err != nil {
			if err := f.degrade("elasticsearch", err); err != nil {
				return err
			}
		} else {
			f.esClient = es
			f.health["elasticsearch"] = es.HealthCheck
			sinks = append(sinks, audit.NewElasticsearchSink(es, cfg.Elasticsearch.AuditIndex))
		}
	}

	if cfg.HasAuditSink("clickhouse") {
		ch, err := client.NewClickHouseClient(cfg, f.logger)
		if err == nil && !cfg.IsProduction() {
			if err = ch.EnsureSchema(ctx); err != nil {
				_ = ch.Close()
			}
		}
		if err != nil {
			if err := f.degrade("clickhouse", err); err != nil {
				return err
			}
		} else {
			f.clickhouseClient = ch
			f.health["clickhouse"] = ch.HealthCheck
			sinks = append(sinks, audit.NewClickHouseSink(ch))
		}
	}

	if cfg.HasAuditSink("postgres") {
		if pg, err := client.NewPostgresClient(cfg, f.logger); err != nil {
			if err := f.degrade("postgres", err); err != nil {
				return err
			}
		} else {
			f.postgresClient = pg
			f.health["postgres"] = pg.HealthCheck
			sinks = append(sinks, audit.NewPostgresSink(pg.DB))
		}
	}

	var sink audit.Sink = sinks[0]
	if len(sinks) > 1 {
		sink = audit.NewMultiSink(sinks...)
	}
	f.recorder = audit.NewRecorder(sink, f.buckets, f.logger)
	return nil
}

func (f *Factory) initializeSecurity(ctx context.Context) error {
	cfg := f.config

	hasher, err := hashing.NewHasher(hashing.Options{
		Memory:         cfg.Hashing.Argon2MemoryCost,
		Iterations:     cfg.Hashing.Argon2TimeCost,
		Parallelism:    cfg.Hashing.Argon2Parallelism,
		CurrentVersion: cfg.Hashing.PepperVersion,
		Peppers:        cfg.Hashing.Peppers,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize hasher: %w", err)
	}
	f.hasher = hasher

	var decrypter encryption.Decrypter
	if cfg.KMS.Enabled {
		kmsClient, err := encryption.NewKMSClient(ctx, cfg.KMS.Region)
		if err != nil {
			return fmt.Errorf("failed to initialize KMS: %w", err)
		}
		decrypter = kmsClient
	}
	resolver := encryption.NewSecretResolver(decrypter, encryption.SecretSource{
		Plain:          cfg.JWT.Secret,
		EncryptedB64:   cfg.JWT.EncryptedSecret,
		KeyID:          cfg.KMS.KeyID,
		AllowEphemeral: !cfg.IsProduction(),
	}, f.logger)
	secret, err := resolver.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve signing secret: %w", err)
	}

	f.signer, err = token.NewSigner(secret, token.Config{
		Issuer:     cfg.JWT.Issuer,
		AccessTTL:  cfg.JWT.AccessTTL,
		RefreshTTL: cfg.JWT.RefreshTTL,
	})
	if err != nil {
		return err
	}

	f.csrf = csrf.NewStore(f.kv, cfg.Security.CSRF.TTL, f.logger)

	f.policy, err = policy.NewWatcher(cfg.Policy.RulesFile, f.logger)
	if err != nil {
		return fmt.Errorf("failed to load policy rules: %w", err)
	}
	return nil
}

func (f *Factory) initializeServices() {
	cfg := f.config

	deps := service.Deps{
		Limiter: ratelimit.New(f.kv, ratelimit.Config{
			Max:    cfg.Security.RateLimit.Max,
			Window: cfg.Security.RateLimit.Window,
		}, f.logger),
		Lockout: lockout.NewTracker(f.kv, lockout.Config{
			MaxAttempts: cfg.Security.Lockout.MaxAttempts,
			Duration:    cfg.Security.Lockout.Duration,
			Window:      cfg.Security.Lockout.Window,
		}, f.logger),
		CSRF:     f.csrf,
		Accounts: f.accounts,
		Sessions: f.sessions,
		Hasher:   f.hasher,
		Signer:   f.signer,
		Screener: f.policy,
		Audit:    f.recorder,
		Events:   realtime.NewPublisher(f.bus),
		Logger:   f.logger,
	}
	opts := service.Options{
		EnforceCSRF:              cfg.Security.CSRF.Enforce,
		RequireEmailVerification: cfg.Security.Registration.RequireEmailVerification,
		SessionTTL:               cfg.Session.TTL,
		RememberMeTTL:            cfg.JWT.RememberMeTTL,
		Password: service.PasswordPolicy{
			MinLength: cfg.Security.Password.MinLength,
			MaxLength: cfg.Security.Password.MaxLength,
			MinScore:  cfg.Security.Password.MinScore,
		},
		ElevatedRoles:       cfg.Security.Registration.ElevatedRoles,
		ElevatedRoleDomains: cfg.Security.Registration.ElevatedRoleDomains,
	}
	f.serviceFactory = service.NewServiceFactory(deps, opts, service.MonitorConfig{
		Interval:      cfg.Session.SweepInterval,
		WarningBefore: cfg.Session.WarningBefore,
	})

	f.hub = realtime.NewHub(f.serviceFactory.SessionService(), f.bus, realtime.Config{
		ReadTimeout:    cfg.Realtime.ReadTimeout,
		WriteTimeout:   cfg.Realtime.WriteTimeout,
		InboundRate:    cfg.Realtime.InboundRate,
		InboundBurst:   cfg.Realtime.InboundBurst,
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
	}, f.logger)

	authHandler := handler.NewAuthHandler(
		f.serviceFactory.AuthService(),
		f.serviceFactory.SessionService(),
		f.csrf,
		handler.CookieConfig{
			Secure:  cfg.Session.CookieSecure,
			Domain:  cfg.Session.CookieDomain,
			CSRFTTL: cfg.Security.CSRF.TTL,
		},
		f.logger,
	)
	f.router = handler.NewRouter(handler.RouterOptions{
		RequireTLS:     cfg.Server.RequireTLS,
		AllowedOrigins: cfg.Server.CORSOrigins,
		RealtimePath:   cfg.Realtime.Path,
		RequestTimeout: cfg.Server.WriteTimeout,
	}, authHandler, f.hub, f, f.logger)
}

// Start launches the realtime subscription, the session monitor and the
// policy file watcher. They stop when ctx is cancelled.
func (f *Factory) Start(ctx context.Context) error {
	if err := f.hub.Start(ctx); err != nil {
		return fmt.Errorf("start realtime hub: %w", err)
	}
	go f.serviceFactory.SessionMonitor().Run(ctx)
	if f.config.Policy.RulesFile != "" && f.config.Policy.Watch {
		if err := f.policy.Start(ctx); err != nil {
			f.logger.Warn("Policy watcher not started", zap.Error(err))
		}
	}
	return nil
}

// HealthCheck pings every connected backend concurrently; a nil value
// means healthy.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	results := make(map[string]error, len(f.health)+1)
	g, gctx := errgroup.WithContext(ctx)
	for name, check := range f.health {
		g.Go(func() error {
			err := check(gctx)
			mu.Lock()
			results[name] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := f.accounts.HealthCheck(ctx); err != nil {
		results["accounts"] = err
	} else {
		results["accounts"] = nil
	}
	return results
}

// IsHealthy ignores Kafka, which only carries audit copies
func (f *Factory) IsHealthy(ctx context.Context) bool {
	for name, err := range f.HealthCheck(ctx) {
		if name != "kafka" && err != nil {
			return false
		}
	}
	return true
}

func (f *Factory) Close() error {
	var errs []error
	f.closeOnce.Do(func() {
		close(f.closed)
		f.logger.Info("Shutting down factory...")

		if f.hub != nil {
			if err := f.hub.Close(); err != nil {
				errs = append(errs, fmt.Errorf("realtime hub: %w", err))
			}
		}
		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
		}
		if f.policy != nil {
			_ = f.policy.Close()
		}
		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				errs = append(errs, fmt.Errorf("clickhouse: %w", err))
			}
		}
		if f.esClient != nil {
			_ = f.esClient.Close()
		}
		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("kafka: %w", err))
			}
		}
		if f.postgresClient != nil {
			if err := f.postgresClient.Close(); err != nil {
				errs = append(errs, fmt.Errorf("postgres: %w", err))
			}
		}
		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}
		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				errs = append(errs, fmt.Errorf("redis: %w", err))
			}
		}
		if f.memoryKV != nil {
			_ = f.memoryKV.Close()
		}

		for _, err := range errs {
			f.logger.Error("Shutdown error", zap.Error(err))
		}
		f.logger.Info("Factory shutdown completed")
	})
	return errors.Join(errs...)
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Router() http.Handler {
	return f.router
}

func (f *Factory) Hub() *realtime.Hub {
	return f.hub
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}

func (f *Factory) Accounts() repository.AccountStore {
	return f.accounts
}

func (f *Factory) Hasher() *hashing.Hasher {
	return f.hasher
}
