package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/hcoin-appointments/internal/appointments"
	"github.com/wolfman30/hcoin-appointments/internal/audit"
	"github.com/wolfman30/hcoin-appointments/internal/coin"
	appconfig "github.com/wolfman30/hcoin-appointments/internal/config"
	"github.com/wolfman30/hcoin-appointments/internal/feepolicy"
	"github.com/wolfman30/hcoin-appointments/internal/ledger"
	"github.com/wolfman30/hcoin-appointments/internal/notify"
	"github.com/wolfman30/hcoin-appointments/internal/observability/metrics"
	"github.com/wolfman30/hcoin-appointments/internal/refunds"
	"github.com/wolfman30/hcoin-appointments/internal/velocity"
	"github.com/wolfman30/hcoin-appointments/pkg/logging"
)

// AWSClients carries the optional SDK clients built by the binaries.
type AWSClients struct {
	SQS *sqs.Client
	SES *sesv2.Client
}

// Journal is both ends of the transition log.
type Journal interface {
	appointments.TransitionRecorder
	appointments.HistoryReader
}

// Runtime holds the collaborators shared by the API and the refund worker.
type Runtime struct {
	Config      *appconfig.Config
	Logger      *logging.Logger
	Metrics     *metrics.AppointmentMetrics
	Redis       *redis.Client
	Pool        *pgxpool.Pool
	Store       appointments.Store
	Journal     Journal
	Ledger      ledger.Gateway
	Registry    *appointments.Registry
	Coordinator *appointments.Coordinator
	RefundQueue refunds.Queue
	Email       notify.EmailSender

	closers []func()
}

// Build wires the runtime from configuration. Missing infrastructure falls
// back to in-memory implementations outside production.
func Build(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, reg prometheus.Registerer, clients AWSClients) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rt := &Runtime{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.NewAppointmentMetrics(reg),
	}

	policyCfg, err := cfg.FeePolicy()
	if err != nil {
		return nil, err
	}
	policy, err := feepolicy.New(policyCfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: fee policy: %w", err)
	}

	rt.Redis = BuildRedisClient(ctx, cfg, logger, true)
	if rt.Redis != nil {
		rt.closers = append(rt.closers, func() { _ = rt.Redis.Close() })
	}

	if err := rt.buildStorage(ctx); err != nil {
		rt.Close()
		return nil, err
	}

	gateway, err := BuildLedger(cfg, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Ledger = ledger.Instrumented(gateway, rt.Metrics)

	rt.RefundQueue = BuildRefundQueue(cfg, clients.SQS, logger)
	rt.Email = BuildEmailSender(cfg, clients.SES, logger)

	rt.Registry = appointments.NewRegistry(rt.Store, policy,
		appointments.WithLogger(logger),
		appointments.WithRecorder(rt.Journal),
		appointments.WithObserver(rt.Metrics),
		appointments.WithMaxActivePerPatient(cfg.MaxActivePerPatient),
		appointments.WithApprovalWindow(cfg.ApprovalWindow),
		appointments.WithEscrowAddress(cfg.PlatformEscrowAddress),
	)

	opts := []appointments.CoordinatorOption{
		appointments.WithCoordinatorLogger(logger),
		appointments.WithHistory(rt.Journal),
		appointments.WithRefundSink(refunds.NewPublisher(rt.RefundQueue)),
	}
	if dir := ParseDoctorDirectory(cfg.DoctorDirectory, logger); len(dir) > 0 {
		opts = append(opts, appointments.WithDirectory(dir))
	}
	if rt.Redis != nil {
		opts = append(opts, appointments.WithVelocityGuard(velocity.NewChecker(rt.Redis, velocity.Config{
			MaxSubmissions: cfg.SubmissionsPerPatientPerHour,
		}, logger)))
	}
	rt.Coordinator = appointments.NewCoordinator(rt.Registry, rt.Ledger, appointments.CoordinatorConfig{
		LedgerTimeout:       cfg.LedgerCallTimeout,
		MaxPendingPerDoctor: cfg.MaxPendingPerDoctor,
	}, opts...)

	return rt, nil
}

func (rt *Runtime) buildStorage(ctx context.Context) error {
	if strings.TrimSpace(rt.Config.DatabaseURL) == "" {
		rt.Logger.Warn("DATABASE_URL not set; appointments are kept in memory")
		rt.Store = appointments.NewMemoryStore()
		rt.Journal = audit.NewMemoryJournal()
		return nil
	}
	pool, err := pgxpool.New(ctx, rt.Config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("bootstrap: connect postgres: %w", err)
	}
	rt.Pool = pool
	db := stdlib.OpenDBFromPool(pool)
	rt.closers = append(rt.closers, func() {
		_ = db.Close()
		pool.Close()
	})
	rt.Store = appointments.NewPostgresStore(pool)
	rt.Journal = audit.NewSQLJournal(db)
	return nil
}

// RefundDispatcher re-publishes refunds the cancel path could not hand off.
func (rt *Runtime) RefundDispatcher() *refunds.Dispatcher {
	return refunds.NewDispatcher(rt.Registry, refunds.NewPublisher(rt.RefundQueue), rt.Logger).
		WithInterval(rt.Config.RefundDispatchInterval)
}

// RefundWorker builds the queue consumer that executes refunds on the ledger.
func (rt *Runtime) RefundWorker() *refunds.Worker {
	var processed refunds.ProcessedStore = refunds.NewMemoryProcessedStore()
	if rt.Redis != nil {
		processed = refunds.NewRedisProcessedStore(rt.Redis, 0)
	}
	return refunds.NewWorker(rt.RefundQueue, rt.Ledger, rt.Logger,
		refunds.WithWorkerCount(rt.Config.WorkerCount),
		refunds.WithMaxAttempts(rt.Config.RefundMaxAttempts),
		refunds.WithLedgerTimeout(rt.Config.LedgerCallTimeout),
		refunds.WithProcessedStore(processed),
		refunds.WithRefundObserver(rt.Metrics),
		refunds.WithDeadLetterAlerter(notify.NewRefundAlerter(rt.Email, rt.Config.OperatorAlertEmail, rt.Logger)),
	)
}

// HealthChecks returns a ping per configured backing service.
func (rt *Runtime) HealthChecks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{}
	if rt.Pool != nil {
		checks["database"] = rt.Pool.Ping
	}
	if rt.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return rt.Redis.Ping(ctx).Err() }
	}
	return checks
}

// Close releases connections in reverse order of acquisition.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// BuildLedger returns the HTTP gateway when LEDGER_BASE_URL is set and a
// funded in-memory ledger otherwise.
func BuildLedger(cfg *appconfig.Config, logger *logging.Logger) (ledger.Gateway, error) {
	if base := strings.TrimSpace(cfg.LedgerBaseURL); base != "" {
		return ledger.NewHTTPGateway(base, cfg.LedgerAPIKey, logger), nil
	}
	opening, err := coin.Parse(cfg.DevLedgerOpeningBalance)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: DEV_LEDGER_OPENING_BALANCE: %w", err)
	}
	logger.Warn("LEDGER_BASE_URL not set; using in-memory ledger", "opening_balance", opening.String())
	return ledger.NewMemoryLedger(ledger.WithOpeningBalance(opening)), nil
}

// BuildRefundQueue picks SQS when a client and queue URL are available.
func BuildRefundQueue(cfg *appconfig.Config, client *sqs.Client, logger *logging.Logger) refunds.Queue {
	if cfg.UseMemoryQueue || client == nil || strings.TrimSpace(cfg.RefundQueueURL) == "" {
		logger.Info("refund queue running in memory")
		return refunds.NewMemoryQueue(256)
	}
	return refunds.NewSQSQueue(client, cfg.RefundQueueURL)
}

// BuildEmailSender prefers SendGrid, then SES, then a logging stub.
func BuildEmailSender(cfg *appconfig.Config, client *sesv2.Client, logger *logging.Logger) notify.EmailSender {
	if sender := notify.NewSendGridSender(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.SendGridFromEmail,
		FromName:  cfg.SendGridFromName,
	}, logger); sender != nil {
		return sender
	}
	if cfg.SESFromEmail != "" {
		if sender := notify.NewSESSender(client, notify.SESConfig{FromEmail: cfg.SESFromEmail}, logger); sender != nil {
			return sender
		}
	}
	return notify.NewStubEmailSender(logger)
}

// ParseDoctorDirectory reads "0xaddr=Cardiology;0xother=Oncology". Bad
// entries are logged and skipped.
func ParseDoctorDirectory(raw string, logger *logging.Logger) appointments.StaticDirectory {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	dir := appointments.StaticDirectory{}
	for _, entry := range strings.Split(raw, ";") {
		address, name, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			logger.Warn("skipping doctor directory entry", "entry", entry)
			continue
		}
		spec, err := feepolicy.ParseSpecialization(strings.TrimSpace(name))
		if err != nil {
			logger.Warn("skipping doctor directory entry", "entry", entry, "error", err)
			continue
		}
		address = strings.ToLower(strings.TrimSpace(address))
		dir[address] = appointments.Party{
			Address:        address,
			Role:           appointments.RoleDoctor,
			Specialization: spec,
		}
	}
	return dir
}
