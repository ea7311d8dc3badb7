// Package app wires the services shared by the api and worker binaries.
package app

import (
	"context"
	"fmt"
	"log"

	"campusattend/internal/attendance"
	"campusattend/internal/cloudinary"
	"campusattend/internal/config"
	"campusattend/internal/metrics"
	"campusattend/internal/notify"
	"campusattend/internal/queue"
	"campusattend/internal/store"
	"campusattend/internal/streams"
	"campusattend/internal/teachers"
	"campusattend/internal/whatsapp"
)

// App holds the process-wide collaborators.
type App struct {
	DB         *store.DB
	Redis      *store.Redis
	Registry   *streams.Registry
	Partitions *store.PartitionStore
	Attendance *attendance.Service
	Dispatcher *notify.Dispatcher
	Teachers   *teachers.Service
	WhatsApp   *whatsapp.Client
	Queue      queue.Queue
}

// Build connects to Postgres and Redis, migrates the shared tables and constructs the services.
// An unreachable database or a failed migration aborts startup.
func Build(ctx context.Context, cfg config.App) (*App, error) {
	registry, err := streams.LoadRegistry(cfg.StreamsFile)
	if err != nil {
		return nil, fmt.Errorf("load streams: %w", err)
	}

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		return nil, fmt.Errorf("open db: %w", err)
	}

	a := &App{DB: db, Registry: registry}
	if cfg.QueueBackend != "memory" || cfg.RateLimitStore == "redis" {
		a.Redis = store.NewRedis(cfg.RedisAddr)
	}

	a.Partitions = store.NewPartitionStore(db.Gorm, attendance.Schemas())
	a.Partitions.OnBind = countBind
	a.Attendance = attendance.NewService(attendance.NewRepository(a.Partitions, cfg.QueryTimeout), registry)

	logs := notify.NewLogRepository(db.Gorm, cfg.QueryTimeout)
	profiles := teachers.NewRepository(db.Gorm)
	if err := logs.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate notification logs: %w", err)
	}
	if err := profiles.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate teacher profiles: %w", err)
	}

	var locker store.Locker = store.NewMemoryLocker()
	if a.Redis != nil && cfg.QueueBackend != "memory" {
		locker = a.Redis
	}

	a.WhatsApp = whatsapp.New(cfg.WhatsAppURL, cfg.WhatsAppPhoneNumberID, cfg.WhatsAppToken, cfg.WhatsAppSkip)
	if cfg.WhatsAppSkip {
		log.Println("WhatsApp sends are mocked (WHATSAPP_SKIP)")
	}
	a.Dispatcher = notify.NewDispatcher(registry, a.Attendance, a.WhatsApp, logs, locker, notify.Options{
		College:    cfg.CollegeName,
		BatchSize:  cfg.NotifyBatchSize,
		BatchDelay: cfg.NotifyBatchDelay,
		LockTTL:    cfg.NotifyLockTTL,
		ClaimTTL:   cfg.NotifyClaimTTL,
	})

	// nil uploader when not configured
	var avatars teachers.Uploader
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		avatars = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("Cloudinary configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("Cloudinary not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}
	a.Teachers = teachers.NewService(profiles, registry, avatars)

	if cfg.QueueBackend == "memory" {
		a.Queue = queue.NewInMemory(64)
	} else {
		a.Queue = queue.NewRedisQueue(a.Redis.Client, "")
	}
	return a, nil
}

// countBind feeds the bind metric. The partition store logs the bind itself.
func countBind(_ string, kind streams.Kind) {
	metrics.PartitionsBound.WithLabelValues(string(kind)).Inc()
}

// Health reports the status of each external dependency.
func (a *App) Health(ctx context.Context) map[string]bool {
	checks := map[string]bool{"db": a.DB.Healthy(ctx)}
	if a.Redis != nil {
		checks["redis"] = a.Redis.Healthy(ctx)
	}
	return checks
}

// Close releases connections.
func (a *App) Close() {
	if err := a.DB.Close(); err != nil {
		log.Printf("db close: %v", err)
	}
	if err := a.Redis.Close(); err != nil {
		log.Printf("redis close: %v", err)
	}
}
