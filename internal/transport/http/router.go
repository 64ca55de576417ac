package http

import (
	"context"
	"fmt"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/hostshift/backend/internal/config"
	"github.com/hostshift/backend/internal/core/migration"
	"github.com/hostshift/backend/internal/core/services"
	"github.com/hostshift/backend/internal/infrastructure/db"
	"github.com/hostshift/backend/internal/infrastructure/logger"
	"github.com/hostshift/backend/internal/infrastructure/metrics"
	"github.com/hostshift/backend/internal/infrastructure/pveapi"
	"github.com/hostshift/backend/internal/infrastructure/remote"
	"github.com/hostshift/backend/internal/transport/http/handlers"
	httpmw "github.com/hostshift/backend/internal/transport/http/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

type RouterConfig struct {
	DB            *gorm.DB
	Logger        *logger.Logger
	Config        *config.Config
	EncryptionKey string
	EnableLocks   bool
	// Registry receives the engine metrics; a private one is created when nil.
	Registry *prometheus.Registry
}

// Runtime holds the long-lived components the caller starts and stops.
type Runtime struct {
	Engine    *migration.Engine
	Scheduler *services.SchedulerService
	Keys      *services.KeyManager
}

func SetupRoutes(ctx context.Context, app *fiber.App, cfg RouterConfig) (*Runtime, error) {
	log := cfg.Logger
	mc := cfg.Config.Migration

	// Initialize repositories
	hostRepo := db.NewHostRepository(cfg.DB, log)
	taskRepo := db.NewMigrationTaskRepository(cfg.DB, log)
	scheduleRepo := db.NewScheduledMigrationRepository(cfg.DB, log)
	timelineRepo := db.NewTimelineRepository(cfg.DB, log)
	settingRepo := db.NewSystemSettingRepository(cfg.DB, log)

	settingService := services.NewSystemSettingService(settingRepo, log, cfg.EnableLocks)
	keyManager := services.NewKeyManager(settingService, log)
	if err := keyManager.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize key manager: %w", err)
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	collector := metrics.NewCollector()
	if err := registry.Register(collector); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	api := pveapi.NewClient(mc.ClusterQueryTimeout, log.Named("pveapi"))
	connector := remote.NewConnector(remote.ConnectorConfig{
		EncryptionKey: cfg.EncryptionKey,
		Keys:          keyManager,
		Timeout:       mc.SSHTimeout,
		MaxRetries:    mc.SSHMaxRetries,
		Logger:        log.Named("remote"),
	})
	topology := migration.NewTopology(mc.ClusterQueryTimeout, log)

	// Initialize services
	hostService := services.NewHostService(services.HostServiceConfig{
		Repository:    hostRepo,
		Connector:     connector,
		API:           api,
		Topology:      topology,
		Timeline:      timelineRepo,
		Logger:        log,
		EncryptionKey: cfg.EncryptionKey,
		EnableLocks:   cfg.EnableLocks,
	})
	inventory := services.NewInventoryService(hostService, api, connector, log)
	backup := services.NewConfigBackupService(cfg.Config.Backup.Dir, cfg.Config.Backup.Paths, log)

	engineLog := log.Named("engine")
	engine := migration.NewEngine(migration.EngineConfig{
		Tasks:     taskRepo,
		Hosts:     hostRepo,
		Connector: connector,
		Backup:    backup,
		Topology:  topology,
		Intra:     migration.NewIntraStrategy(mc.PollInterval, engineLog),
		Cross: migration.NewCrossStrategy(migration.CrossStrategyConfig{
			Allocator:        migration.NewAllocator(mc.AllocatorAttempts, engineLog),
			Credentials:      hostService,
			PreflightTimeout: mc.PreflightTimeout,
			BufferSize:       mc.StreamBufferBytes,
			Metrics:          collector,
			Logger:           engineLog,
		}),
		Timeline: timelineRepo,
		Metrics:  collector,
		Logger:   engineLog,
	})

	migrationService := services.NewMigrationService(services.MigrationServiceConfig{
		Tasks:     taskRepo,
		Hosts:     hostService,
		Inventory: inventory,
		Launcher:  engine,
		Timeline:  timelineRepo,
		Logger:    log,
	})
	scheduler := services.NewSchedulerService(services.SchedulerServiceConfig{
		Repository: scheduleRepo,
		Hosts:      hostService,
		Migrations: migrationService,
		Timeline:   timelineRepo,
		Logger:     log,
	})

	// Initialize handlers
	hostHandler := handlers.NewHostHandler(hostService, inventory, log)
	migrationHandler := handlers.NewMigrationHandler(migrationService, log)
	streamHandler := handlers.NewMigrationStreamHandler(migrationService, log, mc.PollInterval)
	scheduleHandler := handlers.NewScheduleHandler(scheduler, log)
	timelineHandler := handlers.NewTimelineHandler(timelineRepo)
	sshKeyHandler := handlers.NewSSHKeyHandler(keyManager, log)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	// Live task log
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return c.SendStatus(fiber.StatusUpgradeRequired)
	})
	app.Get("/ws/migrations/:id", httpmw.AdminAuth(cfg.Config), websocket.New(streamHandler.Handle))

	// API v1 routes
	api1 := app.Group("/api/v1", httpmw.AdminAuth(cfg.Config))

	hosts := api1.Group("/hosts")
	hosts.Post("/", hostHandler.CreateHost)
	hosts.Get("/", hostHandler.GetHosts)
	hosts.Get("/:id", hostHandler.GetHost)
	hosts.Delete("/:id", hostHandler.DeleteHost)
	hosts.Post("/:id/probe", hostHandler.ProbeHost)
	hosts.Get("/:id/guests", hostHandler.GetGuests)

	migrations := api1.Group("/migrations")
	migrations.Post("/", migrationHandler.StartMigration)
	migrations.Post("/guest", migrationHandler.StartGuestMigration)
	migrations.Get("/", migrationHandler.ListTasks)
	migrations.Get("/:id", migrationHandler.GetTask)
	migrations.Post("/:id/cancel", migrationHandler.CancelTask)

	schedules := api1.Group("/schedules")
	schedules.Get("/", scheduleHandler.ListSchedules)
	schedules.Post("/", scheduleHandler.UpsertSchedule)
	schedules.Delete("/:id", scheduleHandler.DeleteSchedule)

	api1.Get("/timeline", timelineHandler.GetEvents)

	settings := api1.Group("/settings")
	settings.Get("/ssh-key", sshKeyHandler.GetKey)
	settings.Post("/ssh-key/rotate", sshKeyHandler.RotateKey)

	return &Runtime{Engine: engine, Scheduler: scheduler, Keys: keyManager}, nil
}
