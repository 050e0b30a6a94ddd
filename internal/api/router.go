package api

import (
	"encoding/json"
	"net/http"
	goruntime "runtime"
	"time"

	"github.com/Harshitk-cp/agentruntime/internal/api/handlers"
	mw "github.com/Harshitk-cp/agentruntime/internal/api/middleware"
	"github.com/Harshitk-cp/agentruntime/internal/buildconfig"
	"github.com/Harshitk-cp/agentruntime/internal/config"
	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"github.com/Harshitk-cp/agentruntime/internal/service"
	"github.com/Harshitk-cp/agentruntime/internal/store"
	"github.com/Harshitk-cp/agentruntime/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const clientIdleTTL = 10 * time.Minute

// App holds the router and background services for lifecycle management.
type App struct {
	Router  *chi.Mux
	Runtime *service.RuntimeManager
	Queue   *service.ExecutionQueue
	Metrics *service.MetricsCollector

	counters    mw.RequestCounters
	startTime   time.Time
	stopLimiter func()
	telemetry   *telemetry.Provider
	logger      *zap.Logger
}

// Deps are the external collaborators of the app. Stores are built from the
// database pool; the webhook client, notification sink and meter provider
// are chosen by the caller. A nil Telemetry uses the global meter provider.
type Deps struct {
	DB        *pgxpool.Pool
	Webhook   domain.WebhookClient
	Notifier  domain.NotificationSink
	Telemetry *telemetry.Provider
	Logger    *zap.Logger
}

func NewApp(deps Deps) *App {
	db, logger := deps.DB, deps.Logger

	// Stores
	orgStore := store.NewOrganizationStore(db)
	runtimeStore := store.NewRuntimeStore(db)
	memStateStore := store.NewMemoryStateStore(db)
	runStore := store.NewRunStore(db)
	failureStore := store.NewFailureLogStore(db)
	metricStore := store.NewMetricStore(db)
	healthStore := store.NewAgentHealthStore(db)

	// Services
	limits := service.NewLimitResolver(orgStore, logger)
	var mp metric.MeterProvider
	if deps.Telemetry != nil {
		mp = deps.Telemetry
	}
	metrics := service.NewMetricsCollector(metricStore, mp, logger)
	rm := service.NewRuntimeManager(limits, runtimeStore, memStateStore, deps.Webhook, metrics, deps.Notifier, service.RuntimeConfig{
		HealthCheckInterval:   config.HealthCheckInterval(),
		MemoryCleanupInterval: config.MemoryCleanupInterval(),
		MemoryTTL:             config.MemoryTTL(),
		ShutdownGracePeriod:   config.ShutdownGracePeriod(),
		HealthFloor:           config.ContainerHealthFloor(),
		EnforceCPULimit:       config.EnforceCPULimit(),
	}, logger)

	retry := service.DefaultRetryPolicy()
	retry.RetryAuthFailures = config.RetryAuthFailures()
	queue := service.NewExecutionQueue(runStore, failureStore, healthStore, rm, rm, service.NewDirectExecutor(deps.Webhook), deps.Notifier, service.QueueConfig{
		PollInterval:      config.QueuePollInterval(),
		MaxConcurrentRuns: config.MaxConcurrentRuns(),
		ShutdownGrace:     config.ShutdownGracePeriod(),
		Retry:             retry,
	}, logger)

	// Failed fire-and-continue executions become runs with backoff retries.
	rm.SetFailureHandler(queue)

	// Handlers
	orgHandler := handlers.NewOrganizationHandler(orgStore, config.AdminAPIKey())
	execHandler := handlers.NewExecutionHandler(rm)
	runHandler := handlers.NewRunHandler(queue)
	runtimeHandler := handlers.NewRuntimeHandler(rm, metrics)
	memoryHandler := handlers.NewMemoryHandler(rm)

	r := chi.NewRouter()

	app := &App{
		Router:    r,
		Runtime:   rm,
		Queue:     queue,
		Metrics:   metrics,
		startTime: time.Now(),
		telemetry: deps.Telemetry,
		logger:    logger,
	}

	limiter := mw.NewRateLimiter(config.RateLimitRPS(), config.RateLimitBurst())
	app.stopLimiter = limiter.StartCleanup(time.Minute, clientIdleTTL)

	// Global middleware (order matters)
	r.Use(mw.RequestID)
	r.Use(middleware.RealIP)
	r.Use(app.counters.Middleware)
	r.Use(mw.Logging(logger))
	r.Use(middleware.Recoverer)
	r.Use(mw.RateLimit(limiter))

	// Unauthenticated
	r.Get("/health", healthHandler(db))
	r.Get("/metrics", app.metricsHandler())
	r.Get("/version", versionHandler)

	// Organization creation is the bootstrap endpoint. Paid tiers and custom
	// limits need the admin key.
	r.Post("/v1/organizations", orgHandler.Create)

	r.Route("/v1", func(r chi.Router) {
		r.Use(mw.APIKeyAuth(orgStore))

		r.Post("/executions", execHandler.Create)

		r.Route("/runs", func(r chi.Router) {
			r.Post("/", runHandler.Submit)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", runHandler.GetByID)
				r.Get("/failures", runHandler.Failures)
				r.Get("/events", runHandler.Events)
			})
		})

		r.Route("/runtime", func(r chi.Router) {
			r.Get("/", runtimeHandler.Status)
			r.Post("/pause", runtimeHandler.Pause)
			r.Post("/resume", runtimeHandler.Resume)
			r.Get("/metrics", runtimeHandler.Metrics)
		})

		r.Route("/agents/{agentID}/memory", func(r chi.Router) {
			r.Get("/", memoryHandler.Get)
			r.Put("/", memoryHandler.Put)
		})
	})

	return app
}

// Close stops the app's own background work. Services are shut down by
// the caller in order.
func (app *App) Close() {
	if app.stopLimiter != nil {
		app.stopLimiter()
	}
}

func healthHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func versionHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, buildconfig.VersionInfo())
}

func (app *App) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var memStats goruntime.MemStats
		goruntime.ReadMemStats(&memStats)

		uptime := time.Since(app.startTime)
		runtimes := app.Runtime.GetRuntimeStatus()
		active := 0
		for _, v := range runtimes {
			active += v.ActiveContainers
		}

		body := map[string]any{
			"uptime_seconds": uptime.Seconds(),
			"uptime_human":   uptime.Round(time.Second).String(),
			"http": map[string]any{
				"request_count":  app.counters.Requests.Load(),
				"error_count":    app.counters.Errors.Load(),
				"rejected_count": app.counters.Rejected.Load(),
				"in_flight":      app.counters.InFlight.Load(),
			},
			"runtimes": map[string]any{
				"count":             len(runtimes),
				"active_containers": active,
			},
			"queue":      app.Queue.Stats(),
			"executions": app.Metrics.Totals(),
			"goroutines": goruntime.NumGoroutine(),
			"memory": map[string]any{
				"alloc_mb": float64(memStats.Alloc) / 1024 / 1024,
				"sys_mb":   float64(memStats.Sys) / 1024 / 1024,
				"num_gc":   memStats.NumGC,
			},
			"go_version": goruntime.Version(),
		}
		if app.telemetry != nil {
			snap, err := app.telemetry.Snapshot(r.Context())
			if err != nil {
				app.logger.Warn("failed to collect instruments", zap.Error(err))
			} else {
				body["instruments"] = snap
			}
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Ensure stores satisfy interfaces at compile time.
var (
	_ domain.OrganizationStore = (*store.OrganizationStore)(nil)
	_ domain.RuntimeStore      = (*store.RuntimeStore)(nil)
	_ domain.MemoryStateStore  = (*store.MemoryStateStore)(nil)
	_ domain.RunStore          = (*store.RunStore)(nil)
	_ domain.FailureLogStore   = (*store.FailureLogStore)(nil)
	_ domain.MetricStore       = (*store.MetricStore)(nil)
	_ domain.AgentHealthStore  = (*store.AgentHealthStore)(nil)
	_ mw.OrganizationLookup    = (*store.OrganizationStore)(nil)
	_ handlers.RunQueue        = (*service.ExecutionQueue)(nil)
	_ service.LimitsProvider   = (*service.RuntimeManager)(nil)
	_ service.Executor         = (*service.RuntimeManager)(nil)
	_ service.FailureHandler   = (*service.ExecutionQueue)(nil)
)
