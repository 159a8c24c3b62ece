package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/civicstack/fundtrace/internal/config"
	"github.com/civicstack/fundtrace/internal/handlers"
	"github.com/civicstack/fundtrace/internal/ledger"
	"github.com/civicstack/fundtrace/internal/middleware"
	"github.com/civicstack/fundtrace/internal/models"
	"github.com/civicstack/fundtrace/internal/repository"
	"github.com/civicstack/fundtrace/internal/services/cache"
	"github.com/civicstack/fundtrace/internal/services/documents"
	"github.com/civicstack/fundtrace/internal/services/utilization"
	"github.com/civicstack/fundtrace/pkg/messaging"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
		log.SetFormatter(&logrus.TextFormatter{})
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repository.Open(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}
	defer db.Close()

	if err := repository.Migrate(ctx, db); err != nil {
		log.WithError(err).Fatal("failed to run migrations")
	}

	var chain ledger.Client
	if cfg.LedgerEnabled() {
		chain, err = ledger.Dial(cfg, log)
		if err != nil {
			// The ledger being down at boot is the exact situation the
			// fallback store exists for.
			log.WithError(err).Warn("ledger unreachable at startup, continuing in fallback mode")
			chain = nil
		} else {
			defer chain.Close()
		}
	} else {
		log.Info("no ledger configured, running in fallback-only mode")
	}

	events, err := messaging.Connect(cfg.NATSURL, log)
	if err != nil {
		log.WithError(err).Warn("NATS unreachable, events disabled")
		events = nil
	}
	defer events.Close()

	cc, err := cache.Connect(ctx, cfg.RedisURL, log)
	if err != nil {
		log.WithError(err).Warn("redis unreachable, caching disabled")
		cc = nil
	}
	defer cc.Close()

	docs, err := documents.NewStore(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize document store")
	}

	schemeRepo := repository.NewSchemeRepository(db)
	userRepo := repository.NewUserRepository(db)
	utilRepo := repository.NewUtilizationRepository(db)
	grievanceRepo := repository.NewGrievanceRepository(db)

	mirror := ledger.NewMirror(chain, schemeRepo, events, log)

	var reconciler *ledger.Reconciler
	if chain != nil {
		reconciler = ledger.NewReconciler(chain, schemeRepo, events, log)
		if cfg.ReconcileInterval > 0 {
			go reconciler.Run(ctx, cfg.ReconcileInterval)
			log.WithField("interval", cfg.ReconcileInterval.String()).Info("background reconciler started")
		}
	}

	utilSvc := utilization.NewService(utilRepo, schemeRepo, mirror, events, log)

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS)
	limiter.StartCleanup(ctx.Done())

	router := setupRouter(cfg, routerDeps{
		db:           db,
		chain:        chain,
		limiter:      limiter,
		auth:         handlers.NewAuthHandler(cfg, userRepo, log),
		schemes:      handlers.NewSchemeHandler(mirror, chain, schemeRepo, cc, log),
		transactions: handlers.NewTransactionHandler(schemeRepo, log),
		utilization:  handlers.NewUtilizationHandler(utilSvc, docs, log),
		grievances:   handlers.NewGrievanceHandler(grievanceRepo, schemeRepo, docs, events, log),
		public:       handlers.NewPublicHandler(schemeRepo, cc, log),
		admin:        handlers.NewAdminHandler(schemeRepo, userRepo, reconciler, log),
		reports:      handlers.NewReportHandler(schemeRepo, log),
	})

	srv := &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        router,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		log.WithField("port", cfg.Port).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown failed")
		os.Exit(1)
	}
	log.Info("server exited")
}

type routerDeps struct {
	db           *sql.DB
	chain        ledger.Client
	limiter      *middleware.RateLimiter
	auth         *handlers.AuthHandler
	schemes      *handlers.SchemeHandler
	transactions *handlers.TransactionHandler
	utilization  *handlers.UtilizationHandler
	grievances   *handlers.GrievanceHandler
	public       *handlers.PublicHandler
	admin        *handlers.AdminHandler
	reports      *handlers.ReportHandler
}

func setupRouter(cfg *config.Config, d routerDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.AllowedOrigins))
	router.Use(middleware.RateLimit(d.limiter))
	router.MaxMultipartMemory = cfg.MaxUploadSize

	router.GET("/health", func(c *gin.Context) {
		status := gin.H{"status": "ok"}
		if err := d.db.PingContext(c.Request.Context()); err != nil {
			status["status"] = "degraded"
			status["database"] = "down"
		} else {
			status["database"] = "up"
		}
		if d.chain == nil {
			status["ledger"] = "disabled"
		} else if _, err := d.chain.SchemeCount(c.Request.Context()); err != nil {
			status["ledger"] = "down"
		} else {
			status["ledger"] = "up"
		}
		c.JSON(http.StatusOK, status)
	})

	// Unauthenticated transparency views.
	public := router.Group("/public")
	{
		public.GET("/schemes", d.public.ListSchemes)
		public.GET("/schemes/:id", d.public.GetScheme)
		public.GET("/transactions", d.public.ListTransactions)
	}

	api := router.Group("/api/v1")

	auth := api.Group("/auth")
	{
		auth.POST("/register", d.auth.Register)
		auth.POST("/login", d.auth.Login)
		auth.GET("/profile", middleware.Auth(cfg), d.auth.Profile)
		auth.PUT("/profile", middleware.Auth(cfg), d.auth.UpdateProfile)
	}

	// Grievances may be filed anonymously; review is admin-only.
	grievances := api.Group("/grievances")
	{
		grievances.POST("", middleware.OptionalAuth(cfg), d.grievances.Submit)
		grievances.GET("/:id", d.grievances.Get)
		grievances.GET("", middleware.Auth(cfg), middleware.RequireRole(models.RoleAdmin), d.grievances.List)
		grievances.PATCH("/:id/status", middleware.Auth(cfg), middleware.RequireRole(models.RoleAdmin), d.grievances.Review)
	}

	authed := api.Group("")
	authed.Use(middleware.Auth(cfg))
	{
		authed.GET("/schemes", d.schemes.List)
		authed.GET("/schemes/:id", d.schemes.Get)
		authed.GET("/schemes/:id/transactions", d.schemes.Transactions)
		authed.GET("/transactions", d.transactions.List)
		authed.GET("/transactions/:id", d.transactions.Get)

		admin := authed.Group("", middleware.RequireRole(models.RoleAdmin))
		{
			admin.POST("/schemes", d.schemes.Register)
			admin.POST("/schemes/:id/usage", d.schemes.ApplyUsage)
			admin.GET("/admin/stats", d.admin.Stats)
			admin.POST("/admin/reconcile", d.admin.Reconcile)
			admin.GET("/admin/pending-sync", d.admin.PendingSync)
			admin.GET("/admin/users", d.admin.ListUsers)
			admin.GET("/reports/schemes", d.reports.Schemes)
			admin.GET("/reports/transactions", d.reports.Transactions)
		}

		util := authed.Group("/utilization", middleware.RequireRole(models.RoleAdmin, models.RoleAgency))
		{
			util.POST("", middleware.RequireRole(models.RoleAgency), d.utilization.Submit)
			util.GET("", d.utilization.List)
			util.GET("/:id", d.utilization.Get)
			util.POST("/:id/approve", middleware.RequireRole(models.RoleAdmin), d.utilization.Approve)
			util.POST("/:id/reject", middleware.RequireRole(models.RoleAdmin), d.utilization.Reject)
			util.POST("/:id/expenditures", d.utilization.RecordExpenditure)
			util.GET("/:id/expenditures", d.utilization.ListExpenditures)
			util.POST("/:id/proofs", d.utilization.UploadProof)
			util.GET("/:id/proofs", d.utilization.ListProofs)
			util.GET("/:id/documents", d.utilization.DownloadDocument)
			util.POST("/:id/complete", d.utilization.Complete)
			util.POST("/:id/certificate", d.utilization.GenerateCertificate)
			util.GET("/:id/certificate", d.utilization.GetCertificate)
		}
	}

	return router
}
