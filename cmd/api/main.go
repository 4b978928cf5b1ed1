package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"nebulapanel-backend/internal/admin"
	"nebulapanel-backend/internal/affiliate"
	"nebulapanel-backend/internal/auth"
	"nebulapanel-backend/internal/bootstrap"
	"nebulapanel-backend/internal/catalog"
	"nebulapanel-backend/internal/config"
	"nebulapanel-backend/internal/currency"
	"nebulapanel-backend/internal/database"
	"nebulapanel-backend/internal/gateway"
	"nebulapanel-backend/internal/health"
	"nebulapanel-backend/internal/invoices"
	"nebulapanel-backend/internal/metrics"
	"nebulapanel-backend/internal/middleware"
	"nebulapanel-backend/internal/models"
	"nebulapanel-backend/internal/notify"
	"nebulapanel-backend/internal/orders"
	"nebulapanel-backend/internal/pterodactyl"
	"nebulapanel-backend/internal/radar"
	"nebulapanel-backend/internal/scheduler"
	"nebulapanel-backend/internal/settings"
	"nebulapanel-backend/internal/tickets"
)

func main() {
	log.Println("Starting NebulaPanel API server")

	// Sentry first so initialization errors get captured too.
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		host, _ := os.Hostname()
		opts := sentry.ClientOptions{
			Dsn:         dsn,
			Environment: os.Getenv("SENTRY_ENVIRONMENT"),
			Release:     os.Getenv("GIT_COMMIT"),
		}
		if host != "" {
			opts.ServerName = host
		}
		if err := sentry.Init(opts); err != nil {
			log.Printf("Sentry initialization failed: %v", err)
		} else {
			sentry.ConfigureScope(func(scope *sentry.Scope) {
				scope.SetTag("service", "nebulapanel-backend")
			})
			defer sentry.Flush(2 * time.Second)
		}
	}

	if err := database.InitDatabase(); err != nil {
		logrus.Fatalf("Failed to initialize database: %v", err)
	}
	if err := database.RunMigrations(
		&models.User{},
		&models.TokenBlacklist{},
		&models.Plan{},
		&models.Location{},
		&models.Coupon{},
		&models.ActiveServer{},
		&models.Invoice{},
		&models.PendingPayment{},
		&models.Affiliate{},
		&models.Referral{},
		&models.RadarResult{},
		&models.Setting{},
		&models.Ticket{},
		&models.TicketMessage{},
	); err != nil {
		logrus.Fatalf("Migration failed: %v", err)
	}

	var rdb *redis.Client
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			logrus.Fatalf("Invalid REDIS_URL: %v", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logrus.WithError(err).Warn("redis unreachable, settings cache runs database-only")
			rdb = nil
		}
	}

	store := settings.NewStore(database.DB, rdb)
	if err := bootstrap.Run(database.DB, store); err != nil {
		logrus.Fatalf("Bootstrap failed: %v", err)
	}

	auth.InitJWT()
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			auth.CleanupTokenBlacklist(database.DB)
		}
	}()

	// Domain wiring.
	converter := currency.NewConverter(store)
	panel := pterodactyl.NewClient(
		config.GetEnv("PANEL_URL", ""),
		config.GetEnv("PANEL_APP_KEY", ""),
		config.GetEnv("PANEL_CLIENT_KEY", ""),
	)
	if !panel.Configured() {
		logrus.Warn("panel credentials missing, provisioning will fail until PANEL_URL and PANEL_APP_KEY are set")
	}

	registry := gateway.NewRegistry(
		gateway.NewBalanceGateway(database.DB),
		gateway.NewPayPalGateway(store),
		gateway.NewStripeGateway(store),
		gateway.NewRazorpayGateway(store),
	)

	notifier := notify.NewDiscordNotifier(store)
	affiliates := affiliate.NewEngine(database.DB, store)
	orchestrator := orders.NewOrchestrator(database.DB, store, converter, registry, panel, affiliates, notifier)
	scanner := radar.NewScanner(database.DB, store, panel, notifier)
	sched := scheduler.New(database.DB, store, converter, panel, scanner, notifier)
	sched.Start(context.Background())

	authHandlers := auth.NewHandlers(affiliates)
	catalogHandlers := catalog.NewHandlers(store, registry)
	orderHandlers := orders.NewHandlers(orchestrator)
	invoiceHandlers := invoices.NewHandlers(orchestrator, registry, store)
	affiliateHandlers := affiliate.NewHandlers(affiliates)
	adminHandlers := admin.NewHandlers(store, sched)

	if os.Getenv("GIN_MODE") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(sentrygin.New(sentrygin.Options{
		Repanic:         true,
		WaitForDelivery: false,
		Timeout:         2 * time.Second,
	}))
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// CORS must run before everything else so OPTIONS preflights succeed.
	router.Use(cors.New(middleware.SecureCORSConfig()))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestSizeLimit(1 << 20))
	router.Use(middleware.GeneralRateLimit())
	router.Use(metrics.Middleware())

	router.GET("/health", health.HandleHealth)
	router.GET("/health/ready", health.HandleReady)
	router.GET("/metrics", metrics.Handler())

	api := router.Group("/api/v1")
	{
		authRoutes := api.Group("/auth")
		{
			authRoutes.POST("/register", middleware.AuthRateLimit(), authHandlers.HandleRegister)
			authRoutes.POST("/login", middleware.AuthRateLimit(), authHandlers.HandleLogin)
			authRoutes.POST("/logout", auth.Middleware(database.DB), authHandlers.HandleLogout)
		}

		// Storefront, readable without an account.
		api.GET("/plans", catalogHandlers.HandleListPlans)
		api.GET("/locations", catalogHandlers.HandleListLocations)
		api.GET("/checkout/options", catalogHandlers.HandleCheckoutOptions)

		// Gateway return URL. Unauthenticated: settlement is verified
		// against the gateway, not the caller.
		api.GET("/orders/callback", middleware.CallbackRateLimit(), orderHandlers.HandleCallback)
		api.POST("/orders/callback", middleware.CallbackRateLimit(), orderHandlers.HandleCallback)

		protected := api.Group("")
		protected.Use(auth.Middleware(database.DB))
		{
			protected.GET("/me", authHandlers.HandleMe)
			protected.PUT("/me", authHandlers.HandleUpdateProfile)

			protected.GET("/checkout/quote", orderHandlers.HandleQuote)
			protected.POST("/checkout", middleware.CheckoutRateLimit(), orderHandlers.HandleCheckout)

			protected.GET("/servers", orderHandlers.HandleListServers)
			protected.GET("/servers/:id", orderHandlers.HandleGetServer)
			protected.POST("/servers/:id/cancel", orderHandlers.HandleCancelServer)

			protected.GET("/invoices", invoiceHandlers.HandleListInvoices)
			protected.GET("/invoices/:id", invoiceHandlers.HandleGetInvoice)
			protected.POST("/invoices/:id/pay", invoiceHandlers.HandlePayInvoice)

			protected.POST("/affiliate/enroll", affiliateHandlers.HandleEnroll)
			protected.GET("/affiliate/stats", affiliateHandlers.HandleGetStats)
			protected.POST("/affiliate/withdraw", affiliateHandlers.HandleWithdraw)

			protected.POST("/tickets", tickets.HandleCreateTicket)
			protected.GET("/tickets", tickets.HandleListTickets)
			protected.GET("/tickets/:id", tickets.HandleGetTicket)
			protected.POST("/tickets/:id/reply", tickets.HandleReplyTicket)
			protected.POST("/tickets/:id/close", tickets.HandleCloseTicket)
		}

		adminRoutes := api.Group("/admin")
		adminRoutes.Use(auth.Middleware(database.DB), auth.AdminMiddleware())
		{
			adminRoutes.GET("/settings", adminHandlers.HandleGetSettings)
			adminRoutes.PUT("/settings", adminHandlers.HandleUpdateSettings)

			adminRoutes.GET("/plans", adminHandlers.HandleListPlans)
			adminRoutes.POST("/plans", adminHandlers.HandleCreatePlan)
			adminRoutes.PUT("/plans/:id", adminHandlers.HandleUpdatePlan)
			adminRoutes.DELETE("/plans/:id", adminHandlers.HandleDeletePlan)

			adminRoutes.GET("/locations", adminHandlers.HandleListLocations)
			adminRoutes.POST("/locations", adminHandlers.HandleCreateLocation)
			adminRoutes.PUT("/locations/:id", adminHandlers.HandleUpdateLocation)

			adminRoutes.GET("/coupons", adminHandlers.HandleListCoupons)
			adminRoutes.POST("/coupons", adminHandlers.HandleCreateCoupon)
			adminRoutes.DELETE("/coupons/:id", adminHandlers.HandleDeactivateCoupon)

			adminRoutes.GET("/users", adminHandlers.HandleListUsers)
			adminRoutes.POST("/users/:id/balance", adminHandlers.HandleAdjustBalance)
			adminRoutes.PUT("/users/:id/active", adminHandlers.HandleSetUserActive)

			adminRoutes.GET("/servers/failed", adminHandlers.HandleListFailedServers)
			adminRoutes.POST("/servers/retry-provision", orderHandlers.HandleRetryProvision)
			adminRoutes.GET("/radar", adminHandlers.HandleListRadarResults)

			adminRoutes.POST("/jobs/:job/run", adminHandlers.HandleRunJob)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})

	port := config.GetEnv("PORT", "8080")
	logrus.Infof("Server listening on port %s", port)
	if err := router.Run(":" + port); err != nil {
		logrus.Fatalf("Failed to start server: %v", err)
	}
}
