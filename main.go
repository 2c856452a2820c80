package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketplace-svc/auth"
	"marketplace-svc/cache"
	"marketplace-svc/cart"
	"marketplace-svc/config"
	"marketplace-svc/database"
	mgrpc "marketplace-svc/grpc"
	"marketplace-svc/handlers"
	"marketplace-svc/kafka"
	"marketplace-svc/messaging"
	"marketplace-svc/middleware"
	"marketplace-svc/models"
	"marketplace-svc/orders"
	"marketplace-svc/payments"
	"marketplace-svc/realtime"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

const serviceName = "marketplace-service"

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg := config.Load()

	// Initialize OpenTelemetry
	shutdownTracing, err := middleware.InitTracing(serviceName, cfg.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	// Initialize database
	db, err := database.InitDB(cfg.DB, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	// Initialize Redis: order cache and realtime relay
	redisClient, err := cache.InitRedis(cfg.Redis, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Redis", zap.Error(err))
	}

	// Initialize Kafka. With Kafka disabled events are not published and
	// gateway webhooks are not consumed.
	var events orders.EventPublisher
	var publisher *kafka.Publisher
	var consumer sarama.Consumer
	if cfg.KafkaEnabled {
		producer, err := kafka.InitProducer(cfg.KafkaBroker, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Kafka producer", zap.Error(err))
		}
		publisher = kafka.NewPublisher(producer, logger)
		events = publisher

		consumer, err = kafka.InitConsumer(cfg.KafkaBroker, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Kafka consumer", zap.Error(err))
		}
	}

	// Services
	orderService := orders.NewService(db, cache.NewRedisCache(redisClient), cfg.CacheTTL, events, logger)
	cartService := cart.NewService(db, orderService, logger)
	paymentService := payments.NewService(db, payments.NewStubGateway(cfg.PaymentSuccess), nil, orderService, events, logger)
	messageService := messaging.NewService(db, logger)
	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTTTL)

	// Background workers stop when rootCtx is cancelled
	rootCtx, stopWorkers := context.WithCancel(context.Background())

	if consumer != nil {
		webhooks := kafka.NewWebhookConsumer(consumer, paymentService, logger)
		go func() {
			if err := webhooks.Start(rootCtx); err != nil {
				logger.Error("Kafka consumer error", zap.Error(err))
			}
		}()
	}

	// Realtime hub with the cross-instance relay
	relay := realtime.NewRedisRelay(redisClient, cfg.RealtimeChannel, logger)
	hub := realtime.NewHub(relay, logger)
	go hub.Run(rootCtx)
	if err := relay.Subscribe(rootCtx, hub.DeliverLocal); err != nil {
		logger.Fatal("Failed to subscribe to realtime relay", zap.Error(err))
	}
	dispatcher := realtime.NewDispatcher(hub, messageService, logger)

	// Setup Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	// OpenTelemetry middleware must be first to extract trace context
	router.Use(otelgin.Middleware(serviceName))
	router.Use(middleware.CORS(cfg.CORSOrigins))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", middleware.PrometheusHandler())

	authHandler := handlers.NewAuthHandler(db, tokens, logger)
	router.POST("/auth/register", authHandler.Register)
	router.POST("/auth/login", authHandler.Login)

	wsHandler := handlers.NewWebSocketHandler(hub, dispatcher, tokens, cfg.CORSOrigins, logger)
	router.GET("/ws", wsHandler.ServeWS)

	registerRoutes(router.Group("/", middleware.AuthMiddleware(tokens)),
		handlers.NewOrderHandler(orderService, logger),
		handlers.NewCartHandler(cartService, logger),
		handlers.NewPaymentHandler(paymentService, logger),
		handlers.NewMessageHandler(messageService, dispatcher, logger),
	)

	// Start REST server
	restSrv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: router,
	}

	go func() {
		if err := restSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start REST server", zap.Error(err))
		}
	}()

	logger.Info("Marketplace REST API started", zap.String("port", cfg.HTTPPort), zap.String("instance_id", relay.InstanceID()))

	// Start gRPC health server
	grpcListener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal("Failed to listen on gRPC port", zap.Error(err))
	}

	grpcServer := mgrpc.NewServer(map[string]mgrpc.Probe{
		"database": db.PingContext,
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	}, logger)
	go grpcServer.Watch(rootCtx, 15*time.Second)

	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			logger.Fatal("Failed to start gRPC server", zap.Error(err))
		}
	}()

	logger.Info("Marketplace gRPC health server started", zap.String("port", cfg.GRPCPort))

	gracefulShutdown(cfg.ShutdownTimeout, restSrv, grpcServer, stopWorkers, publisher, consumer, db, redisClient, shutdownTracing, logger)
}

func registerRoutes(r *gin.RouterGroup, orderH *handlers.OrderHandler, cartH *handlers.CartHandler, paymentH *handlers.PaymentHandler, messageH *handlers.MessageHandler) {
	buyer := middleware.RequireRole(models.RoleBuyer)
	admin := middleware.RequireRole(models.RoleAdmin)

	cartGroup := r.Group("/cart", buyer)
	{
		cartGroup.GET("", cartH.GetCart)
		cartGroup.POST("/items", cartH.AddItem)
		cartGroup.PUT("/items/:itemId", cartH.UpdateItem)
		cartGroup.DELETE("/items/:itemId", cartH.RemoveItem)
		cartGroup.DELETE("", cartH.ClearCart)
		cartGroup.POST("/sync", cartH.SyncCart)
		cartGroup.POST("/checkout", cartH.Checkout)
	}

	r.POST("/orders", buyer, orderH.CreateOrder)
	r.GET("/orders", buyer, orderH.GetOrders)
	r.GET("/orders/:id", orderH.GetOrder)
	r.PUT("/orders/:id/status", middleware.RequireRole(models.RoleProducer, models.RoleAdmin), orderH.UpdateOrderStatus)
	r.POST("/orders/:id/cancel", buyer, orderH.CancelOrder)
	r.GET("/orders/:id/payments", paymentH.GetOrderPayments)
	r.GET("/orders/:id/transactions", admin, paymentH.GetOrderTransactions)
	r.GET("/orders/:id/conversation", messageH.GetOrderConversation)

	r.POST("/payments", buyer, paymentH.Pay)
	r.GET("/payments/:id", paymentH.GetPayment)
	r.PUT("/payments/:id/status", admin, paymentH.UpdatePaymentStatus)

	transactions := r.Group("/transactions", admin)
	{
		transactions.POST("", paymentH.CreateTransaction)
		transactions.GET("/:id", paymentH.GetTransaction)
		transactions.PUT("/:id/status", paymentH.UpdateTransactionStatus)
	}

	r.POST("/conversations", messageH.CreateConversation)
	r.GET("/conversations", messageH.GetConversations)
	r.GET("/conversations/:id", messageH.GetConversation)
	r.GET("/conversations/:id/messages", messageH.GetMessages)
	r.POST("/conversations/:id/messages", messageH.SendMessage)
	r.GET("/conversations/:id/unread", messageH.GetUnreadCount)
	r.PUT("/messages/:id/read", messageH.MarkAsRead)
	r.DELETE("/messages/:id", messageH.DeleteMessage)
}

// gracefulShutdown handles SIGINT/SIGTERM and shuts down all services gracefully
func gracefulShutdown(
	timeout time.Duration,
	restSrv *http.Server,
	grpcServer *mgrpc.Server,
	stopWorkers context.CancelFunc,
	publisher *kafka.Publisher,
	consumer sarama.Consumer,
	db *sql.DB,
	redisClient *redis.Client,
	shutdownTracing func(),
	logger *zap.Logger,
) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown signal received. Exiting...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Stop REST server
	if err := restSrv.Shutdown(ctx); err != nil {
		logger.Error("REST server forced to shutdown", zap.Error(err))
	} else {
		logger.Info("REST server stopped gracefully")
	}

	// Stop gRPC server
	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped gracefully")

	// Stop the hub, relay subscription and Kafka consumer loop
	stopWorkers()

	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logger.Error("Failed to close Kafka consumer", zap.Error(err))
		}
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("Failed to close Kafka producer", zap.Error(err))
		} else {
			logger.Info("Kafka producer closed gracefully")
		}
	}

	// Close database
	if err := db.Close(); err != nil {
		logger.Error("Failed to close database", zap.Error(err))
	} else {
		logger.Info("Database connection closed gracefully")
	}

	// Close Redis
	if err := redisClient.Close(); err != nil {
		logger.Error("Failed to close Redis", zap.Error(err))
	} else {
		logger.Info("Redis connection closed gracefully")
	}

	// Shutdown tracing
	shutdownTracing()
	logger.Info("Marketplace Service exited gracefully")
}
