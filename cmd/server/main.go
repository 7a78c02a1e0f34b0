package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collab-engine/internal/comment"
	"collab-engine/internal/config"
	"collab-engine/internal/db"
	"collab-engine/internal/document"
	"collab-engine/internal/middleware"
	"collab-engine/internal/notify"
	"collab-engine/internal/oplog"
	"collab-engine/internal/session"
	"collab-engine/internal/snapshot"
	"collab-engine/internal/user"
	"collab-engine/internal/worker"
	"collab-engine/internal/ws"
	"collab-engine/redis"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// asyncEmitter pushes event delivery onto the worker pool so webhook latency
// never leaks into a commit path.
type asyncEmitter struct {
	pool  *worker.WorkerPool
	inner notify.Emitter
}

func (e asyncEmitter) Emit(_ context.Context, event, documentID string, payload any) {
	e.pool.Submit(func(ctx context.Context) error {
		e.inner.Emit(ctx, event, documentID, payload)
		return nil
	})
}

func main() {
	// Load configuration
	config.LoadConfig()

	// Logging: human-readable in development, JSON in production
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if config.AppConfig.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	// Connect to database
	db.ConnectDb()
	defer db.CloseDb()

	// Migrate database schema
	db.Migrate()

	if config.AppConfig.Environment == "development" {
		db.SeedData()
	}

	// Initialize Redis
	redis.InitRedis()
	cache := redis.NewCache(redis.RedisClient)

	// Operation log backed by postgres, snapshots as its hydration source
	snapRepo := snapshot.NewGormRepository(db.AppDb)
	opStorage := oplog.NewGormStorage(db.AppDb, snapRepo)
	logs := oplog.NewRegistry(opStorage, config.AppConfig.OpLogRingSize, log.Logger)

	// Comment anchors track committed operations from inside the critical section
	commentRepo := comment.NewGormRepository(db.AppDb)
	comments := comment.NewService(commentRepo, log.Logger)
	logs.OnCommit(func(co oplog.CommittedOp, content string) {
		comments.ApplyOperation(context.Background(), co.Op, content)
	})

	snapshots := snapshot.NewService(
		snapRepo,
		logs,
		config.AppConfig.AutoSaveInterval,
		config.AppConfig.AutoSaveOpCount,
		log.Logger,
	)

	// Background workers: auto-saves and event delivery
	pool := worker.NewWorkerPool(config.AppConfig.WorkerPoolSize, log.Logger)
	defer pool.Shutdown()

	logs.OnCommit(func(co oplog.CommittedOp, _ string) {
		docID := co.Op.DocumentID
		pool.Submit(func(ctx context.Context) error {
			// throttled internally, most submissions are no-ops
			_, err := snapshots.Create(ctx, snapshot.CreateInput{
				DocumentID: docID,
				AuthorID:   0,
				Trigger:    snapshot.TriggerAuto,
			})
			return err
		})
	})

	// Event emitters
	sinks := notify.Multi{}
	if redis.RedisClient != nil {
		sinks = append(sinks, notify.NewRedisEmitter(redis.RedisClient, log.Logger))
	}
	if config.AppConfig.WebhookAddress != "" {
		sinks = append(sinks, notify.NewWebhookEmitter(config.AppConfig.WebhookAddress, log.Logger))
	}
	var emitter notify.Emitter = notify.NopEmitter{}
	if len(sinks) > 0 {
		emitter = asyncEmitter{pool: pool, inner: sinks}
	}

	// Sessions with their redis presence mirror
	var presence *session.PresenceCache
	if redis.RedisClient != nil {
		presence = session.NewPresenceCache(redis.RedisClient)
	}
	sessions := session.NewManager(
		config.AppConfig.HeartbeatGrace,
		config.AppConfig.IdleAfter,
		presence,
		log.Logger,
	)
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sessions.Run(sweepCtx, config.AppConfig.SweepInterval)

	// Initialize repositories and services
	userRepo := user.NewRepository(db.AppDb)
	userService := user.NewService(userRepo)
	docRepo := document.NewRepository(db.AppDb)
	docService := document.NewService(docRepo, userService, cache, logs)

	// Initialize handlers
	docHandler := document.NewHandler(docService, logs, snapshots, comments)
	userHandler := user.NewHandler(userService)

	gateway := ws.NewGateway(logs, sessions, comments, snapshots, docService, ws.NewHub(), emitter, log.Logger)
	sessions.OnChange(gateway.Hub().BroadcastSessionList)
	sessions.OnExpire(gateway.CloseExpired)

	authMW := &middleware.Auth{UserService: userService}

	// Initialize Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.ErrorHandler())

	// cors setting
	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
	}
	if config.AppConfig.Environment == "development" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = []string{config.AppConfig.FrontendAddress}
	}
	router.Use(cors.New(corsConfig))

	// User routes
	router.POST("/register", userHandler.Register)
	router.POST("/login", userHandler.Login)
	router.POST("/refresh", userHandler.RefreshToken)
	router.DELETE("/logout", authMW.AuthMiddleWare(), userHandler.Logout)
	router.GET("/profile", authMW.AuthMiddleWare(), userHandler.GetProfile)
	router.GET("/users", authMW.AuthMiddleWare(), userHandler.SearchUsers)

	// Document routes
	docs := router.Group("/documents", authMW.AuthMiddleWare())
	docs.POST("", docHandler.Create)
	docs.GET("", docHandler.ShowUserDocuments)
	router.GET("/shared-documents", authMW.AuthMiddleWare(), docHandler.ShowSharedDocuments)
	docs.GET("/:id", docHandler.ShowDocument)
	docs.PUT("/:id", docHandler.Rename)
	docs.DELETE("/:id", docHandler.DeleteDocument)
	docs.GET("/:id/content", docHandler.ShowContent)
	docs.GET("/:id/collaborators", docHandler.ListCollaborators)
	docs.POST("/:id/collaborators", docHandler.AddCollaborator)
	docs.PUT("/:id/collaborators", docHandler.ChangeCollaboratorRole)
	docs.DELETE("/:id/collaborators/:userId", docHandler.RemoveCollaborator)

	// Version history
	docs.POST("/:id/versions", docHandler.CreateVersion)
	docs.GET("/:id/versions", docHandler.ListVersions)
	docs.GET("/:id/diff", docHandler.DiffVersions)
	docs.GET("/:id/versions/:version", docHandler.ShowVersion)
	docs.POST("/:id/versions/:version/restore", docHandler.RestoreVersion)

	// Comments
	docs.GET("/:id/comments", docHandler.ListComments)
	docs.POST("/:id/comments/:commentId/resolve", docHandler.ResolveComment)

	// Realtime collaboration
	router.GET("/ws/documents/:id", authMW.AuthMiddleWare(), gateway.Connect)

	// Server configuration
	serverPort := config.AppConfig.ServerPort
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", serverPort),
		Handler: router.Handler(),
	}

	// Start server
	go func() {
		log.Info().Str("port", serverPort).Msg("Server listening")
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Server shutdown complete")
}
