package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/4xmen/jashn/internal/auth"
	"github.com/4xmen/jashn/internal/db"
	"github.com/4xmen/jashn/internal/handlers"
	"github.com/4xmen/jashn/internal/metrics"
	"github.com/4xmen/jashn/internal/ws"
	"github.com/4xmen/jashn/pkg/config"
	"github.com/4xmen/jashn/pkg/i18n"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the development backend (REST, websocket broker, file storage)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := bindFlags(v, cmd, map[string]string{
				"PORT":              "port",
				"DATABASE_PATH":     "db",
				"FILE_STORAGE_PATH": "uploads",
			})
			if err != nil {
				return err
			}
			return runServer(config.FromViper(v))
		},
	}
	cmd.Flags().String("port", "", "listen port")
	cmd.Flags().String("db", "", "sqlite database path")
	cmd.Flags().String("uploads", "", "directory for uploaded files")
	return cmd
}

func translate(c *gin.Context, message string) string {
	return i18n.Translate(c.GetHeader("Accept-Language"), message)
}

func rateLimitMiddleware(limiterInstance *limiter.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		limiterContext, err := limiterInstance.Get(c.Request.Context(), c.ClientIP())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": translate(c, "rate limiter error")})
			c.Abort()
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limiterContext.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", limiterContext.Remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", limiterContext.Reset))

		if limiterContext.Reached {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": translate(c, "rate limit exceeded")})
			c.Abort()
			return
		}

		c.Next()
	}
}

type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w responseBodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w responseBodyWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// requestLogger logs every request at debug and 5xx responses, with their
// body and gin errors, at error.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		blw := &responseBodyWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		entry := log.WithFields(log.Fields{
			"status":   c.Writer.Status(),
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"ip":       c.ClientIP(),
			"duration": time.Since(start).Truncate(time.Millisecond),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.WithFields(log.Fields{
				"errors":   c.Errors.ByType(gin.ErrorTypeAny).String(),
				"response": strings.TrimSpace(blw.body.String()),
			}).Error("request failed")
			return
		}
		entry.Debug("request")
	}
}

func panicRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.WithFields(log.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"ip":     c.ClientIP(),
			"error":  recovered,
		}).Errorf("panic recovered\n%s", debug.Stack())
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": translate(c, "internal server error")})
	})
}

func corsMiddleware(origins string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", origins)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept-Language")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// newRouter wires the backend. The returned hub must be run by the caller.
func newRouter(cfg *config.Config, database *db.DB, reg *prometheus.Registry) (*gin.Engine, *ws.Hub) {
	authSvc := auth.New(database.GetConn(), cfg.JWTSecret)
	authHandler := handlers.NewAuthHandler(authSvc)

	var rooms *handlers.RoomHandler
	hub := ws.NewHub(func(from ws.Identity, destination string, body json.RawMessage) error {
		return rooms.HandleSend(from, destination, body)
	}, metrics.NewServer(reg))
	rooms = handlers.NewRoomHandler(database.GetConn(), hub, cfg.FileStoragePath, cfg.MaxUploadSize)
	hub.OnDisconnect(rooms.MemberDisconnected)

	router := gin.New()
	router.Use(requestLogger())
	router.Use(panicRecovery())
	router.Use(corsMiddleware(cfg.CORSOrigins))
	router.MaxMultipartMemory = cfg.MaxUploadSize

	api := router.Group("/api")
	{
		loginLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 5})
		registerLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 2})

		api.POST("/auth/register", rateLimitMiddleware(registerLimiter), authHandler.Register)
		api.POST("/auth/login", rateLimitMiddleware(loginLimiter), authHandler.Login)
	}

	protected := api.Group("")
	protected.Use(authHandler.AuthMiddleware())
	handlers.RegisterRoomRoutes(protected, rooms)

	router.Static("/api/files", cfg.FileStoragePath)

	router.GET("/ws", authHandler.AuthMiddleware(), hub.HandleWebSocket)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": translate(c, "not found")})
	})

	return router, hub
}

func runServer(cfg *config.Config) error {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
		if cfg.JWTSecret == "your-secret-key-change-in-production" {
			return errors.New("JWT_SECRET must be set in production")
		}
	}

	if err := os.MkdirAll(cfg.FileStoragePath, 0o755); err != nil {
		return errors.Wrap(err, "failed to create upload directory")
	}

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return errors.Wrap(err, "failed to initialize database")
	}
	defer database.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	router, hub := newRouter(cfg, database, reg)
	go hub.Run()
	defer hub.Stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigint)

	select {
	case err := <-errCh:
		return err
	case <-sigint:
	}

	log.Info("shutting down gracefully")
	hub.CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
