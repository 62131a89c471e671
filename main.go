package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/xiaoyuanzhu-com/agent-hub/agent"
	"github.com/xiaoyuanzhu-com/agent-hub/api"
	"github.com/xiaoyuanzhu-com/agent-hub/config"
	"github.com/xiaoyuanzhu-com/agent-hub/db"
	"github.com/xiaoyuanzhu-com/agent-hub/events"
	"github.com/xiaoyuanzhu-com/agent-hub/log"
	"github.com/xiaoyuanzhu-com/agent-hub/supervisor"
)

func main() {
	cfg := config.Get()

	// Initialize database
	conn := db.GetDB()
	prefs := db.NewSessionPrefs(conn)

	bus := events.NewBus()

	// Runtime selection: the CLI subprocess runtime in production, the
	// scriptable in-process runtime for local development.
	var runtime agent.Runtime
	switch cfg.AgentRuntime {
	case "mock":
		runtime = &agent.MockRuntime{}
		log.Warn().Msg("using mock agent runtime")
	default:
		runtime = &agent.CLIRuntime{Binary: cfg.AgentBinary}
	}

	sup := supervisor.New(supervisor.Config{
		Runtime:              runtime,
		Bus:                  bus,
		MaxWorkers:           cfg.MaxWorkers,
		QueueMaxLength:       cfg.QueueMaxLength,
		IdleTimeout:          cfg.IdleTimeout,
		IdlePreemptThreshold: cfg.IdlePreemptThreshold,
		Prefs:                prefs,
		AgentBinary:          cfg.AgentBinary,
	})

	// Session-log watcher feeds file-activity events to the tracker.
	watcher, err := supervisor.NewLogWatcher(cfg.ProjectsDir(), bus)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.ProjectsDir()).Msg("failed to create log watcher")
	}
	if err := watcher.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start log watcher")
	}

	tracker := supervisor.NewExternalSessionTracker(bus, sup.OwnsSession, cfg.ExternalDecay, cfg.AbortGrace)

	// Set Gin to release mode to disable its default debug logging
	// We use our own zerolog-based request logger instead
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(log.GinLogger())
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/api/events"})))

	if cfg.IsDevelopment() {
		r.Use(corsMiddleware(cfg.Port))
	}

	r.SetTrustedProxies(nil)

	api.SetupRoutes(r, api.NewHandlers(sup, bus, tracker))

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:     addr,
		Handler:  r,
		ErrorLog: log.StdErrorLogger(),
	}

	go func() {
		log.Info().
			Str("addr", addr).
			Str("env", cfg.Env).
			Str("runtime", cfg.AgentRuntime).
			Msg("server starting")

		printNetworkAddresses(cfg.Port)

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Drain HTTP first so no new sessions arrive while aborting.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	sup.Shutdown()
	tracker.Close()
	watcher.Close()

	if err := db.Close(); err != nil {
		log.Error().Err(err).Msg("database close error")
	}

	log.Info().Msg("server stopped")
}

// corsMiddleware creates a CORS middleware for Gin, allowing the API port
// itself plus the frontend dev server on the next port up
func corsMiddleware(port int) gin.HandlerFunc {
	allowedOrigins := map[string]bool{
		fmt.Sprintf("http://localhost:%d", port):   true,
		fmt.Sprintf("http://localhost:%d", port+1): true,
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if allowedOrigins[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}

		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, HEAD, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func printNetworkAddresses(port int) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				if ip4 := ipnet.IP.To4(); ip4 != nil {
					log.Info().Str("url", fmt.Sprintf("http://%s:%d", ip4.String(), port)).Msg("network")
				}
			}
		}
	}
}
