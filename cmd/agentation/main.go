// Package main is the entry point for the agentation annotation broker. One
// binary serves the HTTP/SSE surface for browser overlays and the MCP stdio
// surface for coding agents; by default both run together so an agent
// harness can spawn the broker and get the full stack.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentation/agentation/internal/annotation/handlers"
	"github.com/agentation/agentation/internal/annotation/service"
	"github.com/agentation/agentation/internal/annotation/store"
	"github.com/agentation/agentation/internal/common/config"
	"github.com/agentation/agentation/internal/common/httpmw"
	"github.com/agentation/agentation/internal/common/logger"
	"github.com/agentation/agentation/internal/events/bus"
	"github.com/agentation/agentation/internal/mcpserver"
	"github.com/agentation/agentation/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "server":
		runServer(os.Args[2:])
	case "help", "-h", "--help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(2)
	}
}

func usage(w *os.File) {
	fmt.Fprint(w, `agentation - local annotation broker

Usage:
  agentation server [flags]   Start the broker
  agentation help             Show this help

Flags for server:
  --port N        HTTP listen port (default 4747)
  --mcp-only      Serve only the MCP stdio surface, proxying an external broker
  --http-only     Serve only the HTTP surface, without MCP stdio
  --http-url URL  Broker API base URL for the MCP tools (default the local port)
  --api-key KEY   Require this bearer key on the HTTP surface

Environment:
  AGENTATION_STORE                 Store backing: sqlite (default) or memory
  AGENTATION_STORE_PATH            SQLite file path (default ~/.agentation/store.db)
  AGENTATION_EVENT_RETENTION_DAYS  Event log retention in days (default 7)
  AGENTATION_API_KEY               Shared bearer key for the HTTP surface
  AGENTATION_WEBHOOK_URL           Single webhook target URL
  AGENTATION_WEBHOOKS              Comma-separated webhook target URLs
`)
}

func runServer(args []string) {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	port := fs.Int("port", 0, "HTTP listen port")
	mcpOnly := fs.Bool("mcp-only", false, "serve only the MCP stdio surface")
	httpOnly := fs.Bool("http-only", false, "serve only the HTTP surface")
	httpURL := fs.String("http-url", "", "broker API base URL for the MCP tools")
	apiKey := fs.String("api-key", "", "require this bearer key on the HTTP surface")
	_ = fs.Parse(args)

	if *mcpOnly && *httpOnly {
		fmt.Fprintln(os.Stderr, "--mcp-only and --http-only are mutually exclusive")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *apiKey != "" {
		cfg.Auth.APIKey = *apiKey
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	baseURL := *httpURL
	if baseURL == "" {
		baseURL = cfg.ACP.BaseURL
	}
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	}

	if *mcpOnly {
		mcp := mcpserver.New(mcpserver.Config{BaseURL: baseURL, APIKey: cfg.Auth.APIKey}, log)
		if err := mcp.ServeStdio(); err != nil {
			log.Fatal("MCP stdio transport failed", zap.Error(err))
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Provide(cfg.Store.Backing, cfg.Store.Path)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err), zap.String("backing", cfg.Store.Backing))
	}
	defer func() { _ = st.Close() }()
	log.Info("store ready", zap.String("backing", cfg.Store.Backing))

	retention := time.Duration(cfg.Events.RetentionDays) * 24 * time.Hour
	eventBus := bus.New(st, retention, log)
	if err := eventBus.Start(ctx); err != nil {
		log.Fatal("Failed to start event bus", zap.Error(err))
	}
	go eventBus.RunRetention(ctx)

	svc := service.New(st, eventBus, log)

	dispatcher := webhook.New(cfg.Webhooks.Targets(), eventBus, log)
	dispatcher.Start(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log))
	if cfg.Auth.APIKey != "" {
		router.Use(authMiddleware(cfg.Auth.APIKey))
	}

	handlers.RegisterSessionRoutes(router, svc, log)
	handlers.RegisterAnnotationRoutes(router, svc, log)
	handlers.RegisterEventRoutes(router, svc, log)

	// No WriteTimeout: SSE streams stay open indefinitely.
	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if !*httpOnly {
		mcp := mcpserver.New(mcpserver.Config{BaseURL: baseURL, APIKey: cfg.Auth.APIKey}, log)
		go func() {
			// stdin EOF means the spawning agent is gone; shut the broker down.
			if err := mcp.ServeStdio(); err != nil {
				log.Error("MCP stdio transport failed", zap.Error(err))
			}
			stop()
		}()
	}

	// Runs until a signal arrives, stdin closes, or the listener fails.
	<-gctx.Done()
	log.Info("Shutting down agentation...")

	// Close the bus first: SSE handlers run until their subscription channel
	// closes, and Shutdown waits for them. Closing the bus writes the final
	// comment and ends the streams, so Shutdown returns as soon as the
	// short-lived requests drain.
	eventBus.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown failed", zap.Error(err))
	}

	dispatcher.Wait()

	if err := g.Wait(); err != nil {
		log.Fatal("HTTP server failed", zap.Error(err))
	}
	log.Info("Shutdown complete")
}
