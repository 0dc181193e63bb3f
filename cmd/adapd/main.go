// Package main is the entry point for the adap daemon.
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

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/adap-ai/adap/internal/api"
	"github.com/adap-ai/adap/internal/config"
	"github.com/adap-ai/adap/internal/logging"
	"github.com/adap-ai/adap/internal/runtime"
	"github.com/adap-ai/adap/pkg/types"
)

var (
	configPath  = flag.String("config", "", "Path to config file")
	initMode    = flag.Bool("init", false, "Initialize a new adap instance")
	projectPath = flag.String("path", ".", "Project path for initialization")
	showVersion = flag.Bool("version", false, "Show version")
)

const version = "0.1.0"

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("adapd version %s\n", version)
		os.Exit(0)
	}

	if *initMode {
		if err := initializeAdap(*projectPath, os.Stdout); err != nil {
			log.Fatal("Initialization failed", "error", err)
		}
		fmt.Println("adap initialized successfully!")
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// Run the server
	if err := run(cfg); err != nil {
		log.Fatal("Server error", "error", err)
	}
}

func run(cfg *types.Config) error {
	logger := logging.New(cfg.Log)
	logger.Info("Starting adap daemon", "version", version)

	rt, err := runtime.New(cfg, runtime.WithLogger(logger), runtime.WithVersion(version))
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.Start(); err != nil {
		return err
	}
	logger.Info("Runtime started", "modules", rt.Registry().ListModules())

	var server *http.Server
	var router *api.Router
	if cfg.Server.Enabled {
		gin.SetMode(gin.ReleaseMode)
		router = api.NewRouter(rt, logger.WithPrefix("api"))
		defer router.Close()

		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		server = &http.Server{
			Addr:    addr,
			Handler: router.Handler(),
		}

		// Start server in goroutine
		go func() {
			logger.Info("Server listening", "addr", addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Server error", "error", err)
			}
		}()

		logger.Info("adap runtime ready")
		logger.Infof("  API: http://%s/api/v1", addr)
		logger.Infof("  WebSocket: ws://%s/ws", addr)
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
	}

	logger.Info("Stopped")
	return nil
}
