package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/ispbill/routerd/internal/config"
	"github.com/ispbill/routerd/internal/crypto"
	"github.com/ispbill/routerd/internal/database"
	"github.com/ispbill/routerd/internal/devicepool"
	"github.com/ispbill/routerd/internal/handlers"
	"github.com/ispbill/routerd/internal/inventory"
	"github.com/ispbill/routerd/internal/logging"
	"github.com/ispbill/routerd/internal/middleware"
	"github.com/ispbill/routerd/internal/routeraudit"
	"github.com/ispbill/routerd/internal/routeros"
	"github.com/ispbill/routerd/internal/routerstore"
	"github.com/ispbill/routerd/internal/watchdog"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 && os.Args[1] == "--hash-token" {
		runHashToken()
		return
	}
	os.Exit(run())
}

func run() int {
	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Printf("Database init: %v", err)
		return 1
	}
	defer database.Close()

	log.Printf("Config: AuthDisabled=%v, QueueLimit=%d, Retries=%d, IdleTimeout=%s",
		config.Cfg.AuthDisabled, config.Cfg.QueueLimit, config.Cfg.Retries, config.Cfg.IdleTimeout)
	if !config.Cfg.AuthDisabled && config.Cfg.APITokenHash == "" {
		log.Printf("WARNING: ROUTERD_API_TOKEN_HASH is empty; every API request will be rejected")
	}

	store := routerstore.New(database.DB, crypto.NewBox(database.DB))
	if _, err := inventory.SeedFile(context.Background(), store, config.Cfg.InventoryPath); err != nil {
		log.Printf("Inventory seed: %v", err)
		return 1
	}
	auditor := routeraudit.NewAuditor(database.DB, config.Cfg.AuditRetention)

	var pattern *regexp.Regexp
	if config.Cfg.DesyncPattern != "" {
		p, err := regexp.Compile(config.Cfg.DesyncPattern)
		if err != nil {
			log.Printf("Invalid ROUTERD_DESYNC_PATTERN: %v", err)
			return 1
		}
		pattern = p
	}
	wd := watchdog.New(config.Cfg.DesyncThreshold, config.Cfg.DesyncWindow, pattern)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	dialer := &routeros.Dialer{KeepAlive: 30 * time.Second}
	if config.Cfg.TLSVerify {
		dialer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	pool, err := devicepool.New(devicepool.Options{
		Dialer:              dialer,
		QueueLimit:          config.Cfg.QueueLimit,
		Retries:             config.Cfg.Retries,
		CommandSpacing:      config.Cfg.CommandSpacing,
		ConnectTimeout:      config.Cfg.ConnectTimeout,
		CommandTimeout:      config.Cfg.CommandTimeout,
		HeavyCommands:       config.Cfg.HeavyCommands,
		HeavyCommandTimeout: config.Cfg.HeavyCommandTimeout,
		HeavyCommandRetries: config.Cfg.HeavyCommandRetries,
		BackoffBase:         config.Cfg.BackoffBase,
		BackoffMax:          config.Cfg.BackoffMax,
		HealthInterval:      config.Cfg.HealthInterval,
		HealthTimeout:       config.Cfg.HealthTimeout,
		HealthConcurrency:   config.Cfg.HealthConcurrency,
		IdleTimeout:         config.Cfg.IdleTimeout,
		EvictionInterval:    config.Cfg.EvictionInterval,
		DNSTTL:              config.Cfg.DNSTTL,
		EmptyReplyMarkers:   config.Cfg.EmptyReplyMarkers,
		Observer:            wd,
		Registerer:          reg,
	})
	if err != nil {
		log.Printf("Device pool init: %v", err)
		return 1
	}
	pool.SetConfigLoader(store.Loader())
	pool.SetAuditLogger(auditor.Sink())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.StartHealthMonitor(ctx)
	pool.StartEviction(ctx)

	// Audit retention
	c := cron.New()
	if _, err := c.AddFunc(config.Cfg.AuditPurgeSchedule, func() {
		if _, err := auditor.PurgeOlderThan(0); err != nil {
			log.Printf("Audit purge: %v", err)
		}
	}); err != nil {
		log.Printf("Invalid ROUTERD_AUDIT_PURGE_SCHEDULE %q: %v", config.Cfg.AuditPurgeSchedule, err)
		return 1
	}
	c.Start()

	srvHandlers := &handlers.Server{
		DB:              database.DB,
		Pool:            pool,
		Store:           store,
		Auditor:         auditor,
		TerminalLimiter: middleware.NewTenantLimiter(config.Cfg.TerminalRateLimit, config.Cfg.TerminalRateWindow),
		Metrics:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		APITokenHash:    config.Cfg.APITokenHash,
	}

	// Graceful shutdown
	srv := &http.Server{
		Addr:              config.Cfg.ListenAddr,
		Handler:           srvHandlers.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	exitCode := 0
	select {
	case <-sigCtx.Done():
		log.Println("Shutting down...")
	case <-wd.Tripped():
		log.Printf("Escalating: %v", wd.Err())
		pool.DisconnectAll("protocol desynchronized")
		exitCode = 1
	case err := <-serveErr:
		log.Printf("Server error: %v", err)
		exitCode = 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
		exitCode = 1
	}
	<-c.Stop().Done()
	cancel()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.Printf("Device pool shutdown: %v", err)
		exitCode = 1
	}
	log.Println("Server stopped")
	return exitCode
}

func runHashToken() {
	fs := flag.NewFlagSet("hash-token", flag.ExitOnError)
	token := fs.String("token", "", "API token to hash")
	fs.Parse(os.Args[2:])

	if *token == "" {
		fmt.Fprintln(os.Stderr, "Usage: routerd --hash-token --token <token>")
		os.Exit(1)
	}

	hash, err := middleware.HashToken(*token)
	if err != nil {
		log.Fatalf("Failed to hash token: %v", err)
	}
	fmt.Printf("ROUTERD_API_TOKEN_HASH=%s\n", hash)
}
