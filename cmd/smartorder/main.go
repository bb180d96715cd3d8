package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/xayed7x/smartorderAI/pkg/api"
	"github.com/xayed7x/smartorderAI/pkg/config"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests.
var startServer = runServer

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		_, _ = fmt.Fprintf(stderr, "warning: .env: %v\n", err)
	}
	cfg := config.Load()
	setupLogging(cfg.LogLevel, stderr)

	if len(args) < 2 {
		return startServer(cfg)
	}

	switch args[1] {
	case "serve":
		return startServer(cfg)
	case "health":
		return runHealth(cfg, stdout)
	case "migrate":
		return runMigrate(cfg, args[2:], stdout, stderr)
	case "token":
		return runToken(cfg, args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: smartorder <command> [arguments]")
	_, _ = fmt.Fprintln(w, "\nCommands:")
	_, _ = fmt.Fprintln(w, "  serve      Run the HTTP server (default)")
	_, _ = fmt.Fprintln(w, "  health     Check health of a running server")
	_, _ = fmt.Fprintln(w, "  migrate    Create the database schema [-seed products.yaml]")
	_, _ = fmt.Fprintln(w, "  token      Issue an operator token [-sub name] [-ttl 24h]")
}

func setupLogging(level string, w io.Writer) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})))
}

func runHealth(cfg *config.Config, stdout io.Writer) int {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://localhost:" + cfg.Port + "/health")
	if err != nil {
		_, _ = fmt.Fprintf(stdout, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stdout, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "OK")
	return 0
}

func runMigrate(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("migrate", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	seed := cmd.String("seed", "", "YAML file of products to upsert")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	st, err := openStores(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	if err := st.migrate(ctx, cfg.IdempotencyTTL); err != nil {
		_, _ = fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "schema ready")

	if *seed != "" {
		n, err := seedProducts(ctx, st.catalog, *seed)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "seed: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "seeded %d products\n", n)
	}
	return 0
}

func runToken(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	sub := cmd.String("sub", "operator", "token subject")
	ttl := cmd.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	auth := api.NewOperatorAuth(cfg.OperatorSecret)
	if auth == nil {
		_, _ = fmt.Fprintln(stderr, "token: OPERATOR_JWT_SECRET is not set")
		return 1
	}
	token, err := auth.Issue(*sub, *ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "token: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}

func runServer(cfg *config.Config) int {
	log.Println("[smartorder] starting")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := newObservability(ctx, cfg)
	if err != nil {
		log.Printf("[smartorder] observability: %v", err)
		return 1
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		log.Printf("[smartorder] database: %v", err)
		return 1
	}
	defer func() { _ = st.Close() }()
	if err := st.migrate(ctx, cfg.IdempotencyTTL); err != nil {
		log.Printf("[smartorder] schema: %v", err)
		return 1
	}

	a, err := buildApp(ctx, cfg, st, obs)
	if err != nil {
		log.Printf("[smartorder] wiring: %v", err)
		return 1
	}
	go a.runSweepers(ctx, 5*time.Minute)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.handler.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Model calls dominate request latency.
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[smartorder] listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	code := 0
	select {
	case <-ctx.Done():
		log.Println("[smartorder] shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Printf("[smartorder] server: %v", err)
			code = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[smartorder] graceful shutdown failed: %v", err)
		code = 1
	}
	a.Close()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Printf("[smartorder] observability shutdown: %v", err)
	}
	log.Println("[smartorder] stopped")
	return code
}
