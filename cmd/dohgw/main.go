package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	dohgw "github.com/dohgw/gateway"
	"github.com/spf13/cobra"
)

// version is set via -ldflags at release build time.
var version = "dev"

type options struct {
	configPath string
	test       bool
	debug      bool
	showVer    bool
}

func main() {
	var opt options
	cmd := &cobra.Command{
		Use:   "dohgw",
		Short: "DNS-over-HTTPS gateway",
		Long: `A DNS-over-HTTPS gateway.

Accepts DoH requests over HTTPS, rate-limits by client IP, routes queries to
an upstream group by domain rule, applies EDNS Client Subnet policy, caches
answers, and resolves over the upstream's configured transport.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opt)
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVarP(&opt.configPath, "config", "c", "", "path to the YAML configuration file (required)")
	cmd.Flags().BoolVar(&opt.test, "test", false, "validate the configuration and exit")
	cmd.Flags().BoolVar(&opt.debug, "debug", false, "enable debug-level logging")
	cmd.Flags().BoolVarP(&opt.showVer, "version", "v", false, "print the version and exit")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opt options) error {
	if opt.showVer {
		fmt.Println("dohgw", version)
		return nil
	}
	if opt.debug {
		dohgw.SetLevel(slog.LevelDebug)
	}
	if opt.configPath == "" {
		return fmt.Errorf("--config is required")
	}

	cfg, err := dohgw.LoadConfigFile(opt.configPath)
	if err != nil {
		return err
	}
	if cfg.LogLevel != "" && !opt.debug {
		var level slog.Level
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
		}
		dohgw.SetLevel(level)
	}
	if opt.test {
		fmt.Println("configuration OK")
		return nil
	}

	metrics := dohgw.NewMetrics()
	handler, closer, err := cfg.Build(metrics)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    cfg.HTTPServer.ListenAddr,
		Handler: handler.Mux(),
	}
	if cfg.HTTPServer.Timeout > 0 {
		srv.ReadTimeout = time.Duration(cfg.HTTPServer.Timeout) * time.Second
		srv.WriteTimeout = time.Duration(cfg.HTTPServer.Timeout) * time.Second
	}

	serveErr := make(chan error, 1)
	go func() {
		dohgw.Log.Info("listening", "addr", cfg.HTTPServer.ListenAddr)
		serveErr <- srv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			dohgw.Log.Error("server failed", "error", err)
			os.Exit(1)
		}
	case <-sig:
		dohgw.Log.Info("stopping")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		dohgw.Log.Warn("forced shutdown", "error", err)
	}
	if err := closer(); err != nil {
		dohgw.Log.Warn("component shutdown error", "error", err)
	}
	return nil
}
