// Command ivoryvalley runs the dedup-aware Mastodon reverse proxy.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jensens/ivoryvalley/internal/config"
	"github.com/jensens/ivoryvalley/internal/logging"
	"github.com/jensens/ivoryvalley/internal/proxy"
	"github.com/jensens/ivoryvalley/internal/server"
	"github.com/jensens/ivoryvalley/internal/store"
	"github.com/jensens/ivoryvalley/internal/traffic"
	"github.com/jensens/ivoryvalley/internal/upstream"
	"github.com/jensens/ivoryvalley/internal/wsrelay"
)

// version is set at build time via -ldflags.
var version = "dev"

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "ivoryvalley",
		Short: "Dedup-aware reverse proxy for a single Mastodon instance",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	defaults := config.NewViper()
	config.ApplyDefaults(viper.GetViper())

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to configuration file (*.toml or *.yaml)")
	cmd.PersistentFlags().String("upstream-url", defaults.GetString("upstream_url"), "upstream Fediverse origin")
	cmd.PersistentFlags().String("host", defaults.GetString("host"), "listener bind address")
	cmd.PersistentFlags().Int("port", defaults.GetInt("port"), "listener port")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database_path"), "seen-uri store file path")
	cmd.PersistentFlags().Int64("max-body-size", defaults.GetInt64("max_body_size"), "max bytes per request/response body")
	cmd.PersistentFlags().Int64("connect-timeout-secs", defaults.GetInt64("connect_timeout_secs"), "upstream connect timeout, in seconds")
	cmd.PersistentFlags().Int64("request-timeout-secs", defaults.GetInt64("request_timeout_secs"), "upstream total request timeout, in seconds")
	cmd.PersistentFlags().String("record-traffic-path", defaults.GetString("record_traffic_path"), "if set, append request/response pairs as JSON lines to this path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log_level"), "log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("public-websocket-url", defaults.GetString("public_websocket_url"), "externally-visible WebSocket URL advertised to clients")
	cmd.PersistentFlags().Int64("ws-ping-interval-secs", defaults.GetInt64("ws_ping_interval_secs"), "interval, in seconds, between keepalive WebSocket pings sent to each side of a relay")

	bindFlag(cmd, "upstream_url", "upstream-url")
	bindFlag(cmd, "host", "host")
	bindFlag(cmd, "port", "port")
	bindFlag(cmd, "database_path", "database-path")
	bindFlag(cmd, "max_body_size", "max-body-size")
	bindFlag(cmd, "connect_timeout_secs", "connect-timeout-secs")
	bindFlag(cmd, "request_timeout_secs", "request-timeout-secs")
	bindFlag(cmd, "record_traffic_path", "record-traffic-path")
	bindFlag(cmd, "log_level", "log-level")
	bindFlag(cmd, "public_websocket_url", "public-websocket-url")
	bindFlag(cmd, "ws_ping_interval_secs", "ws-ping-interval-secs")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	v := viper.GetViper()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("ivoryvalley")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" && !errors.As(err, &notFound) {
			return err
		}
	}
	return nil
}

func run(ctx context.Context) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("resolve configuration: %w", err)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	seenStore, err := store.Open(cfg.DatabasePath, log)
	if err != nil {
		return fmt.Errorf("open seen-uri store: %w", err)
	}
	defer seenStore.Close()

	upstreamURL, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return fmt.Errorf("parse upstream_url: %w", err)
	}

	httpClient := upstream.New(cfg.ConnectTimeout, cfg.RequestTimeout)

	var recorder *traffic.Recorder
	if cfg.RecordTrafficPath != "" {
		recorder, err = traffic.Open(cfg.RecordTrafficPath, 64*1024)
		if err != nil {
			return fmt.Errorf("open traffic recorder: %w", err)
		}
		defer recorder.Close()
	}

	publicWS := cfg.PublicWebSocketURL
	if publicWS == "" {
		publicWS = fmt.Sprintf("ws://%s/api/v1/streaming", cfg.Addr())
	}

	handler := &proxy.Handler{
		Upstream:           upstreamURL,
		Client:             httpClient,
		Store:              seenStore,
		Log:                log,
		MaxBodySize:        cfg.MaxBodySize,
		Recorder:           recorder,
		PublicWebSocketURL: publicWS,
	}

	relay := wsrelay.New(seenStore, log,
		wsrelay.WithConnectTimeout(cfg.ConnectTimeout),
		wsrelay.WithPingPeriod(cfg.WsPingInterval),
	)

	e := server.New(server.Dependencies{
		Proxy:    handler,
		Relay:    relay,
		Store:    seenStore,
		Upstream: upstreamURL,
		Log:      log,
		Version:  version,
	})

	httpServer := &http.Server{
		Addr:    cfg.Addr(),
		Handler: e,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Addr()), zap.String("upstream", cfg.UpstreamURL))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		log.Info("shutting down", zap.Duration("grace", cfg.ShutdownGrace))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil

	case err := <-errCh:
		return err
	}
}
