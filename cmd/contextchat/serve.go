package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fipso/contextchat/internal/config"
	"github.com/fipso/contextchat/internal/llm"
	"github.com/fipso/contextchat/internal/server"
)

var (
	serveAddr  string
	serveProxy bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and websocket event stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		addr := cfg.Server.Addr
		if serveAddr != "" {
			addr = serveAddr
		}

		opts := server.Options{
			Addr:           addr,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			Store:          a.store,
			Bus:            a.bus,
			Logger:         logger,
		}
		if serveProxy {
			opts.Proxy = proxyOptions(cfg, logger)
		}

		if m := watchConfig(a); m != nil {
			defer m.Stop()
		}

		srv := server.New(opts)
		return srv.Start(ctx)
	},
}

// proxyOptions serves /proxy with the server's own key. Without a key the
// endpoints answer 503.
func proxyOptions(cfg *config.Config, logger *zap.Logger) *server.ProxyOptions {
	if cfg.Proxy.Token == "" {
		logger.Warn("proxy endpoints enabled without proxy.token; every request will be refused")
	}
	direct := directTransport(cfg, llm.StaticKey(cfg.AI.APIKey), logger)
	return &server.ProxyOptions{
		Token:     cfg.Proxy.Token,
		Upstream:  direct,
		Generator: llm.NewModelGenerator(direct, logger),
	}
}

// watchConfig reconfigures the model client when config.toml changes. The
// database path and listen address need a restart.
func watchConfig(a *app) *config.Manager {
	m, err := config.NewManager(configPath, logger)
	if err != nil {
		logger.Warn("config reload disabled", zap.Error(err))
		return nil
	}
	m.OnChange(func(old, cur *config.Config) {
		opts, err := clientOptions(cur, a.keys, logger)
		if err != nil {
			logger.Warn("ignoring config change", zap.Error(err))
			return
		}
		a.client.Reconfigure(opts)
		if old.Server.Addr != cur.Server.Addr || old.Server.DBPath != cur.Server.DBPath {
			logger.Info("server settings changed; restart to apply")
		}
		logger.Info("config reloaded")
	})
	return m
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().BoolVar(&serveProxy, "proxy", false, "also serve /proxy endpoints backed by ai.api_key")
	rootCmd.AddCommand(serveCmd)
}
