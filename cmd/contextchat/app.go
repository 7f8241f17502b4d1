package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fipso/contextchat/internal/config"
	"github.com/fipso/contextchat/internal/conversation"
	"github.com/fipso/contextchat/internal/event"
	"github.com/fipso/contextchat/internal/llm"
	"github.com/fipso/contextchat/internal/storage"
)

// app is the wired core shared by every subcommand.
type app struct {
	records *storage.Store
	keys    *llm.KeyRing
	client  *llm.Client
	bus     *event.Bus
	store   *conversation.Store
}

// openApp opens the database, runs pending migrations and loads the
// conversation store.
func openApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	dbPath := cfg.Server.DBPath
	if dbPath == "" {
		p, err := config.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("database path: %w", err)
		}
		dbPath = p
	}

	records, err := storage.Open(dbPath, logger)
	if err != nil {
		return nil, err
	}
	if applied, err := records.Migrate(ctx); err != nil {
		records.Close()
		return nil, err
	} else if len(applied) > 0 {
		logger.Info("applied migrations", zap.Ints("versions", applied))
	}

	keys := llm.NewKeyRing()
	opts, err := clientOptions(cfg, keys, logger)
	if err != nil {
		records.Close()
		return nil, err
	}
	client := llm.NewClient(opts)
	bus := event.NewBus(logger)

	store := conversation.New(conversation.Options{
		Records:   records,
		AI:        client,
		Generator: generatorFor(cfg, logger),
		Keys:      keys,
		Bus:       bus,
		Logger:    logger,
	})
	if err := store.Load(ctx); err != nil {
		bus.Close()
		records.Close()
		return nil, err
	}

	return &app{records: records, keys: keys, client: client, bus: bus, store: store}, nil
}

func (a *app) Close() {
	a.store.Close()
	a.bus.Close()
	if err := a.records.Close(); err != nil {
		logger.Warn("close database", zap.Error(err))
	}
}

// clientOptions builds the transport set: direct with the user's key, and
// the proxy when one is configured.
func clientOptions(cfg *config.Config, keys *llm.KeyRing, logger *zap.Logger) (llm.Options, error) {
	timeout, err := cfg.AI.Timeout()
	if err != nil {
		return llm.Options{}, err
	}
	o := llm.Options{
		Direct:      directTransport(cfg, keys, logger),
		Credentials: keys,
		Timeout:     timeout,
		Logger:      logger,
	}
	if cfg.Proxy.URL != "" {
		o.Proxy = llm.NewProxyTransport(llm.ProxyOptions{
			URL:    cfg.Proxy.URL,
			Token:  cfg.Proxy.Token,
			Logger: logger,
		})
	}
	return o, nil
}

func directTransport(cfg *config.Config, creds llm.Credentials, logger *zap.Logger) *llm.DirectTransport {
	return llm.NewDirectTransport(creds, llm.DirectOptions{
		Model:       cfg.AI.Model,
		MaxTokens:   cfg.AI.MaxTokens,
		Temperature: cfg.AI.Temperature,
		BaseURL:     cfg.AI.BaseURL,
		Logger:      logger,
	})
}

// generatorFor prefers the remote generator next to the proxy and falls back
// to drafting with the server's own key.
func generatorFor(cfg *config.Config, logger *zap.Logger) llm.Generator {
	if url := cfg.Proxy.GenerateURL(); url != "" {
		timeout, _ := cfg.AI.Timeout()
		return llm.NewContextGenerator(url, cfg.Proxy.Token, timeout, nil)
	}
	if cfg.AI.APIKey != "" {
		return llm.NewModelGenerator(directTransport(cfg, llm.StaticKey(cfg.AI.APIKey), logger), logger)
	}
	return nil
}
