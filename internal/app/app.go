// Package app assembles the runtime object graph from configuration. Every
// long-lived handle is built here once and injected.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"taskline/internal/assistant"
	"taskline/internal/auth"
	"taskline/internal/config"
	"taskline/internal/engine"
	"taskline/internal/events"
	"taskline/internal/metrics"
	"taskline/internal/tools"
)

type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Store     engine.Store
	Engine    engine.Engine
	Tools     tools.Dispatcher
	Assistant assistant.Assistant
	Verifier  auth.Verifier
	Metrics   *metrics.Metrics

	closers []func() error
}

// Build wires storage, event delivery, replay protection, metrics and the
// assistant. Optional backends (Redis, RabbitMQ, the chat model) are only
// connected when configured; a broker that cannot be reached is logged and
// skipped.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, Store: store, Metrics: metrics.New()}
	a.closers = append(a.closers, store.Close)

	eng := engine.New(store)
	eng.Metrics = a.Metrics
	eng.Logger = logger.Named("engine")
	var sinks events.Fanout
	if cfg.AMQP.URL != "" {
		pub, err := events.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, logger.Named("events"))
		if err != nil {
			logger.Warn("event publisher disabled", zap.Error(err))
		} else {
			sinks = append(sinks, pub)
			a.closers = append(a.closers, pub.Close)
		}
	}
	if targets := webhookTargets(cfg.Webhooks); len(targets) > 0 {
		hook := events.NewWebhook(targets, logger.Named("webhooks"))
		sinks = append(sinks, hook)
		a.closers = append(a.closers, hook.Close)
	}
	if len(sinks) > 0 {
		eng.Events = sinks
	}
	a.Engine = eng

	a.Tools = tools.Dispatcher{Engine: eng, Metrics: a.Metrics, Logger: logger.Named("tools")}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable; tool calls will not be deduplicated until it recovers", zap.Error(err))
		}
		a.Tools.Dedup = tools.NewDeduper(rdb, cfg.Redis.DedupTTL, logger.Named("dedup"))
		a.closers = append(a.closers, rdb.Close)
	}

	a.Assistant = assistant.Assistant{
		Engine:       eng,
		Tools:        a.Tools,
		MaxSteps:     cfg.Assistant.MaxSteps,
		HistoryLimit: cfg.Assistant.HistoryLimit,
		Metrics:      a.Metrics,
		Logger:       logger.Named("assistant"),
	}
	if cfg.Assistant.APIKey != "" || cfg.Assistant.BaseURL != "" {
		a.Assistant.Reasoner = assistant.NewOpenAIReasoner(assistant.OpenAIConfig{
			BaseURL: cfg.Assistant.BaseURL,
			APIKey:  cfg.Assistant.APIKey,
			Model:   cfg.Assistant.Model,
		})
	}

	a.Verifier = auth.Verifier{Secret: cfg.Auth.JWTSecret, Issuer: cfg.Auth.Issuer, Leeway: cfg.Auth.Leeway}
	return a, nil
}

func webhookTargets(hooks []config.WebhookConfig) []events.WebhookTarget {
	var out []events.WebhookTarget
	for _, h := range hooks {
		if h.Enabled != nil && !*h.Enabled {
			continue
		}
		out = append(out, events.WebhookTarget{
			URL:     h.URL,
			Events:  h.Events,
			Secret:  h.Secret,
			Timeout: time.Duration(h.TimeoutSeconds) * time.Second,
		})
	}
	return out
}

// Signer mints tokens the Verifier accepts.
func (a *App) Signer() auth.Signer {
	return auth.Signer{Secret: a.Verifier.Secret, Issuer: a.Verifier.Issuer}
}

// Close releases every handle in reverse build order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
