package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/assadsharif/fte/go/approval"
	"github.com/assadsharif/fte/go/guard"
	"github.com/assadsharif/fte/go/invoke"
	"github.com/assadsharif/fte/go/metrics"
	"github.com/assadsharif/fte/go/sched"
	"github.com/assadsharif/fte/go/score"
	"github.com/assadsharif/fte/go/trust"
)

type cmdServe struct {
	vaultOptions
	MetricsPort int `long:"metrics.port" description:"Expose /metrics and /healthz on this port (overrides the config; 0 disables)"`
}

func (cmd cmdServe) Execute(_ []string) error {
	c, err := cmd.openCore()
	if err != nil {
		return err
	}
	defer c.close()
	var cfg = c.cfg
	if cmd.MetricsPort > 0 {
		cfg.Metrics.Port = cmd.MetricsPort
	}

	approvals, err := approval.NewStore(c.vault, cfg, c.auditor)
	if err != nil {
		return err
	}

	var set = metrics.NewSet()
	var tracker = metrics.NewTracker()
	c.scanner.Observer = set.ObserveScan

	var registry = trust.NewRegistry(cfg.VaultPath, c.auditor)
	var breakers = guard.NewBreakerSet(cfg.Circuit, c.auditor, set.ObserveBreaker)
	var gate = guard.NewGuard(cfg, registry, approvals, c.scanner,
		guard.NewRateLimiter(cfg.RateLimits), breakers, c.auditor)
	gate.Observer = set.ObserveAction

	var scheduler = sched.New(sched.Deps{
		Config:  cfg,
		Vault:   c.vault,
		Auditor: c.auditor,
		Scorer: score.NewScorer(cfg.PriorityWeights,
			cfg.VIPSenders, cfg.ClientSenders, cfg.InternalDomains),
		Reasoner:  invoke.New(cfg, c.vault, approvals, c.auditor),
		Approvals: approvals,
		Executor:  gate,
		Retrier:   sched.NewRetrier(cfg, c.vault, c.auditor),
		Store:     sched.NewCheckpointStore(cfg.VaultPath),
		Breakers:  breakers,
		Metrics:   set,
		Tracker:   tracker,
	})

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Port > 0 {
		var health = func() metrics.Health {
			var open []string
			for driver, state := range breakers.States() {
				if state == "open" {
					open = append(open, driver)
				}
			}
			return tracker.Evaluate(open, c.auditor.Degraded())
		}
		group.Go(func() error {
			return set.Serve(ctx, fmt.Sprintf(":%d", cfg.Metrics.Port), health)
		})
	}
	group.Go(func() error {
		defer stop() // scheduler exit also stops the metrics server
		return scheduler.Run(ctx)
	})

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("%v: %w", err, errRuntime)
	}
	log.Info("scheduler stopped")
	return nil
}
