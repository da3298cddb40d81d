// Copyright 2024 Acnodal Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package agent wires the exporter together and runs it.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"

	"github.com/lbinternode/lb-inter-node-exporter/internal/config"
	"github.com/lbinternode/lb-inter-node-exporter/internal/datapath"
	"github.com/lbinternode/lb-inter-node-exporter/internal/drain"
	"github.com/lbinternode/lb-inter-node-exporter/internal/health"
	"github.com/lbinternode/lb-inter-node-exporter/internal/iface"
	"github.com/lbinternode/lb-inter-node-exporter/internal/k8s"
	"github.com/lbinternode/lb-inter-node-exporter/internal/logging"
	"github.com/lbinternode/lb-inter-node-exporter/internal/server"
	"github.com/lbinternode/lb-inter-node-exporter/internal/vip"
)

// Agent is one exporter instance.
type Agent struct {
	cfg    *config.Config
	logger log.Logger

	clientset kubernetes.Interface
	dp        datapath.Datapath
	backoff   wait.Backoff

	health     *health.Registry
	queue      *vip.Queue
	reconciler *vip.Reconciler
	watcher    *k8s.Client
	drain      *drain.Drain
	server     *server.Server
}

// Option customizes an Agent.
type Option func(*Agent)

// WithClientset makes the agent use cs instead of connecting with
// the configured kubeconfig.
func WithClientset(cs kubernetes.Interface) Option {
	return func(a *Agent) { a.clientset = cs }
}

// WithDatapath makes the agent use dp instead of opening the
// configured one. The agent closes it when Run returns.
func WithDatapath(dp datapath.Datapath) Option {
	return func(a *Agent) { a.dp = dp }
}

// WithBackoff sets the watcher restart schedule.
func WithBackoff(b wait.Backoff) Option {
	return func(a *Agent) { a.backoff = b }
}

// New builds an agent from a validated configuration. It attaches the
// datapath, so it needs the privileges for that.
func New(cfg *config.Config, logger log.Logger, opts ...Option) (*Agent, error) {
	a := &Agent{
		cfg:     cfg,
		logger:  logger,
		backoff: k8s.DefaultBackoff,
		health:  health.NewRegistry(health.Watcher, health.Datapath, health.VIPTable),
	}
	for _, o := range opts {
		o(a)
	}

	if a.dp == nil {
		dp, err := openDatapath(cfg, logger)
		if err != nil {
			return nil, err
		}
		a.dp = dp
	}
	a.health.Set(health.Datapath, true, "")
	a.health.Set(health.VIPTable, true, "")

	a.queue = vip.NewQueue(cfg.QueueSize, cfg.QueueTimeout)
	a.reconciler = vip.NewReconciler(logger, a.dp.Table(), a.health.Setter(health.VIPTable))

	watcher, err := k8s.New(&k8s.Config{
		Logger:     logger,
		Kubeconfig: cfg.Kubeconfig,
		Clientset:  a.clientset,
		Sink:       a.queue,
		Ready:      a.health.Setter(health.Watcher),
	})
	if err != nil {
		a.dp.Close()
		return nil, fmt.Errorf("creating service watcher: %w", err)
	}
	a.watcher = watcher

	a.drain = drain.New(logger, a.dp.Events(), cfg.DrainPoll)

	if cfg.Port != 0 {
		a.server = server.New(server.Config{
			Logger:  logger,
			Address: cfg.ListenAddress(),
			Health:  a.health,
		})
	}

	return a, nil
}

func openDatapath(cfg *config.Config, logger log.Logger) (datapath.Datapath, error) {
	links, err := iface.Select(cfg.Interfaces)
	if err != nil {
		return nil, err
	}

	switch config.Datapath(cfg.Datapath) {
	case config.DatapathAFPacket:
		dp, err := datapath.NewUserspace(datapath.UserspaceConfig{
			Logger:    logger,
			Links:     links,
			MaxVIPs:   cfg.MaxVIPs,
			RingBytes: cfg.RingBytes,
		})
		if err != nil {
			return nil, fmt.Errorf("starting userspace datapath: %w", err)
		}
		return dp, nil
	default:
		dp, err := datapath.LoadXDP(datapath.XDPConfig{
			Logger:    logger,
			Object:    cfg.BPFObject,
			Links:     links,
			Mode:      cfg.Mode(),
			MaxVIPs:   cfg.MaxVIPs,
			RingBytes: cfg.RingBytes,
		})
		if err != nil {
			return nil, fmt.Errorf("loading xdp datapath: %w", err)
		}
		return dp, nil
	}
}

// Health returns the agent's readiness registry.
func (a *Agent) Health() *health.Registry {
	return a.health
}

// Run runs every part of the exporter until ctx is done or one of
// them fails, then releases the datapath.
func (a *Agent) Run(ctx context.Context) error {
	datapath.SetStatsSource(a.dp)
	defer datapath.SetStatsSource(nil)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		a.queue.Close()
		return nil
	})
	g.Go(func() error {
		return a.reconciler.Run(ctx, a.queue)
	})
	g.Go(func() error {
		return a.watcher.Supervise(ctx, a.backoff)
	})
	g.Go(func() error {
		return a.drain.Run(ctx)
	})
	g.Go(func() error {
		if err := a.dp.Run(ctx); err != nil {
			a.health.Set(health.Datapath, false, err.Error())
			return fmt.Errorf("datapath: %w", err)
		}
		return nil
	})
	if a.server != nil {
		g.Go(func() error {
			return a.server.Run(ctx)
		})
	}

	err := g.Wait()
	logging.Info(a.logger, "op", "shutdown", "msg", "releasing datapath")
	if cerr := a.dp.Close(); cerr != nil {
		logging.Error(a.logger, "op", "shutdown", "error", cerr, "msg", "failed to release datapath")
		err = errors.Join(err, cerr)
	}
	return err
}
