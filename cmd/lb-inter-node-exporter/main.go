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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lbinternode/lb-inter-node-exporter/internal/agent"
	"github.com/lbinternode/lb-inter-node-exporter/internal/config"
	"github.com/lbinternode/lb-inter-node-exporter/internal/logging"
	"github.com/lbinternode/lb-inter-node-exporter/internal/otel"
	apiv1 "github.com/lbinternode/lb-inter-node-exporter/pkg/apis/v1"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := newCommand(cfg).Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:           apiv1.ServiceName,
		Short:         "Count TCP connections that enter the cluster through this node",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			return run(cfg)
		},
	}

	f := cmd.Flags()
	f.StringSliceVarP(&cfg.Interfaces, "iface", "i", cfg.Interfaces, "regular expressions selecting the interfaces to attach to")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	f.StringVar(&cfg.TraceEndpoint, "trace-endpoint", cfg.TraceEndpoint, "OTLP/HTTP endpoint for traces, empty disables tracing")
	f.StringVar(&cfg.TraceEndpoint, "metrics-endpoint", cfg.TraceEndpoint, "OTLP/HTTP endpoint for traces")
	_ = f.MarkDeprecated("metrics-endpoint", "use --trace-endpoint")
	f.StringVar(&cfg.Host, "host", cfg.Host, "HTTP host address for health and metrics")
	f.IntVarP(&cfg.Port, "port", "p", cfg.Port, "HTTP listening port for health and metrics, 0 disables it")
	f.StringVar(&cfg.XDPMode, "xdp-mode", cfg.XDPMode, "XDP attach mode (auto, native, hw, skb)")
	f.StringVar(&cfg.Datapath, "datapath", cfg.Datapath, "where frames are classified (xdp, afpacket)")
	f.StringVar(&cfg.BPFObject, "bpf-object", cfg.BPFObject, "path to the compiled classifier")
	f.StringVar(&cfg.Kubeconfig, "kubeconfig", cfg.Kubeconfig, "absolute path to the kubeconfig file (only needed when running outside of k8s)")
	f.IntVar(&cfg.MaxVIPs, "max-vips", cfg.MaxVIPs, "capacity of the VIP table")
	f.IntVar(&cfg.RingBytes, "ring-bytes", cfg.RingBytes, "size of the event ring buffer")
	f.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "number of Services that can have a pending VIP event")
	f.DurationVar(&cfg.QueueTimeout, "queue-timeout", cfg.QueueTimeout, "how long the watcher waits for room in the VIP event queue")
	f.DurationVar(&cfg.DrainPoll, "drain-poll", cfg.DrainPoll, "how often the event drain checks for shutdown")

	return cmd
}

func run(cfg *config.Config) error {
	logger := logging.Init(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	tp, err := otel.InitProvider(ctx, cfg.TraceEndpoint)
	if err != nil {
		logging.Error(logger, "op", "startup", "error", err, "msg", "failed to set up tracing")
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otel.ShutdownProvider(shutdownCtx, tp); err != nil {
			logging.Error(logger, "op", "shutdown", "error", err, "msg", "failed to flush traces")
		}
	}()

	a, err := agent.New(cfg, logger)
	if err != nil {
		logging.Error(logger, "op", "startup", "error", err, "msg", "failed to start")
		return err
	}

	// the agent doesn't return until it's time to shut down
	if err := a.Run(ctx); err != nil {
		logging.Error(logger, "op", "run", "error", err, "msg", "exited with error")
		return err
	}

	logging.Info(logger, "op", "shutdown", "msg", "shutdown complete")
	return nil
}
