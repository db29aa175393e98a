// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/novatechflow/tieredlog/pkg/index"
	"github.com/novatechflow/tieredlog/pkg/metadata"
	"github.com/novatechflow/tieredlog/pkg/offload"
	"github.com/novatechflow/tieredlog/pkg/source"
	"github.com/novatechflow/tieredlog/pkg/storage"
)

// healthService is the grpc health service name reporting offload readiness.
const healthService = "tieredlog.Offloader"

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Offload a Kafka partition continuously",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().Int64("start-offset", -1, "first Kafka offset to consume (-1 starts at the log start)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	startOffset, _ := cmd.Flags().GetInt64("start-offset")

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	rt, err := openRuntime(ctx, cfg, logger, func(prev, next storage.HealthState) {
		logger.Warn("storage health changed", "from", prev, "to", next)
		healthSrv.SetServingStatus(healthService, servingStatus(next))
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	kafkaCfg := source.KafkaConfig{
		Brokers:          cfg.Kafka.Brokers,
		Topic:            cfg.Kafka.Topic,
		Partition:        cfg.Kafka.Partition,
		ClientID:         cfg.Kafka.ClientID,
		StartOffset:      startOffset,
		EntriesPerLedger: cfg.Kafka.EntriesPerLedger,
		FirstLedgerID:    cfg.Kafka.FirstLedgerID,
		Logger:           logger,
	}
	client, err := source.NewKafkaClient(kafkaCfg)
	if err != nil {
		return err
	}
	defer client.Close()

	var ledgers sourceMetadata
	pipeline, err := offload.NewPipeline(offload.PipelineConfig{
		Offloader: rt.offloader,
		Store:     rt.meta,
		Options:   []offload.SessionOption{offload.WithMetadataSource(&ledgers)},
		Logger:    logger,
		OnSegment: func(seg metadata.Segment) {
			logger.Info("segment offloaded", "uid", seg.UID, "end_ledger", seg.EndLedger, "end_entry", seg.EndEntry, "bytes", seg.DataBytes)
		},
	})
	if err != nil {
		return err
	}
	src, err := source.NewKafkaSource(kafkaCfg, client, pipeline)
	if err != nil {
		return err
	}
	ledgers.src = src

	startMetricsServer(ctx, cfg.Server.MetricsAddr, rt.health, logger)
	if err := startHealthServer(ctx, cfg.Server.HealthAddr, healthSrv, logger); err != nil {
		return err
	}

	runErr := src.Run(ctx)
	if runErr != nil {
		logger.Error("kafka source stopped", "error", runErr)
	}
	healthSrv.Shutdown()
	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return errors.Join(runErr, pipeline.Close(closeCtx))
}

// sourceMetadata lets the session options reference the source before it exists.
type sourceMetadata struct {
	src *source.KafkaSource
}

func (m *sourceMetadata) LedgerMetadata(ctx context.Context, ledgerID int64) (index.LedgerMetadata, error) {
	return m.src.LedgerMetadata(ctx, ledgerID)
}

func servingStatus(state storage.HealthState) healthpb.HealthCheckResponse_ServingStatus {
	if state == storage.StateUnavailable {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

func newMetricsMux(monitor *storage.HealthMonitor) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "ok state=%s\n", monitor.State())
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		state := monitor.State()
		if !monitor.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "not ready state=%s\n", state)
			return
		}
		fmt.Fprintf(w, "ready state=%s\n", state)
	})
	return mux
}

func startMetricsServer(ctx context.Context, addr string, monitor *storage.HealthMonitor, logger *slog.Logger) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           newMetricsMux(monitor),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
}

func startHealthServer(ctx context.Context, addr string, healthSrv *health.Server, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health server listen: %w", err)
	}
	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, healthSrv)
	go func() {
		<-ctx.Done()
		done := make(chan struct{})
		go func() {
			server.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			server.Stop()
		}
	}()
	go func() {
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("health server error", "error", err)
		}
	}()
	return nil
}
