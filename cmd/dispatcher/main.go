/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// The dispatcher binary drains the scan queue into cluster jobs.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jordigilh/actionscan/pkg/config"
	"github.com/jordigilh/actionscan/pkg/datastorage/migrations"
	"github.com/jordigilh/actionscan/pkg/datastorage/repository"
	"github.com/jordigilh/actionscan/pkg/dispatcher"
	"github.com/jordigilh/actionscan/pkg/githubapi"
	"github.com/jordigilh/actionscan/pkg/kubejobs"
	"github.com/jordigilh/actionscan/pkg/metrics"
)

func main() {
	cmd := &cobra.Command{
		Use:          "dispatcher",
		Short:        "Dispatches queued repositories as cluster scan jobs",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.LoadDispatcher()
	if err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repository.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", zap.Error(err))
		return err
	}
	defer db.Close()

	if err := migrations.Up(ctx, db.DB); err != nil {
		logger.Error("failed to run migrations", zap.Error(err))
		return err
	}

	jobs, err := kubejobs.NewManager(cfg.Namespace, cfg.WorkerImage, logger)
	if err != nil {
		logger.Error("failed to create job manager", zap.Error(err))
		return err
	}

	api := githubapi.NewClient(cfg.GitHubToken, repository.NewRateLimitStore(db, logger), logger)

	disp := dispatcher.New(api, jobs, repository.NewQueueStore(db, logger),
		dispatcher.Config{
			PollInterval:      cfg.PollInterval,
			MaxConcurrentJobs: cfg.MaxConcurrentJobs,
			RequestsPerJob:    githubapi.DefaultRequestsPerJob,
			DatabaseURL:       cfg.DatabaseURL,
			GitHubToken:       cfg.GitHubToken,
		}, logger)

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return disp.Run(ctx)
	})

	group.Go(func() error {
		return serveMetrics(ctx, cfg.MetricsAddr, logger)
	})

	return group.Wait()
}

func serveMetrics(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
