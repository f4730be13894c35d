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

// The scanjob binary runs inside a cluster job: it scans exactly one
// repository and exits 0 on success, 1 on failure.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jordigilh/actionscan/pkg/config"
	"github.com/jordigilh/actionscan/pkg/datastorage/migrations"
	"github.com/jordigilh/actionscan/pkg/datastorage/repository"
	"github.com/jordigilh/actionscan/pkg/githubapi"
	"github.com/jordigilh/actionscan/pkg/scanner"
)

func main() {
	cmd := &cobra.Command{
		Use:          "scanjob",
		Short:        "Scans one repository's workflows for security findings",
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

	cfg, err := config.LoadScanJob()
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

	api := githubapi.NewClient(cfg.GitHubToken, repository.NewRateLimitStore(db, logger), logger)

	worker := scanner.New(
		scanner.Config{
			RepoURL:     cfg.RepoURL,
			GitHubToken: cfg.GitHubToken,
		},
		scanner.Stores{
			Repos:     repository.NewRepositoryStore(db, logger),
			Queue:     repository.NewQueueStore(db, logger),
			Findings:  repository.NewFindingStore(db, logger),
			Branches:  repository.NewBranchStore(db, logger),
			SafeFiles: repository.NewSafeFileStore(db, logger),
			History:   repository.NewHistoryStore(db, logger),
		},
		api, logger)

	if !worker.Scan(ctx) {
		os.Exit(1)
	}
	return nil
}
