package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/critic-scm/critic/internal/config"
	"github.com/critic-scm/critic/internal/database"
	"github.com/critic-scm/critic/internal/gitaccess"
	"github.com/critic-scm/critic/internal/models"
	"github.com/critic-scm/critic/internal/pubsub"
)

func main() {
	root := &cobra.Command{
		Use:           "critic",
		Short:         "Code review services for Git repositories",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to config file")

	root.AddCommand(
		newServeCommand(),
		newRunWorkerCommand(),
		newMigrateCommand(),
		newAddRepositoryCommand(),
		newSynchronizeCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	return logger
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openDB(cfg *config.Config) (database.DB, error) {
	return database.Open(cfg.Database.Driver, cfg.Database.DSN)
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			logger := setupLogger()

			cfg, err := loadConfig(cmd)
			if err != nil {
				logger.Error("load config", "error", err)
				os.Exit(1)
			}

			db, err := openDB(cfg)
			if err != nil {
				logger.Error("open database", "error", err)
				os.Exit(1)
			}
			defer db.Close()

			if err := db.Migrate(cmd.Context()); err != nil {
				logger.Error("migrate", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations complete")
		},
	}
}

func newAddRepositoryCommand() *cobra.Command {
	var (
		relPath        string
		defaultBranch  string
		hookExecutable string
		hookSocket     string
	)
	cmd := &cobra.Command{
		Use:   "addrepository NAME",
		Short: "Create a bare repository and register it",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			logger := setupLogger()
			name := strings.TrimSpace(args[0])
			if name == "" {
				logger.Error("repository name must not be empty")
				os.Exit(1)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				logger.Error("load config", "error", err)
				os.Exit(1)
			}

			db, err := openDB(cfg)
			if err != nil {
				logger.Error("open database", "error", err)
				os.Exit(1)
			}
			defer db.Close()

			if relPath == "" {
				relPath = name + ".git"
			}
			ctx := cmd.Context()

			if existing, err := db.GetRepositoryByName(ctx, name); err == nil && existing != nil {
				logger.Error("repository already exists", "name", name)
				os.Exit(1)
			}

			absPath := cfg.RepositoryPath(relPath)
			if _, err := gitaccess.Init(ctx, absPath, name, hookExecutable, hookSocket); err != nil {
				logger.Error("initialize repository", "path", absPath, "error", err)
				os.Exit(1)
			}

			repo := &models.Repository{Name: name, Path: relPath, DefaultBranch: defaultBranch}
			if err := db.CreateRepository(ctx, repo); err != nil {
				logger.Error("register repository", "name", name, "error", err)
				os.Exit(1)
			}
			logger.Info("repository created", "name", name, "id", repo.ID, "path", absPath)
		},
	}
	cmd.Flags().StringVar(&relPath, "path", "", "repository path relative to paths.repositories (default NAME.git)")
	cmd.Flags().StringVar(&defaultBranch, "default-branch", "master", "default branch name")
	cmd.Flags().StringVar(&hookExecutable, "hook-executable", "", "receive hook executable installed into the repository")
	cmd.Flags().StringVar(&hookSocket, "hook-socket", "", "socket path recorded for the receive hooks")
	return cmd
}

func newSynchronizeCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "synchronize-service NAME",
		Short: "Wait until a running background service has drained its backlog",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			logger := setupLogger()

			cfg, err := loadConfig(cmd)
			if err != nil {
				logger.Error("load config", "error", err)
				os.Exit(1)
			}
			if timeout <= 0 {
				if d, err := time.ParseDuration(cfg.Services.RequestDeadline); err == nil {
					timeout = d
				} else {
					timeout = 30 * time.Second
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			bus, err := pubsub.Connect(ctx, pubsub.Config{
				Addr:     cfg.Bus.Addr,
				Username: cfg.Bus.Username,
				Password: cfg.Bus.Password,
				Database: cfg.Bus.Database,
			}, logger)
			if err != nil {
				logger.Error("connect bus", "error", err)
				os.Exit(1)
			}
			defer bus.Close()

			payload := fmt.Sprintf(`{"version":1,"command":"synchronize","service":%q}`, args[0])
			reply, err := bus.Request(ctx, pubsub.ChannelServiceControl, []byte(payload))
			if err != nil {
				if ctx.Err() != nil {
					logger.Error("synchronization timed out", "service", args[0], "timeout", timeout)
					os.Exit(2)
				}
				logger.Error("synchronize request failed", "service", args[0], "error", err)
				os.Exit(1)
			}
			if !reply.Delivered {
				logger.Error("no running instance answered", "service", args[0])
				os.Exit(2)
			}
			logger.Info("service synchronized", "service", args[0])
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait (default services.request_deadline)")
	return cmd
}

func scratchDir(cfg *config.Config) string {
	if cfg.Paths.Runtime != "" {
		return filepath.Join(cfg.Paths.Runtime, "worktrees")
	}
	return filepath.Join(os.TempDir(), "critic-worktrees")
}
