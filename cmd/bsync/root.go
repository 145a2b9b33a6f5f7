package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jlegewie/beaver-sync/internal/api"
	"github.com/jlegewie/beaver-sync/internal/auth"
	"github.com/jlegewie/beaver-sync/internal/config"
	"github.com/jlegewie/beaver-sync/internal/files"
	"github.com/jlegewie/beaver-sync/internal/logging"
	"github.com/jlegewie/beaver-sync/internal/session"
	"github.com/jlegewie/beaver-sync/internal/store"
	"github.com/jlegewie/beaver-sync/internal/uploader"
	"github.com/jlegewie/beaver-sync/internal/urlcache"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "bsync",
	Short: "Attachment sync for Beaver",
	Long: `bsync keeps local file attachments in sync with remote object storage.

Changed files are recorded in a durable local upload queue (.beaver/sync.db)
and uploaded by concurrent sync sessions against the coordination service.
The queue survives restarts; uploads are retried with at-least-once
semantics and content-hash idempotency.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ~/.beaver/config.yaml)")
}

// app bundles the wired sync stack for command bodies.
type app struct {
	cfg        *config.Config
	store      *store.Store
	controller *session.Controller
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
}

// buildApp loads configuration and wires the full sync stack.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if cfg.StorageDir == "" {
		return nil, fmt.Errorf("storage_dir is not configured; run 'bsync init' first")
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open sync database: %w", err)
	}
	if err := st.InitSchema(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	client := api.NewClient(cfg.API.BaseURL, cfg.API.Token, logging.New("api"))
	cache := urlcache.New(client, logging.New("urlcache"))
	accessor := files.NewLocalAccessor(cfg.StorageDir)

	execCfg := uploader.DefaultConfig()
	execCfg.Workers = cfg.Sync.Concurrency
	execCfg.MaxAttempts = cfg.Sync.MaxAttempts
	execCfg.RetryDelay = cfg.Sync.RetryDelay
	execCfg.Logger = logging.New("uploader")
	exec := uploader.New(st, client, cache, accessor, execCfg)

	gate := &auth.StaticGate{
		UserID:        cfg.API.UserID,
		UploadAllowed: cfg.API.UploadAllowed,
	}

	sessCfg := session.DefaultConfig()
	sessCfg.BatchSize = cfg.Sync.BatchSize
	sessCfg.MaxAttempts = cfg.Sync.MaxAttempts
	sessCfg.VisibilityTimeout = cfg.Sync.VisibilityTimeout
	sessCfg.Logger = logging.New("session")

	controller := session.New(st, cache, exec, client, gate, sessCfg)

	return &app{cfg: cfg, store: st, controller: controller}, nil
}

// fail prints an error and exits. Command bodies use it for terminal errors.
func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
