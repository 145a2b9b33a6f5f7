package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jlegewie/beaver-sync/internal/config"
	"github.com/jlegewie/beaver-sync/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize bsync configuration and database",
	Long: `Create the bsync configuration file and sync database.

Writes .beaver/config.yaml with the supplied settings and initializes the
upload queue database. Safe to re-run; existing queue contents are kept.

Example:
  bsync init --storage-dir ~/Zotero/storage --api-url https://api.beaverapp.org --token <token> --user-id <id>`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			fail("failed to load configuration: %v", err)
		}

		if v, _ := cmd.Flags().GetString("storage-dir"); v != "" {
			cfg.StorageDir = v
		}
		if v, _ := cmd.Flags().GetString("api-url"); v != "" {
			cfg.API.BaseURL = v
		}
		if v, _ := cmd.Flags().GetString("token"); v != "" {
			cfg.API.Token = v
		}
		if v, _ := cmd.Flags().GetString("user-id"); v != "" {
			cfg.API.UserID = v
		}

		if cfg.StorageDir == "" {
			fail("--storage-dir is required")
		}
		if _, err := os.Stat(cfg.StorageDir); os.IsNotExist(err) {
			fail("storage directory does not exist: %s", cfg.StorageDir)
		}

		path := configPath
		if path == "" {
			path = config.DefaultConfigPath()
		}
		if err := config.Save(cfg, path); err != nil {
			fail("failed to save configuration: %v", err)
		}

		st, err := store.Open(cfg.DatabasePath())
		if err != nil {
			fail("failed to open sync database: %v", err)
		}
		defer st.Close()
		if err := st.InitSchema(context.Background()); err != nil {
			fail("failed to initialize schema: %v", err)
		}

		fmt.Printf("Initialized bsync\n")
		fmt.Printf("   Config:   %s\n", path)
		fmt.Printf("   Database: %s\n", cfg.DatabasePath())
		fmt.Printf("   Storage:  %s\n", cfg.StorageDir)
	},
}

func init() {
	initCmd.Flags().String("storage-dir", "", "Root of the attachment storage tree")
	initCmd.Flags().String("api-url", "", "Coordination service base URL")
	initCmd.Flags().String("token", "", "API bearer token")
	initCmd.Flags().String("user-id", "", "Account user id")
	rootCmd.AddCommand(initCmd)
}
