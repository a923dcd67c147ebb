package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dMaggot/pymw/internal/api"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the master as an HTTP service",
	Example: `  pymw serve --workers 4 --launcher python3
  pymw serve --backend cluster --ranks host1:7070,host2:7070
  pymw serve --config pymw.yaml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("listen") {
		cfg.ListenAddr = listenAddr
	}
	logger := newLogger(os.Stdout, cfg)

	logger.Info("pymw: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"backend", cfg.Backend,
		"workers", cfg.Workers,
	)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := api.NewServer(cfg.ListenAddr, a.store, a.registry, a.master, logger)
	return srv.Run(cmd.Context())
}
