package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ahwlsqja/highway-casper/logging"
	"github.com/ahwlsqja/highway-casper/node"
)

// 플래그 이름 → 설정 키
var flagKeys = map[string]string{
	"node-id":      "node_id",
	"key-file":     "key_file",
	"data-dir":     "data_dir",
	"listen":       "transport.listen_address",
	"peers":        "peers",
	"log-level":    "log.level",
	"metrics-addr": "metrics.addr",
}

func startCmd() *cobra.Command {
	v := viper.New()
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Starts the node.",
		Long:  `Starts a node from a config file. HIGHWAY_* environment variables and flags override it.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Parsing of the command line is done so silence cmd usage
			cmd.SilenceUsage = true

			// 명시한 플래그만 덮어씀. 기본값이 설정 파일을 가리면 안 됨
			for flag, key := range flagKeys {
				if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
					if err := v.BindPFlag(key, f); err != nil {
						return err
					}
				}
			}

			cfg, err := node.LoadConfig(v, configPath)
			if err != nil {
				return err
			}
			logger, _, err := logging.New(cfg.Log)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			n, err := node.NewNode(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := n.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()

			logger.Info("shutting down")
			if err := n.Stop(); err != nil {
				logger.Error("shutdown finished with errors", zap.Error(err))
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to the node config file (toml, yaml or json)")
	flags.String("node-id", "", "unique node identifier")
	flags.String("key-file", "", "validator key file; empty runs an observer")
	flags.String("data-dir", "", "data directory; empty keeps state in memory")
	flags.String("listen", "", "gRPC listen address")
	flags.StringSlice("peers", nil, "peers as id@host:port")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("metrics-addr", "", "Prometheus listen address")

	return cmd
}
