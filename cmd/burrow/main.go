package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/burrowdb/burrow/pkg/config"
	"github.com/burrowdb/burrow/pkg/log"
	"github.com/burrowdb/burrow/pkg/migration"
	"github.com/burrowdb/burrow/pkg/runtime"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:   "burrow",
		Short: "Clustered document store with replication and data migration",
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")

	root.AddCommand(startCmd(), versionCmd(), validateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start a cluster node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			log.Init(log.Config{
				Level:      log.Level(cfg.LogLevel),
				JSONOutput: cfg.LogJSON,
			})

			rt, err := runtime.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := rt.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return rt.Stop(shutdownCtx)
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(cfgPath); err != nil {
				return err
			}
			fmt.Println("configuration ok")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("burrow", migration.SystemVersion)
		},
	}
}
