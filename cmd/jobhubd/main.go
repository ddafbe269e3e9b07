// Command jobhubd runs the job server behind its HTTP API.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/UniQw/jobhub/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "jobhubd",
		Short:         "Background job server",
		Long:          `jobhubd accepts jobs over HTTP, runs them on a worker pool and reports their progress and the health of the system.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfgFile, "config", "", "YAML config file")
	f.String("addr", ":8080", "HTTP listen address")
	f.String("store", config.DriverMemory, "job store: memory, redis, sqlite or postgres")
	f.String("dsn", "", "database DSN for the sqlite and postgres stores")
	f.String("redis-addr", "127.0.0.1:6379", "Redis address for the redis store")
	f.String("namespace", "default", "store namespace")
	f.Int("workers", 4, "initial worker count")
	f.Int("max-retries", 3, "default automatic retry limit")
	f.String("log-level", "info", "log level: debug, info, warn or error")
	f.Bool("log-dev", false, "human readable development logs")
	f.String("otlp-endpoint", "", "OTLP/HTTP collector host:port; empty disables trace export")
	f.Bool("simulate", true, "register the built-in job types over in-memory collaborators")

	for key, flag := range map[string]string{
		"http.addr":        "addr",
		"store.driver":     "store",
		"store.dsn":        "dsn",
		"store.redis_addr": "redis-addr",
		"store.namespace":  "namespace",
		"workers.count":    "workers",
		"jobs.max_retries": "max-retries",
		"log.level":        "log-level",
		"log.development":  "log-dev",
		"tracing.endpoint": "otlp-endpoint",
		"jobs.simulate":    "simulate",
	} {
		_ = v.BindPFlag(key, f.Lookup(flag))
	}
	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "jobhubd:", err)
		os.Exit(1)
	}
}
