package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/UniQw/jobhub/httpapi"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cli holds the settings shared by every subcommand.
type cli struct {
	v      *viper.Viper
	out    io.Writer
	client *httpapi.Client
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{v: viper.New(), out: out}
	var cfgFile string

	root := &cobra.Command{
		Use:           "jobhubctl",
		Short:         "CLI for the jobhub job server",
		Long:          `jobhubctl submits, inspects and controls background jobs and the worker pool of a jobhubd server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.init(cfgFile)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.jobhub/ctl.yaml)")
	pf.String("server", "http://localhost:8080", "jobhubd base URL")
	pf.String("output", "table", "output format: table or json")
	pf.Duration("timeout", 30*time.Second, "request timeout")
	_ = c.v.BindPFlag("server", pf.Lookup("server"))
	_ = c.v.BindPFlag("output", pf.Lookup("output"))
	_ = c.v.BindPFlag("timeout", pf.Lookup("timeout"))

	root.AddCommand(
		c.submitCmd(),
		c.statusCmd(),
		c.listCmd(),
		c.cancelCmd(),
		c.retryCmd(),
		c.deleteCmd(),
		c.healthCmd(),
		c.pauseCmd(),
		c.resumeCmd(),
		c.workersCmd(),
		c.alertsCmd(),
		c.ackCmd(),
	)
	return root
}

func (c *cli) init(cfgFile string) error {
	c.v.SetEnvPrefix("JOBHUBCTL")
	c.v.AutomaticEnv()
	if cfgFile != "" {
		c.v.SetConfigFile(cfgFile)
	} else {
		c.v.SetConfigName("ctl")
		c.v.SetConfigType("yaml")
		c.v.AddConfigPath("$HOME/.jobhub")
	}
	if err := c.v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &nf) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	switch c.format() {
	case "table", "json":
	default:
		return fmt.Errorf("unknown output format %q", c.format())
	}
	c.client = httpapi.NewClient(strings.TrimRight(c.v.GetString("server"), "/"),
		&http.Client{Timeout: c.v.GetDuration("timeout")})
	return nil
}

func (c *cli) format() string { return c.v.GetString("output") }

func (c *cli) jsonOutput() bool { return c.format() == "json" }

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
