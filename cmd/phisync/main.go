package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/satindergrewal/phisync/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type app struct {
	cfgFile string
	cfg     config.Config
	log     *logrus.Entry
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "phisync",
		Short:        "Latency-compensated audio loop with Φ modulation source arbitration",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "YAML configuration file")
	pf.String("log-level", "", "log level (overrides log_level)")
	pf.String("log-format", "", "text or json (overrides log_format)")
	pf.String("backend", "", "audio backend: auto, oto, portaudio, headless")

	root.AddCommand(newServeCmd(a), newCalibrateCmd(a), newVersionCmd())
	return root
}

// flagKeys maps persistent flags onto configuration keys.
var flagKeys = map[string]string{
	"log-level":  "log_level",
	"log-format": "log_format",
	"backend":    "backend",
}

func (a *app) load(cmd *cobra.Command) error {
	v, err := config.New(a.cfgFile)
	if err != nil {
		return err
	}
	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			v.Set(key, f.Value.String())
		}
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	a.cfg, a.log = cfg, log
	return nil
}

func newLogger(cfg config.Config) (*logrus.Entry, error) {
	l := logrus.New()
	lvl, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}
	l.SetLevel(lvl)
	if cfg.LogFormat == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logrus.NewEntry(l), nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:               "version",
		Short:             "Print the version",
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "phisync", version)
		},
	}
}
