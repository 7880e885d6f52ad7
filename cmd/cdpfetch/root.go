package main

import (
	"errors"
	"fmt"

	"cdpfetch/internal/config"
	"cdpfetch/internal/logger"
	"cdpfetch/internal/metrics"
	"cdpfetch/pkg/api"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

// app 命令共享的运行时依赖，在 PersistentPreRunE 中装配
type app struct {
	version    string
	configPath string
	logLevel   string

	cfg      *config.Config
	log      logger.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	newService func(api.Options) api.Service
}

func newRootCmd(version string) *cobra.Command {
	return newCommand(&app{version: version})
}

func newCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "cdpfetch",
		Short:         "Fetch the primary response of a URL through headless Chrome",
		Long:          "Launch a disposable headless Chrome, navigate once and return the decoded body of the\nprimary navigation response. Every invocation runs in its own workspace that is removed afterwards.",
		Version:       a.version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to a YAML config file")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	cmd.AddCommand(newInvokeCmd(a))
	cmd.AddCommand(newServeCmd(a))
	cmd.AddCommand(newVersionCmd(a))

	return cmd
}

func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	log, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Writer:     cfg.Log.Writer,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.cfg = cfg
	a.log = log.With("version", a.version)
	a.registry = reg
	a.metrics = metrics.New(reg)
	return nil
}

// reportedError 已经以信封形式写到输出的错误，main 不再重复打印
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

func isReported(err error) bool {
	var r *reportedError
	return errors.As(err, &r)
}
