package main

import (
	"context"
	"os/signal"
	"syscall"

	"cdpfetch/internal/server"
	"cdpfetch/pkg/api"

	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		flagAddr        string
		flagMaxInflight int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start an HTTP server that runs invocations",
		Long:  "Serve POST /fetch with an invocation event as the body. Each request gets its own\nbrowser and workspace. GET /healthz lists in-flight invocations, GET /metrics exposes Prometheus metrics.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagAddr != "" {
				a.cfg.Serve.Addr = flagAddr
			}
			if flagMaxInflight > 0 {
				a.cfg.Serve.MaxInflight = flagMaxInflight
			}
			return a.runServe(cmd)
		},
	}

	cmd.Flags().StringVar(&flagAddr, "addr", "", "Listen address (overrides serve.addr)")
	cmd.Flags().IntVar(&flagMaxInflight, "max-inflight", 0, "Concurrent invocations (overrides serve.maxInflight)")

	return cmd
}

func (a *app) runServe(cmd *cobra.Command) error {
	svc := a.service(api.Options{Config: a.cfg, Logger: a.log, Metrics: a.metrics})
	srv := server.New(svc, server.Config{
		Addr:        a.cfg.Serve.Addr,
		MaxInflight: a.cfg.Serve.MaxInflight,
		Gatherer:    a.registry,
		Logger:      a.log.With("component", "server"),
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		svc.Shutdown()
		return err
	case <-ctx.Done():
	}

	a.log.Info("正在停止服务")
	grace := a.cfg.Fetch.NavigationTimeout + a.cfg.Fetch.TeardownTimeout
	sctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	err := srv.Shutdown(sctx)
	// 超过宽限期仍未结束的调用直接终止浏览器
	svc.Shutdown()
	if err != nil {
		a.log.Err(err, "服务未能在宽限期内停止")
	}
	return <-errc
}
