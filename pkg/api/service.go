package api

import (
	"context"

	"cdpfetch/internal/cdp"
	"cdpfetch/internal/config"
	"cdpfetch/internal/fetcher"
	"cdpfetch/internal/logger"
	"cdpfetch/internal/metrics"
	"cdpfetch/pkg/model"
)

// Service 服务接口
type Service interface {
	// Fetch 抓取单个 URL 的主响应
	Fetch(ctx context.Context, req model.Request) (*model.Result, error)

	// FetchEvent 解析调用事件 JSON 并抓取
	FetchEvent(ctx context.Context, raw []byte) (*model.Result, error)

	// Inflight 列出进行中的调用
	Inflight() []model.InvocationInfo

	// Shutdown 强制终止所有进行中调用的浏览器
	Shutdown()
}

// Options 服务选项
type Options struct {
	Config  *config.Config
	Logger  logger.Logger
	Metrics *metrics.Metrics
	Events  chan<- model.Event
}

type service struct {
	*fetcher.Fetcher
}

// NewService 创建并返回基于真实浏览器的服务实现
func NewService(opts Options) Service {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewConfig()
	}
	return NewServiceWithLauncher(cdp.NewEngine(cfg, opts.Metrics), opts)
}

// NewServiceWithLauncher 使用指定的浏览器启动器创建服务
func NewServiceWithLauncher(l fetcher.Launcher, opts Options) Service {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewConfig()
	}
	return &service{fetcher.New(fetcher.Options{
		Launcher:  l,
		Workspace: cfg.Workspace,
		Fetch:     cfg.Fetch,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
		Events:    opts.Events,
	})}
}

func (s *service) Shutdown() {
	s.Sessions().KillAll()
}
