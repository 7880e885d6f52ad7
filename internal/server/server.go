package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"cdpfetch/internal/logger"
	"cdpfetch/pkg/model"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MaxEventBytes 调用事件请求体上限
const MaxEventBytes = 1 << 20

// Fetcher 服务模式依赖的抓取能力
type Fetcher interface {
	FetchEvent(ctx context.Context, raw []byte) (*model.Result, error)
	Inflight() []model.InvocationInfo
}

// Config 服务配置
type Config struct {
	Addr        string
	MaxInflight int
	Gatherer    prometheus.Gatherer
	Logger      logger.Logger
}

// Server HTTP 服务
type Server struct {
	router  *gin.Engine
	fetcher Fetcher
	slots   chan struct{}
	srv     *http.Server
	log     logger.Logger
}

// New 创建服务并注册路由
func New(f Fetcher, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 1
	}
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:  router,
		fetcher: f,
		slots:   make(chan struct{}, cfg.MaxInflight),
		log:     cfg.Logger,
	}
	s.srv = &http.Server{Addr: cfg.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	router.POST("/fetch", s.handleFetch)
	router.GET("/healthz", s.handleHealth)
	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}
	return s
}

// Handler 返回路由，供测试直接驱动
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe 开始监听，直到 Shutdown
func (s *Server) ListenAndServe() error {
	s.log.Info("服务已启动", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅停止，等待进行中的请求
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleFetch(c *gin.Context) {
	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	default:
		c.Header("Retry-After", "1")
		c.JSON(http.StatusTooManyRequests, gin.H{"ok": false, "error": gin.H{"kind": "Busy", "message": "too many in-flight invocations"}})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxEventBytes+1))
	if err != nil {
		s.fail(c, model.Wrap(model.KindInput, "read", err))
		return
	}
	if len(raw) > MaxEventBytes {
		s.fail(c, model.Errorf(model.KindInput, "read", "event exceeds %d bytes", MaxEventBytes))
		return
	}

	res, err := s.fetcher.FetchEvent(c.Request.Context(), raw)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.Header("X-Cdpfetch-Invocation", string(res.Invocation))
	c.Header("X-Cdpfetch-Encoding", res.Encoding)
	if c.Query("format") == "json" {
		env, err := res.Envelope()
		if err != nil {
			s.fail(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(env))
		return
	}
	contentType := res.Headers["content-type"]
	if contentType == "" {
		contentType = res.MediaType
	}
	c.Data(http.StatusOK, contentType, res.Body)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"inflight": s.fetcher.Inflight(),
	})
}

func (s *Server) fail(c *gin.Context, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Err(err, "调用失败", "status", status)
	} else {
		s.log.Warn("调用被拒绝", "status", status, "error", err.Error())
	}
	c.Data(status, "application/json; charset=utf-8", []byte(model.ErrorEnvelope(err)))
}

// StatusFor 将错误分类映射为 HTTP 状态码
func StatusFor(err error) int {
	switch model.KindOf(err) {
	case model.KindInput:
		return http.StatusBadRequest
	case model.KindNavigationTimeout:
		return http.StatusGatewayTimeout
	case model.KindNavigation, model.KindNoCapturedTraffic, model.KindUnsupportedEncoding, model.KindDecode:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
