package handler

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	adapter "cdpfetch/internal/adapter/cdp"
	"cdpfetch/internal/decode"
	"cdpfetch/internal/logger"
	"cdpfetch/internal/metrics"
	"cdpfetch/internal/relay"
	"cdpfetch/internal/rules"
	"cdpfetch/pkg/traffic"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
)

// 拦截动作
const (
	ActionContinued = "continued"
	ActionFulfilled = "fulfilled"
	ActionFailed    = "failed"
)

// FetchDomain 处理器用到的 Fetch 域命令，cdp.Client.Fetch 满足该接口
type FetchDomain interface {
	ContinueRequest(ctx context.Context, args *fetch.ContinueRequestArgs) error
	FulfillRequest(ctx context.Context, args *fetch.FulfillRequestArgs) error
	FailRequest(ctx context.Context, args *fetch.FailRequestArgs) error
}

// Relayer 代发文档请求
type Relayer interface {
	Do(ctx context.Context, req *traffic.Request) (*relay.Result, error)
}

// CookieSource 读取浏览器 Cookie，cdp.Client.Network 满足该接口
type CookieSource interface {
	GetCookies(ctx context.Context, args *network.GetCookiesArgs) (*network.GetCookiesReply, error)
}

// Recorder 保存交换记录
type Recorder interface {
	Record(ctx context.Context, ex traffic.Exchange) (int64, error)
}

// Handler 拦截事件处理器：应用头部覆盖，代发文档请求并记录流量
type Handler struct {
	override       atomic.Pointer[rules.HeaderOverride]
	relay          Relayer
	cookies        CookieSource
	recorder       Recorder
	metrics        *metrics.Metrics
	processTimeout time.Duration
	log            logger.Logger
}

// Config 配置选项
type Config struct {
	Relay          Relayer
	Cookies        CookieSource // 代发前合并浏览器 Cookie，为 nil 时不合并
	Recorder       Recorder
	Metrics        *metrics.Metrics
	ProcessTimeout time.Duration // 单个浏览器命令的超时
	Logger         logger.Logger
}

// New 创建事件处理器
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 3 * time.Second
	}
	return &Handler{
		relay:          cfg.Relay,
		cookies:        cfg.Cookies,
		recorder:       cfg.Recorder,
		metrics:        cfg.Metrics,
		processTimeout: cfg.ProcessTimeout,
		log:            cfg.Logger,
	}
}

// SetOverride 设置请求头覆盖规则，nil 表示不覆盖
func (h *Handler) SetOverride(o *rules.HeaderOverride) {
	h.override.Store(o)
}

// HandleRequest 处理一次请求阶段的拦截事件
func (h *Handler) HandleRequest(ctx context.Context, f FetchDomain, ev *fetch.RequestPausedReply) {
	start := time.Now()
	override := h.override.Load()
	original := adapter.RequestHeaders(ev)
	headers := override.Apply(original)
	req := adapter.ToNeutralRequest(ev, headers)
	l := h.log.With("requestID", req.ID, "resource", req.ResourceType)

	l.Debug("开始处理请求拦截", "method", req.Method, "url", req.URL, "overridden", override.Matched(original))

	ex := traffic.Exchange{Request: req}
	var res *relay.Result
	relayed := req.IsDocument() && h.relay != nil
	if relayed {
		if !override.Has("Cookie") {
			h.attachCookies(ctx, req, l)
		}
		var err error
		if res, err = h.relay.Do(ctx, req); err != nil {
			ex.Error = err.Error()
			l.Warn("文档请求转发失败", "url", req.URL, "error", err)
		} else {
			ex.Response = res.Response
		}
	}

	// 先落库再回复浏览器，导航完成时主文档必然已被记录
	if h.recorder != nil {
		if _, err := h.recorder.Record(ctx, ex); err != nil {
			l.Err(err, "记录流量失败", "url", req.URL)
		}
	}

	cctx, cancel := context.WithTimeout(ctx, h.processTimeout)
	defer cancel()

	var action string
	switch {
	case relayed && res == nil:
		action = ActionFailed
		if err := f.FailRequest(cctx, &fetch.FailRequestArgs{
			RequestID:   ev.RequestID,
			ErrorReason: network.ErrorReasonConnectionFailed,
		}); err != nil {
			l.Warn("终止请求失败", "error", err)
		}
	case relayed:
		action = ActionFulfilled
		if err := f.FulfillRequest(cctx, fulfillArgs(ev.RequestID, res, l)); err != nil {
			l.Warn("完成请求失败", "error", err)
		}
	default:
		action = ActionContinued
		args := &fetch.ContinueRequestArgs{RequestID: ev.RequestID}
		if override != nil {
			args.Headers = adapter.ToHeaderEntries(headers)
		}
		if err := f.ContinueRequest(cctx, args); err != nil {
			l.Warn("放行请求失败", "error", err)
		}
	}

	h.metrics.ObserveIntercept(req.ResourceType, action)
	l.Debug("请求拦截处理完成", "action", action, "duration", time.Since(start))
}

// attachCookies 将浏览器中适用于请求 URL 的 Cookie 合并进请求头，同名时保留请求已有的值
func (h *Handler) attachCookies(ctx context.Context, req *traffic.Request, l logger.Logger) {
	if h.cookies == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, h.processTimeout)
	defer cancel()
	reply, err := h.cookies.GetCookies(cctx, network.NewGetCookiesArgs().SetURLs([]string{req.URL}))
	if err != nil {
		l.Warn("读取浏览器 Cookie 失败", "url", req.URL, "error", err)
		return
	}
	if merged := mergeCookies(req.Headers.Get("Cookie"), reply.Cookies); merged != "" {
		req.Headers.Set("Cookie", merged)
	}
}

func mergeCookies(existing string, jar []network.Cookie) string {
	var parts []string
	seen := make(map[string]bool)
	for _, p := range strings.Split(existing, ";") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		name, _, _ := strings.Cut(p, "=")
		seen[name] = true
		parts = append(parts, p)
	}
	for _, c := range jar {
		if seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// fulfillArgs 以解码后的响应体构建 FulfillRequest 参数；无法解码时原样交付，由选取阶段报告
func fulfillArgs(id fetch.RequestID, res *relay.Result, l logger.Logger) *fetch.FulfillRequestArgs {
	args := &fetch.FulfillRequestArgs{
		RequestID:    id,
		ResponseCode: res.Response.StatusCode,
	}
	body, err := decode.Body(res.Response.Body, res.Response.ContentEncoding())
	if err == nil {
		args.ResponseHeaders = adapter.FulfillHeaders(res.Header)
		args.Body = body
		return args
	}
	args.ResponseHeaders = adapter.RawFulfillHeaders(res.Header)
	args.Body = res.Response.Body
	l.Debug("响应体无法解码，原样交付", "encoding", res.Response.ContentEncoding(), "error", err)
	return args
}

