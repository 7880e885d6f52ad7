package cdp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"cdpfetch/internal/config"
	"cdpfetch/internal/fetcher"
	"cdpfetch/internal/handler"
	"cdpfetch/internal/launcher"
	"cdpfetch/internal/logger"
	"cdpfetch/internal/metrics"
	"cdpfetch/internal/relay"
	"cdpfetch/internal/rules"
	"cdpfetch/internal/storage"
	"cdpfetch/internal/workspace"
	"cdpfetch/pkg/model"
	"cdpfetch/pkg/traffic"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/emulation"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/target"
	"github.com/mafredri/cdp/rpcc"
)

// State 浏览器会话状态
type State string

const (
	StateOpen         State = "open"
	StateClosedClean  State = "closed-clean"
	StateClosedAbrupt State = "closed-abrupt"
)

// Engine 按配置启动浏览器会话
type Engine struct {
	cfg     *config.Config
	metrics *metrics.Metrics
}

// NewEngine 创建浏览器引擎
func NewEngine(cfg *config.Config, m *metrics.Metrics) *Engine {
	return &Engine{cfg: cfg, metrics: m}
}

// Launch 在工作区内启动浏览器并完成拦截准备
func (e *Engine) Launch(ctx context.Context, ws *workspace.Workspace, l logger.Logger) (fetcher.Browser, error) {
	return Open(ctx, Options{
		Browser:   e.cfg.Browser,
		Fetch:     e.cfg.Fetch,
		Sqlite:    e.cfg.Sqlite,
		Workspace: ws,
		Logger:    l,
		Metrics:   e.metrics,
	})
}

// Options 会话选项
type Options struct {
	Browser   config.Browser
	Fetch     config.Fetch
	Sqlite    config.Sqlite
	Workspace *workspace.Workspace
	Logger    logger.Logger
	Metrics   *metrics.Metrics
}

// Session 单个浏览器进程及其唯一页面的控制会话
type Session struct {
	proc     *launcher.Process
	bconn    *rpcc.Conn  // 浏览器级连接
	browser  *cdp.Client // 浏览器级客户端
	conn     *rpcc.Conn  // 页面连接
	client   *cdp.Client
	handler  *handler.Handler
	store    *storage.Store
	ctx      context.Context // 拦截事件消费的生命周期
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	consumed chan struct{} // 消费协程退出后关闭
	log      logger.Logger

	mu        sync.Mutex
	state     State
	nav       traffic.NavigationRef
	closeOnce sync.Once
}

// Open 启动浏览器、连接页面、打开捕获存储并开始拦截所有请求
func Open(ctx context.Context, opts Options) (_ *Session, err error) {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}

	proc, err := launcher.Start(ctx, launcher.NewConfig(opts.Browser, opts.Workspace), l)
	if err != nil {
		return nil, err
	}
	s := &Session{proc: proc, state: StateOpen, log: l}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			s.Kill()
			err = model.Wrap(model.KindLaunch, "launch", err)
		}
	}()

	if v, verr := devtool.New(httpURL(proc.URL)).Version(ctx); verr == nil {
		l.Info("已连接浏览器", "browser", v.Browser, "protocol", v.Protocol)
	}

	if s.bconn, err = rpcc.DialContext(ctx, proc.URL); err != nil {
		return nil, fmt.Errorf("dial browser: %w", err)
	}
	s.browser = cdp.NewClient(s.bconn)

	created, err := s.browser.Target.CreateTarget(ctx, target.NewCreateTargetArgs("about:blank"))
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	if s.conn, err = rpcc.DialContext(ctx, pageURL(proc.URL, created.TargetID)); err != nil {
		return nil, fmt.Errorf("dial page: %w", err)
	}
	s.client = cdp.NewClient(s.conn)

	if err = s.prepare(ctx, opts.Browser); err != nil {
		return nil, err
	}

	s.store, err = storage.Open(opts.Workspace.Capture, opts.Sqlite.File, opts.Sqlite.Prefix, l)
	if err != nil {
		return nil, err
	}
	s.handler = handler.New(handler.Config{
		Relay:          relay.New(relay.Config{Timeout: opts.Fetch.RelayTimeout}),
		Cookies:        s.client.Network,
		Recorder:       s.store,
		Metrics:        opts.Metrics,
		ProcessTimeout: opts.Fetch.ProcessTimeout,
		Logger:         l,
	})

	if err = s.enableInterception(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// prepare 启用页面与网络域，并应用固定的浏览器画像
func (s *Session) prepare(ctx context.Context, policy config.Browser) error {
	if err := s.client.Page.Enable(ctx); err != nil {
		return fmt.Errorf("enable page domain: %w", err)
	}
	if err := s.client.Network.Enable(ctx, nil); err != nil {
		return fmt.Errorf("enable network domain: %w", err)
	}
	if err := s.client.Emulation.SetUserAgentOverride(ctx, emulation.NewSetUserAgentOverrideArgs(policy.UserAgent)); err != nil {
		return fmt.Errorf("override user agent: %w", err)
	}
	metricsArgs := emulation.NewSetDeviceMetricsOverrideArgs(policy.WindowWidth, policy.WindowHeight, 1, false)
	if err := s.client.Emulation.SetDeviceMetricsOverride(ctx, metricsArgs); err != nil {
		return fmt.Errorf("override device metrics: %w", err)
	}
	return nil
}

// enableInterception 在请求阶段拦截所有 URL
func (s *Session) enableInterception(ctx context.Context) error {
	p := "*"
	patterns := []fetch.RequestPattern{
		{URLPattern: &p, RequestStage: fetch.RequestStageRequest},
	}
	// 先订阅再启用，避免漏掉首个暂停事件
	rp, err := s.client.Fetch.RequestPaused(s.ctx)
	if err != nil {
		return fmt.Errorf("subscribe request paused: %w", err)
	}
	if err := s.client.Fetch.Enable(ctx, &fetch.EnableArgs{Patterns: patterns}); err != nil {
		_ = rp.Close()
		return fmt.Errorf("enable fetch domain: %w", err)
	}
	s.consumed = make(chan struct{})
	go s.consume(rp)
	return nil
}

// SetRequestInterceptor 设置请求头覆盖，需在 Navigate 前调用
func (s *Session) SetRequestInterceptor(headers map[string]string) {
	s.handler.SetOverride(rules.New(headers))
}

// CapturedTraffic 按捕获顺序返回全部交换记录
func (s *Session) CapturedTraffic(ctx context.Context) ([]traffic.Exchange, error) {
	return s.store.List(ctx)
}

// Blank 导航到空白页，释放目标页面资源
func (s *Session) Blank(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	_, err := s.client.Page.Navigate(ctx, blankArgs())
	return err
}

// ClearCookies 清除浏览器全部 cookie
func (s *Session) ClearCookies(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.client.Network.ClearBrowserCookies(ctx)
}

// Quit 正常关闭浏览器并等待进程退出
func (s *Session) Quit(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.cancel()
	if err := s.browser.Browser.Close(ctx); err != nil {
		s.log.Debug("关闭浏览器命令失败", "error", err)
	}
	if err := s.proc.Wait(ctx); err != nil {
		return fmt.Errorf("wait browser exit: %w", err)
	}
	s.release()
	s.setState(StateClosedClean)
	return nil
}

// Kill 强制结束浏览器进程，重复调用安全
func (s *Session) Kill() error {
	s.cancel()
	s.proc.Kill()
	s.release()
	s.mu.Lock()
	if s.state != StateClosedClean {
		s.state = StateClosedAbrupt
	}
	s.mu.Unlock()
	return nil
}

// State 返回会话状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID 返回浏览器进程号
func (s *Session) PID() int {
	return s.proc.PID()
}

func (s *Session) ensureOpen() error {
	if st := s.State(); st != StateOpen {
		return fmt.Errorf("browser session is %s", st)
	}
	return nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// release 关闭连接并等待在途拦截处理结束后关闭存储
func (s *Session) release() {
	s.closeOnce.Do(func() {
		var errs []error
		if s.conn != nil {
			errs = append(errs, s.conn.Close())
		}
		if s.bconn != nil {
			errs = append(errs, s.bconn.Close())
		}
		if s.consumed != nil {
			<-s.consumed
		}
		s.inflight.Wait()
		if s.store != nil {
			errs = append(errs, s.store.Close())
		}
		if err := errors.Join(errs...); err != nil {
			s.log.Debug("释放会话资源时出错", "error", err)
		}
	})
}

// httpURL 由 DevTools websocket 地址得到 HTTP 端点
func httpURL(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return wsURL
	}
	return "http://" + u.Host
}

// pageURL 由浏览器 websocket 地址得到指定页面的调试地址
func pageURL(wsURL string, id target.ID) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return wsURL
	}
	return "ws://" + u.Host + "/devtools/page/" + string(id)
}
