package fetcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"cdpfetch/internal/config"
	"cdpfetch/internal/content"
	"cdpfetch/internal/decode"
	"cdpfetch/internal/logger"
	"cdpfetch/internal/metrics"
	"cdpfetch/internal/session"
	"cdpfetch/internal/workspace"
	"cdpfetch/pkg/model"
	"cdpfetch/pkg/traffic"
)

// Browser 单次调用独占的浏览器会话
type Browser interface {
	SetRequestInterceptor(headers map[string]string)
	Navigate(ctx context.Context, url string) (traffic.NavigationRef, error)
	CapturedTraffic(ctx context.Context) ([]traffic.Exchange, error)
	Blank(ctx context.Context) error
	ClearCookies(ctx context.Context) error
	Quit(ctx context.Context) error
	Kill() error
}

// Launcher 在工作区内启动浏览器
type Launcher interface {
	Launch(ctx context.Context, ws *workspace.Workspace, l logger.Logger) (Browser, error)
}

// Options 抓取器选项
type Options struct {
	Launcher  Launcher
	Workspace config.Workspace
	Fetch     config.Fetch
	Logger    logger.Logger
	Metrics   *metrics.Metrics
	Events    chan<- model.Event // 阶段事件，满时丢弃
	Sessions  *session.Manager
}

// Fetcher 执行单次“准备 → 启动 → 拦截 → 导航 → 选取 → 解码 → 回收”流程
type Fetcher struct {
	launcher Launcher
	ws       config.Workspace
	timeouts config.Fetch
	log      logger.Logger
	metrics  *metrics.Metrics
	events   chan<- model.Event
	sessions *session.Manager
}

// New 创建抓取器
func New(opts Options) *Fetcher {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewManager(opts.Logger)
	}
	return &Fetcher{
		launcher: opts.Launcher,
		ws:       opts.Workspace,
		timeouts: opts.Fetch,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		events:   opts.Events,
		sessions: opts.Sessions,
	}
}

// Inflight 返回进行中的调用
func (f *Fetcher) Inflight() []model.InvocationInfo {
	return f.sessions.List()
}

// Sessions 返回调用登记表
func (f *Fetcher) Sessions() *session.Manager {
	return f.sessions
}

// FetchEvent 解析事件 JSON 并执行抓取
func (f *Fetcher) FetchEvent(ctx context.Context, raw []byte) (*model.Result, error) {
	req, err := model.ParseRequest(raw)
	if err != nil {
		f.log.Err(err, "调用事件无效")
		f.metrics.ObserveInvocation(string(model.KindOf(err)), 0)
		return nil, err
	}
	return f.Fetch(ctx, req)
}

// Fetch 执行一次抓取；无论成败，工作区与浏览器都会在返回前回收
func (f *Fetcher) Fetch(ctx context.Context, req model.Request) (res *model.Result, err error) {
	inv := &invocation{
		f:     f,
		id:    model.InvocationID(workspace.NewID()),
		req:   req,
		start: time.Now(),
	}
	inv.log = f.log.With("invocation", string(inv.id))
	inv.log.Info("开始调用", "url", req.URL, "headers", len(req.Headers))

	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(model.KindOf(err))
			inv.log.Err(err, "调用失败", "kind", outcome, "duration", time.Since(inv.start))
		} else {
			inv.log.Info("调用完成", "status", res.StatusCode, "bytes", len(res.Body), "duration", time.Since(inv.start))
		}
		f.metrics.ObserveInvocation(outcome, time.Since(inv.start))
	}()

	done := inv.begin(model.StageValidate)
	err = req.Validate()
	done(err)
	if err != nil {
		return nil, err
	}

	f.metrics.AddInflight(1)
	defer f.metrics.AddInflight(-1)
	defer inv.reclaim()

	return inv.run(ctx)
}

// invocation 单次调用的状态
type invocation struct {
	f       *Fetcher
	id      model.InvocationID
	req     model.Request
	start   time.Time
	log     logger.Logger
	ws      *workspace.Workspace
	browser Browser
	sess    *session.Session
	killed  bool

	mu      sync.Mutex
	timings []model.StageTiming
}

func (inv *invocation) run(ctx context.Context) (*model.Result, error) {
	f := inv.f

	if roots, err := workspace.List(f.ws.Base); err == nil {
		inv.log.Debug("准备工作区", "base", f.ws.Base, "existing", len(roots))
	}
	done := inv.begin(model.StageProvision)
	ws, err := workspace.New(f.ws.Base, string(inv.id))
	done(err)
	if err != nil {
		return nil, model.Wrap(model.KindProvision, "provision", err)
	}
	inv.ws = ws
	inv.sess = f.sessions.Create(model.InvocationInfo{ID: inv.id, URL: inv.req.URL, Workspace: ws.Root, StartedAt: inv.start})

	done = inv.begin(model.StageLaunch)
	lctx, cancel := withTimeout(ctx, f.timeouts.LaunchTimeout)
	browser, err := f.launcher.Launch(lctx, ws, inv.log)
	cancel()
	if err != nil {
		err = model.Wrap(model.KindLaunch, "launch", err)
		done(err)
		return nil, err
	}
	done(nil)
	inv.browser = browser
	inv.sess.SetKill(browser.Kill)

	if len(inv.req.Headers) > 0 {
		done = inv.begin(model.StageIntercept)
		browser.SetRequestInterceptor(inv.req.Headers)
		done(nil)
	}

	done = inv.begin(model.StageNavigate)
	nctx, cancel := withTimeout(ctx, f.timeouts.NavigationTimeout)
	ref, err := browser.Navigate(nctx, inv.req.URL)
	timedOut := errors.Is(nctx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if timedOut || errors.Is(err, context.DeadlineExceeded) {
			err = model.Wrap(model.KindNavigationTimeout, "navigate", err)
		} else {
			err = model.Wrap(model.KindNavigation, "navigate", err)
		}
		done(err)
		if model.IsKind(err, model.KindNavigationTimeout) {
			inv.forceKill()
		}
		return nil, err
	}
	done(nil)
	if ref.URL == "" {
		ref.URL = inv.req.URL
	}

	done = inv.begin(model.StageSelect)
	exchanges, err := browser.CapturedTraffic(ctx)
	if err != nil {
		err = model.Wrap(model.KindNoCapturedTraffic, "select", err)
		done(err)
		return nil, err
	}
	primary, err := SelectPrimary(exchanges, ref)
	done(err)
	if err != nil {
		return nil, err
	}
	inv.log.Debug("已选取主响应", "url", primary.Request.URL, "status", primary.Response.StatusCode, "captured", len(exchanges))

	done = inv.begin(model.StageDecode)
	encoding := primary.Response.ContentEncoding()
	body, err := decode.Body(primary.Response.Body, encoding)
	done(err)
	if err != nil {
		return nil, err
	}
	f.metrics.ObserveBody(len(body))

	info := content.Describe(body, primary.Response.Headers.Get("Content-Type"))
	return &model.Result{
		Invocation: inv.id,
		URL:        primary.Request.URL,
		StatusCode: primary.Response.StatusCode,
		Headers:    primary.Response.Headers,
		Encoding:   encoding,
		MediaType:  info.MediaType,
		IsText:     info.IsText,
		Title:      info.Title,
		Body:       body,
		Timings:    inv.snapshotTimings(),
	}, nil
}

// forceKill 超时后立即结束浏览器
func (inv *invocation) forceKill() {
	if inv.browser == nil || inv.killed {
		return
	}
	inv.killed = true
	if err := inv.browser.Kill(); err != nil {
		inv.teardownFailed("kill", err)
	}
}

// reclaim 回收浏览器与工作区，失败只记录不返回
func (inv *invocation) reclaim() {
	f := inv.f
	done := inv.begin(model.StageReclaim)
	defer done(nil)

	if inv.sess != nil {
		defer f.sessions.Delete(inv.id)
	}

	// 调用方的 ctx 可能已取消，清理使用独立的超时
	ctx, cancel := context.WithTimeout(context.Background(), f.timeouts.TeardownTimeout)
	defer cancel()

	if b := inv.browser; b != nil {
		if !inv.killed {
			steps := []struct {
				name string
				fn   func(context.Context) error
			}{
				{"blank", b.Blank},
				{"clear-cookies", b.ClearCookies},
				{"quit", b.Quit},
			}
			for _, step := range steps {
				if err := step.fn(ctx); err != nil {
					inv.teardownFailed(step.name, err)
				}
			}
		}
		if err := b.Kill(); err != nil {
			inv.teardownFailed("kill", err)
		}
	}

	if inv.ws != nil {
		if st, err := workspace.Usage(inv.ws.Root); err == nil {
			inv.log.Debug("回收工作区", "root", inv.ws.Root, "usage", st.Human(), "dirs", st.Dirs)
		}
		if err := inv.ws.Remove(); err != nil {
			inv.teardownFailed("remove-workspace", err)
		}
	}
}

func (inv *invocation) teardownFailed(step string, err error) {
	inv.log.Err(model.Wrap(model.KindTeardown, step, err), "清理步骤失败，已忽略", "step", step)
	inv.f.metrics.ObserveTeardownFailure(step)
}

// begin 发送阶段开始事件，返回的函数记录耗时并发送结束事件
func (inv *invocation) begin(stage string) func(error) {
	started := time.Now()
	inv.f.sendEvent(model.Event{Invocation: inv.id, Stage: stage, Status: model.StatusStarted})
	return func(err error) {
		d := time.Since(started)
		inv.mu.Lock()
		inv.timings = append(inv.timings, model.StageTiming{Stage: stage, Duration: d})
		inv.mu.Unlock()
		inv.f.metrics.ObserveStage(stage, d)

		status := model.StatusSucceeded
		if err != nil {
			status = model.StatusFailed
		}
		inv.f.sendEvent(model.Event{Invocation: inv.id, Stage: stage, Status: status, Duration: d, Err: err})
		inv.log.Debug("阶段结束", "stage", stage, "status", status, "duration", d)
	}
}

func (inv *invocation) snapshotTimings() []model.StageTiming {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return append([]model.StageTiming(nil), inv.timings...)
}

// sendEvent 安全发送事件到通道，自动添加时间戳
func (f *Fetcher) sendEvent(evt model.Event) {
	if f.events == nil {
		return
	}
	evt.Timestamp = time.Now().UnixMilli()
	select {
	case f.events <- evt:
	default:
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
