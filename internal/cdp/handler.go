package cdp

import (
	"context"
	"errors"
	"fmt"

	"cdpfetch/internal/fetcher"
	"cdpfetch/pkg/model"
	"cdpfetch/pkg/traffic"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/page"
)

// BlankURL 清理阶段导航的空白页
const BlankURL = "about:blank"

// abortedErrorText 下载与 204 响应结束导航时 Chrome 报告的错误
const abortedErrorText = "net::ERR_ABORTED"

// consume 持续接收拦截事件，每个事件独立处理，不阻塞导航命令
func (s *Session) consume(rp fetch.RequestPausedClient) {
	defer close(s.consumed)
	defer rp.Close()

	s.log.Debug("开始消费拦截事件流")
	for {
		ev, err := rp.Recv()
		if err != nil {
			if s.ctx.Err() == nil {
				s.log.Warn("拦截事件流中断", "error", err)
			}
			return
		}
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.handler.HandleRequest(s.ctx, s.client.Fetch, ev)
		}()
	}
}

// Navigate 导航到 rawURL 并等待页面 load 事件
func (s *Session) Navigate(ctx context.Context, rawURL string) (traffic.NavigationRef, error) {
	ref := traffic.NavigationRef{URL: rawURL}
	if err := s.ensureOpen(); err != nil {
		return ref, model.Wrap(model.KindNavigation, "navigate", err)
	}

	// 先订阅 load 事件，避免错过快速完成的导航
	loaded, err := s.client.Page.LoadEventFired(ctx)
	if err != nil {
		return ref, navigationError(ctx, fmt.Errorf("subscribe load event: %w", err))
	}
	defer loaded.Close()

	reply, err := s.client.Page.Navigate(ctx, page.NewNavigateArgs(rawURL))
	if err != nil {
		return ref, navigationError(ctx, err)
	}
	ref.FrameID = string(reply.FrameID)
	if reply.LoaderID != nil {
		ref.LoaderID = string(*reply.LoaderID)
	}
	s.mu.Lock()
	s.nav = ref
	s.mu.Unlock()

	if reply.ErrorText != nil && *reply.ErrorText != "" {
		if *reply.ErrorText == abortedErrorText {
			if exchanges, lerr := s.store.List(ctx); lerr == nil && capturedDespiteAbort(*reply.ErrorText, exchanges, ref) {
				s.log.Debug("导航中止但主文档已捕获", "url", rawURL, "frame", ref.FrameID)
				return ref, nil
			}
		}
		return ref, model.Errorf(model.KindNavigation, "navigate", "%s: %s", rawURL, *reply.ErrorText)
	}

	if _, err := loaded.Recv(); err != nil {
		return ref, navigationError(ctx, fmt.Errorf("wait load event: %w", err))
	}
	s.log.Debug("页面加载完成", "url", rawURL, "frame", ref.FrameID)
	return ref, nil
}

// Navigation 返回最近一次导航
func (s *Session) Navigation() traffic.NavigationRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nav
}

// capturedDespiteAbort 判断中止的导航是否已有可用的主文档响应
func capturedDespiteAbort(errText string, exchanges []traffic.Exchange, ref traffic.NavigationRef) bool {
	if errText != abortedErrorText {
		return false
	}
	_, err := fetcher.SelectPrimary(exchanges, ref)
	return err == nil
}

// navigationError 超时归类为 NavigationTimeout，其余为 NavigationError
func navigationError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return model.Wrap(model.KindNavigationTimeout, "navigate", err)
	}
	return model.Wrap(model.KindNavigation, "navigate", err)
}

func blankArgs() *page.NavigateArgs {
	return page.NewNavigateArgs(BlankURL)
}
