package fetcher

import (
	"net/url"
	"strings"

	"cdpfetch/pkg/model"
	"cdpfetch/pkg/traffic"

	"golang.org/x/net/idna"
)

// SelectPrimary 从捕获流量中选出主导航的最终响应。
//
// 候选为导航所在 frame 的文档请求。按 NetworkID 找到起始于请求 URL 的重定向链并取链上
// 最后一跳，若该跳仍是重定向则沿 Location 继续跟随。没有 URL 匹配时退回该 frame 的第一个文档。
func SelectPrimary(exchanges []traffic.Exchange, nav traffic.NavigationRef) (traffic.Exchange, error) {
	var docs []traffic.Exchange
	for _, ex := range exchanges {
		if ex.Request == nil || !ex.Request.IsDocument() {
			continue
		}
		if nav.FrameID != "" && ex.Request.FrameID != "" && ex.Request.FrameID != nav.FrameID {
			continue
		}
		docs = append(docs, ex)
	}

	start := -1
	for i, ex := range docs {
		if sameDocument(ex.Request.URL, nav.URL) {
			start = i
			break
		}
	}
	if start < 0 {
		start = firstInFrame(docs, nav.FrameID)
	}
	if start < 0 {
		return traffic.Exchange{}, model.Errorf(model.KindNoCapturedTraffic, "select", "no document response captured for %s", nav.URL)
	}

	hop := start
	if id := docs[start].Request.NetworkID; id != "" {
		hop = lastHop(docs, start, id)
	}
	chosen := followLocation(docs, hop)

	if !chosen.HasResponse() {
		if chosen.Error != "" {
			return chosen, model.Errorf(model.KindNavigation, "select", "%s: %s", chosen.Request.URL, chosen.Error)
		}
		return chosen, model.Errorf(model.KindNoCapturedTraffic, "select", "no response recorded for %s", chosen.Request.URL)
	}
	return chosen, nil
}

// firstInFrame 返回明确属于导航 frame 的第一个文档
func firstInFrame(docs []traffic.Exchange, frameID string) int {
	if frameID == "" {
		return -1
	}
	for i, ex := range docs {
		if ex.Request.FrameID == frameID {
			return i
		}
	}
	return -1
}

// lastHop 返回同一 NetworkID 链上最后一跳的下标
func lastHop(docs []traffic.Exchange, start int, networkID string) int {
	last := start
	for i := start + 1; i < len(docs); i++ {
		if docs[i].Request.NetworkID == networkID {
			last = i
		}
	}
	return last
}

// followLocation 沿重定向响应的 Location 在后续记录中查找下一跳
func followLocation(docs []traffic.Exchange, start int) traffic.Exchange {
	cur := start
	for hops := 0; hops < len(docs); hops++ {
		ex := docs[cur]
		if !ex.Response.IsRedirect() {
			return ex
		}
		next := resolve(ex.Request.URL, ex.Response.Headers.Get("Location"))
		found := -1
		for j := cur + 1; j < len(docs); j++ {
			if sameDocument(docs[j].Request.URL, next) {
				found = j
				break
			}
		}
		if found < 0 {
			return ex
		}
		cur = found
	}
	return docs[cur]
}

func resolve(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// sameDocument 比较两个 URL，忽略片段、空路径、国际化域名与查询串编码差异
func sameDocument(a, b string) bool {
	ua, err1 := url.Parse(a)
	ub, err2 := url.Parse(b)
	if err1 != nil || err2 != nil {
		return a == b
	}
	ua.Fragment, ua.RawFragment = "", ""
	ub.Fragment, ub.RawFragment = "", ""
	if ua.Path == "" {
		ua.Path = "/"
	}
	if ub.Path == "" {
		ub.Path = "/"
	}
	return ua.Scheme == ub.Scheme && equalHost(ua, ub) && ua.EscapedPath() == ub.EscapedPath() && ua.Query().Encode() == ub.Query().Encode()
}

func equalHost(a, b *url.URL) bool {
	return hostPort(a) == hostPort(b)
}

// hostPort 规范化主机名大小写与默认端口
func hostPort(u *url.URL) string {
	host := u.Hostname()
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	h := strings.ToLower(host)
	if ascii, err := idna.Lookup.ToASCII(h); err == nil {
		h = ascii
	}
	if port != "" {
		return h + ":" + port
	}
	return h
}
