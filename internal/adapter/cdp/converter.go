package cdp

import (
	"net/http"
	"sort"
	"strings"

	"cdpfetch/pkg/traffic"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/tidwall/gjson"
)

// RequestHeaders 解析拦截事件中的原始请求头，保留原始大小写
func RequestHeaders(ev *fetch.RequestPausedReply) map[string]string {
	headers := make(map[string]string)
	if len(ev.Request.Headers) == 0 {
		return headers
	}
	gjson.ParseBytes(ev.Request.Headers).ForEach(func(k, v gjson.Result) bool {
		headers[k.String()] = v.String()
		return true
	})
	return headers
}

// ToNeutralRequest 将 CDP 事件转换为中立 Request 模型，headers 为实际发出的请求头
func ToNeutralRequest(ev *fetch.RequestPausedReply, headers map[string]string) *traffic.Request {
	req := traffic.NewRequest()
	req.ID = string(ev.RequestID)
	req.URL = ev.Request.URL
	req.Method = ev.Request.Method
	req.ResourceType = string(ev.ResourceType)
	req.FrameID = string(ev.FrameID)
	if ev.NetworkID != nil {
		req.NetworkID = string(*ev.NetworkID)
	}
	for k, v := range headers {
		req.Headers.Set(k, v)
	}
	if ev.Request.PostData != nil {
		req.Body = []byte(*ev.Request.PostData)
	}
	return req
}

// ToHeaderEntries 将请求头映射转换为 CDP Header 条目，按名称排序
func ToHeaderEntries(h map[string]string) []fetch.HeaderEntry {
	entries := make([]fetch.HeaderEntry, 0, len(h))
	for k, v := range h {
		entries = append(entries, fetch.HeaderEntry{Name: k, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// 响应体已解码后交给浏览器，这些头部不再成立
var strippedResponseHeaders = map[string]struct{}{
	"content-encoding":  {},
	"content-length":    {},
	"transfer-encoding": {},
}

// 原样交付编码后的响应体时只去掉分帧相关的头部
var strippedRawHeaders = map[string]struct{}{
	"content-length":    {},
	"transfer-encoding": {},
}

// FulfillHeaders 将上游响应头转换为 FulfillRequest 使用的条目，多值头部逐条展开
func FulfillHeaders(h http.Header) []fetch.HeaderEntry {
	return headerEntries(h, strippedResponseHeaders)
}

// RawFulfillHeaders 与 FulfillHeaders 相同，但保留 Content-Encoding
func RawFulfillHeaders(h http.Header) []fetch.HeaderEntry {
	return headerEntries(h, strippedRawHeaders)
}

func headerEntries(h http.Header, stripped map[string]struct{}) []fetch.HeaderEntry {
	names := make([]string, 0, len(h))
	for k := range h {
		if _, skip := stripped[strings.ToLower(k)]; skip {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)

	entries := make([]fetch.HeaderEntry, 0, len(names))
	for _, k := range names {
		for _, v := range h[k] {
			entries = append(entries, fetch.HeaderEntry{Name: k, Value: v})
		}
	}
	return entries
}
