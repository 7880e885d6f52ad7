package traffic

import (
	"net/http"
	"sort"
	"strings"
)

// Header 封装通用的头部操作，键统一为小写
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Set 设置指定 Header 的值（自动转换为小写）
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// Has 判断 Header 是否存在
func (h Header) Has(key string) bool {
	_, ok := h[strings.ToLower(key)]
	return ok
}

// Keys 返回排序后的 Header 名称
func (h Header) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HeaderFrom 从任意大小写的映射构建 Header
func HeaderFrom(m map[string]string) Header {
	h := make(Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

// ResourceTypeDocument 是顶层导航与 iframe 文档请求的资源类型
const ResourceTypeDocument = "Document"

// Request 中立的请求模型
type Request struct {
	ID           string // Fetch 域请求ID
	NetworkID    string // Network 域请求ID，重定向链中保持不变
	FrameID      string // 发起请求的 frame
	URL          string // 完整URL
	Method       string // HTTP方法
	Headers      Header // 请求头（已应用覆盖规则）
	Body         []byte // 请求体原始数据
	ResourceType string // 资源类型 (如 Document, XHR)
}

// IsDocument 判断是否为文档请求
func (r *Request) IsDocument() bool {
	return r.ResourceType == ResourceTypeDocument
}

// Response 中立的响应模型
type Response struct {
	StatusCode int    // 状态码
	Headers    Header // 响应头
	Body       []byte // 响应体原始数据（未解码）
}

// ContentEncoding 返回响应的内容编码，缺省为 identity
func (r *Response) ContentEncoding() string {
	if r == nil {
		return "identity"
	}
	if ce := strings.TrimSpace(r.Headers.Get("Content-Encoding")); ce != "" {
		return ce
	}
	return "identity"
}

// IsRedirect 判断响应是否为重定向
func (r *Response) IsRedirect() bool {
	if r == nil {
		return false
	}
	switch r.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return r.Headers.Get("Location") != ""
	}
	return false
}

// NewRequest 创建初始化请求对象
func NewRequest() *Request {
	return &Request{
		Headers: make(Header),
	}
}

// NewResponse 创建初始化响应对象
func NewResponse() *Response {
	return &Response{
		StatusCode: http.StatusOK,
		Headers:    make(Header),
	}
}

// Exchange 一次被拦截的请求及其（可选的）响应
type Exchange struct {
	Seq      int64     // 捕获顺序
	Request  *Request  // 请求
	Response *Response // 响应，仅文档请求会被记录
	Error    string    // 转发失败时的错误信息
}

// HasResponse 判断是否记录了响应
func (e Exchange) HasResponse() bool {
	return e.Response != nil
}

// NavigationRef 标识一次顶层导航
type NavigationRef struct {
	URL      string // 请求导航的URL
	FrameID  string // 导航所在 frame
	LoaderID string // 文档加载器ID
}
