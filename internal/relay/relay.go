package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"cdpfetch/pkg/traffic"

	"github.com/go-resty/resty/v2"
)

// DefaultAcceptEncoding 请求未声明 Accept-Encoding 时使用的值
const DefaultAcceptEncoding = "gzip, deflate, br, zstd"

// DefaultMaxBodyBytes 单个响应体上限
const DefaultMaxBodyBytes = 64 << 20

// 由传输层自行管理的请求头
var hopHeaders = []string{"Connection", "Content-Length", "Host", "Keep-Alive", "Transfer-Encoding", "Upgrade", "Proxy-Connection"}

// Config 中继配置
type Config struct {
	Timeout      time.Duration
	MaxBodyBytes int64
}

// Result 上游原始响应
type Result struct {
	Response *traffic.Response // 响应体保持上游编码
	Header   http.Header       // 保留多值头部
}

// Relay 代替浏览器向上游发起文档请求，保留原始编码的响应体
type Relay struct {
	client  *resty.Client
	maxBody int64
}

// New 创建中继客户端：忽略证书错误、不跟随重定向、不自动解压
func New(cfg Config) *Relay {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // 与浏览器的 ignore-certificate-errors 保持一致
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	client := resty.New().
		SetTransport(transport).
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		})).
		SetDoNotParseResponse(true).
		SetCookieJar(nil)
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Relay{client: client, maxBody: maxBody}
}

// Do 转发请求并读取完整的原始响应
func (r *Relay) Do(ctx context.Context, req *traffic.Request) (*Result, error) {
	headers := make(map[string]string, len(req.Headers)+1)
	for k, v := range req.Headers {
		headers[k] = v
	}
	for _, h := range hopHeaders {
		delete(headers, strings.ToLower(h))
	}
	if _, ok := headers["accept-encoding"]; !ok {
		headers["accept-encoding"] = DefaultAcceptEncoding
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	rr := r.client.R().SetContext(ctx).SetHeaders(headers)
	if len(req.Body) > 0 {
		rr.SetBody(req.Body)
	}
	if host := req.Headers.Get("Host"); host != "" {
		rr.SetHeader("Host", host)
	}

	resp, err := rr.Execute(method, req.URL)
	if err != nil {
		return nil, fmt.Errorf("relay %s %s: %w", method, req.URL, err)
	}
	raw := resp.RawBody()
	defer raw.Close()

	body, err := io.ReadAll(io.LimitReader(raw, r.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read response body of %s: %w", req.URL, err)
	}
	if int64(len(body)) > r.maxBody {
		return nil, fmt.Errorf("response body of %s exceeds %d bytes", req.URL, r.maxBody)
	}

	res := traffic.NewResponse()
	res.StatusCode = resp.StatusCode()
	for k, vs := range resp.Header() {
		res.Headers.Set(k, strings.Join(vs, ", "))
	}
	res.Body = body
	return &Result{Response: res, Header: resp.Header().Clone()}, nil
}
