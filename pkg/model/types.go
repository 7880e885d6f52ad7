package model

import (
	"encoding/base64"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/net/http/httpguts"
)

type InvocationID string

// 调用事件中的字段名
const (
	URLArg     = "url"
	HeadersArg = "headers"
)

// Request 一次调用的输入，解析后不可变
type Request struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ParseRequest 从事件 JSON 解析调用请求
func ParseRequest(raw []byte) (Request, error) {
	if !gjson.ValidBytes(raw) {
		return Request{}, Errorf(KindInput, "parse", "event is not valid JSON")
	}
	ev := gjson.ParseBytes(raw)
	if !ev.IsObject() {
		return Request{}, Errorf(KindInput, "parse", "event must be a JSON object")
	}

	u := ev.Get(URLArg)
	if !u.Exists() {
		return Request{}, Errorf(KindInput, "parse", "%s must be present in the event", URLArg)
	}
	if u.Type != gjson.String {
		return Request{}, Errorf(KindInput, "parse", "%s must be a string", URLArg)
	}
	req := Request{URL: u.String()}

	if h := ev.Get(HeadersArg); h.Exists() && h.Type != gjson.Null {
		if !h.IsObject() {
			return Request{}, Errorf(KindInput, "parse", "%s must be an object", HeadersArg)
		}
		headers := make(map[string]string)
		var bad string
		h.ForEach(func(key, value gjson.Result) bool {
			if value.Type != gjson.String {
				bad = key.String()
				return false
			}
			headers[key.String()] = value.String()
			return true
		})
		if bad != "" {
			return Request{}, Errorf(KindInput, "parse", "header %q must be a string", bad)
		}
		req.Headers = headers
	}

	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// Validate 校验请求，任何资源分配前调用
func (r Request) Validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return Errorf(KindInput, "validate", "%s must not be empty", URLArg)
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return Wrap(KindInput, "validate", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Errorf(KindInput, "validate", "%s must be an absolute http(s) URL: %q", URLArg, r.URL)
	}
	for name, value := range r.Headers {
		if strings.TrimSpace(name) == "" {
			return Errorf(KindInput, "validate", "header name must not be empty")
		}
		if !httpguts.ValidHeaderFieldName(name) {
			return Errorf(KindInput, "validate", "invalid header name %q", name)
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			return Errorf(KindInput, "validate", "invalid value for header %q", name)
		}
	}
	return nil
}

// StageTiming 单个阶段耗时
type StageTiming struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration"`
}

// Result 一次成功调用的结果
type Result struct {
	Invocation InvocationID      `json:"invocation"`
	URL        string            `json:"url"`
	StatusCode int               `json:"status"`
	Headers    map[string]string `json:"headers"`
	Encoding   string            `json:"encoding"`
	MediaType  string            `json:"mediaType"`
	IsText     bool              `json:"isText"`
	Title      string            `json:"title,omitempty"`
	Body       []byte            `json:"-"`
	Timings    []StageTiming     `json:"timings"`
}

// Text 以字符串形式返回解码后的响应体
func (r *Result) Text() string {
	return string(r.Body)
}

// Envelope 构建成功结果的 JSON 信封
func (r *Result) Envelope() (string, error) {
	out := `{"ok":true}`
	var err error
	set := func(path string, v any) {
		if err != nil {
			return
		}
		out, err = sjson.Set(out, path, v)
	}

	set("invocation", string(r.Invocation))
	set("url", r.URL)
	set("status", r.StatusCode)
	set("contentType", r.MediaType)
	set("encoding", r.Encoding)
	if r.Title != "" {
		set("title", r.Title)
	}
	if len(r.Headers) > 0 {
		set("headers", r.Headers)
	}
	timings := make(map[string]int64, len(r.Timings))
	for _, t := range r.Timings {
		timings[t.Stage] = t.Duration.Milliseconds()
	}
	set("timingsMs", timings)
	if r.IsText {
		set("body", string(r.Body))
	} else {
		set("bodyEncoding", "base64")
		set("body", base64.StdEncoding.EncodeToString(r.Body))
	}
	return out, err
}

// ErrorEnvelope 构建失败结果的 JSON 信封
func ErrorEnvelope(err error) string {
	out := `{"ok":false}`
	out, _ = sjson.Set(out, "error.kind", string(KindOf(err)))
	out, _ = sjson.Set(out, "error.message", err.Error())
	return out
}

// 阶段名称
const (
	StageValidate  = "validate"
	StageProvision = "provision"
	StageLaunch    = "launch"
	StageIntercept = "intercept"
	StageNavigate  = "navigate"
	StageSelect    = "select"
	StageDecode    = "decode"
	StageReclaim   = "reclaim"
)

// 阶段状态
const (
	StatusStarted   = "started"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Event 阶段诊断事件
type Event struct {
	Invocation InvocationID  `json:"invocation"`
	Stage      string        `json:"stage"`
	Status     string        `json:"status"`
	Duration   time.Duration `json:"duration"`
	Err        error         `json:"-"`
	Timestamp  int64         `json:"timestamp"`
}

// InvocationInfo 进行中调用的摘要
type InvocationInfo struct {
	ID        InvocationID `json:"id"`
	URL       string       `json:"url"`
	Workspace string       `json:"workspace"`
	StartedAt time.Time    `json:"startedAt"`
}
