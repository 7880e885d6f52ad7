package model

import (
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Request
		wantErr bool
	}{
		{
			name: "url only",
			raw:  `{"url":"https://example.test/page"}`,
			want: Request{URL: "https://example.test/page"},
		},
		{
			name: "with headers",
			raw:  `{"url":"http://example.test","headers":{"Authorization":"Bearer x","X-Trace.Id":"1"}}`,
			want: Request{URL: "http://example.test", Headers: map[string]string{"Authorization": "Bearer x", "X-Trace.Id": "1"}},
		},
		{
			name: "null headers",
			raw:  `{"url":"http://example.test","headers":null}`,
			want: Request{URL: "http://example.test"},
		},
		{name: "missing url", raw: `{"headers":{}}`, wantErr: true},
		{name: "empty url", raw: `{"url":""}`, wantErr: true},
		{name: "non string url", raw: `{"url":42}`, wantErr: true},
		{name: "relative url", raw: `{"url":"/page"}`, wantErr: true},
		{name: "unsupported scheme", raw: `{"url":"file:///etc/passwd"}`, wantErr: true},
		{name: "headers not object", raw: `{"url":"http://a.test","headers":["x"]}`, wantErr: true},
		{name: "header value not string", raw: `{"url":"http://a.test","headers":{"X-N":1}}`, wantErr: true},
		{name: "header name with space", raw: `{"url":"http://a.test","headers":{"Bad Name":"v"}}`, wantErr: true},
		{name: "header name with colon", raw: `{"url":"http://a.test","headers":{"X-A:b":"v"}}`, wantErr: true},
		{name: "header value with crlf", raw: `{"url":"http://a.test","headers":{"X-A":"v\r\nX-Injected: 1"}}`, wantErr: true},
		{name: "invalid json", raw: `{"url":`, wantErr: true},
		{name: "not an object", raw: `"http://a.test"`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRequest([]byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsKind(err, KindInput), "kind = %s", KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateHeaders(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		wantErr bool
	}{
		{name: "token name", headers: map[string]string{"X-Trace.Id": "1", "Accept-Language": "de-DE,de;q=0.9"}},
		{name: "empty value", headers: map[string]string{"X-Empty": ""}},
		{name: "empty name", headers: map[string]string{" ": "v"}, wantErr: true},
		{name: "space in name", headers: map[string]string{"Bad Name": "v"}, wantErr: true},
		{name: "colon in name", headers: map[string]string{"X-A:b": "v"}, wantErr: true},
		{name: "crlf in value", headers: map[string]string{"X-A": "v\r\nX-Injected: 1"}, wantErr: true},
		{name: "nul in value", headers: map[string]string{"X-A": "a\x00b"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Request{URL: "https://example.test/", Headers: tt.headers}.Validate()
			if tt.wantErr {
				assert.True(t, IsKind(err, KindInput), "kind = %s", KindOf(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindLaunch, "launch", cause)

	assert.True(t, IsKind(err, KindLaunch))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "LaunchError: launch: boom", err.Error())

	// 已分类的错误不会被重新分类
	again := Wrap(KindNavigation, "navigate", fmt.Errorf("outer: %w", err))
	assert.True(t, IsKind(again, KindLaunch))

	assert.Equal(t, KindUnknown, KindOf(cause))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Nil(t, Wrap(KindLaunch, "launch", nil))
}

func TestResultEnvelope(t *testing.T) {
	res := &Result{
		Invocation: "abc",
		URL:        "https://example.test/page",
		StatusCode: 200,
		Headers:    map[string]string{"content-type": "text/html"},
		Encoding:   "gzip",
		MediaType:  "text/html",
		IsText:     true,
		Title:      "Hello",
		Body:       []byte("<html><title>Hello</title></html>"),
		Timings:    []StageTiming{{Stage: StageNavigate, Duration: 1500 * time.Millisecond}},
	}
	out, err := res.Envelope()
	require.NoError(t, err)

	assert.True(t, gjson.Get(out, "ok").Bool())
	assert.Equal(t, "abc", gjson.Get(out, "invocation").String())
	assert.Equal(t, int64(200), gjson.Get(out, "status").Int())
	assert.Equal(t, "Hello", gjson.Get(out, "title").String())
	assert.Equal(t, "text/html", gjson.Get(out, `headers.content-type`).String())
	assert.Equal(t, int64(1500), gjson.Get(out, "timingsMs.navigate").Int())
	assert.Equal(t, string(res.Body), gjson.Get(out, "body").String())
}

func TestResultEnvelopeBinary(t *testing.T) {
	res := &Result{MediaType: "image/png", Body: []byte{0x89, 'P', 'N', 'G'}}
	out, err := res.Envelope()
	require.NoError(t, err)

	assert.Equal(t, "base64", gjson.Get(out, "bodyEncoding").String())
	decoded, err := base64.StdEncoding.DecodeString(gjson.Get(out, "body").String())
	require.NoError(t, err)
	assert.Equal(t, res.Body, decoded)
}

func TestErrorEnvelope(t *testing.T) {
	out := ErrorEnvelope(Errorf(KindNavigationTimeout, "navigate", "exceeded %s", "30s"))
	assert.False(t, gjson.Get(out, "ok").Bool())
	assert.Equal(t, "NavigationTimeout", gjson.Get(out, "error.kind").String())
	assert.Contains(t, gjson.Get(out, "error.message").String(), "exceeded 30s")
}
