package relay

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cdpfetch/pkg/traffic"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func getRequest(url string, headers map[string]string) *traffic.Request {
	req := traffic.NewRequest()
	req.URL = url
	req.Method = http.MethodGet
	req.ResourceType = traffic.ResourceTypeDocument
	for k, v := range headers {
		req.Headers.Set(k, v)
	}
	return req
}

func TestDoKeepsRawEncodedBodyOverTLS(t *testing.T) {
	payload := gzipBytes(t, "<html>hello</html>")
	var gotAE, gotAuth string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAE = r.Header.Get("Accept-Encoding")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Add("Set-Cookie", "a=1")
		w.Header().Add("Set-Cookie", "b=2")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	res, err := New(Config{Timeout: 5 * time.Second}).Do(context.Background(),
		getRequest(srv.URL, map[string]string{"Authorization": "Bearer x"}))
	require.NoError(t, err)

	assert.Equal(t, DefaultAcceptEncoding, gotAE)
	assert.Equal(t, "Bearer x", gotAuth)
	assert.Equal(t, http.StatusOK, res.Response.StatusCode)
	assert.Equal(t, "gzip", res.Response.ContentEncoding())
	assert.Equal(t, payload, res.Response.Body)
	assert.Equal(t, []string{"a=1", "b=2"}, res.Header.Values("Set-Cookie"))
}

func TestDoPreservesCallerAcceptEncoding(t *testing.T) {
	var gotAE string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAE = r.Header.Get("Accept-Encoding")
	}))
	defer srv.Close()

	_, err := New(Config{}).Do(context.Background(), getRequest(srv.URL, map[string]string{"Accept-Encoding": "identity"}))
	require.NoError(t, err)
	assert.Equal(t, "identity", gotAE)
}

func TestDoDoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/final", http.StatusFound)
			return
		}
		_, _ = io.WriteString(w, "final")
	}))
	defer srv.Close()

	res, err := New(Config{}).Do(context.Background(), getRequest(srv.URL+"/start", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, res.Response.StatusCode)
	assert.True(t, res.Response.IsRedirect())
	assert.Equal(t, "/final", res.Response.Headers.Get("location"))
}

func TestDoForwardsMethodAndBody(t *testing.T) {
	var gotMethod string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	req := getRequest(srv.URL, map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
	req.Method = http.MethodPost
	req.Body = []byte("a=1")

	_, err := New(Config{}).Do(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, []byte("a=1"), gotBody)
}

func TestDoBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	_, err := New(Config{MaxBodyBytes: 1024}).Do(context.Background(), getRequest(srv.URL, nil))
	assert.ErrorContains(t, err, "exceeds 1024 bytes")
}

func TestDoContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{}).Do(ctx, getRequest(srv.URL, nil))
	assert.Error(t, err)
}
