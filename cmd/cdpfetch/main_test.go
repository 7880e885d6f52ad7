package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cdpfetch/pkg/api"
	"cdpfetch/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type fakeService struct {
	raw    []byte
	result *model.Result
	err    error
	events chan<- model.Event
}

func (s *fakeService) Fetch(ctx context.Context, req model.Request) (*model.Result, error) {
	return s.result, s.err
}

func (s *fakeService) FetchEvent(ctx context.Context, raw []byte) (*model.Result, error) {
	s.raw = raw
	if s.events != nil {
		s.events <- model.Event{Stage: model.StageNavigate, Status: model.StatusSucceeded}
	}
	return s.result, s.err
}

func (s *fakeService) Inflight() []model.InvocationInfo { return nil }
func (s *fakeService) Shutdown()                        {}

func execute(t *testing.T, svc *fakeService, stdin string, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("CDPFETCH_LOG_WRITER", "")

	a := &app{
		version: "test",
		newService: func(opts api.Options) api.Service {
			svc.events = opts.Events
			return svc
		},
	}
	root := newCommand(a)

	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func textResult() *model.Result {
	return &model.Result{
		Invocation: "inv-1",
		URL:        "https://example.test/",
		StatusCode: 200,
		Encoding:   "br",
		MediaType:  "text/html",
		IsText:     true,
		Body:       []byte("<p>hello</p>"),
	}
}

func TestInvokeWritesBody(t *testing.T) {
	svc := &fakeService{result: textResult()}

	out, _, err := execute(t, svc, "", "invoke", "https://example.test/", "-H", "X-Token=a=b", "--header", "Accept-Language=de")

	require.NoError(t, err)
	assert.Equal(t, "<p>hello</p>", out)
	assert.Equal(t, "https://example.test/", gjson.GetBytes(svc.raw, "url").String())
	assert.Equal(t, "a=b", gjson.GetBytes(svc.raw, "headers.X-Token").String())
	assert.Equal(t, "de", gjson.GetBytes(svc.raw, "headers.Accept-Language").String())
}

func TestInvokeJSONEnvelope(t *testing.T) {
	res := textResult()
	res.IsText = false
	res.Body = []byte{0x89, 'P', 'N', 'G'}
	svc := &fakeService{result: res}

	out, _, err := execute(t, svc, "", "invoke", "https://example.test/", "--json")

	require.NoError(t, err)
	assert.True(t, gjson.Get(out, "ok").Bool())
	assert.Equal(t, "base64", gjson.Get(out, "bodyEncoding").String())
	assert.Equal(t, base64.StdEncoding.EncodeToString(res.Body), gjson.Get(out, "body").String())
}

func TestInvokeJSONFailureIsReported(t *testing.T) {
	svc := &fakeService{err: model.Errorf(model.KindNavigationTimeout, "navigate", "no load event within 1s")}

	out, _, err := execute(t, svc, "", "invoke", "https://example.test/", "--json")

	require.Error(t, err)
	assert.True(t, isReported(err))
	assert.True(t, model.IsKind(err, model.KindNavigationTimeout))
	assert.False(t, gjson.Get(out, "ok").Bool())
	assert.Equal(t, "NavigationTimeout", gjson.Get(out, "error.kind").String())
}

func TestInvokeFailureWithoutJSON(t *testing.T) {
	svc := &fakeService{err: model.Errorf(model.KindLaunch, "launch", "no browser")}

	out, _, err := execute(t, svc, "", "invoke", "https://example.test/")

	require.Error(t, err)
	assert.False(t, isReported(err))
	assert.Empty(t, out)
}

func TestInvokeEventFileAndOutput(t *testing.T) {
	dir := t.TempDir()
	event := filepath.Join(dir, "event.json")
	require.NoError(t, os.WriteFile(event, []byte(`{"url":"https://example.test/","headers":{"Cookie":"a=1"}}`), 0o600))
	output := filepath.Join(dir, "body.html")
	svc := &fakeService{result: textResult()}

	out, _, err := execute(t, svc, "", "invoke", "--event-file", event, "-o", output)

	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, "a=1", gjson.GetBytes(svc.raw, "headers.Cookie").String())
	written, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "<p>hello</p>", string(written))
}

func TestInvokeEventFromStdin(t *testing.T) {
	svc := &fakeService{result: textResult()}

	_, _, err := execute(t, svc, `{"url":"https://example.test/stdin"}`, "invoke", "--event-file", "-")

	require.NoError(t, err)
	assert.Equal(t, "https://example.test/stdin", gjson.GetBytes(svc.raw, "url").String())
}

func TestInvokeTracePrintsEvents(t *testing.T) {
	svc := &fakeService{result: textResult()}

	_, stderr, err := execute(t, svc, "", "invoke", "https://example.test/", "--trace")

	require.NoError(t, err)
	assert.Contains(t, stderr, "navigate")
	assert.Contains(t, stderr, "succeeded")
}

func TestBuildEventErrors(t *testing.T) {
	_, err := buildEvent(strings.NewReader(""), false, nil, invokeFlags{})
	assert.True(t, model.IsKind(err, model.KindInput))

	_, err = buildEvent(strings.NewReader(""), false, nil, invokeFlags{headers: []string{"A=b"}})
	assert.True(t, model.IsKind(err, model.KindInput))

	_, err = buildEvent(strings.NewReader(""), false, []string{"https://example.test/"}, invokeFlags{headers: []string{"novalue"}})
	assert.True(t, model.IsKind(err, model.KindInput))

	_, err = buildEvent(strings.NewReader(""), false, []string{"https://example.test/"}, invokeFlags{eventFile: "event.json"})
	assert.True(t, model.IsKind(err, model.KindInput))

	_, err = buildEvent(strings.NewReader(""), false, nil, invokeFlags{eventFile: filepath.Join(t.TempDir(), "missing.json")})
	assert.True(t, model.IsKind(err, model.KindInput))
}

func TestBuildEventEscapesHeaderNames(t *testing.T) {
	raw, err := buildEvent(nil, false, []string{"https://example.test/"}, invokeFlags{headers: []string{"X.Dotted=1"}})
	require.NoError(t, err)

	req, err := model.ParseRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, "1", req.Headers["X.Dotted"])
}

func TestBuildEventFromPipe(t *testing.T) {
	raw, err := buildEvent(strings.NewReader(`{"url":"https://example.test/"}`), true, nil, invokeFlags{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"url":"https://example.test/"}`, string(raw))
}

func TestConfigAndLogLevelFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cdpfetch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("serve:\n  maxInflight: 5\n"), 0o600))
	t.Setenv("CDPFETCH_LOG_WRITER", "")

	a := &app{version: "test"}
	a.configPath = path
	a.logLevel = "debug"
	require.NoError(t, a.setup())

	assert.Equal(t, 5, a.cfg.Serve.MaxInflight)
	assert.Equal(t, "debug", a.cfg.Log.Level)
	assert.NotNil(t, a.metrics)

	families, err := a.registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	a.logLevel = "loud"
	assert.Error(t, a.setup())
}

func TestVersion(t *testing.T) {
	out, _, err := execute(t, &fakeService{}, "", "version")

	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "cdpfetch test ("))
}
