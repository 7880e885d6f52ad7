package launcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cdpfetch/internal/config"
	"cdpfetch/internal/logger"
	"cdpfetch/internal/workspace"
	"cdpfetch/pkg/model"

	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigPointsStateIntoWorkspace(t *testing.T) {
	ws, err := workspace.New(t.TempDir(), "abc")
	require.NoError(t, err)
	policy := config.NewConfig().Browser

	cfg := NewConfig(policy, ws)

	get := func(name flags.Flag) string {
		v, ok := cfg.Get(name)
		require.True(t, ok, "missing flag %s", name)
		return v
	}
	assert.Equal(t, ws.Profile, get(flags.UserDataDir))
	assert.Equal(t, ws.Data, get("data-path"))
	assert.Equal(t, ws.Cache, get("disk-cache-dir"))
	assert.Equal(t, "1280,1696", get(WindowSize))
	assert.Equal(t, config.DefaultUserAgent, get("user-agent"))
	assert.Equal(t, "en_US", get("lang"))
	assert.Equal(t, "AutomationControlled", get("disable-blink-features"))
	get(flags.Headless)
	get(flags.NoSandbox)
	for _, f := range fixedFlags {
		get(f.Name)
	}
	_, ok := cfg.Get("enable-automation")
	assert.False(t, ok)
}

func TestArgs(t *testing.T) {
	ws, err := workspace.New(t.TempDir(), "abc")
	require.NoError(t, err)
	policy := config.NewConfig().Browser
	policy.WindowWidth, policy.WindowHeight = 800, 600
	policy.Lang = ""

	args := NewConfig(policy, ws).Args()

	assert.Equal(t, "--headless", args[0])
	assert.Equal(t, "--no-sandbox", args[1])
	assert.Contains(t, args, "--window-size=800,600")
	assert.Contains(t, args, "--user-data-dir="+ws.Profile)
	assert.Contains(t, args, "--ignore-certificate-errors")
	for _, a := range args {
		assert.NotContains(t, a, "--lang")
		assert.NotContains(t, a, "enable-automation")
	}
}

func TestBuildLauncher(t *testing.T) {
	ws, err := workspace.New(t.TempDir(), "abc")
	require.NoError(t, err)

	l := NewConfig(config.NewConfig().Browser, ws).build("/opt/chrome/chrome")

	assert.Equal(t, ws.Profile, l.Get(flags.UserDataDir))
	assert.Equal(t, ws.Cache, l.Get("disk-cache-dir"))
	assert.Equal(t, "1280,1696", l.Get(WindowSize))
	assert.True(t, l.Has(flags.Headless))
	assert.True(t, l.Has("single-process"))
	assert.False(t, l.Has("enable-automation"))
}

func TestResolveBinPrefersConfiguredPath(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "chrome")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o700))

	got, err := ResolveBin(Config{Bin: bin})
	require.NoError(t, err)
	assert.Equal(t, bin, got)
}

func TestStartFailsWithLaunchError(t *testing.T) {
	// 立即退出的“浏览器”不会输出 DevTools 地址
	bin := filepath.Join(t.TempDir(), "chrome")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\nexit 1\n"), 0o700))
	ws, err := workspace.New(t.TempDir(), "abc")
	require.NoError(t, err)
	policy := config.NewConfig().Browser
	policy.Bin = bin

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = Start(ctx, NewConfig(policy, ws), logger.NewNop())
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindLaunch), "kind = %s", model.KindOf(err))
}
