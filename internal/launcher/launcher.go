package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"cdpfetch/internal/config"
	"cdpfetch/internal/logger"
	"cdpfetch/internal/workspace"
	"cdpfetch/pkg/model"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
)

// Flag 单个启动参数，Value 为空表示无值开关
type Flag struct {
	Name  flags.Flag
	Value string
}

// WindowSize 窗口尺寸参数，值为 "宽,高"
const WindowSize flags.Flag = "window-size"

// 固定指纹参数
var fixedFlags = []Flag{
	{"disable-setuid-sandbox", ""},
	{"hide-scrollbars", ""},
	{"disable-blink-features", "AutomationControlled"},
	{"disable-gpu", ""},
	{"disable-extensions", ""},
	{"disable-dev-shm-usage", ""},
	{"single-process", ""},
	{"ignore-certificate-errors", ""},
	{"ignore-ssl-errors", ""},
}

// Config 一次调用的启动配置，创建后不再修改
type Config struct {
	Bin      string // 配置的可执行文件路径，启动时解析
	Download bool
	Leakless bool
	Flags    []Flag
}

// NewConfig 由启动策略和工作区路径派生启动配置
func NewConfig(policy config.Browser, ws *workspace.Workspace) Config {
	fl := []Flag{
		{flags.Headless, ""},
		{flags.NoSandbox, ""},
	}
	fl = append(fl, fixedFlags...)
	fl = append(fl, Flag{WindowSize, strconv.Itoa(policy.WindowWidth) + "," + strconv.Itoa(policy.WindowHeight)})
	if policy.Lang != "" {
		fl = append(fl, Flag{"lang", policy.Lang})
	}
	fl = append(fl,
		Flag{"user-agent", policy.UserAgent},
		Flag{flags.UserDataDir, ws.Profile},
		Flag{"data-path", ws.Data},
		Flag{"disk-cache-dir", ws.Cache},
	)
	return Config{
		Bin:      policy.Bin,
		Download: policy.Download,
		Leakless: policy.Leakless,
		Flags:    fl,
	}
}

// Args 渲染命令行参数
func (c Config) Args() []string {
	args := make([]string, 0, len(c.Flags))
	for _, f := range c.Flags {
		if f.Value == "" {
			args = append(args, "--"+string(f.Name))
		} else {
			args = append(args, "--"+string(f.Name)+"="+f.Value)
		}
	}
	return args
}

// Get 返回参数值，参数不存在时 ok 为 false
func (c Config) Get(name flags.Flag) (value string, ok bool) {
	for _, f := range c.Flags {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// ResolveBin 确定浏览器可执行文件：配置路径 → 系统查找 → 自动下载（需开启）
func ResolveBin(c Config) (string, error) {
	if c.Bin != "" {
		if _, err := os.Stat(c.Bin); err == nil {
			return c.Bin, nil
		}
	}
	if found, ok := launcher.LookPath(); ok {
		return found, nil
	}
	if c.Download {
		return "", nil
	}
	return "", model.Errorf(model.KindLaunch, "launch", "no browser executable at %q and none found on PATH", c.Bin)
}

// build 把启动配置转换为 rod launcher，bin 为空时由 rod 下载浏览器
func (c Config) build(bin string) *launcher.Launcher {
	l := launcher.New().Leakless(c.Leakless)
	if bin != "" {
		l = l.Bin(bin)
	}
	for _, f := range c.Flags {
		switch {
		case f.Name == flags.Headless:
			l = l.Headless(true)
		case f.Name == flags.NoSandbox:
			l = l.NoSandbox(true)
		case f.Name == flags.UserDataDir:
			l = l.UserDataDir(f.Value)
		case f.Value == "":
			l = l.Set(f.Name)
		default:
			l = l.Set(f.Name, f.Value)
		}
	}
	return l.Delete("enable-automation")
}

// Process 已启动的浏览器进程
type Process struct {
	URL    string // DevTools 控制地址
	l      *launcher.Launcher
	exited chan struct{}
}

// Start 启动浏览器并等待 DevTools 地址就绪
func Start(ctx context.Context, cfg Config, log logger.Logger) (*Process, error) {
	bin, err := ResolveBin(cfg)
	if err != nil {
		return nil, err
	}
	l := cfg.build(bin)
	log.Debug("启动浏览器", "bin", bin, "args", l.FormatArgs())

	type launched struct {
		url string
		err error
	}
	done := make(chan launched, 1)
	go func() {
		u, err := l.Launch()
		done <- launched{u, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			l.Kill()
			return nil, model.Wrap(model.KindLaunch, "launch", res.err)
		}
		p := &Process{URL: res.url, l: l, exited: make(chan struct{})}
		go func() {
			l.Cleanup()
			close(p.exited)
		}()
		log.Info("浏览器已启动", "pid", l.PID(), "url", res.url)
		return p, nil
	case <-ctx.Done():
		go func() {
			<-done
			l.Kill()
		}()
		return nil, model.Wrap(model.KindLaunch, "launch", fmt.Errorf("browser did not become ready: %w", ctx.Err()))
	}
}

// PID 返回浏览器进程号
func (p *Process) PID() int {
	return p.l.PID()
}

// Kill 强制结束浏览器进程组
func (p *Process) Kill() {
	p.l.Kill()
}

// Exited 进程退出后关闭的通道
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Wait 等待进程退出
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("browser still running"), ctx.Err())
	}
}
