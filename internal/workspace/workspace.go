package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"cdpfetch/pkg/model"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Prefix 工作区目录名前缀
const Prefix = "cdpfetch-"

const dirMode = 0o700

// Workspace 单次调用独占的临时目录树
type Workspace struct {
	ID      string
	Root    string
	Profile string // 浏览器 user-data-dir
	Cache   string // 磁盘缓存
	Data    string // data-path
	Capture string // 流量捕获数据库
}

// NewID 生成新的调用标识
func NewID() string {
	return uuid.NewString()
}

// New 在 base 下创建以 id 命名的工作区，同名的残留目录会先被删除
func New(base, id string) (*Workspace, error) {
	if base == "" {
		return nil, model.Errorf(model.KindProvision, "workspace", "base directory must not be empty")
	}
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return nil, model.Errorf(model.KindProvision, "workspace", "invalid workspace id %q", id)
	}
	root := filepath.Join(base, Prefix+id)
	ws := &Workspace{
		ID:      id,
		Root:    root,
		Profile: filepath.Join(root, "profile"),
		Cache:   filepath.Join(root, "cache"),
		Data:    filepath.Join(root, "data"),
		Capture: filepath.Join(root, "capture"),
	}

	if err := os.RemoveAll(root); err != nil {
		return nil, model.Wrap(model.KindProvision, "workspace", fmt.Errorf("remove stale %s: %w", root, err))
	}
	for _, dir := range ws.Dirs() {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			_ = os.RemoveAll(root)
			return nil, model.Wrap(model.KindProvision, "workspace", fmt.Errorf("create %s: %w", dir, err))
		}
	}
	return ws, nil
}

// Dirs 返回工作区下的全部子目录
func (w *Workspace) Dirs() []string {
	return []string{w.Profile, w.Cache, w.Data, w.Capture}
}

// Exists 判断工作区根目录是否存在
func (w *Workspace) Exists() bool {
	_, err := os.Stat(w.Root)
	return err == nil
}

// Remove 删除整个工作区，重复调用安全
func (w *Workspace) Remove() error {
	if err := os.RemoveAll(w.Root); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove workspace %s: %w", w.Root, err)
	}
	return nil
}

// Stats 目录占用统计
type Stats struct {
	Files int
	Bytes int64
	Dirs  []string // 直接子目录名
}

// Human 以可读形式输出占用
func (s Stats) Human() string {
	return fmt.Sprintf("%s in %s", humanize.IBytes(uint64(s.Bytes)), humanize.Comma(int64(s.Files))+" files")
}

// Usage 统计目录下的文件数与字节数
func Usage(dir string) (Stats, error) {
	var st Stats
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// 浏览器退出过程中文件可能被删除
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path != dir && filepath.Dir(path) == filepath.Clean(dir) {
				st.Dirs = append(st.Dirs, d.Name())
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		st.Files++
		st.Bytes += info.Size()
		return nil
	})
	return st, err
}

// List 列出 base 下现有的工作区目录
func List(base string) ([]string, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, err
	}
	var roots []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), Prefix) {
			roots = append(roots, filepath.Join(base, e.Name()))
		}
	}
	return roots, nil
}
