package session

import (
	"sort"
	"sync"

	"cdpfetch/internal/logger"
	"cdpfetch/pkg/model"
)

// Session 一次进行中的调用
type Session struct {
	Info model.InvocationInfo
	kill func() error // 浏览器启动后可用
	mu   sync.Mutex
}

// SetKill 绑定强制终止函数
func (s *Session) SetKill(kill func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kill = kill
}

// Kill 强制终止会话的浏览器，尚未启动时为空操作
func (s *Session) Kill() error {
	s.mu.Lock()
	kill := s.kill
	s.mu.Unlock()
	if kill == nil {
		return nil
	}
	return kill()
}

// Manager 进行中调用的登记表
type Manager struct {
	mu       sync.RWMutex
	sessions map[model.InvocationID]*Session
	log      logger.Logger
}

// NewManager 创建会话管理器
func NewManager(l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{
		sessions: make(map[model.InvocationID]*Session),
		log:      l,
	}
}

// Create 创建并登记新会话
func (m *Manager) Create(info model.InvocationInfo) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &Session{Info: info}
	m.sessions[info.ID] = s
	m.log.Debug("登记调用会话", "invocation", string(info.ID))
	return s
}

// Get 获取会话
func (m *Manager) Get(id model.InvocationID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Delete 注销会话
func (m *Manager) Delete(id model.InvocationID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	m.log.Debug("注销调用会话", "invocation", string(id))
}

// List 按开始时间返回所有进行中的调用
func (m *Manager) List() []model.InvocationInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]model.InvocationInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s.Info)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].StartedAt.Before(list[j].StartedAt) })
	return list
}

// Len 返回进行中的调用数量
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// KillAll 强制终止所有会话的浏览器，用于进程退出
func (m *Manager) KillAll() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		if err := s.Kill(); err != nil {
			m.log.Err(err, "强制终止浏览器失败", "invocation", string(s.Info.ID))
		}
	}
}
