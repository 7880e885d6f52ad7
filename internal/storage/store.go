package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	ilog "cdpfetch/internal/logger"
	"cdpfetch/pkg/traffic"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// exchangeRow 捕获流量表结构
type exchangeRow struct {
	ID              uint           `gorm:"primaryKey"`
	Seq             int64          `gorm:"uniqueIndex"`
	RequestID       string         `gorm:"size:128"`
	NetworkID       string         `gorm:"size:128;index"`
	FrameID         string         `gorm:"size:128"`
	URL             string         `gorm:"type:text"`
	Method          string         `gorm:"size:16"`
	ResourceType    string         `gorm:"size:32"`
	RequestHeaders  traffic.Header `gorm:"serializer:json"`
	RequestBody     []byte
	HasResponse     bool
	StatusCode      int
	ResponseHeaders traffic.Header `gorm:"serializer:json"`
	ResponseBody    []byte
	Error           string `gorm:"type:text"`
	CreatedAt       time.Time
}

// Store 单次调用的流量捕获存储，数据库文件位于工作区内
type Store struct {
	mu  sync.Mutex
	db  *gorm.DB
	seq int64
	log ilog.Logger
}

// Open 在 dir 下打开（或创建）捕获数据库
func Open(dir, file, prefix string, l ilog.Logger) (*Store, error) {
	if l == nil {
		l = ilog.NewNop()
	}
	path := filepath.Join(dir, file)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         NewGormLogger(l),
		NamingStrategy: schema.NamingStrategy{TablePrefix: prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("open capture store %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get capture store handle: %w", err)
	}
	// sqlite 单写者
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&exchangeRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate capture store: %w", err)
	}
	l.Debug("捕获存储已打开", "path", path)
	return &Store{db: db, log: l}, nil
}

// Record 追加一条交换记录，返回分配的序号
func (s *Store) Record(ctx context.Context, ex traffic.Exchange) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	row := toRow(s.seq, ex)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.seq--
		return 0, fmt.Errorf("record exchange %s: %w", ex.Request.URL, err)
	}
	return row.Seq, nil
}

// List 按捕获顺序返回全部交换记录
func (s *Store) List(ctx context.Context) ([]traffic.Exchange, error) {
	var rows []exchangeRow
	if err := s.db.WithContext(ctx).Order("seq asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list exchanges: %w", err)
	}
	out := make([]traffic.Exchange, 0, len(rows))
	for i := range rows {
		out = append(out, fromRow(&rows[i]))
	}
	return out, nil
}

// Count 返回已记录的交换数量
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&exchangeRow{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count exchanges: %w", err)
	}
	return n, nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(seq int64, ex traffic.Exchange) exchangeRow {
	row := exchangeRow{Seq: seq, Error: ex.Error}
	if req := ex.Request; req != nil {
		row.RequestID = req.ID
		row.NetworkID = req.NetworkID
		row.FrameID = req.FrameID
		row.URL = req.URL
		row.Method = req.Method
		row.ResourceType = req.ResourceType
		row.RequestHeaders = req.Headers
		row.RequestBody = req.Body
	}
	if res := ex.Response; res != nil {
		row.HasResponse = true
		row.StatusCode = res.StatusCode
		row.ResponseHeaders = res.Headers
		row.ResponseBody = res.Body
	}
	return row
}

func fromRow(row *exchangeRow) traffic.Exchange {
	req := traffic.NewRequest()
	req.ID = row.RequestID
	req.NetworkID = row.NetworkID
	req.FrameID = row.FrameID
	req.URL = row.URL
	req.Method = row.Method
	req.ResourceType = row.ResourceType
	req.Body = row.RequestBody
	for k, v := range row.RequestHeaders {
		req.Headers.Set(k, v)
	}

	ex := traffic.Exchange{Seq: row.Seq, Request: req, Error: row.Error}
	if row.HasResponse {
		res := traffic.NewResponse()
		res.StatusCode = row.StatusCode
		res.Body = row.ResponseBody
		for k, v := range row.ResponseHeaders {
			res.Headers.Set(k, v)
		}
		ex.Response = res
	}
	return ex
}
