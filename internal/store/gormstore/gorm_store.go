package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"optguard/internal/store"
	storemodel "optguard/internal/store/model"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormStore implements decision audit storage using Gorm + SQLite.
type GormStore struct {
	db *gorm.DB
}

var _ store.DecisionStore = (*GormStore)(nil)

// NewGormStore initializes a new GormStore instance.
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: 决策审计路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&storemodel.DecisionModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL：HTTP 读与决策写并发时保持少量连接。
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) InsertDecision(ctx context.Context, rec store.DecisionRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	if strings.TrimSpace(rec.TraceID) == "" {
		return fmt.Errorf("decision record requires trace_id")
	}
	m, err := toModel(rec)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

func (s *GormStore) ListDecisions(ctx context.Context, q store.DecisionQuery) ([]store.DecisionRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	query := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit).Offset(offset)
	if sym := strings.ToUpper(strings.TrimSpace(q.Symbol)); sym != "" {
		query = query.Where("symbol = ?", sym)
	}
	if kind := strings.TrimSpace(q.Kind); kind != "" {
		query = query.Where("kind = ?", kind)
	}
	var models []storemodel.DecisionModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.DecisionRecord, 0, len(models))
	for _, m := range models {
		out = append(out, fromModel(m))
	}
	return out, nil
}

func (s *GormStore) GetDecision(ctx context.Context, traceID string) (store.DecisionRecord, error) {
	if s == nil || s.db == nil {
		return store.DecisionRecord{}, fmt.Errorf("gorm store 未初始化")
	}
	var m storemodel.DecisionModel
	err := s.db.WithContext(ctx).Where("trace_id = ?", strings.TrimSpace(traceID)).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.DecisionRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.DecisionRecord{}, err
	}
	return fromModel(m), nil
}

func toModel(rec store.DecisionRecord) (storemodel.DecisionModel, error) {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var failures datatypes.JSON
	if len(rec.Failures) > 0 {
		raw, err := json.Marshal(rec.Failures)
		if err != nil {
			return storemodel.DecisionModel{}, err
		}
		failures = datatypes.JSON(raw)
	}
	return storemodel.DecisionModel{
		TraceID:       rec.TraceID,
		Kind:          rec.Kind,
		Symbol:        strings.ToUpper(strings.TrimSpace(rec.Symbol)),
		PositionID:    rec.PositionID,
		Action:        rec.Action,
		Confidence:    rec.Confidence,
		ReasonTag:     rec.ReasonTag,
		Reason:        rec.Reason,
		FastPath:      rec.FastPath,
		Votes:         datatypes.JSON(rec.Votes),
		Failures:      failures,
		ElapsedMS:     rec.ElapsedMS,
		CreatedAtUnix: created.UnixMilli(),
	}, nil
}

func fromModel(m storemodel.DecisionModel) store.DecisionRecord {
	rec := store.DecisionRecord{
		TraceID:    m.TraceID,
		Kind:       m.Kind,
		Symbol:     m.Symbol,
		PositionID: m.PositionID,
		Action:     m.Action,
		Confidence: m.Confidence,
		ReasonTag:  m.ReasonTag,
		Reason:     m.Reason,
		FastPath:   m.FastPath,
		ElapsedMS:  m.ElapsedMS,
		CreatedAt:  time.UnixMilli(m.CreatedAtUnix),
	}
	if len(m.Votes) > 0 {
		rec.Votes = json.RawMessage(m.Votes)
	}
	if len(m.Failures) > 0 {
		_ = json.Unmarshal(m.Failures, &rec.Failures)
	}
	return rec
}
