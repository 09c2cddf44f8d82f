// Package store persists tunnel configurations so the registry survives
// restarts.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/houzhh15/tunnel-registry/protocol"
)

// Storage 隧道配置存储接口（抽象存储层）
type Storage interface {
	SaveTunnel(ctx context.Context, name string, config []byte) error
	GetTunnel(ctx context.Context, name string) (*StoredTunnel, error)
	DeleteTunnel(ctx context.Context, name string) error
	RenameTunnel(ctx context.Context, oldName, newName string, config []byte) error
	ListTunnels(ctx context.Context) ([]*StoredTunnel, error)
}

// StoredTunnel 持久化的隧道配置
type StoredTunnel struct {
	Name      string
	Config    []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// tunnelDBModel 数据库模型（用于 GORM）
type tunnelDBModel struct {
	ID        uint   `gorm:"primarykey"`
	Name      string `gorm:"uniqueIndex;not null"`
	Config    string `gorm:"type:text"` // wg-quick 文本
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (tunnelDBModel) TableName() string {
	return "tunnels"
}

// Open opens the sqlite database at path. ":memory:" is accepted.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return db, nil
}

// DBStore 数据库存储实现
type DBStore struct {
	db *gorm.DB
}

var _ Storage = (*DBStore)(nil)

// NewDBStore 创建数据库存储
func NewDBStore(db *gorm.DB) (*DBStore, error) {
	// 自动迁移
	if err := db.AutoMigrate(&tunnelDBModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate tunnel table: %w", err)
	}

	return &DBStore{db: db}, nil
}

// SaveTunnel 保存隧道配置，已存在则覆盖
func (s *DBStore) SaveTunnel(ctx context.Context, name string, config []byte) error {
	return save(s.db.WithContext(ctx), name, config)
}

func save(tx *gorm.DB, name string, config []byte) error {
	now := time.Now()
	model := &tunnelDBModel{
		Name:      name,
		Config:    string(config),
		CreatedAt: now,
		UpdatedAt: now,
	}

	result := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"config", "updated_at"}),
	}).Create(model)
	if result.Error != nil {
		return fmt.Errorf("save tunnel %s: %w", name, result.Error)
	}
	return nil
}

// GetTunnel 获取隧道配置
func (s *DBStore) GetTunnel(ctx context.Context, name string) (*StoredTunnel, error) {
	var model tunnelDBModel
	result := s.db.WithContext(ctx).Where("name = ?", name).First(&model)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, protocol.ErrNotFound.WithDetails("key", name)
		}
		return nil, fmt.Errorf("get tunnel %s: %w", name, result.Error)
	}

	return fromDBModel(&model), nil
}

// DeleteTunnel 删除隧道配置
func (s *DBStore) DeleteTunnel(ctx context.Context, name string) error {
	result := s.db.WithContext(ctx).Where("name = ?", name).Delete(&tunnelDBModel{})
	if result.Error != nil {
		return fmt.Errorf("delete tunnel %s: %w", name, result.Error)
	}

	if result.RowsAffected == 0 {
		return protocol.ErrNotFound.WithDetails("key", name)
	}

	return nil
}

// RenameTunnel 在同一事务中删除旧名称并写入新名称
func (s *DBStore) RenameTunnel(ctx context.Context, oldName, newName string, config []byte) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("name = ?", oldName).Delete(&tunnelDBModel{}).Error; err != nil {
			return fmt.Errorf("delete tunnel %s: %w", oldName, err)
		}
		return save(tx, newName, config)
	})
}

// ListTunnels 按名称顺序列出全部隧道配置
func (s *DBStore) ListTunnels(ctx context.Context) ([]*StoredTunnel, error) {
	var models []tunnelDBModel
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list tunnels: %w", err)
	}

	tunnels := make([]*StoredTunnel, 0, len(models))
	for i := range models {
		tunnels = append(tunnels, fromDBModel(&models[i]))
	}
	return tunnels, nil
}

// Close closes the underlying connection pool.
func (s *DBStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func fromDBModel(model *tunnelDBModel) *StoredTunnel {
	return &StoredTunnel{
		Name:      model.Name,
		Config:    []byte(model.Config),
		CreatedAt: model.CreatedAt,
		UpdatedAt: model.UpdatedAt,
	}
}
