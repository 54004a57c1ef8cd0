// Package audit persists the append-only order log every execution
// engine worker writes one entry to per attempted order.
package audit

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tradsys/execution-core/internal/execution/domain"
)

// AuditLog is the durable sink for order attempts.
type AuditLog interface {
	Append(ctx context.Context, entry domain.OrderLogEntry) error
	ForStrategy(ctx context.Context, strategyID string) ([]domain.OrderLogEntry, error)
}

// GormAuditLog is the postgres-backed AuditLog.
type GormAuditLog struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormAuditLog wires a GormAuditLog over db, running its auto
// migration for the order log table.
func NewGormAuditLog(db *gorm.DB, logger *zap.Logger) (*GormAuditLog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&domain.OrderLogEntry{}); err != nil {
		return nil, fmt.Errorf("audit: auto migrate: %w", err)
	}
	return &GormAuditLog{db: db, logger: logger}, nil
}

func (a *GormAuditLog) Append(ctx context.Context, entry domain.OrderLogEntry) error {
	if err := a.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("%w: %s", domain.ErrAuditSinkDown, err.Error())
	}
	return nil
}

func (a *GormAuditLog) ForStrategy(ctx context.Context, strategyID string) ([]domain.OrderLogEntry, error) {
	var entries []domain.OrderLogEntry
	err := a.db.WithContext(ctx).Where("strategy_id = ?", strategyID).Order("created_at asc").Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrAuditSinkDown, err.Error())
	}
	return entries, nil
}
