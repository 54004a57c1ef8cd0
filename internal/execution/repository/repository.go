// Package repository persists StrategyConfig across restarts: the
// RuntimeStore only ever holds residents in memory, so every strategy an
// operator creates must also land here for cold start recovery to find it.
package repository

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tradsys/execution-core/internal/execution/domain"
)

// StrategyRepository is the durable store of strategy configuration.
type StrategyRepository interface {
	Create(ctx context.Context, cfg domain.StrategyConfig) error
	Update(ctx context.Context, cfg domain.StrategyConfig) error
	Get(ctx context.Context, id string) (domain.StrategyConfig, error)
	UpdateLifecycle(ctx context.Context, id string, lifecycle domain.Lifecycle) error
	ListActive(ctx context.Context) ([]domain.StrategyConfig, error)
	Delete(ctx context.Context, id string) error
}

// strategyRow is the table's lifecycle column, not otherwise carried on
// domain.StrategyConfig — the repository is the only place that needs it
// to filter ListActive, so it stays local to this package.
type strategyRow struct {
	domain.StrategyConfig
	Lifecycle domain.Lifecycle `gorm:"index"`
	Deleted   bool             `gorm:"index"`
}

func (strategyRow) TableName() string { return "strategies" }

// GormRepository is the postgres-backed StrategyRepository.
type GormRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormRepository wires a GormRepository over db, running its auto
// migration for the strategies table.
func NewGormRepository(db *gorm.DB, logger *zap.Logger) (*GormRepository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&strategyRow{}); err != nil {
		return nil, fmt.Errorf("repository: auto migrate: %w", err)
	}
	return &GormRepository{db: db, logger: logger}, nil
}

func (r *GormRepository) Create(ctx context.Context, cfg domain.StrategyConfig) error {
	row := strategyRow{StrategyConfig: cfg, Lifecycle: domain.LifecycleCreated}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("%w: %s", domain.ErrBackingStoreDown, err.Error())
	}
	return nil
}

func (r *GormRepository) Update(ctx context.Context, cfg domain.StrategyConfig) error {
	result := r.db.WithContext(ctx).Model(&strategyRow{}).
		Where("id = ? AND deleted = ?", cfg.ID, false).
		Updates(cfg)
	if result.Error != nil {
		return fmt.Errorf("%w: %s", domain.ErrBackingStoreDown, result.Error.Error())
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormRepository) Get(ctx context.Context, id string) (domain.StrategyConfig, error) {
	var row strategyRow
	err := r.db.WithContext(ctx).Where("id = ? AND deleted = ?", id, false).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.StrategyConfig{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.StrategyConfig{}, fmt.Errorf("%w: %s", domain.ErrBackingStoreDown, err.Error())
	}
	return row.StrategyConfig, nil
}

func (r *GormRepository) UpdateLifecycle(ctx context.Context, id string, lifecycle domain.Lifecycle) error {
	result := r.db.WithContext(ctx).Model(&strategyRow{}).
		Where("id = ?", id).
		Update("lifecycle", lifecycle)
	if result.Error != nil {
		return fmt.Errorf("%w: %s", domain.ErrBackingStoreDown, result.Error.Error())
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListActive returns every strategy not in a terminal lifecycle and not
// soft-deleted, for scheduler recovery on cold start.
func (r *GormRepository) ListActive(ctx context.Context) ([]domain.StrategyConfig, error) {
	var rows []strategyRow
	err := r.db.WithContext(ctx).
		Where("deleted = ? AND lifecycle NOT IN ?", false, []domain.Lifecycle{
			domain.LifecycleSold, domain.LifecycleExitedBySL, domain.LifecycleStopped, domain.LifecycleFailed,
		}).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrBackingStoreDown, err.Error())
	}
	out := make([]domain.StrategyConfig, len(rows))
	for i, row := range rows {
		out[i] = row.StrategyConfig
	}
	return out, nil
}

func (r *GormRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Model(&strategyRow{}).Where("id = ?", id).Update("deleted", true)
	if result.Error != nil {
		return fmt.Errorf("%w: %s", domain.ErrBackingStoreDown, result.Error.Error())
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
