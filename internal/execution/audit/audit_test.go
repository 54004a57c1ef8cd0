package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tradsys/execution-core/internal/execution/domain"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	return db
}

func TestGormAuditLog_AppendAndForStrategy(t *testing.T) {
	log, err := NewGormAuditLog(openTestDB(t), zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, log.Append(ctx, domain.OrderLogEntry{
		ID: "o1", StrategyID: "s1", UserID: "u1", Kind: domain.EventBuy, Price: 100, Quantity: 10, CreatedAt: time.Now(),
	}))
	require.NoError(t, log.Append(ctx, domain.OrderLogEntry{
		ID: "o2", StrategyID: "s1", UserID: "u1", Kind: domain.EventSell, Price: 105, Quantity: 10, CreatedAt: time.Now(),
	}))
	require.NoError(t, log.Append(ctx, domain.OrderLogEntry{
		ID: "o3", StrategyID: "s2", UserID: "u2", Kind: domain.EventBuy, Price: 50, Quantity: 5, CreatedAt: time.Now(),
	}))

	entries, err := log.ForStrategy(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "o1", entries[0].ID)
	assert.Equal(t, "o2", entries[1].ID)
}
