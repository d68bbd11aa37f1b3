package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// sqlCapture records every statement gorm renders.
type sqlCapture struct {
	logger.Interface
	mu  sync.Mutex
	sql []string
}

func (c *sqlCapture) LogMode(logger.LogLevel) logger.Interface { return c }

func (c *sqlCapture) Trace(_ context.Context, _ time.Time, fc func() (string, int64), _ error) {
	sql, _ := fc()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sql = append(c.sql, sql)
}

func (c *sqlCapture) statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sql...)
}

// dryRunPostgres renders SQL with the Postgres dialect without a server.
func dryRunPostgres(t *testing.T) (*gorm.DB, *sqlCapture) {
	t.Helper()
	capture := &sqlCapture{Interface: logger.Discard}
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN: "host=localhost user=points dbname=points sslmode=disable",
	}), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
		Logger:               capture,
	})
	require.NoError(t, err)
	return db, capture
}

func TestClients_LockRowsInsideTransactions(t *testing.T) {
	// GIVEN: The clients store on the Postgres dialect
	// WHEN: Clients are read outside and inside a transaction
	// THEN: Only transactional reads lock the row, so referrer moves queue

	db, capture := dryRunPostgres(t)
	ctx := context.Background()

	plain := &Clients{db: db}
	_, err := plain.Get(ctx, "c1")
	require.NoError(t, err)

	tx := plain.within(db)
	_, err = tx.Get(ctx, "c1")
	require.NoError(t, err)
	_, err = tx.GetByReferralCode(ctx, "REF-c1")
	require.NoError(t, err)

	sql := capture.statements()
	require.Len(t, sql, 3)
	assert.NotContains(t, sql[0], "FOR UPDATE")
	assert.Contains(t, sql[1], "FOR UPDATE")
	assert.Contains(t, sql[2], "FOR UPDATE")
}

func TestEntries_LockClientInsideTransactions(t *testing.T) {
	db, capture := dryRunPostgres(t)
	ctx := context.Background()

	_, err := (&entries{db: db}).LockClient(ctx, "c1")
	require.NoError(t, err)
	_, err = (&entries{db: db, locking: true}).LockClient(ctx, "c1")
	require.NoError(t, err)

	sql := capture.statements()
	require.Len(t, sql, 2)
	assert.NotContains(t, sql[0], "FOR UPDATE")
	assert.Contains(t, sql[1], "FOR UPDATE")
}
