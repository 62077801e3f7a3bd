// Package testutil holds shared fixtures for package tests.
package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/jamcrm/api/internal/config"
	"github.com/jamcrm/api/internal/logger"
	"github.com/jamcrm/api/internal/model"
	"github.com/jamcrm/api/internal/store"
)

// NewDB opens a private in-memory SQLite database with the schema applied.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.New().String())
	db, err := store.Open(config.DatabaseConfig{Driver: "sqlite", DSN: dsn}, logger.Nop())
	require.NoError(t, err, "open sqlite")
	require.NoError(t, store.Migrate(db), "migrate")

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// SeedCollection creates a collection whose members are companies
// firstID..firstID+n-1.
func SeedCollection(t *testing.T, members *store.MembershipStore, name string, firstID int64, n int) (*model.Collection, []int64) {
	t.Helper()
	ctx := context.Background()

	c, err := members.CreateCollection(ctx, name)
	require.NoError(t, err)

	ids := make([]int64, 0, n)
	companies := make([]model.Company, 0, n)
	for i := 0; i < n; i++ {
		id := firstID + int64(i)
		ids = append(ids, id)
		companies = append(companies, model.Company{ID: id, CompanyName: fmt.Sprintf("Company %d", id)})
	}
	require.NoError(t, members.UpsertCompanies(ctx, companies))
	require.NoError(t, members.AddMembers(ctx, c.ID, ids))
	return c, ids
}
