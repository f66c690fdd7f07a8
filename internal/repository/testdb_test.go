package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openmx/identityd/internal/database"
	"github.com/openmx/identityd/internal/model"
)

// setupTestDB connects to the database named by TEST_DATABASE_URL, applies
// migrations and truncates the association tables. Tests are skipped when the
// variable is unset so the suite runs without a live Postgres.
func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping live database tests")
	}

	db, err := database.Connect(url)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))

	_, err = db.Exec(`
		TRUNCATE local_threepid_associations, global_threepid_associations
		RESTART IDENTITY
	`)
	require.NoError(t, err)
	return db
}

func emailAssoc(address, mxid string) *model.ThreepidAssociation {
	now := time.Now().UnixMilli()
	hash := "hash-" + address
	return &model.ThreepidAssociation{
		Medium:     model.MediumEmail,
		Address:    address,
		LookupHash: &hash,
		Mxid:       &mxid,
		Ts:         now,
		NotBefore:  now - time.Minute.Milliseconds(),
		NotAfter:   now + time.Hour.Milliseconds(),
	}
}
