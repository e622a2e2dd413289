package postgres

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrateRejectsEmptyDSN(t *testing.T) {
	err := Migrate("", "up")
	require.Error(t, err)
	require.Contains(t, err.Error(), "POSTGRES_URL")
}

func TestMigrateRejectsUnknownDirection(t *testing.T) {
	for _, direction := range []string{"", "sideways", "UP"} {
		err := Migrate("postgres://localhost/mileage", direction)
		require.Error(t, err, direction)
		require.Contains(t, err.Error(), "direction")
	}
}

func TestMigrationFSPairsUpAndDown(t *testing.T) {
	ups, err := fs.Glob(MigrationFS, "migrations/*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(MigrationFS, "migrations/*.down.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)
	require.Len(t, downs, len(ups))
}
