package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	applied, latest, err := Status(ctx, conn)
	require.NoError(t, err)
	assert.Zero(t, applied)
	assert.GreaterOrEqual(t, latest, 1)

	require.NoError(t, Migrate(ctx, conn))
	require.NoError(t, Migrate(ctx, conn))

	applied, latest, err = Status(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, latest, applied)

	var n int
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, latest, n)
}

func TestCountedReportIndexIsPartial(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, Migrate(ctx, conn))

	_, err = conn.ExecContext(ctx, `INSERT INTO actors(id, created_at) VALUES ('u','2024-01-01T00:00:00Z')`)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `INSERT INTO indicators(id,name,reporting_frequency,targets_json,created_at) VALUES ('i','I','mensual','[]','2024-01-01T00:00:00Z')`)
	require.NoError(t, err)

	insert := func(id, status string) error {
		_, err := conn.ExecContext(ctx, `INSERT INTO progress_reports(id,indicator_id,subject_key,period_type,period,current_value,target_value,status,reported_by,version,created_at,updated_at)
VALUES (?,'i','indicator:i','mensual','2024-02',1,1,?,'u',1,'t','t')`, id, status)
		return err
	}
	require.NoError(t, insert("r1", "DRAFT"))
	require.NoError(t, insert("r2", "DRAFT"))
	require.NoError(t, insert("r3", "SUBMITTED"))
	require.NoError(t, insert("r4", "REJECTED"))
	require.Error(t, insert("r5", "APPROVED"))
}
