package migrations_test

import (
	"testing"

	"github.com/koopa0/system-design/14-fps-relay/internal/migrations"
	"github.com/koopa0/system-design/14-fps-relay/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrator_UpDown(t *testing.T) {
	testutils.SkipIfShort(t)

	dsn := testutils.StartPostgres(t)

	m, err := migrations.New(dsn, testutils.Logger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	require.NoError(t, m.Up())
	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// 重複執行不報錯
	require.NoError(t, m.Up())

	require.NoError(t, m.Down())
	require.NoError(t, m.Down())

	// 回滾後可重新建立
	require.NoError(t, migrations.Run(dsn, testutils.Logger()))
}
