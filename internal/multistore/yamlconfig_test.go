package multistore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadStoreConfigsFromYAML_AppliesDefaultsAndOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "stores.yaml")

	const doc = `
stores:
  - identifier: tenant-a
    connectionString: postgres://tenant-a/db
  - identifier: tenant-b
    connectionString: postgres://tenant-b/db
    schemaName: tenant_b_schema
    enableAutomaticCleanup: false
    retentionPeriod: 24h
`

	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	configs, err := LoadStoreConfigsFromYAML(path)
	require.NoError(t, err)
	require.Len(t, configs, 2)

	assert.Equal(t, "tenant-a", configs[0].Identifier)
	assert.Equal(t, "postgres://tenant-a/db", configs[0].ConnectionString)
	assert.Equal(t, "infra", configs[0].SchemaName)
	assert.True(t, configs[0].EnableAutomaticCleanup)

	assert.Equal(t, "tenant_b_schema", configs[1].SchemaName)
	assert.False(t, configs[1].EnableAutomaticCleanup)
	assert.Equal(t, 24*60*60*1e9, float64(configs[1].RetentionPeriod))
}

func TestLoadStoreConfigsFromYAML_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadStoreConfigsFromYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
