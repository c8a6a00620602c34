package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationSet(t *testing.T) {
	source := NewMigrationSource("")

	require.NoError(t, source.Validate())

	files, err := source.List()
	require.NoError(t, err)
	require.NotEmpty(t, files)

	// Every migration ships as an up/down pair.
	assert.Zero(t, len(files)%2, "expected paired up/down files, got %d", len(files))
	assert.Equal(t, "001_schema.down.sql", files[0])
	assert.Equal(t, "001_schema.up.sql", files[1])
}

func TestMigrationSourceDirectoryOverride(t *testing.T) {
	writeMigrations := func(t *testing.T, names ...string) string {
		t.Helper()
		dir := t.TempDir()
		for _, name := range names {
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o600))
		}
		return dir
	}

	t.Run("valid pair", func(t *testing.T) {
		dir := writeMigrations(t, "001_init.up.sql", "001_init.down.sql")
		assert.NoError(t, NewMigrationSource(dir).Validate())
	})

	t.Run("empty directory", func(t *testing.T) {
		dir := writeMigrations(t)
		err := NewMigrationSource(dir).Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no migration files")
	})

	t.Run("orphaned up migration", func(t *testing.T) {
		dir := writeMigrations(t, "001_init.up.sql", "001_init.down.sql", "002_more.up.sql")
		err := NewMigrationSource(dir).Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing down migration for 002_more")
	})

	t.Run("orphaned down migration", func(t *testing.T) {
		dir := writeMigrations(t, "001_init.down.sql")
		err := NewMigrationSource(dir).Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing up migration for 001_init")
	})

	t.Run("sequence gap", func(t *testing.T) {
		dir := writeMigrations(t, "001_init.up.sql", "001_init.down.sql", "003_late.up.sql", "003_late.down.sql")
		err := NewMigrationSource(dir).Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "gap in migration sequence")
	})

	t.Run("sequence must start at 001", func(t *testing.T) {
		dir := writeMigrations(t, "002_init.up.sql", "002_init.down.sql")
		err := NewMigrationSource(dir).Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "should start with 001")
	})

	t.Run("non-conforming files are ignored", func(t *testing.T) {
		dir := writeMigrations(t, "001_init.up.sql", "001_init.down.sql", "README.md", "seed.sql")
		source := NewMigrationSource(dir)
		files, err := source.List()
		require.NoError(t, err)
		assert.Equal(t, []string{"001_init.down.sql", "001_init.up.sql"}, files)
	})
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		filename string
		want     *MigrationInfo
		wantErr  bool
	}{
		{
			filename: "001_schema.up.sql",
			want:     &MigrationInfo{Sequence: 1, Name: "schema", Direction: "up", Filename: "001_schema.up.sql"},
		},
		{
			filename: "011_outbox_join.down.sql",
			want:     &MigrationInfo{Sequence: 11, Name: "outbox_join", Direction: "down", Filename: "011_outbox_join.down.sql"},
		},
		{filename: "1_schema.up.sql", wantErr: true},
		{filename: "001_schema.sql", wantErr: true},
		{filename: "001-schema.up.sql", wantErr: true},
		{filename: "001_schema.up.sql.bak", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			got, err := parseMigrationFilename(tt.filename)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
