package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaydb/relaydb/internal/dbkit"
)

func TestStatements_QualifyWithSchemaAndOverrides(t *testing.T) {
	t.Parallel()

	cfg := dbkit.DefaultStoreConfig()
	cfg.SchemaName = "tenant_a"
	cfg.TableNames = map[string]string{"outbox": "custom_outbox"}

	stmts, err := statements(cfg)
	assert.NoError(t, err)
	assert.NotEmpty(t, stmts)

	joined := strings.Join(stmts, "\n")
	assert.Contains(t, joined, `"tenant_a"."custom_outbox"`)
	assert.Contains(t, joined, `"tenant_a"."jobs"`)
	assert.Contains(t, joined, `CREATE SCHEMA IF NOT EXISTS "tenant_a"`)
}

func TestStatements_CoverEveryCanonicalTable(t *testing.T) {
	t.Parallel()

	cfg := dbkit.DefaultStoreConfig()

	stmts, err := statements(cfg)
	assert.NoError(t, err)

	joined := strings.Join(stmts, "\n")
	for _, table := range CanonicalTables {
		assert.Contains(t, joined, `"`+table+`"`, "missing DDL for table %s", table)
	}
}
