package cleanup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/relaydb/relaydb/internal/dbkit"
)

func TestDeleteStatements_CoverEveryTerminalTable(t *testing.T) {
	t.Parallel()

	cfg := dbkit.DefaultStoreConfig()
	cutoff := time.Now()

	stmts := deleteStatements(cfg, cutoff)

	tables := make(map[string]bool)
	for _, s := range stmts {
		tables[s.table] = true
		assert.NotEmpty(t, s.query)
	}

	for _, want := range []string{"outbox", "inbox", "job_runs", "timers", "outbox_join"} {
		assert.True(t, tables[want], "missing delete statement for %s", want)
	}
}

func TestNewService_DefaultsLogger(t *testing.T) {
	t.Parallel()

	s := NewService(nil, nil)
	assert.NotNil(t, s.logger)
}
