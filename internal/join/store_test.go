package join

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaydb/relaydb/internal/dbkit"
)

func TestStore_TableNames_HonorOverrides(t *testing.T) {
	t.Parallel()

	cfg := dbkit.DefaultStoreConfig()
	cfg.SchemaName = "infra"
	cfg.TableNames = map[string]string{
		"outbox_join":        "tenant_a_join",
		"outbox_join_member": "tenant_a_join_member",
	}

	s := NewStore(nil, cfg, nil, nil)
	assert.Equal(t, `"infra"."tenant_a_join"`, s.joinTable())
	assert.Equal(t, `"infra"."tenant_a_join_member"`, s.memberTable())
}
