package join

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoinWaitHandler_Handle_InvalidPayload(t *testing.T) {
	t.Parallel()

	h := NewJoinWaitHandler(&Store{}, true, "", "", nil)

	err := h.Handle(context.Background(), "not-json")
	assert.Error(t, err)
}
