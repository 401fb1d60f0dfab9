package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	id := New()
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())
	assert.NotEqual(t, id, New())
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("wh_")
	assert.True(t, strings.HasPrefix(id, "wh_"))
	assert.Len(t, id, len("wh_")+24)
	assert.NotContains(t, id[3:], "-")
}

func TestHex(t *testing.T) {
	assert.Len(t, Hex(32), 64)
	assert.NotEqual(t, Hex(16), Hex(16))
}
