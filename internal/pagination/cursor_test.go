package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	encoded := Encode(42, 3)
	assert.NotEmpty(t, encoded)

	cursor, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, Cursor{Seq: 42, Index: 3}, *cursor)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	for _, s := range []string{
		"not-base64!!!",
		"bm9waXBl",   // "nopipe"
		"YWJjfDE",    // "abc|1"
		"MXwtMQ",     // "1|-1"
		"MXxub3Bl",   // "1|nope"
	} {
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalidCursor, s)
	}
}

type rec struct {
	seq uint64
	idx int
}

func position(r rec) (uint64, int) { return r.seq, r.idx }

func TestComputePage_HasMore(t *testing.T) {
	items := []rec{{1, 0}, {2, 0}, {2, 1}}

	page, next, more := ComputePage(items, 2, position)
	assert.True(t, more)
	assert.Len(t, page, 2)

	cursor, err := Decode(next)
	require.NoError(t, err)
	// Resumes at the second record of commit 2.
	assert.Equal(t, Cursor{Seq: 2, Index: 1}, *cursor)
}

func TestComputePage_LastPage(t *testing.T) {
	items := []rec{{1, 0}, {2, 0}}

	page, next, more := ComputePage(items, 2, position)
	assert.False(t, more)
	assert.Empty(t, next)
	assert.Len(t, page, 2)
}
