package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimit(t *testing.T) {
	assert.Equal(t, DefaultPageSize, Pagination{}.Limit())
	assert.Equal(t, 7, Pagination{PageSize: 7}.Limit())
	assert.Equal(t, MaxPageSize, Pagination{PageSize: 10_000}.Limit())
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	cursor, err := DecodeCursor("")
	require.NoError(t, err)
	assert.Nil(t, cursor)

	_, err = DecodeCursor("%%%")
	assert.ErrorIs(t, err, ErrInvalidToken)

	token, err := EncodeCursor(Cursor{CreatedAt: "2026-01-01T00:00:00Z"})
	require.NoError(t, err)
	_, err = DecodeCursor(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPage(t *testing.T) {
	extract := func(v string) Cursor { return Cursor{ID: v} }

	rows, info, err := Page([]string{"a", "b"}, 2, extract)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, rows)
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextPageToken)

	rows, info, err = Page([]string{"a", "b", "c"}, 2, extract)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, rows)
	assert.True(t, info.HasMore)

	cursor, err := DecodeCursor(info.NextPageToken)
	require.NoError(t, err)
	assert.Equal(t, "b", cursor.ID)
}
