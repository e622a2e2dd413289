package persistence

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/mileage/internal/domain"
)

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2025, time.March, 3, 10, 4, 5, 123456789, time.UTC)
	token := EncodeCursor(&domain.Cursor{At: at, ID: "2hX0abc"})
	require.NotEmpty(t, token)

	decoded, err := DecodeCursor(token)
	require.NoError(t, err)
	require.True(t, decoded.At.Equal(at))
	require.Equal(t, "2hX0abc", decoded.ID)
}

func TestDecodeCursorEmptyIsNil(t *testing.T) {
	c, err := DecodeCursor("  ")
	require.NoError(t, err)
	require.Nil(t, c)
	require.Empty(t, EncodeCursor(nil))
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("not base64!!")
	require.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestBeforeOrdersByTimeThenID(t *testing.T) {
	at := time.Now().UTC()
	c := &domain.Cursor{At: at, ID: "m"}

	require.True(t, Before(c, at.Add(-time.Second), "z"))
	require.False(t, Before(c, at.Add(time.Second), "a"))
	require.True(t, Before(c, at, "a"))
	require.False(t, Before(c, at, "m"))
	require.True(t, Before(nil, at, "anything"))
}
