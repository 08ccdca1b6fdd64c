package handler

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamvh/ads-provisioner/internal/api/storage"
)

func TestJobCursorRoundTrip(t *testing.T) {
	cursor := &storage.JobCursor{
		CreatedAt: time.Date(2026, 8, 24, 10, 30, 0, 123456789, time.UTC),
		JobID:     "6f1c9a2e-4b3d-4c5e-8f7a-1b2c3d4e5f60",
	}

	encoded, err := EncodeJobCursor(cursor)
	require.NoError(t, err)

	decoded, err := DecodeJobCursor(encoded)
	require.NoError(t, err)
	assert.Equal(t, cursor.JobID, decoded.JobID)
	assert.True(t, cursor.CreatedAt.Equal(decoded.CreatedAt))
}

func TestDecodeJobCursor_Empty(t *testing.T) {
	decoded, err := DecodeJobCursor("")
	require.NoError(t, err)
	assert.Nil(t, decoded)
}

func TestDecodeJobCursor_Invalid(t *testing.T) {
	_, err := DecodeJobCursor("not-base64!!")
	assert.Error(t, err)

	_, err = DecodeJobCursor(base64.StdEncoding.EncodeToString([]byte("missing-separator")))
	assert.Error(t, err)

	_, err = DecodeJobCursor(base64.StdEncoding.EncodeToString([]byte("abc|job-1")))
	assert.Error(t, err)
}
