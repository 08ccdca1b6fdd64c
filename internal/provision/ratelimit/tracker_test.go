package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedTracker(cfg Config) *Tracker {
	return NewTracker(cfg, []Seed{
		{CredentialID: "cred-a", OwnerUserID: "user-1", Pool: false, Active: true},
		{CredentialID: "cred-pool", OwnerUserID: "ops", Pool: true, Active: true},
	})
}

func TestTracker_OptimisticDefault(t *testing.T) {
	tr := seedTracker(Config{DefaultCallLimit: 500})

	// No usage observed yet: full optimistic quota, never exhausted.
	assert.Equal(t, 500, tr.Available("cred-a"))
	assert.False(t, tr.IsExhausted("cred-a"))
	assert.False(t, tr.IsSaturated("cred-a"))

	// Unknown credentials also get the default.
	assert.Equal(t, 500, tr.Available("cred-unknown"))
}

func TestTracker_RecordUsage(t *testing.T) {
	tr := seedTracker(Config{})
	reset := time.Now().Add(time.Hour)

	tr.RecordUsage("cred-a", 950, 1000, reset)

	assert.Equal(t, 50, tr.Available("cred-a"))
	assert.True(t, tr.IsSaturated("cred-a"))
	assert.True(t, tr.IsExhausted("cred-a"))
}

func TestTracker_StaleWindowIgnored(t *testing.T) {
	tr := seedTracker(Config{})
	newWindow := time.Now().Add(time.Hour)
	oldWindow := newWindow.Add(-time.Hour)

	tr.RecordUsage("cred-a", 10, 1000, newWindow)
	// A delayed response from the previous window arrives afterwards.
	tr.RecordUsage("cred-a", 990, 1000, oldWindow)

	assert.Equal(t, 990, tr.Available("cred-a"))
	assert.False(t, tr.IsExhausted("cred-a"))
}

func TestTracker_SameWindowLastObservedWins(t *testing.T) {
	tr := seedTracker(Config{})
	reset := time.Now().Add(time.Hour)

	tr.RecordUsage("cred-a", 100, 1000, reset)
	tr.RecordUsage("cred-a", 200, 1000, reset)

	assert.Equal(t, 800, tr.Available("cred-a"))
}

func TestTracker_Tick(t *testing.T) {
	tr := seedTracker(Config{})

	now := time.Now()
	tr.nowFunc = func() time.Time { return now }

	tr.RecordUsage("cred-a", 990, 1000, now.Add(-time.Minute))
	tr.RecordUsage("cred-pool", 500, 1000, now.Add(time.Hour))
	require.True(t, tr.IsExhausted("cred-a"))

	tr.Tick()

	// Elapsed window: counter reset, credential usable again.
	assert.False(t, tr.IsExhausted("cred-a"))
	assert.Equal(t, 1000, tr.Available("cred-a"))

	// Live window untouched.
	assert.Equal(t, 500, tr.Available("cred-pool"))
}

func TestTracker_SnapshotAll(t *testing.T) {
	tr := NewTracker(Config{}, []Seed{
		{CredentialID: "cred-a", OwnerUserID: "user-1", Active: true},
		{CredentialID: "cred-dead", OwnerUserID: "user-2", Active: false},
	})

	snaps := tr.SnapshotAll()
	require.Len(t, snaps, 1)
	assert.Equal(t, "cred-a", snaps[0].CredentialID)
	assert.Equal(t, 1000, snaps[0].Remaining())
}

func TestSnapshot_Ratio(t *testing.T) {
	assert.Equal(t, 0.5, Snapshot{Used: 500, Limit: 1000}.Ratio())
	// A zero limit counts as fully used, never a divide-by-zero.
	assert.Equal(t, 1.0, Snapshot{Used: 0, Limit: 0}.Ratio())
}
