package chainstore_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	phivault "github.com/careport/phivault"
	"github.com/careport/phivault/internal/canonical"
	"github.com/careport/phivault/internal/chainstore"
)

func openStore(t *testing.T) *chainstore.Store {
	t.Helper()
	store, err := chainstore.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func storedEntry(i int, prev string) *phivault.AuditLogEntry {
	return &phivault.AuditLogEntry{
		ID:              fmt.Sprintf("id-%d", i),
		OpID:            fmt.Sprintf("op-%d", i),
		SchemaVersion:   canonical.SchemaVersion,
		Timestamp:       time.Date(2026, 5, 1, 12, 0, i, 0, time.UTC),
		EventType:       phivault.EventPHIAccess,
		UserID:          fmt.Sprintf("u-%d", i%2),
		UserRole:        "physician",
		ResourceType:    "Patient",
		ResourceID:      "p-1",
		FieldsAccessed:  []string{"diagnosis"},
		Purpose:         "treatment",
		Outcome:         phivault.OutcomeSuccess,
		IPAddress:       "10.0.0.1",
		SessionID:       "s-1",
		Details:         map[string]string{"k": "v"},
		LogHash:         fmt.Sprintf("%064d", i),
		PreviousLogHash: prev,
	}
}

func seed(t *testing.T, store *chainstore.Store, n int) []*phivault.AuditLogEntry {
	t.Helper()
	ctx := context.Background()
	prev := canonical.GenesisHash
	entries := make([]*phivault.AuditLogEntry, 0, n)
	for i := 1; i <= n; i++ {
		e := storedEntry(i, prev)
		require.NoError(t, store.AppendEntry(ctx, e, prev))
		prev = e.LogHash
		entries = append(entries, e)
	}
	return entries
}

func TestStore_AppendEntry(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns contiguous sequence numbers", func(t *testing.T) {
		store := openStore(t)
		entries := seed(t, store, 3)
		for i, e := range entries {
			assert.Equal(t, int64(i+1), e.Seq)
		}

		tail, err := store.TailHash(ctx)
		require.NoError(t, err)
		assert.Equal(t, entries[2].LogHash, tail)
	})

	t.Run("stale tail is rejected", func(t *testing.T) {
		store := openStore(t)
		entries := seed(t, store, 2)

		// Chaining against the first entry's hash after the second landed
		// must fail: the durable tail has moved.
		stale := storedEntry(9, entries[0].LogHash)
		err := store.AppendEntry(ctx, stale, entries[0].LogHash)
		assert.ErrorIs(t, err, chainstore.ErrTailConflict)

		// The failed transaction must not have left a row behind.
		all, err := store.EntriesBySeq(ctx, 1, 0)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("round trips all fields", func(t *testing.T) {
		store := openStore(t)
		want := seed(t, store, 1)[0]

		got, err := store.FindByOpID(ctx, want.OpID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, *want, *got)
	})
}

func TestStore_TimeBoundaries(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	// Fractional timestamps inside the boundary seconds: the stored TEXT
	// representation must still sort so that 10:00:00.5 >= 10:00:00 and
	// 11:00:00.25 >= 11:00:00.
	stamps := []time.Time{
		time.Date(2026, 8, 26, 10, 0, 0, 500_000_000, time.UTC),
		time.Date(2026, 8, 26, 10, 30, 0, 0, time.UTC),
		time.Date(2026, 8, 26, 11, 0, 0, 250_000_000, time.UTC),
	}
	prev := canonical.GenesisHash
	for i, ts := range stamps {
		e := storedEntry(i+1, prev)
		e.Timestamp = ts
		require.NoError(t, store.AppendEntry(ctx, e, prev))
		prev = e.LogHash
	}

	from := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	to := time.Date(2026, 8, 26, 11, 0, 0, 0, time.UTC)

	t.Run("entries in the period's first second are included", func(t *testing.T) {
		got, err := store.EntriesInRange(ctx, from, to)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, stamps[0], got[0].Timestamp)
		assert.Equal(t, stamps[1], got[1].Timestamp)
	})

	t.Run("entries in the end second stay excluded", func(t *testing.T) {
		got, err := store.EntriesInRange(ctx, time.Date(2026, 8, 26, 10, 30, 0, 0, time.UTC), to)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, stamps[1], got[0].Timestamp)
	})

	t.Run("filtered entries honor the same boundaries", func(t *testing.T) {
		got, err := store.Entries(ctx, phivault.EntryFilter{From: from, To: to})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
}

func TestStore_Queries(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	entries := seed(t, store, 6)

	t.Run("find by unknown op id", func(t *testing.T) {
		got, err := store.FindByOpID(ctx, "op-nope")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("entries by seq range", func(t *testing.T) {
		got, err := store.EntriesBySeq(ctx, 2, 4)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, int64(2), got[0].Seq)
		assert.Equal(t, int64(4), got[2].Seq)
	})

	t.Run("entries by seq open end", func(t *testing.T) {
		got, err := store.EntriesBySeq(ctx, 5, 0)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("entries in time range is half open", func(t *testing.T) {
		from := entries[1].Timestamp
		to := entries[3].Timestamp
		got, err := store.EntriesInRange(ctx, from, to)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, entries[1].ID, got[0].ID)
		assert.Equal(t, entries[2].ID, got[1].ID)
	})

	t.Run("entries filtered by user, recent first", func(t *testing.T) {
		got, err := store.Entries(ctx, phivault.EntryFilter{UserID: "u-1"})
		require.NoError(t, err)
		require.NotEmpty(t, got)
		for i, e := range got {
			assert.Equal(t, "u-1", e.UserID)
			if i > 0 {
				assert.Greater(t, got[i-1].Seq, e.Seq)
			}
		}
	})

	t.Run("recent activities honors limit and offset", func(t *testing.T) {
		first, err := store.RecentActivities(ctx, phivault.ActivityFilter{Limit: 2})
		require.NoError(t, err)
		require.Len(t, first, 2)
		assert.Equal(t, int64(6), first[0].Seq)

		next, err := store.RecentActivities(ctx, phivault.ActivityFilter{Limit: 2, Offset: 2})
		require.NoError(t, err)
		require.Len(t, next, 2)
		assert.Equal(t, int64(4), next[0].Seq)
	})

	t.Run("recent activities filters by event type", func(t *testing.T) {
		got, err := store.RecentActivities(ctx, phivault.ActivityFilter{EventType: phivault.EventLogin})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}
