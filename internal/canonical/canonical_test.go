package canonical

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() Record {
	return Record{
		ID:             "e1",
		Timestamp:      time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		EventType:      "PHI_ACCESS",
		UserID:         "u-42",
		UserRole:       "physician",
		ResourceType:   "Patient",
		ResourceID:     "p-7",
		FieldsAccessed: []string{"first_name", "diagnosis"},
		Purpose:        "treatment",
		Outcome:        "SUCCESS",
		IPAddress:      "10.0.0.5",
		SessionID:      "s-1",
		Details:        map[string]string{"b": "2", "a": "1"},
	}
}

func TestEncode(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		a, err := Encode(SchemaVersion, sampleRecord())
		require.NoError(t, err)
		b, err := Encode(SchemaVersion, sampleRecord())
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("details sorted by key", func(t *testing.T) {
		encoded, err := Encode(SchemaVersion, sampleRecord())
		require.NoError(t, err)
		assert.Contains(t, encoded, "|details=a=1&b=2")
	})

	t.Run("separators cannot be forged by field content", func(t *testing.T) {
		r := sampleRecord()
		r.Purpose = "treatment|outcome=DENIED"
		encoded, err := Encode(SchemaVersion, r)
		require.NoError(t, err)
		assert.Equal(t, 1, strings.Count(encoded, "|outcome="))
	})

	t.Run("unknown schema version", func(t *testing.T) {
		_, err := Encode(2, sampleRecord())
		assert.Error(t, err)
	})
}

func TestHash(t *testing.T) {
	t.Run("stable for identical input", func(t *testing.T) {
		a, err := Hash(SchemaVersion, sampleRecord(), GenesisHash)
		require.NoError(t, err)
		b, err := Hash(SchemaVersion, sampleRecord(), GenesisHash)
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Len(t, a, 64)
	})

	t.Run("changes with any hashed field", func(t *testing.T) {
		base, err := Hash(SchemaVersion, sampleRecord(), GenesisHash)
		require.NoError(t, err)

		mutations := map[string]func(*Record){
			"user":    func(r *Record) { r.UserID = "u-43" },
			"outcome": func(r *Record) { r.Outcome = "DENIED" },
			"fields":  func(r *Record) { r.FieldsAccessed = []string{"diagnosis"} },
			"details": func(r *Record) { r.Details["a"] = "changed" },
			"time":    func(r *Record) { r.Timestamp = r.Timestamp.Add(time.Nanosecond) },
		}
		for name, mutate := range mutations {
			t.Run(name, func(t *testing.T) {
				r := sampleRecord()
				mutate(&r)
				h, err := Hash(SchemaVersion, r, GenesisHash)
				require.NoError(t, err)
				assert.NotEqual(t, base, h)
			})
		}
	})

	t.Run("changes with previous hash", func(t *testing.T) {
		a, err := Hash(SchemaVersion, sampleRecord(), GenesisHash)
		require.NoError(t, err)
		b, err := Hash(SchemaVersion, sampleRecord(), a)
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})
}
