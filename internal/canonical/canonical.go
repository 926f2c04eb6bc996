// Package canonical implements the versioned, deterministic serialization
// used to hash audit chain entries. Adding fields to the audit schema must
// happen under a new schema version so that segments written under version
// 1 still verify byte-for-byte.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// SchemaVersion is the current canonical form. Bump when the hashed field
// set changes; verification always uses the version stored on the entry.
const SchemaVersion = 1

// GenesisHash is the previous-hash value of the first chain entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Record is the hashed projection of an audit entry. Only structs, no
// map iteration order leaks into the canonical form: Details are emitted
// as sorted, escaped key=value pairs.
type Record struct {
	ID             string
	Timestamp      time.Time
	EventType      string
	UserID         string
	UserRole       string
	ResourceType   string
	ResourceID     string
	FieldsAccessed []string
	Purpose        string
	Outcome        string
	IPAddress      string
	SessionID      string
	Details        map[string]string
}

// Encode returns the canonical serialization of r under the given schema
// version. Every value is query-escaped so the field separators cannot be
// forged by field content.
func Encode(version int, r Record) (string, error) {
	if version != 1 {
		return "", fmt.Errorf("unknown canonical schema version %d", version)
	}

	fields := make([]string, len(r.FieldsAccessed))
	for i, f := range r.FieldsAccessed {
		fields[i] = url.QueryEscape(f)
	}

	var b strings.Builder
	b.WriteString("v=1")
	writePair(&b, "id", r.ID)
	writePair(&b, "ts", r.Timestamp.UTC().Format(time.RFC3339Nano))
	writePair(&b, "event", r.EventType)
	writePair(&b, "user", r.UserID)
	writePair(&b, "role", r.UserRole)
	writePair(&b, "rtype", r.ResourceType)
	writePair(&b, "rid", r.ResourceID)
	b.WriteString("|fields=")
	b.WriteString(strings.Join(fields, ","))
	writePair(&b, "purpose", r.Purpose)
	writePair(&b, "outcome", r.Outcome)
	writePair(&b, "ip", r.IPAddress)
	writePair(&b, "session", r.SessionID)
	b.WriteString("|details=")
	b.WriteString(encodeDetails(r.Details))
	return b.String(), nil
}

// Hash computes the chain hash of r: SHA-256 over the canonical form
// concatenated with the previous entry's hash, hex encoded. Modifying any
// hashed field of any entry invalidates that entry and every entry after it.
func Hash(version int, r Record, prevHash string) (string, error) {
	encoded, err := Encode(version, r)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(encoded + "|prev=" + prevHash))
	return hex.EncodeToString(sum[:]), nil
}

func writePair(b *strings.Builder, key, value string) {
	b.WriteString("|")
	b.WriteString(key)
	b.WriteString("=")
	b.WriteString(url.QueryEscape(value))
}

func encodeDetails(details map[string]string) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = url.QueryEscape(k) + "=" + url.QueryEscape(details[k])
	}
	return strings.Join(pairs, "&")
}
