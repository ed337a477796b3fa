// Package store provides the key/value blob cache that memoizes encoded
// variants. Backends are safe for concurrent use; callers receive copies.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

// Entry is one cached blob with its metadata.
type Entry struct {
	Data      []byte            `json:"-"`
	Meta      map[string]string `json:"meta,omitempty"`
	StoredAt  time.Time         `json:"storedAt"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// Expired reports whether the entry is past its expiry at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Store is the contract every backend implements. Get reports a miss with
// ok=false and a nil error; errors mean the backend itself failed.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	ScanKeys(ctx context.Context, prefix string) ([]string, error)
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

// Compactor is implemented by backends that need periodic housekeeping
// beyond deleting expired keys.
type Compactor interface {
	Compact(ctx context.Context) error
}

func cloneEntry(in Entry) Entry {
	out := Entry{StoredAt: in.StoredAt, ExpiresAt: in.ExpiresAt}
	if in.Data != nil {
		out.Data = append([]byte(nil), in.Data...)
	}
	if len(in.Meta) > 0 {
		out.Meta = maps.Clone(in.Meta)
	}
	return out
}

// stamp fills StoredAt and derives ExpiresAt from ttl.
func stamp(entry Entry, ttl time.Duration) Entry {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	if ttl > 0 {
		entry.ExpiresAt = entry.StoredAt.Add(ttl)
	}
	return entry
}

var errShortFrame = errors.New("store: truncated entry frame")

// encodeEntry frames an entry as a 4-byte header length, the JSON header and
// the raw data so blobs are stored without base64 inflation.
func encodeEntry(entry Entry) ([]byte, error) {
	header, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("store: marshal header: %w", err)
	}
	out := make([]byte, 4, 4+len(header)+len(entry.Data))
	binary.BigEndian.PutUint32(out, uint32(len(header)))
	out = append(out, header...)
	out = append(out, entry.Data...)
	return out, nil
}

func decodeEntry(frame []byte) (Entry, error) {
	if len(frame) < 4 {
		return Entry{}, errShortFrame
	}
	n := int(binary.BigEndian.Uint32(frame))
	if len(frame) < 4+n {
		return Entry{}, errShortFrame
	}
	var entry Entry
	if err := json.Unmarshal(frame[4:4+n], &entry); err != nil {
		return Entry{}, fmt.Errorf("store: unmarshal header: %w", err)
	}
	entry.Data = append([]byte(nil), frame[4+n:]...)
	return entry, nil
}
