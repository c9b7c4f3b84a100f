// Package ids provides identifier generation for cloudillo entities: ULIDs
// for locally-assigned rows (tasks, certificate records, sync batches) and
// content-addressed ids (actions, files) per the "a1~"/"f1~" wire scheme.
package ids

import (
	"crypto/rand"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// entropy is a thread-safe monotonic entropy source for ULID generation.
var entropy = &lockedMonotonicReader{r: ulid.Monotonic(rand.Reader, 0)}

type lockedMonotonicReader struct {
	mu sync.Mutex
	r  io.Reader
}

func (lr *lockedMonotonicReader) Read(p []byte) (int, error) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.r.Read(p)
}

// ULID wraps oklog/ulid.ULID with JSON and SQL scan/value support.
type ULID struct {
	ulid.ULID
}

// New generates a new ULID using the current time and thread-safe monotonic
// entropy. Safe for concurrent use.
func New() ULID {
	return ULID{ulid.MustNew(ulid.Timestamp(time.Now()), entropy)}
}

// NewWithTime generates a new ULID using the given time. Useful for tests
// and backfills.
func NewWithTime(t time.Time) ULID {
	return ULID{ulid.MustNew(ulid.Timestamp(t), entropy)}
}

// Parse parses a ULID from its canonical string form.
func Parse(s string) (ULID, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return ULID{}, fmt.Errorf("parsing ULID %q: %w", s, err)
	}
	return ULID{id}, nil
}

// MarshalJSON renders the ULID as a quoted string.
func (u ULID) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON parses a quoted ULID string.
func (u *ULID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// Value implements driver.Valuer for SQL storage as text.
func (u ULID) Value() (driver.Value, error) {
	return u.String(), nil
}

// Scan implements sql.Scanner, accepting string or []byte representations.
func (u *ULID) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}
		*u = parsed
		return nil
	case []byte:
		parsed, err := Parse(string(v))
		if err != nil {
			return err
		}
		*u = parsed
		return nil
	case nil:
		*u = ULID{}
		return nil
	default:
		return fmt.Errorf("cannot scan type %T into ids.ULID", src)
	}
}
