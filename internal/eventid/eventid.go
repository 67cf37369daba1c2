// Package eventid mints the pipeline's event identifiers: ULIDs, so ids
// sort lexicographically by creation time. The id names the transaction-log
// row, the attachment blob suffix, and the cross-stage correlation key.
package eventid

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// New returns a fresh sortable event id.
func New() string {
	return ulid.Make().String()
}

// NewAt returns an event id stamped with the given time. Used by tests and
// by replay tooling that must preserve original ordering.
func NewAt(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t.UTC()), ulid.DefaultEntropy()).String()
}

// Time extracts the embedded timestamp from an event id.
func Time(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()).UTC(), nil
}

// IsValid reports whether s parses as an event id.
func IsValid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
