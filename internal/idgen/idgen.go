// Package idgen mints identifiers for local run records.
package idgen

import (
	"crypto/rand"

	"github.com/oklog/ulid/v2"
)

// NewRunID returns a lexicographically sortable run identifier. ULIDs
// sort by creation time, which keeps the run history index cheap.
func NewRunID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}
