package model

import "github.com/oklog/ulid/v2"

// NewID returns a fresh ULID string. Run and environment IDs are ULIDs, so
// they sort by creation time.
func NewID() string {
	return ulid.Make().String()
}
