// Package peer defines the identity types shared by every protocol layer.
package peer

import (
	"crypto/rand"
	"errors"
	"io"
	"sort"
	"time"

	"github.com/mr-tron/base58"
)

// idLen is the number of random bytes behind an ID.
const idLen = 16

// ErrInvalidID is returned by ParseID for strings that are not base58
// encodings of idLen bytes.
var ErrInvalidID = errors.New("peer: invalid id")

// ID is a stable, opaque node identifier. It lives for the lifetime of the
// process; nothing is persisted across restarts.
type ID string

// NewID returns a fresh random ID.
func NewID() (ID, error) {
	b := make([]byte, idLen)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return ID(base58.Encode(b)), nil
}

// ParseID validates s and returns it as an ID.
func ParseID(s string) (ID, error) {
	b, err := base58.Decode(s)
	if err != nil || len(b) != idLen {
		return "", ErrInvalidID
	}
	return ID(s), nil
}

func (id ID) String() string { return string(id) }

// Short returns a display prefix of the ID.
func (id ID) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8])
}

// Info is a discovered peer as seen by the local node.
type Info struct {
	ID       ID
	Addr     string
	LastSeen time.Time
}

// SortIDs sorts ids in place and returns them.
func SortIDs(ids []ID) []ID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Union returns the sorted, de-duplicated union of a and b.
func Union(a, b []ID) []ID {
	set := make(map[ID]struct{}, len(a)+len(b))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		set[id] = struct{}{}
	}
	out := make([]ID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return SortIDs(out)
}

// Contains reports whether id is in ids.
func Contains(ids []ID, id ID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
