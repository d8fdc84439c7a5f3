// Package storage persists room records, history logs and the metadata
// index as opaque blobs. Backends know nothing about their contents;
// Repository owns the encoding.
package storage

import (
	"context"
	"regexp"

	"github.com/pkg/errors"
)

// Kind partitions the blob namespace.
type Kind string

const (
	KindRoom    Kind = "rooms"
	KindHistory Kind = "history"
	KindIndex   Kind = "index"
)

// IndexID is the single blob id used under KindIndex.
const IndexID = "index"

var (
	// ErrNotFound is returned when a blob does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCorrupt is returned when a stored blob cannot be decoded.
	ErrCorrupt = errors.New("corrupt record")
	// ErrInvalidID is returned for ids which are not safe to store.
	ErrInvalidID = errors.New("invalid id")
)

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidID reports whether id may name a blob.
func ValidID(id string) bool { return validID.MatchString(id) }

// Blobs is a minimal durable key/value store. Write must replace the
// previous value atomically: a failed Write leaves the old value readable.
type Blobs interface {
	Read(ctx context.Context, kind Kind, id string) ([]byte, error)
	Write(ctx context.Context, kind Kind, id string, data []byte) error
	// Remove returns ErrNotFound if the blob did not exist.
	Remove(ctx context.Context, kind Kind, id string) error
	List(ctx context.Context, kind Kind) ([]string, error)
	Close() error
}

func checkID(id string) error {
	if !ValidID(id) {
		return errors.Wrapf(ErrInvalidID, "%q", id)
	}
	return nil
}
