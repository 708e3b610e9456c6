package docstore

import (
	"context"
	"fmt"
	"time"
)

// Document is a single record in the realtime store
type Document struct {
	Collection string
	ID         string
	Author     string
	CreatedAt  time.Time
	Fields     map[string]string
	Deleted    bool
}

// Path returns the document's collection-qualified path
func (d Document) Path() string {
	return d.Collection + "/" + d.ID
}

// Field returns a field value or "" when unset
func (d Document) Field(key string) string {
	if d.Fields == nil {
		return ""
	}
	return d.Fields[key]
}

// Cursor returns the pagination cursor positioned at this document
func (d Document) Cursor() Cursor {
	return Cursor{CreatedAt: d.CreatedAt, ID: d.ID}
}

// Snapshot is the full result set of a query at one point in time.
// Stores never deliver diffs.
type Snapshot struct {
	Docs []Document
	Err  error
}

// Unsubscribe tears down a live subscription. Implementations make it idempotent.
type Unsubscribe func()

// Subscriber opens live queries
type Subscriber interface {
	Subscribe(ctx context.Context, q Query, fn func(Snapshot)) (Unsubscribe, error)
}

// Store is the realtime document store consumed by the feed engine and the feature layer
type Store interface {
	Subscriber

	// Get performs a single read. Returns ErrNotFound for missing or deleted documents.
	Get(ctx context.Context, collection, id string) (Document, error)

	// Put creates or replaces a document
	Put(ctx context.Context, doc Document) error

	// Delete writes a tombstone for the document
	Delete(ctx context.Context, collection, id string) error
}

// NotFoundError represents a missing document
type NotFoundError struct {
	Path string
}

func (e NotFoundError) Error() string {
	if e.Path == "" {
		return "document not found"
	}
	return fmt.Sprintf("document %s not found", e.Path)
}

// Is enables errors.Is matching on NotFoundError.
func (e NotFoundError) Is(target error) bool {
	_, ok := target.(NotFoundError)
	if ok {
		return true
	}
	_, ok = target.(*NotFoundError)
	return ok
}

// ErrNotFound is the sentinel error for missing documents.
var ErrNotFound = NotFoundError{}

// ChildCollection composes the path of a parent's sub-collection
func ChildCollection(parentCollection, parentID, name string) string {
	return parentCollection + "/" + parentID + "/" + name
}
