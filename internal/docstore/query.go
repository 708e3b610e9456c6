package docstore

import (
	"sort"
	"time"
)

// Cursor marks a position in server order: CreatedAt descending, then ID ascending
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Condition is a field equality filter
type Condition struct {
	Field string
	Value string
}

// Query describes a live or one-shot read against a single collection
type Query struct {
	Collection string
	Authors    []string
	Where      []Condition

	// After is the exclusive lower bound (startAfter)
	After *Cursor
	// Through is the inclusive upper bound used for anchored pages
	Through *Cursor

	// Limit caps the result size; 0 means unlimited
	Limit int
}

// Equal adds an equality condition and returns the query for chaining
func (q Query) Equal(field, value string) Query {
	where := make([]Condition, 0, len(q.Where)+1)
	where = append(where, q.Where...)
	q.Where = append(where, Condition{Field: field, Value: value})
	return q
}

// StartAfter returns a copy bounded below by the cursor
func (q Query) StartAfter(c *Cursor) Query {
	q.After = c
	return q
}

// EndAt returns a copy bounded above (inclusive) by the cursor
func (q Query) EndAt(c *Cursor) Query {
	q.Through = c
	return q
}

// WithLimit returns a copy with the given limit
func (q Query) WithLimit(n int) Query {
	q.Limit = n
	return q
}

// Precedes reports whether a sorts strictly before b in server order
func Precedes(a, b Cursor) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

// IsAfter reports whether doc lies strictly after the cursor in server order
func IsAfter(doc Document, c Cursor) bool {
	return Precedes(c, doc.Cursor())
}

// Matches reports whether the document belongs to the query's result set, ignoring limit
func (q Query) Matches(doc Document) bool {
	if doc.Deleted || doc.Collection != q.Collection {
		return false
	}

	if len(q.Authors) > 0 {
		found := false
		for _, a := range q.Authors {
			if a == doc.Author {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for _, cond := range q.Where {
		if doc.Field(cond.Field) != cond.Value {
			return false
		}
	}

	if q.After != nil && !IsAfter(doc, *q.After) {
		return false
	}
	if q.Through != nil && IsAfter(doc, *q.Through) {
		return false
	}

	return true
}

// SortServerOrder sorts documents in place in server order
func SortServerOrder(docs []Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		return Precedes(docs[i].Cursor(), docs[j].Cursor())
	})
}

// Apply filters, orders and limits a candidate set the way a store would.
// Every store implementation funnels its results through Apply so they agree on ordering.
func (q Query) Apply(candidates []Document) []Document {
	out := make([]Document, 0, len(candidates))
	for _, doc := range candidates {
		if q.Matches(doc) {
			out = append(out, doc)
		}
	}

	SortServerOrder(out)

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
