package paging

import (
	"fmt"
	"testing"
	"time"

	"github.com/sandwichfarm/livefeed/internal/docstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type table struct {
	docs []docstore.Document
}

func (tb *table) insert(id string, at int64) {
	tb.docs = append(tb.docs, docstore.Document{Collection: "posts", ID: id, Author: "a", CreatedAt: time.Unix(at, 0)})
}

// fetchAll refreshes every page the way live subscriptions would
func (tb *table) fetchAll(p *Pager) {
	for i := 0; i < p.Len(); i++ {
		p.OnPageFetched(i, p.Query(i).Apply(tb.docs))
	}
}

func ids(docs []docstore.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

func TestCurrentQuery(t *testing.T) {
	base := docstore.Query{Collection: "posts"}.Equal("status", "pending")

	q := CurrentQuery(base, nil, 10)
	assert.Nil(t, q.After)
	assert.Equal(t, 10, q.Limit)
	assert.Len(t, q.Where, 1)

	c := &docstore.Cursor{CreatedAt: time.Unix(5, 0), ID: "p1"}
	q = CurrentQuery(base, c, 10)
	assert.Equal(t, c, q.After)
}

func TestScenarioPaginationEndsOnShortPage(t *testing.T) {
	tb := &table{}
	tb.insert("P1", 5)
	tb.insert("P2", 3)
	tb.insert("P3", 1)

	p := New(docstore.Query{Collection: "posts"}, 2)
	assert.True(t, p.InFlight())

	tb.fetchAll(p)
	assert.Equal(t, []string{"P1", "P2"}, ids(p.Docs()))
	assert.True(t, p.HasMore())

	sealed, opened, ok := p.LoadMore()
	require.True(t, ok)
	assert.Equal(t, 0, sealed)
	assert.Equal(t, 1, opened)
	assert.True(t, p.Page(0).Sealed())

	// Already loading: no-op
	_, _, ok = p.LoadMore()
	assert.False(t, ok)

	tb.fetchAll(p)
	assert.Equal(t, []string{"P1", "P2", "P3"}, ids(p.Docs()))
	assert.False(t, p.HasMore())

	_, _, ok = p.LoadMore()
	assert.False(t, ok)
}

func TestSealedPagesAbsorbConcurrentInserts(t *testing.T) {
	tb := &table{}
	for i := 10; i >= 1; i-- {
		tb.insert(fmt.Sprintf("p%02d", i), int64(i*10))
	}

	p := New(docstore.Query{Collection: "posts"}, 3)
	tb.fetchAll(p)

	var previous []string
	for p.HasMore() {
		_, _, ok := p.LoadMore()
		require.True(t, ok)

		// Inserts above and inside already-loaded pages while the next page is in flight
		tb.insert(fmt.Sprintf("new-top-%d", p.Len()), 1000+int64(p.Len()))
		tb.insert(fmt.Sprintf("new-mid-%d", p.Len()), 95-int64(p.Len()))
		tb.fetchAll(p)

		current := ids(p.Docs())
		assert.Subset(t, current, previous, "visible set must grow monotonically")
		seen := map[string]bool{}
		for _, id := range current {
			assert.False(t, seen[id], "duplicate %s", id)
			seen[id] = true
		}
		previous = current
	}

	// Every stored record is reachable exactly once in server order
	all := docstore.Query{Collection: "posts"}.Apply(tb.docs)
	assert.Equal(t, ids(all), ids(p.Docs()))
}

func TestOpenPageCursorIsLastFetchedRecord(t *testing.T) {
	tb := &table{}
	tb.insert("a", 30)
	tb.insert("b", 20)

	p := New(docstore.Query{Collection: "posts"}, 2)
	tb.fetchAll(p)
	require.NotNil(t, p.Cursor())
	assert.Equal(t, "b", p.Cursor().ID)

	// A newer insert pushes b out of the open page; the cursor follows the page
	tb.insert("c", 40)
	tb.fetchAll(p)
	assert.Equal(t, "a", p.Cursor().ID)
}

func TestEmptyPageKeepsPreviousCursor(t *testing.T) {
	tb := &table{}
	tb.insert("a", 30)
	tb.insert("b", 20)

	p := New(docstore.Query{Collection: "posts"}, 2)
	tb.fetchAll(p)
	_, _, ok := p.LoadMore()
	require.True(t, ok)
	tb.fetchAll(p)

	assert.False(t, p.HasMore())
	assert.Equal(t, "b", p.Cursor().ID)
}

func TestReset(t *testing.T) {
	tb := &table{}
	tb.insert("a", 30)
	tb.insert("b", 20)
	tb.insert("c", 10)

	p := New(docstore.Query{Collection: "posts"}, 2)
	tb.fetchAll(p)
	p.LoadMore()
	tb.fetchAll(p)
	require.Equal(t, 2, p.Len())

	p.Reset()
	assert.Equal(t, 1, p.Len())
	assert.Nil(t, p.Cursor())
	assert.True(t, p.HasMore())
	assert.Empty(t, p.Docs())
}
