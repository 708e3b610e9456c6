package nostr

import (
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/livefeed/internal/docstore"
)

func docQuery(collection string) docstore.Query {
	return docstore.Query{Collection: collection}
}

func docEvent(t *testing.T, doc docstore.Document, at int64) *nostr.Event {
	t.Helper()
	ev := docstore.ToEvent(doc, time.Unix(at, 0))
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	ev.PubKey = pk
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return &ev
}

func TestAccumulatorKeepsNewestPerPath(t *testing.T) {
	acc := newAccumulator(docQuery("posts"))

	v1 := docEvent(t, docstore.Document{Collection: "posts", ID: "p1", Author: "a", CreatedAt: time.Unix(5, 0),
		Fields: map[string]string{"text": "first"}}, 10)
	v2 := docEvent(t, docstore.Document{Collection: "posts", ID: "p1", Author: "a", CreatedAt: time.Unix(5, 0),
		Fields: map[string]string{"text": "edited"}}, 20)

	if !acc.add(v2) {
		t.Fatal("Expected first event to change state")
	}
	if acc.add(v1) {
		t.Error("Older version must not change state")
	}
	if acc.add(v2) {
		t.Error("Duplicate event must not change state")
	}

	snap := acc.snapshot()
	if len(snap.Docs) != 1 {
		t.Fatalf("Expected 1 doc, got %d", len(snap.Docs))
	}
	if snap.Docs[0].Field("text") != "edited" {
		t.Errorf("Expected edited text, got %q", snap.Docs[0].Field("text"))
	}
}

func TestAccumulatorAppliesQuery(t *testing.T) {
	acc := newAccumulator(docstore.Query{Collection: "posts", Limit: 2})

	acc.addAll([]*nostr.Event{
		docEvent(t, docstore.Document{Collection: "posts", ID: "p1", Author: "a", CreatedAt: time.Unix(1, 0)}, 1),
		docEvent(t, docstore.Document{Collection: "posts", ID: "p2", Author: "a", CreatedAt: time.Unix(3, 0)}, 1),
		docEvent(t, docstore.Document{Collection: "posts", ID: "p3", Author: "a", CreatedAt: time.Unix(2, 0)}, 1),
		docEvent(t, docstore.Document{Collection: "threads", ID: "t1", Author: "a", CreatedAt: time.Unix(9, 0)}, 1),
	})

	snap := acc.snapshot()
	if len(snap.Docs) != 2 || snap.Docs[0].ID != "p2" || snap.Docs[1].ID != "p3" {
		t.Errorf("Unexpected snapshot order: %+v", snap.Docs)
	}
}

func TestAccumulatorTombstoneRemovesDocument(t *testing.T) {
	acc := newAccumulator(docQuery("posts"))

	acc.add(docEvent(t, docstore.Document{Collection: "posts", ID: "p1", Author: "a", CreatedAt: time.Unix(1, 0)}, 1))
	acc.add(docEvent(t, docstore.Document{Collection: "posts", ID: "p1", Deleted: true}, 2))

	if snap := acc.snapshot(); len(snap.Docs) != 0 {
		t.Errorf("Expected tombstoned document to be hidden, got %d docs", len(snap.Docs))
	}
}
