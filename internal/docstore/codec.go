package docstore

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// KindDocument is the addressable application-data kind (NIP-78) documents are stored as
const KindDocument = 30078

const (
	tagPath       = "d"
	tagCollection = "c"
	tagAuthor     = "author"
	tagCreated    = "created"
	tagField      = "f"
	tagDeleted    = "deleted"
)

// ToEvent encodes a document as an unsigned Nostr event.
// The caller signs it; created_at is the write time and acts as the version.
func ToEvent(doc Document, writtenAt time.Time) nostr.Event {
	tags := nostr.Tags{
		{tagPath, doc.Path()},
		{tagCollection, doc.Collection},
		{tagAuthor, doc.Author},
		{tagCreated, strconv.FormatInt(doc.CreatedAt.UnixMilli(), 10)},
	}

	keys := make([]string, 0, len(doc.Fields))
	for k := range doc.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tags = append(tags, nostr.Tag{tagField, k, doc.Fields[k]})
	}

	if doc.Deleted {
		tags = append(tags, nostr.Tag{tagDeleted, "1"})
	}

	return nostr.Event{
		CreatedAt: nostr.Timestamp(writtenAt.Unix()),
		Kind:      KindDocument,
		Tags:      tags,
	}
}

// FromEvent decodes a document event
func FromEvent(ev *nostr.Event) (Document, error) {
	if ev == nil {
		return Document{}, fmt.Errorf("nil event")
	}
	if ev.Kind != KindDocument {
		return Document{}, fmt.Errorf("expected kind %d, got %d", KindDocument, ev.Kind)
	}

	var doc Document
	var path string
	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case tagPath:
			path = tag[1]
		case tagCollection:
			doc.Collection = tag[1]
		case tagAuthor:
			doc.Author = tag[1]
		case tagCreated:
			ms, err := strconv.ParseInt(tag[1], 10, 64)
			if err != nil {
				return Document{}, fmt.Errorf("invalid created tag: %w", err)
			}
			doc.CreatedAt = time.UnixMilli(ms)
		case tagField:
			if len(tag) < 3 {
				continue
			}
			if doc.Fields == nil {
				doc.Fields = make(map[string]string)
			}
			doc.Fields[tag[1]] = tag[2]
		case tagDeleted:
			doc.Deleted = tag[1] == "1"
		}
	}

	if doc.Collection == "" || path == "" {
		return Document{}, fmt.Errorf("event %s is missing path tags", ev.ID)
	}
	prefix := doc.Collection + "/"
	if !strings.HasPrefix(path, prefix) {
		return Document{}, fmt.Errorf("path %q does not belong to collection %q", path, doc.Collection)
	}
	doc.ID = strings.TrimPrefix(path, prefix)

	return doc, nil
}

// Filter returns the relay filter that selects the candidate set for a query.
// Everything beyond the collection is evaluated client-side by Query.Apply.
func Filter(q Query) nostr.Filter {
	return nostr.Filter{
		Kinds: []int{KindDocument},
		Tags: nostr.TagMap{
			tagCollection: []string{q.Collection},
		},
	}
}

// PathFilter selects every version of a single document
func PathFilter(collection, id string) nostr.Filter {
	return nostr.Filter{
		Kinds: []int{KindDocument},
		Tags: nostr.TagMap{
			tagPath: []string{collection + "/" + id},
		},
	}
}

// Latest decodes events and keeps the newest version of each path.
// Ties on created_at are broken by event id so the result is deterministic.
func Latest(events []*nostr.Event) []Document {
	type versioned struct {
		doc Document
		at  nostr.Timestamp
		id  string
	}

	newest := make(map[string]versioned, len(events))
	order := make([]string, 0, len(events))
	for _, ev := range events {
		doc, err := FromEvent(ev)
		if err != nil {
			continue
		}
		path := doc.Path()
		cur, ok := newest[path]
		if !ok {
			order = append(order, path)
		} else if cur.at > ev.CreatedAt || (cur.at == ev.CreatedAt && cur.id >= ev.ID) {
			continue
		}
		newest[path] = versioned{doc: doc, at: ev.CreatedAt, id: ev.ID}
	}

	docs := make([]Document, 0, len(order))
	for _, path := range order {
		docs = append(docs, newest[path].doc)
	}
	return docs
}
