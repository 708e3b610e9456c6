// Package features defines the concrete feeds served by livefeed and the writes that feed them.
package features

import (
	"fmt"
	"sort"
	"time"

	"github.com/sandwichfarm/livefeed/internal/aggregates"
	"github.com/sandwichfarm/livefeed/internal/docstore"
	"github.com/sandwichfarm/livefeed/internal/feed"
)

// Feature names
const (
	Pending  = "pending"
	Mine     = "mine"
	Posts    = "posts"
	Comments = "comments"
	Threads  = "threads"
)

// Params selects one feed instance
type Params struct {
	Viewer string
	// Arg is the post id for the comments feed
	Arg string
	// Threshold supplies the urgency threshold for the pending feed
	Threshold *Threshold
}

type builder func(p Params) (feed.Definition, error)

var registry = map[string]builder{
	Pending:  pendingRequests,
	Mine:     myRequests,
	Posts:    communityPosts,
	Comments: postCommentsFeed,
	Threads:  messageThreads,
}

// Names returns the known feature names, sorted
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NeedsArg reports whether the feature is scoped by an argument
func NeedsArg(name string) bool {
	return name == Comments
}

// Definition builds the feed definition for a feature
func Definition(name string, p Params) (feed.Definition, error) {
	build, ok := registry[name]
	if !ok {
		return feed.Definition{}, fmt.Errorf("unknown feature: %s", name)
	}
	if p.Viewer == "" {
		return feed.Definition{}, fmt.Errorf("feature %s requires a viewer", name)
	}
	if NeedsArg(name) && p.Arg == "" {
		return feed.Definition{}, fmt.Errorf("feature %s requires an argument", name)
	}
	return build(p)
}

// pendingRequests lists open requests; unanswered requests older than the
// urgency threshold are flagged and sorted first
func pendingRequests(p Params) (feed.Definition, error) {
	threshold := p.Threshold
	if threshold == nil {
		threshold = StaticThreshold(time.Hour)
	}

	return feed.Definition{
		Name:    Pending,
		Parents: docstore.Query{Collection: CollectionRequests}.Equal(FieldStatus, StatusPending),
		Child: func(parent docstore.Document) docstore.Query {
			return docstore.Query{Collection: encouragements(parent.ID)}.Equal(FieldStatus, StatusApproved)
		},
		Aggregate: aggregates.CountAll(p.Viewer),
		Flag: func(row feed.Row, now time.Time) bool {
			return IsUrgent(row, now, threshold.Value())
		},
		Less: func(a, b feed.Row) bool {
			if a.Flagged != b.Flagged {
				return a.Flagged
			}
			ua, ub := a.Stats.Count == 0, b.Stats.Count == 0
			if ua != ub {
				return ua
			}
			return false
		},
	}, nil
}

// IsUrgent reports whether a request has gone unanswered longer than threshold
func IsUrgent(row feed.Row, now time.Time, threshold time.Duration) bool {
	if row.Stats.Count > 0 || row.Stats.Degraded {
		return false
	}
	return now.Sub(row.Record.CreatedAt) > threshold
}

func myRequests(p Params) (feed.Definition, error) {
	return feed.Definition{
		Name:    Mine,
		Parents: docstore.Query{Collection: CollectionRequests, Authors: []string{p.Viewer}},
		Child: func(parent docstore.Document) docstore.Query {
			return docstore.Query{Collection: encouragements(parent.ID)}
		},
		Aggregate: aggregates.CountAll(p.Viewer),
	}, nil
}

func communityPosts(p Params) (feed.Definition, error) {
	viewer := p.Viewer
	return feed.Definition{
		Name:    Posts,
		Parents: docstore.Query{Collection: CollectionPosts},
		Child: func(parent docstore.Document) docstore.Query {
			return docstore.Query{Collection: postLikes(parent.ID)}
		},
		Aggregate: aggregates.CountAll(viewer),
		Probe: func(parent docstore.Document) *aggregates.Probe {
			return &aggregates.Probe{Collection: postLikes(parent.ID), ID: viewer}
		},
	}, nil
}

// postCommentsFeed lists a post's comments oldest first
func postCommentsFeed(p Params) (feed.Definition, error) {
	postID := p.Arg
	return feed.Definition{
		Name:    Comments,
		Parents: docstore.Query{Collection: postComments(postID)},
		Child: func(parent docstore.Document) docstore.Query {
			return docstore.Query{Collection: commentLikes(postID, parent.ID)}
		},
		Aggregate: aggregates.CountAll(p.Viewer),
		Less: func(a, b feed.Row) bool {
			if !a.Record.CreatedAt.Equal(b.Record.CreatedAt) {
				return a.Record.CreatedAt.Before(b.Record.CreatedAt)
			}
			return false
		},
	}, nil
}

// messageThreads lists the viewer's threads, unread first, then by latest activity
func messageThreads(p Params) (feed.Definition, error) {
	return feed.Definition{
		Name:    Threads,
		Parents: docstore.Query{Collection: CollectionThreads}.Equal(memberField(p.Viewer), "1"),
		Child: func(parent docstore.Document) docstore.Query {
			return docstore.Query{Collection: threadMessages(parent.ID)}
		},
		Aggregate: aggregates.UnreadFor(p.Viewer),
		Flag: func(row feed.Row, now time.Time) bool {
			return row.Stats.Count > 0
		},
		Less: func(a, b feed.Row) bool {
			if a.Flagged != b.Flagged {
				return a.Flagged
			}
			la, lb := activity(a), activity(b)
			if !la.Equal(lb) {
				return la.After(lb)
			}
			return false
		},
	}, nil
}

func activity(r feed.Row) time.Time {
	if r.Stats.Latest.After(r.Record.CreatedAt) {
		return r.Stats.Latest
	}
	return r.Record.CreatedAt
}
