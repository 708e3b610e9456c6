package feed

import (
	"github.com/sandwichfarm/livefeed/internal/aggregates"
	"github.com/sandwichfarm/livefeed/internal/docstore"
)

// State is the engine's loading state
type State int

const (
	Idle State = iota
	LoadingInitial
	Ready
	LoadingRefresh
	LoadingMore
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case LoadingInitial:
		return "loading"
	case Ready:
		return "ready"
	case LoadingRefresh:
		return "refreshing"
	case LoadingMore:
		return "loading_more"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Row is one parent record merged with its latest child stats
type Row struct {
	Record docstore.Document
	Stats  aggregates.Stats
	// Flagged is the feature's view flag, e.g. urgent for pending requests
	Flagged bool
}

// ID returns the parent id
func (r Row) ID() string {
	return r.Record.ID
}

// View is an immutable published state of an engine
type View struct {
	Rows        []Row
	Loading     bool
	LoadingMore bool
	Err         error
	HasMore     bool
	State       State
	// Loaded is true once any parent page has been delivered
	Loaded bool
	// Seq increases with every published view
	Seq uint64
}

// Blocking reports whether the error should replace the list: only when nothing was ever loaded
func (v View) Blocking() bool {
	return v.Err != nil && !v.Loaded
}

// ErrorString returns the error text or ""
func (v View) ErrorString() string {
	if v.Err == nil {
		return ""
	}
	return v.Err.Error()
}
