package blocks

import "sort"

// Set is an immutable snapshot of both block lists for one viewer.
// A nil *Set hides nobody.
type Set struct {
	// Version increases with every snapshot a Filter publishes
	Version uint64

	outgoing map[string]struct{}
	incoming map[string]struct{}
}

// NewSet builds a snapshot from the two lists
func NewSet(version uint64, outgoing, incoming []string) *Set {
	s := &Set{
		Version:  version,
		outgoing: make(map[string]struct{}, len(outgoing)),
		incoming: make(map[string]struct{}, len(incoming)),
	}
	for _, u := range outgoing {
		s.outgoing[u] = struct{}{}
	}
	for _, u := range incoming {
		s.incoming[u] = struct{}{}
	}
	return s
}

// IsHidden reports whether the user is in either list
func (s *Set) IsHidden(user string) bool {
	if s == nil || user == "" {
		return false
	}
	if _, ok := s.outgoing[user]; ok {
		return true
	}
	_, ok := s.incoming[user]
	return ok
}

// Outgoing returns the users the viewer blocked, sorted
func (s *Set) Outgoing() []string {
	if s == nil {
		return nil
	}
	return sortedKeys(s.outgoing)
}

// Incoming returns the users blocking the viewer, sorted
func (s *Set) Incoming() []string {
	if s == nil {
		return nil
	}
	return sortedKeys(s.incoming)
}

// SameMembers reports whether two snapshots hide exactly the same users
func (s *Set) SameMembers(o *Set) bool {
	if s == nil || o == nil {
		return s == o
	}
	return sameKeys(s.outgoing, o.outgoing) && sameKeys(s.incoming, o.incoming)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sameKeys(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
