package feed

import "time"

// Payload is the wire form of a View shared by the HTTP, WebSocket and redis surfaces
type Payload struct {
	Feature     string       `json:"feature"`
	Viewer      string       `json:"viewer"`
	Arg         string       `json:"arg,omitempty"`
	Seq         uint64       `json:"seq"`
	State       string       `json:"state"`
	Loading     bool         `json:"loading"`
	LoadingMore bool         `json:"loading_more"`
	HasMore     bool         `json:"has_more"`
	Error       string       `json:"error,omitempty"`
	Blocking    bool         `json:"blocking,omitempty"`
	Rows        []PayloadRow `json:"rows"`
}

// PayloadRow is the wire form of a Row
type PayloadRow struct {
	ID        string            `json:"id"`
	Author    string            `json:"author"`
	CreatedAt int64             `json:"created_at"`
	Fields    map[string]string `json:"fields,omitempty"`
	Count     int               `json:"count"`
	Latest    int64             `json:"latest,omitempty"`
	Mine      bool              `json:"mine"`
	Degraded  bool              `json:"degraded,omitempty"`
	Flagged   bool              `json:"flagged"`
}

// NewPayload converts a view for transport. Times are unix milliseconds.
func NewPayload(feature, viewer, arg string, v View) Payload {
	p := Payload{
		Feature:     feature,
		Viewer:      viewer,
		Arg:         arg,
		Seq:         v.Seq,
		State:       v.State.String(),
		Loading:     v.Loading,
		LoadingMore: v.LoadingMore,
		HasMore:     v.HasMore,
		Error:       v.ErrorString(),
		Blocking:    v.Blocking(),
		Rows:        make([]PayloadRow, len(v.Rows)),
	}
	for i, r := range v.Rows {
		p.Rows[i] = PayloadRow{
			ID:        r.Record.ID,
			Author:    r.Record.Author,
			CreatedAt: r.Record.CreatedAt.UnixMilli(),
			Fields:    r.Record.Fields,
			Count:     r.Stats.Count,
			Latest:    millis(r.Stats.Latest),
			Mine:      r.Stats.Mine,
			Degraded:  r.Stats.Degraded,
			Flagged:   r.Flagged,
		}
	}
	return p
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
