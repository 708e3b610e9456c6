package feed

import (
	"errors"
	"testing"
	"time"

	"github.com/sandwichfarm/livefeed/internal/aggregates"
	"github.com/stretchr/testify/assert"
)

func TestNewPayload(t *testing.T) {
	v := View{
		Rows: []Row{{
			Record:  post("P1", "u1", 5),
			Stats:   aggregates.Stats{Count: 2, Latest: time.Unix(7, 0), Mine: true},
			Flagged: true,
		}, {
			Record: post("P2", "u2", 3),
		}},
		State:   Ready,
		HasMore: true,
		Err:     errors.New("parents: offline"),
		Loaded:  true,
		Seq:     9,
	}

	p := NewPayload("posts", viewer, "", v)
	assert.Equal(t, "posts", p.Feature)
	assert.Empty(t, p.Arg)
	assert.Equal(t, "ready", p.State)
	assert.Equal(t, uint64(9), p.Seq)
	assert.Equal(t, "parents: offline", p.Error)
	assert.False(t, p.Blocking)
	assert.True(t, p.HasMore)

	if assert.Len(t, p.Rows, 2) {
		assert.Equal(t, PayloadRow{ID: "P1", Author: "u1", CreatedAt: 5000, Count: 2, Latest: 7000, Mine: true, Flagged: true}, p.Rows[0])
		assert.Zero(t, p.Rows[1].Latest)
	}
}

func TestNewPayloadBlockingError(t *testing.T) {
	p := NewPayload("comments", viewer, "P1", View{State: Ready, Err: errors.New("denied")})
	assert.Equal(t, "P1", p.Arg)
	assert.True(t, p.Blocking)
	assert.NotNil(t, p.Rows)
	assert.Empty(t, p.Rows)
}
