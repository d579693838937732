package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/localfirst/attachqueue"
)

func items(ts ...int64) []attachqueue.Attachment {
	out := make([]attachqueue.Attachment, len(ts))
	for i, t := range ts {
		out[i] = attachqueue.Attachment{ID: string(rune('a' + i)), Timestamp: t, State: attachqueue.StateArchived}
	}

	return out
}

func TestSelectEvictions_UnderLimit_NoEvictions(t *testing.T) {
	assert.Empty(t, SelectEvictions(items(1, 2, 3), 5))
}

func TestSelectEvictions_OverLimit_OldestFirst(t *testing.T) {
	evicted := SelectEvictions(items(30, 10, 20), 1)

	if assert.Len(t, evicted, 2) {
		assert.Equal(t, int64(10), evicted[0].Timestamp)
		assert.Equal(t, int64(20), evicted[1].Timestamp)
	}
}

func TestSelectEvictions_LimitZero_EvictsAll(t *testing.T) {
	evicted := SelectEvictions(items(1, 2), 0)
	assert.Len(t, evicted, 2)
}

func TestSelectEvictions_Empty(t *testing.T) {
	assert.Empty(t, SelectEvictions(nil, 10))
}
