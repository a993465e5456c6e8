package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(id string, p Priority) *Record {
	return &Record{Command: &Command{ID: id, Priority: p}}
}

func TestPriorityQueuePopOrdersByPriorityThenFIFO(t *testing.T) {
	q := newPriorityQueue(10, nil)
	q.push(rec("low1", PriorityLow))
	q.push(rec("crit1", PriorityCritical))
	q.push(rec("normal1", PriorityNormal))
	q.push(rec("crit2", PriorityCritical))

	order := []string{}
	for {
		r := q.pop()
		if r == nil {
			break
		}
		order = append(order, r.Command.ID)
	}
	assert.Equal(t, []string{"crit1", "crit2", "normal1", "low1"}, order)
}

func TestPriorityQueuePopEmptyReturnsNil(t *testing.T) {
	q := newPriorityQueue(10, nil)
	assert.Nil(t, q.pop())
}

func TestPriorityQueueEvictsLowestPriorityOnOverflow(t *testing.T) {
	var dropped *Record
	q := newPriorityQueue(2, func(r *Record) { dropped = r })

	q.push(rec("crit1", PriorityCritical))
	q.push(rec("low1", PriorityLow))
	q.push(rec("normal1", PriorityNormal)) // over capacity now

	require.NotNil(t, dropped)
	assert.Equal(t, "low1", dropped.Command.ID, "lowest-priority pending item is evicted first")
	assert.Equal(t, 2, q.size())
}

func TestPriorityQueueNeverEvictsCritical(t *testing.T) {
	var dropped *Record
	q := newPriorityQueue(1, func(r *Record) { dropped = r })

	q.push(rec("crit1", PriorityCritical))
	q.push(rec("crit2", PriorityCritical))

	// nothing else to evict, onDrop is never called
	assert.Nil(t, dropped)
}

func TestPriorityQueueRemoveIfQueued(t *testing.T) {
	q := newPriorityQueue(10, nil)
	q.push(rec("a", PriorityNormal))
	q.push(rec("b", PriorityNormal))

	removed := q.removeIfQueued("a")
	require.NotNil(t, removed)
	assert.Equal(t, "a", removed.Command.ID)
	assert.Equal(t, 1, q.size())

	assert.Nil(t, q.removeIfQueued("missing"))
}
