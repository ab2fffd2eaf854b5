package merge

import (
	"bytes"
	"cmp"
	"container/heap"
	"strings"

	"github.com/spboyer/sessmerge/internal/models"
)

// compareKey orders entries by (timestamp, origin session, sequence).
func compareKey(a, b *models.Entry) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	if c := strings.Compare(a.OriginSessionID, b.OriginSessionID); c != 0 {
		return c
	}
	return cmp.Compare(a.Sequence, b.Sequence)
}

// sameEntry is full value equality, used to tell a re-emitted event from a
// conflicting one.
func sameEntry(a, b *models.Entry) bool {
	return compareKey(a, b) == 0 &&
		a.Type == b.Type &&
		bytes.Equal(a.Payload, b.Payload)
}

// cursor walks one sorted run.
type cursor struct {
	run []models.Entry
	pos int
}

func (c *cursor) head() *models.Entry { return &c.run[c.pos] }

// runHeap is a min-heap of cursors keyed by their head entry.
type runHeap []*cursor

func (h runHeap) Len() int           { return len(h) }
func (h runHeap) Less(i, j int) bool { return compareKey(h[i].head(), h[j].head()) < 0 }
func (h runHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *runHeap) Push(x any) { *h = append(*h, x.(*cursor)) }

func (h *runHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}

// kWayMerge combines runs that are each sorted by compareKey. Entries with an
// equal key are collapsed when identical and reported otherwise.
func kWayMerge(runs [][]models.Entry) (out []models.Entry, dropped int, err error) {
	total := 0
	h := make(runHeap, 0, len(runs))
	for _, r := range runs {
		if len(r) == 0 {
			continue
		}
		total += len(r)
		h = append(h, &cursor{run: r})
	}
	heap.Init(&h)

	out = make([]models.Entry, 0, total)
	for h.Len() > 0 {
		c := h[0]
		e := c.head()

		if n := len(out); n > 0 && compareKey(&out[n-1], e) == 0 {
			if !sameEntry(&out[n-1], e) {
				return nil, 0, &DuplicateEntryError{
					SessionID: e.OriginSessionID,
					Sequence:  e.Sequence,
					Timestamp: e.Timestamp,
				}
			}
			dropped++
		} else {
			out = append(out, *e)
		}

		c.pos++
		if c.pos == len(c.run) {
			heap.Pop(&h)
		} else {
			heap.Fix(&h, 0)
		}
	}
	return out, dropped, nil
}
