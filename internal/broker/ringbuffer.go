package broker

import "github.com/treesync/core/internal/types"

// ringBuffer is a bounded per-namespace replay window used to answer
// Last-Event-ID reconnects without retaining unbounded history.
type ringBuffer struct {
	buf   []types.Event
	limit int
}

func newRingBuffer(limit int) *ringBuffer {
	return &ringBuffer{limit: limit}
}

func (r *ringBuffer) push(evt types.Event) {
	r.buf = append(r.buf, evt)
	if len(r.buf) > r.limit {
		r.buf = r.buf[len(r.buf)-r.limit:]
	}
}

// since returns every event strictly after the one with id lastEventID.
// If lastEventID isn't found in the window (evicted or never seen), since
// returns nil: the caller falls back to a live-only stream since the gap
// can't be bridged.
func (r *ringBuffer) since(lastEventID string) []types.Event {
	for i, evt := range r.buf {
		if evt.ID == lastEventID {
			if i+1 >= len(r.buf) {
				return nil
			}
			out := make([]types.Event, len(r.buf)-i-1)
			copy(out, r.buf[i+1:])
			return out
		}
	}
	return nil
}
