package state

import "sync/atomic"

// DropOldestSend delivers v on ch without blocking the caller. If ch is
// full, the oldest queued value is discarded to make room before v is
// retried once. dropped, if non-nil, is incremented for every value this
// call discards (either the one evicted to make room, or v itself if the
// retry still loses the race to a concurrent send). This is the
// back-pressure policy shared by every fixed-size worker channel in this
// module: producers never block a real-time media pipeline on a full
// downstream queue.
func DropOldestSend[T any](ch chan T, v T, dropped *atomic.Uint64) {
	select {
	case ch <- v:
		return
	default:
	}

	select {
	case <-ch:
		if dropped != nil {
			dropped.Add(1)
		}
	default:
	}

	select {
	case ch <- v:
	default:
		if dropped != nil {
			dropped.Add(1)
		}
	}
}
