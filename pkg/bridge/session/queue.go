package session

// frameQueue is a bounded FIFO for encoded audio payloads, used only while
// the downstream peer is not ready to accept frames directly. On overflow the
// oldest frames are dropped so the newest audio is kept; live audio favors
// recency over completeness. Control messages never pass through here.
type frameQueue struct {
	frames  []string
	maxSize int
	dropped int64
}

func newFrameQueue(maxSize int) *frameQueue {
	if maxSize <= 0 {
		maxSize = 400
	}
	return &frameQueue{maxSize: maxSize}
}

func (q *frameQueue) push(payload string) (droppedOldest bool) {
	if len(q.frames) >= q.maxSize {
		over := len(q.frames) - q.maxSize + 1
		q.frames = append(q.frames[:0], q.frames[over:]...)
		q.dropped += int64(over)
		droppedOldest = true
	}
	q.frames = append(q.frames, payload)
	return droppedOldest
}

// drain flushes all queued frames in arrival order. It stops on the first
// forward error, leaving the unforwarded remainder queued.
func (q *frameQueue) drain(forward func(payload string) error) error {
	for len(q.frames) > 0 {
		head := q.frames[0]
		if err := forward(head); err != nil {
			return err
		}
		q.frames = q.frames[1:]
	}
	q.frames = nil
	return nil
}

func (q *frameQueue) len() int { return len(q.frames) }

func (q *frameQueue) droppedCount() int64 { return q.dropped }
