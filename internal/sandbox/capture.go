package sandbox

import "sync"

// DefaultCaptureLimit caps each captured stream.
const DefaultCaptureLimit = 5 * 1024 * 1024

// cappedBuffer keeps the first limit bytes written to it and silently
// discards the rest. Writes never fail so the child never blocks on a full pipe.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

// envelopeBudget is the byte size the harness may use for its result line
// when stdout is captured with limit. The margin leaves room for anything the
// interpreter writes to the stream outside the harness.
func envelopeBudget(limit int) int {
	if limit <= 0 {
		limit = DefaultCaptureLimit
	}
	return limit - limit/16 - 1
}

func newCappedBuffer(limit int) *cappedBuffer {
	if limit <= 0 {
		limit = DefaultCaptureLimit
	}
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - len(b.buf)
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf...)
}

func (b *cappedBuffer) String() string {
	return string(b.Bytes())
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
