package capture

import (
	"strings"
	"sync"

	"github.com/smallnest/ringbuffer"
)

const defaultTailSize = 4 << 10

// stderrTail keeps the last few kilobytes written by an external process.
// Older bytes are discarded once the ring is full so a chatty encoder never
// blocks on its stderr pipe.
type stderrTail struct {
	mu sync.Mutex
	rb *ringbuffer.RingBuffer
}

func newStderrTail(size int) *stderrTail {
	if size <= 0 {
		size = defaultTailSize
	}
	return &stderrTail{rb: ringbuffer.New(size)}
}

func (t *stderrTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	if c := t.rb.Capacity(); len(p) > c {
		p = p[len(p)-c:]
	}
	if over := len(p) - t.rb.Free(); over > 0 {
		discard := make([]byte, over)
		_, _ = t.rb.Read(discard)
	}
	_, _ = t.rb.Write(p)
	return n, nil
}

// String returns the retained bytes without consuming them.
func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.rb.Length()
	if n == 0 {
		return ""
	}
	buf := make([]byte, n)
	read, _ := t.rb.Read(buf)
	buf = buf[:read]
	_, _ = t.rb.Write(buf)
	return strings.TrimSpace(string(buf))
}
