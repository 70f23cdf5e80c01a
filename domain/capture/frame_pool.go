package capture

import (
	"sync"
	"time"
)

// Reusable frame pool. Sources decode into pooled buffers so that a long
// capture does not allocate a fresh W*H*3 slice per frame; the session loop
// releases each frame once it has been analysed and recorded. Frames that are
// never released simply fall back to regular garbage collection.

var (
	framePool sync.Pool // stores *Frame
	timeZero  time.Time
)

// acquireFrame returns a pooled frame sized for width x height. Pix length is
// exactly width*height*3; its contents are undefined.
func acquireFrame(width, height int) *Frame {
	needed := width * height * 3
	var f *Frame
	if v := framePool.Get(); v != nil {
		f = v.(*Frame)
	}
	if f == nil || cap(f.Pix) < needed {
		f = &Frame{Pix: make([]byte, needed)}
	} else {
		f.Pix = f.Pix[:needed]
	}
	f.Width, f.Height = width, height
	f.Seq = 0
	f.Timestamp = timeZero
	f.pooled = true
	return f
}

// RecycleFrame returns the frame to the pool for potential reuse. The frame
// must no longer be accessed by the caller after invoking RecycleFrame.
func RecycleFrame(f *Frame) {
	if f == nil || f.Pix == nil {
		return
	}
	framePool.Put(f)
}
