package proxy

import (
	"bytes"
	"io"
	"sync"
)

// maxCapture caps retained response bytes per flow. Streams longer than this
// keep forwarding but the event is marked truncated.
const maxCapture = 4 << 20

// tapReader forwards body bytes unchanged while accumulating a bounded copy.
// The completion callback fires exactly once, on EOF or Close, whichever
// comes first.
type tapReader struct {
	rc        io.ReadCloser
	buf       bytes.Buffer
	truncated bool
	once      sync.Once
	complete  func(body []byte, truncated bool)
}

func newTapReader(rc io.ReadCloser, complete func(body []byte, truncated bool)) *tapReader {
	return &tapReader{rc: rc, complete: complete}
}

func (t *tapReader) Read(p []byte) (int, error) {
	n, err := t.rc.Read(p)
	if n > 0 {
		room := maxCapture - t.buf.Len()
		if room >= n {
			t.buf.Write(p[:n])
		} else {
			if room > 0 {
				t.buf.Write(p[:room])
			}
			t.truncated = true
		}
	}
	if err == io.EOF {
		t.finish()
	}
	return n, err
}

func (t *tapReader) Close() error {
	err := t.rc.Close()
	t.finish()
	return err
}

func (t *tapReader) finish() {
	t.once.Do(func() {
		t.complete(t.buf.Bytes(), t.truncated)
	})
}
