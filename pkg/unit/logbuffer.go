package unit

import "sync"

const defaultLogBufMax = 8192

// LogBuffer is a bounded in-memory buffer capturing the output of a
// unit's control processes. It is written by the exec copier goroutine
// and read by control handlers, so access is locked. Once full, further
// output is discarded until the buffer is cleared.
type LogBuffer struct {
	mu     sync.Mutex
	buf    []byte
	bufMax int
}

// NewLogBuffer creates a LogBuffer with the given max size.
func NewLogBuffer(maxSize int) *LogBuffer {
	if maxSize <= 0 {
		maxSize = defaultLogBufMax
	}
	return &LogBuffer{bufMax: maxSize}
}

// Write implements io.Writer. It never fails, so a slow reader cannot
// make a control process block on a full pipe.
func (lb *LogBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if remaining := lb.bufMax - len(lb.buf); remaining > 0 {
		n := len(p)
		if n > remaining {
			n = remaining
		}
		lb.buf = append(lb.buf, p[:n]...)
	}
	return len(p), nil
}

// GetBuffer returns a copy of the current buffer contents.
func (lb *LogBuffer) GetBuffer() []byte {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if len(lb.buf) == 0 {
		return nil
	}
	result := make([]byte, len(lb.buf))
	copy(result, lb.buf)
	return result
}

// GetBufferAndClear returns the buffer contents and clears the buffer.
func (lb *LogBuffer) GetBufferAndClear() []byte {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	result := lb.buf
	lb.buf = nil
	return result
}

// AppendMarker appends a note line separating the output of two
// control processes. Nothing is appended to an empty or full buffer.
func (lb *LogBuffer) AppendMarker(note string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if len(lb.buf) == 0 {
		return
	}
	msg := "(slunit: note: " + note + ")\n"
	if lb.buf[len(lb.buf)-1] != '\n' {
		msg = "\n" + msg
	}
	if lb.bufMax-len(lb.buf) < len(msg) {
		return
	}
	lb.buf = append(lb.buf, msg...)
}
