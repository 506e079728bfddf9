package transport

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// ErrLinkClosed is returned by TestLink operations after Close.
var ErrLinkClosed = errors.New("link closed")

// TestLink implements Link with configurable behaviour for testing. Reads
// block until data is fed or the link is closed, mimicking a real port
// waiting for bytes. It is safe for concurrent use.
type TestLink struct {
	mu   sync.Mutex
	cond *sync.Cond

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer

	readErr  error
	writeErr error
	closed   bool
}

// NewTestLink creates an empty TestLink.
func NewTestLink() *TestLink {
	l := &TestLink{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Feed appends bytes for subsequent Read calls and wakes any blocked reader.
func (l *TestLink) Feed(data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readBuf.Write(data)
	l.cond.Broadcast()
}

// FailReads makes the next Read return err once the buffered data is
// consumed, simulating a link-level I/O fault.
func (l *TestLink) FailReads(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readErr = err
	l.cond.Broadcast()
}

// FailWrites makes subsequent Write calls return err.
func (l *TestLink) FailWrites(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeErr = err
}

func (l *TestLink) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.readBuf.Len() == 0 {
		if l.closed {
			return 0, io.EOF
		}
		if l.readErr != nil {
			err := l.readErr
			l.readErr = nil
			return 0, err
		}
		l.cond.Wait()
	}
	return l.readBuf.Read(p)
}

func (l *TestLink) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrLinkClosed
	}
	if l.writeErr != nil {
		return 0, l.writeErr
	}
	return l.writeBuf.Write(p)
}

// Close marks the link closed and unblocks any pending reader. Close is
// idempotent.
func (l *TestLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.cond.Broadcast()
	return nil
}

// Closed reports whether Close has been called.
func (l *TestLink) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Written returns everything written to the link so far.
func (l *TestLink) Written() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]byte(nil), l.writeBuf.Bytes()...)
}
