// Package framing converts the raw byte stream of one instrument connection
// into discrete, checksum-validated application frames. The decoder is a pure
// function of buffered bytes plus the driver dialect: it performs no I/O and
// never blocks, so it is safe to run on the connection's own goroutine.
package framing

import (
	"fmt"

	"github.com/meridian-lims/lablink/internal/driver"
)

// MaxFrameSize bounds the accumulation buffer. A stream that never produces
// an end marker within this many bytes is treated as malformed and the
// decoder resynchronizes.
const MaxFrameSize = 8192

// FrameError reports a frame dropped by the decoder: checksum mismatch or an
// overlong frame. Frame errors are recovered locally (the decoder scans
// forward to the next start marker); they are logged, never forwarded.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame dropped: %s", e.Reason)
}

// Decoder accumulates raw transport reads for one connection and emits
// complete frames. A frame boundary may arrive split across any number of
// reads; the decoder produces the same frame sequence regardless of how the
// stream is chunked.
type Decoder struct {
	dialect driver.Dialect

	// raw holds bytes not yet consumed into a frame.
	raw []byte
	// pending accumulates payloads of intermediate (ETB-terminated) blocks
	// until the final block completes the logical frame.
	pending []byte
}

// NewDecoder creates a decoder for the given dialect. The dialect is
// normalized once here, not per byte.
func NewDecoder(d driver.Dialect) (*Decoder, error) {
	dialect, err := d.Normalize()
	if err != nil {
		return nil, err
	}
	return &Decoder{dialect: dialect}, nil
}

// Push appends newly read bytes and returns any frames completed by them,
// along with errors for frames that were dropped. Returned frames are the
// concatenated payloads between the start marker and the final end marker,
// checksum verified and stripped.
func (d *Decoder) Push(data []byte) ([][]byte, []error) {
	d.raw = append(d.raw, data...)

	var frames [][]byte
	var errs []error

	for {
		frame, err, progress := d.scan()
		if err != nil {
			errs = append(errs, err)
		}
		if frame != nil {
			frames = append(frames, frame)
		}
		if !progress {
			return frames, errs
		}
	}
}

// scan attempts to consume one block from the raw buffer. It reports whether
// any input was consumed; when progress is false the decoder needs more
// bytes.
func (d *Decoder) scan() (frame []byte, err error, progress bool) {
	// discard line noise ahead of the start marker
	start := -1
	for i, b := range d.raw {
		if b == d.dialect.StartByte {
			start = i
			break
		}
	}
	if start < 0 {
		d.raw = d.raw[:0]
		return nil, nil, false
	}
	if start > 0 {
		d.raw = d.raw[start:]
	}

	// locate the end of this block
	end := -1
	final := true
	for i := 1; i < len(d.raw); i++ {
		if d.raw[i] == d.dialect.EndByte {
			end = i
			break
		}
		if d.dialect.MidByte != 0 && d.raw[i] == d.dialect.MidByte {
			end = i
			final = false
			break
		}
	}
	if end < 0 {
		if len(d.raw) > MaxFrameSize {
			// no end marker within bounds: drop this start marker and rescan
			d.raw = d.raw[1:]
			d.pending = nil
			return nil, &FrameError{Reason: fmt.Sprintf("no end marker within %d bytes", MaxFrameSize)}, true
		}
		return nil, nil, false
	}

	tn := trailerLen(d.dialect.Checksum)
	if len(d.raw) < end+1+tn {
		// checksum characters not fully received yet
		return nil, nil, false
	}

	payload := d.raw[1:end]
	checked := d.raw[1 : end+1] // payload plus end marker
	trailer := d.raw[end+1 : end+1+tn]
	ok := verifyChecksum(d.dialect.Checksum, checked, trailer)

	d.raw = d.raw[end+1+tn:]

	if !ok {
		// a corrupt block invalidates the whole multi-block message
		d.pending = nil
		return nil, &FrameError{Reason: fmt.Sprintf("checksum mismatch (got %q, want %s)",
			trailer, FormatChecksum(d.dialect.Checksum, checked))}, true
	}

	d.pending = append(d.pending, payload...)
	if !final {
		return nil, nil, true
	}

	frame = d.pending
	d.pending = nil
	return frame, nil, true
}

// Buffered reports how many raw bytes are awaiting a frame boundary. Used by
// connection diagnostics.
func (d *Decoder) Buffered() int {
	return len(d.raw)
}
