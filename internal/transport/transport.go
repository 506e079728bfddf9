// Package transport provides the physical link layer for instrument
// connections: one serial or TCP link per connection, opened from a driver
// configuration. Links are plain byte pipes; framing and parsing happen
// upstream.
package transport

import (
	"fmt"
	"io"
	"sync"

	"github.com/meridian-lims/lablink/internal/driver"
)

// Link is the minimal interface for an open instrument link. Read blocks
// until bytes arrive; Write is used for query-mode instruments that require
// host commands. Close is idempotent and safe to call from any goroutine,
// including concurrently with a blocked Read (closing unblocks it).
type Link interface {
	io.ReadWriter
	io.Closer
}

// Opener opens a link described by a driver configuration. It is injected
// into the connection manager so tests and alternative runtime modes can
// supply their own link constructors.
type Opener func(cfg driver.Config) (Link, error)

// Open dispatches on the configured transport kind. This is the production
// Opener.
func Open(cfg driver.Config) (Link, error) {
	switch cfg.Transport {
	case driver.TransportSerial:
		return openSerial(cfg.Serial)
	case driver.TransportTCP:
		return openTCP(cfg.TCP)
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport)
	}
}

// closeOnce wraps a link so repeated Close calls are safe and return the
// first close error.
type closeOnce struct {
	Link
	once sync.Once
	err  error
}

func (c *closeOnce) Close() error {
	c.once.Do(func() {
		c.err = c.Link.Close()
	})
	return c.err
}

func idempotent(l Link) Link {
	return &closeOnce{Link: l}
}
