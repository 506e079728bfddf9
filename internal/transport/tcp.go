package transport

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/meridian-lims/lablink/internal/driver"
)

// dialTimeout bounds how long a connect attempt may block; reconnect pacing
// is the connection manager's job, not the dialer's.
const dialTimeout = 10 * time.Second

func openTCP(p driver.TCPParams) (Link, error) {
	addr := net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		// analyzers send sporadically; keepalives detect a dead peer between
		// messages
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(30 * time.Second)
	}

	return idempotent(conn), nil
}
