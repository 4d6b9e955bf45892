package node

import (
	"context"
	"errors"
	"net"
	"strconv"

	"github.com/gridwork/jobgrid/internal/membership"
	"github.com/gridwork/jobgrid/internal/wire"
)

// inboundMsg is one decoded datagram queued from the receiver to the
// dispatcher, per spec.md §3 "Inbound queue".
type inboundMsg struct {
	text string
	from string // canonicalized host:port of the sender
}

// runReceiver blocks on UDP receive and feeds decoded messages to the
// dispatcher's inbound queue, per spec.md §4.1 "Receiver". On the sentinel
// payload it closes the socket and returns, unblocking itself rather than
// relying on a read deadline.
func (e *Engine) runReceiver(ctx context.Context) {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			e.Log.Errorf("Receiver: socket error: %v", err)
			continue
		}

		payload := buf[:n]
		if string(payload) == wire.Sentinel {
			e.closeSocket()
			return
		}

		decoded, err := wire.Decode(payload)
		if err != nil {
			e.Log.Errorf("Receiver: malformed datagram from %v, skipping: %v", from, err)
			continue
		}

		msg := inboundMsg{
			text: decoded,
			from: net.JoinHostPort(membership.CanonicalizeHost(from.IP.String()), strconv.Itoa(from.Port)),
		}

		select {
		case e.inbound <- msg:
		case <-ctx.Done():
			return
		}
	}
}
