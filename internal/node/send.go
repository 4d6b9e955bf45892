package node

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/gridwork/jobgrid/internal/membership"
	"github.com/gridwork/jobgrid/internal/wire"
)

// SendTo encodes msg and sends it as a single UDP datagram to addr. On a
// transient socket error it retries exactly once after 200ms (spec.md §4.1
// "SendTo / SendToAll", §5 "UDP send retry"); further failure is logged and
// the datagram is dropped, since higher-level retries are driven by job
// state timeouts rather than transport-level redelivery.
func (e *Engine) SendTo(addr string, msg any) error {
	payload, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("node: encoding message for %s: %w", addr, err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("node: resolving address %s: %w", addr, err)
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 1)
	sendErr := backoff.Retry(func() error {
		_, werr := e.conn.WriteToUDP(payload, udpAddr)
		return werr
	}, policy)
	if sendErr != nil {
		e.Log.Errorf("SendTo %s: failed after retry: %v", addr, sendErr)
		return sendErr
	}
	return nil
}

// SendToAll broadcasts msg to every known peer, optionally restricted to a
// single role, skipping this engine's own entry. Per-peer send failures are
// collected (not fatal to the broadcast as a whole) and returned together.
func (e *Engine) SendToAll(msg any, role *membership.Role) error {
	var result error
	for _, n := range e.Table.All() {
		if n.ID == e.ID {
			continue
		}
		if role != nil && n.Role != *role {
			continue
		}
		if err := e.SendTo(n.Addr(), msg); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", n.Addr(), err))
		}
	}
	return result
}

// Query sends a JobManage/JobQuery to addr and blocks for the matching
// JobStatus reply, bounded by QueryTimeout (spec.md §5 "Remote-query reply
// window").
func (e *Engine) Query(ctx context.Context, addr, taskFilter string) (wire.JobManage, error) {
	guid := uuid.NewString()
	reply := make(chan wire.JobManage, 1)

	e.pendingMu.Lock()
	e.pending[guid] = reply
	e.pendingMu.Unlock()
	defer func() {
		e.pendingMu.Lock()
		delete(e.pending, guid)
		e.pendingMu.Unlock()
	}()

	if err := e.SendTo(addr, wire.JobManage{Command: wire.CommandJobQuery, Guid: guid, TaskName: taskFilter}); err != nil {
		return wire.JobManage{}, err
	}

	timeout, cancel := context.WithTimeout(ctx, QueryTimeout)
	defer cancel()

	select {
	case jm := <-reply:
		return jm, nil
	case <-timeout.Done():
		return wire.JobManage{}, fmt.Errorf("node: query to %s timed out after %v", addr, QueryTimeout)
	}
}

// deliverPending routes a JobStatus reply to a waiting Query call if its
// guid correlates; otherwise it surfaces via the OnJobStatusReply hook.
func (e *Engine) deliverPending(jm wire.JobManage) {
	e.pendingMu.Lock()
	reply, ok := e.pending[jm.Guid]
	e.pendingMu.Unlock()

	if ok {
		select {
		case reply <- jm:
		default:
		}
		return
	}

	if e.hooks.OnJobStatusReply != nil {
		e.hooks.OnJobStatusReply(e, jm)
	}
}
