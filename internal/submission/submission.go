// Package submission is the external client library used to submit jobs to
// a coordinator and query their status, per spec.md §2's "external
// submission client" and §9's supplemental JobQuery round trip.
package submission

import (
	"context"
	"encoding/xml"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/gridwork/jobgrid/internal/wire"
)

func unmarshalXML(s string, v any) error {
	return xml.Unmarshal([]byte(s), v)
}

// Client is a minimal, standalone UDP client: it does not run the full node
// engine (no receiver/dispatcher/monitor activities), since an external
// submitter only ever needs a single request/response round trip at a time.
type Client struct {
	conn *net.UDPConn
}

// Dial opens an ephemeral UDP socket for talking to coordinators.
func Dial() (*Client, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("submission: opening socket: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the underlying socket.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Submit sends a JobSubmit message carrying j to the coordinator at addr. It
// does not wait for an acknowledgement: submission is fire-and-forget, with
// status observable afterward via QueryStatus (spec.md §6).
func (c *Client) Submit(addr string, j wire.Job) error {
	if j.Guid == "" {
		j.Guid = uuid.NewString()
	}
	msg := wire.JobManage{Command: wire.CommandJobSubmit, Guid: j.Guid, Job: &j}
	return c.send(addr, msg)
}

// QueryStatus sends a JobQuery to addr, optionally filtered by taskFilter,
// and blocks for the JobStatus reply, bounded by ctx (spec.md §4.1's
// JobQuery/JobStatus dispatcher entries, §5's 3s remote-query reply window).
func (c *Client) QueryStatus(ctx context.Context, addr, taskFilter string) (running, dispatched, nonScheduled int, err error) {
	guid := uuid.NewString()
	msg := wire.JobManage{Command: wire.CommandJobQuery, Guid: guid, TaskName: taskFilter}
	if err := c.send(addr, msg); err != nil {
		return 0, 0, 0, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	} else {
		_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	}
	defer c.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 64*1024)
	for {
		n, _, rerr := c.conn.ReadFromUDP(buf)
		if rerr != nil {
			return 0, 0, 0, fmt.Errorf("submission: waiting for JobStatus: %w", rerr)
		}

		decoded, derr := wire.Decode(buf[:n])
		if derr != nil {
			continue
		}
		root, rnerr := wire.RootName(decoded)
		if rnerr != nil || root != "JobManage" {
			continue
		}

		var jm wire.JobManage
		if xerr := unmarshalXML(decoded, &jm); xerr != nil || jm.Command != wire.CommandJobStatus || jm.Guid != guid {
			continue
		}
		return jm.Running, jm.Dispatched, jm.NonScheduled, nil
	}
}

func (c *Client) send(addr string, msg any) error {
	payload, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("submission: encoding message: %w", err)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("submission: resolving address %s: %w", addr, err)
	}
	if _, err := c.conn.WriteToUDP(payload, udpAddr); err != nil {
		return fmt.Errorf("submission: sending to %s: %w", addr, err)
	}
	return nil
}
