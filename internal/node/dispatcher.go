package node

import (
	"context"
	"encoding/xml"

	"github.com/gridwork/jobgrid/internal/membership"
	"github.com/gridwork/jobgrid/internal/wire"
)

func unmarshalXML(s string, v any) error {
	return xml.Unmarshal([]byte(s), v)
}

// runDispatcher drains the inbound queue and applies the protocol routing
// table of spec.md §4.1. The inbound queue is FIFO and this loop is
// single-threaded, so messages from the same sender are processed in
// arrival order (spec.md §5 "Ordering guarantees"); across senders no
// ordering is implied or required.
func (e *Engine) runDispatcher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-e.inbound:
			e.dispatch(msg)
		}
	}
}

func (e *Engine) dispatch(msg inboundMsg) {
	root, err := wire.RootName(msg.text)
	if err != nil {
		e.Log.Errorf("Dispatcher: malformed message from %s, skipping: %v (%q)", msg.from, err, msg.text)
		return
	}

	switch root {
	case "Control":
		e.handleControl(msg)
	case "Report":
		e.handleReport(msg)
	case "Resource":
		e.handleResource(msg)
	case "JobManage":
		e.handleJobManage(msg)
	case "Job":
		e.handleJobOffer(msg)
	default:
		e.Log.Errorf("Dispatcher: unknown message type %q from %s, skipping", root, msg.from)
	}
}

// registerSender applies implicit registration (spec.md §3): any addressed
// message with a Node child proves its sender alive and, unless blocked,
// upserts it into the membership table.
func (e *Engine) registerSender(n *wire.Node) {
	if n == nil || n.Guid == "" {
		return
	}
	info := nodeInfoFromWire(*n)
	if e.Table.IsBlocked(info.ID) {
		return
	}
	e.Table.Upsert(info)
}

func nodeInfoFromWire(n wire.Node) membership.NodeInfo {
	return membership.NodeInfo{
		ID:                n.Guid,
		Name:              n.Name,
		Host:              membership.CanonicalizeHost(n.Ip),
		Port:              n.Port,
		Role:              membership.ParseRole(n.Type),
		Busy:              n.Busy,
		ProcessorCount:    n.ProcessorCount,
		LastCompletedTask: n.JobWorking,
	}
}

// selfNode renders this engine's own sender descriptor, attached to every
// outgoing Control/Report message.
func (e *Engine) selfNode() wire.Node {
	busy, lastTask := e.selfStatus()
	return wire.Node{
		Type:           e.Role.String(),
		Name:           e.Name,
		Ip:             e.Host,
		Port:           e.Port,
		Guid:           e.ID,
		Busy:           busy,
		ProcessorCount: e.ProcessorCount,
		JobWorking:     lastTask,
	}
}

func (e *Engine) handleControl(msg inboundMsg) {
	var c wire.Control
	if err := unmarshalXML(msg.text, &c); err != nil {
		e.Log.Errorf("Dispatcher: malformed Control from %s: %v", msg.from, err)
		return
	}

	switch c.Command {
	case wire.CommandBlock:
		e.Table.Block(c.Guid)
		return
	case wire.CommandUnblock:
		e.Table.Unblock(c.Guid)
		return
	}

	// Every other Control command carries the sender's own Node descriptor
	// and doubles as implicit registration.
	e.registerSender(c.Node)

	switch c.Command {
	case wire.CommandRegistry:
		// Registration already applied above; Registry carries no further
		// action of its own.
	case wire.CommandStartWork:
		e.pauseJobs.Store(false)
	case wire.CommandStopWork:
		e.pauseJobs.Store(true)
	case wire.CommandJobSchedule:
		if e.hooks.OnJobScheduleReply != nil {
			e.hooks.OnJobScheduleReply(e, c.Guid, c.Result)
		}
	case wire.CommandJobDone:
		if e.hooks.OnJobDoneReply != nil {
			e.hooks.OnJobDoneReply(e, c.Guid, c.Result)
		}
	default:
		e.Log.Errorf("Dispatcher: unknown Control command %q from %s, skipping", c.Command, msg.from)
	}
}

func (e *Engine) handleReport(msg inboundMsg) {
	var r wire.Report
	if err := unmarshalXML(msg.text, &r); err != nil {
		e.Log.Errorf("Dispatcher: malformed Report from %s: %v", msg.from, err)
		return
	}
	e.registerSender(r.Node)

	switch r.Command {
	case wire.CommandInfo:
		e.Log.Printf("Report from %s: %s", msg.from, r.Message)
	case wire.CommandError:
		e.Log.Errorf("Report from %s: %s", msg.from, r.Message)
	default:
		e.Log.Errorf("Dispatcher: unknown Report command %q from %s, skipping", r.Command, msg.from)
	}
}

func (e *Engine) handleResource(msg inboundMsg) {
	var rsrc wire.Resource
	if err := unmarshalXML(msg.text, &rsrc); err != nil {
		e.Log.Errorf("Dispatcher: malformed Resource from %s: %v", msg.from, err)
		return
	}
	for _, n := range rsrc.Nodes {
		if e.Table.IsBlocked(n.Guid) {
			continue
		}
		e.Table.Upsert(nodeInfoFromWire(n))
	}
	if e.hooks.OnResource != nil {
		e.hooks.OnResource(e, rsrc.Nodes)
	}
}

func (e *Engine) handleJobManage(msg inboundMsg) {
	var jm wire.JobManage
	if err := unmarshalXML(msg.text, &jm); err != nil {
		e.Log.Errorf("Dispatcher: malformed JobManage from %s: %v", msg.from, err)
		return
	}

	switch jm.Command {
	case wire.CommandJobSubmit:
		if jm.Job == nil {
			e.Log.Errorf("Dispatcher: JobSubmit from %s missing embedded Job, skipping", msg.from)
			return
		}
		if e.hooks.OnJobSubmit != nil {
			e.hooks.OnJobSubmit(e, *jm.Job, msg.from)
		}
	case wire.CommandJobQuery:
		if e.hooks.OnJobQuery == nil {
			return
		}
		running, dispatched, nonScheduled := e.hooks.OnJobQuery(e, jm.TaskName)
		reply := wire.JobManage{
			Command:      wire.CommandJobStatus,
			Guid:         jm.Guid,
			Running:      running,
			Dispatched:   dispatched,
			NonScheduled: nonScheduled,
		}
		if err := e.SendTo(msg.from, reply); err != nil {
			e.Log.Errorf("Dispatcher: failed replying JobStatus to %s: %v", msg.from, err)
		}
	case wire.CommandJobStatus:
		e.deliverPending(jm)
	default:
		e.Log.Errorf("Dispatcher: unknown JobManage command %q from %s, skipping", jm.Command, msg.from)
	}
}

func (e *Engine) handleJobOffer(msg inboundMsg) {
	var j wire.Job
	if err := unmarshalXML(msg.text, &j); err != nil {
		e.Log.Errorf("Dispatcher: malformed Job from %s: %v", msg.from, err)
		return
	}
	if e.hooks.OnJobOffer != nil {
		e.hooks.OnJobOffer(e, j, msg.from)
	}
}
