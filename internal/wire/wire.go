// Package wire implements the UDP wire protocol described by spec.md §6:
// every datagram carries a single UTF-16 (little-endian) encoded XML
// document whose root element name selects the message type.
package wire

import (
	"encoding/xml"
	"fmt"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Sentinel is the reserved literal datagram payload a node sends to itself
// on shutdown to unblock its own receiver. It is never XML and must never be
// parsed as a message (spec.md §6).
const Sentinel = "QuitUdpSocket"

// Message type / command verbs used as XML attribute values, per spec.md §6.
const (
	CommandRegistry   = "Registry"
	CommandBlock      = "Block"
	CommandUnblock    = "Unblock"
	CommandStartWork  = "StartWork"
	CommandStopWork   = "StopWork"
	CommandJobSchedule = "JobSchedule"
	CommandJobDone    = "JobDone"
	CommandJobSubmit  = "JobSubmit"
	CommandJobQuery   = "JobQuery"
	CommandJobStatus  = "JobStatus"
	CommandInfo       = "Info"
	CommandError      = "Error"
)

// ResultOK and ResultFail are the two literal values the `result` attribute
// may take on acknowledgements.
const (
	ResultOK   = "OK"
	ResultFail = "Fail"
)

// ResourceType is the sole `type` attribute value carried by a Resource
// message (spec.md §6: `type="Execution"`).
const ResourceType = "Execution"

var utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// Node is the nested <Node .../> element describing the sender (or, inside
// a Resource message, one idle worker), per spec.md §6.
type Node struct {
	Type           string `xml:"type,attr"`
	Name           string `xml:"name,attr"`
	Ip             string `xml:"ip,attr"`
	Port           int    `xml:"port,attr"`
	Guid           string `xml:"guid,attr"`
	Busy           bool   `xml:"busy,attr"`
	ProcessorCount int    `xml:"processorCount,attr"`
	JobWorking     string `xml:"jobWorking,attr,omitempty"`
}

// Job is the wire representation of a job, used both as a standalone root
// message (dispatch to a worker) and nested inside a JobManage/JobSubmit
// message (submission to a coordinator).
type Job struct {
	XMLName   xml.Name `xml:"Job"`
	Guid      string   `xml:"guid,attr"`
	Command   string   `xml:"command,attr"`
	Arguments string   `xml:"arguments,attr,omitempty"`
	TaskName  string   `xml:"taskName,attr,omitempty"`
	WedgeName string   `xml:"wedgeName,attr,omitempty"`
	Name      string   `xml:"name,attr,omitempty"`
	DoneFile  string   `xml:"doneFile,attr,omitempty"`
}

// Control carries a membership/lifecycle/job-ack command, per spec.md §6.
type Control struct {
	XMLName xml.Name `xml:"Control"`
	Command string   `xml:"command,attr"`
	Guid    string   `xml:"guid,attr,omitempty"`
	Result  string   `xml:"result,attr,omitempty"`
	Node    *Node    `xml:"Node,omitempty"`
}

// Report forwards an Info/Error event upward, per spec.md §4.1's dispatch
// table.
type Report struct {
	XMLName xml.Name `xml:"Report"`
	Command string   `xml:"command,attr"`
	Message string   `xml:"message,attr,omitempty"`
	Node    *Node    `xml:"Node,omitempty"`
}

// Resource enumerates up to 10 idle workers, published by the aggregator,
// per spec.md §4.4/§6.
type Resource struct {
	XMLName xml.Name `xml:"Resource"`
	Type    string   `xml:"type,attr"`
	Nodes   []Node   `xml:"Node"`
}

// JobManage carries submission, query, and status-reply traffic between an
// external submitter and a coordinator, per spec.md §6.
type JobManage struct {
	XMLName       xml.Name `xml:"JobManage"`
	Command       string   `xml:"command,attr"`
	Guid          string   `xml:"guid,attr,omitempty"`
	TaskName      string   `xml:"taskName,attr,omitempty"`
	Running       int      `xml:"running,attr,omitempty"`
	Dispatched    int      `xml:"dispatched,attr,omitempty"`
	NonScheduled  int      `xml:"non-scheduled,attr,omitempty"`
	Job           *Job     `xml:"Job,omitempty"`
}

// probe captures only the root element name, used to sniff a message's type
// before it is fully unmarshaled into its concrete struct.
type probe struct {
	XMLName xml.Name
}

// RootName returns the root XML element name of an encoded message, used by
// the dispatcher to decide which concrete struct to unmarshal into
// (spec.md §4.1: "reads the top element name as the message type").
func RootName(decoded string) (string, error) {
	var p probe
	if err := xml.Unmarshal([]byte(decoded), &p); err != nil {
		return "", fmt.Errorf("wire: sniffing root element: %w", err)
	}
	return p.XMLName.Local, nil
}

// Encode marshals v to XML and transcodes it to UTF-16LE bytes ready to be
// sent as a single UDP datagram.
func Encode(v any) ([]byte, error) {
	xmlBytes, err := xml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshaling XML: %w", err)
	}
	out, _, err := transform.Bytes(utf16LE.NewEncoder(), xmlBytes)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding UTF-16LE: %w", err)
	}
	return out, nil
}

// Decode transcodes a UTF-16LE datagram payload back to a UTF-8 Go string.
// Callers must check for Sentinel on the raw bytes before calling Decode,
// since the sentinel is not XML and is not necessarily valid UTF-16.
func Decode(payload []byte) (string, error) {
	out, _, err := transform.Bytes(utf16LE.NewDecoder(), payload)
	if err != nil {
		return "", fmt.Errorf("wire: decoding UTF-16LE: %w", err)
	}
	return string(out), nil
}
