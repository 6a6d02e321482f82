// Package control implements the control socket of slunit. Clients
// query and change units over a Unix domain socket; requests run on
// the event loop goroutine.
//
// Every packet is a type byte, a little-endian 16-bit payload length
// and a CBOR payload.
package control

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// ProtocolVersion is bumped on incompatible payload changes.
const ProtocolVersion uint16 = 1

// Command codes (client → server).
const (
	CmdQueryVersion uint8 = 0
	CmdListUnits    uint8 = 1
	CmdUnitStatus   uint8 = 2
	CmdStartUnit    uint8 = 3
	CmdStopUnit     uint8 = 4
	CmdRestartUnit  uint8 = 5
	CmdResetFailed  uint8 = 6
	CmdKillUnit     uint8 = 7
	CmdAbandonScope uint8 = 8
	CmdCreateScope  uint8 = 9
	CmdListJobs     uint8 = 10
	CmdCancelJob    uint8 = 11
	CmdReload       uint8 = 12
	CmdReexec       uint8 = 13
	CmdShutdown     uint8 = 14
	CmdSubscribe    uint8 = 15
	CmdUnsubscribe  uint8 = 16
)

// Reply codes (server → client).
const (
	RplyACK        uint8 = 50
	RplyNAK        uint8 = 51
	RplyBadReq     uint8 = 52
	RplyCPVersion  uint8 = 58
	RplyUnitInfo   uint8 = 59
	RplyListDone   uint8 = 60
	RplyUnitStatus uint8 = 61
	RplyJob        uint8 = 62
	RplyJobInfo    uint8 = 63
)

// Info codes (server → client, unsolicited).
const (
	InfoUnitEvent   uint8 = 100
	InfoStopRequest uint8 = 101
)

// Error codes carried by a NAK.
const (
	ErrCodeFailed       = "failed"
	ErrCodeNotFound     = "not-found"
	ErrCodeInvalid      = "invalid"
	ErrCodePerm         = "not-permitted"
	ErrCodeAgain        = "again"
	ErrCodeStale        = "stale"
	ErrCodeShuttingDown = "shutting-down"
)

// MaxPayloadSize is the largest payload the length field can carry.
const MaxPayloadSize = 65535

// WritePacket writes a packet: [type(1)][payloadLen(2)][payload(N)].
func WritePacket(w io.Writer, pktType uint8, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("payload too large: %d > %d", len(payload), MaxPayloadSize)
	}
	buf := make([]byte, 3+len(payload))
	buf[0] = pktType
	binary.LittleEndian.PutUint16(buf[1:], uint16(len(payload)))
	copy(buf[3:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadPacket reads a packet: [type(1)][payloadLen(2)][payload(N)].
func ReadPacket(r io.Reader) (pktType uint8, payload []byte, err error) {
	var hdr [3]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	pktType = hdr[0]
	pLen := binary.LittleEndian.Uint16(hdr[1:])
	if pLen > 0 {
		payload = make([]byte, pLen)
		if _, err = io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return pktType, payload, nil
}

// WriteMessage encodes v and writes it as one packet. A nil v sends an
// empty payload.
func WriteMessage(w io.Writer, pktType uint8, v any) error {
	if v == nil {
		return WritePacket(w, pktType, nil)
	}
	payload, err := Marshal(v)
	if err != nil {
		return err
	}
	return WritePacket(w, pktType, payload)
}

// --- Payloads ---

// VersionReply answers CmdQueryVersion. Peer is the name the server
// knows this connection by; it is what a scope's Controller refers to.
type VersionReply struct {
	Protocol uint16 `cbor:"protocol"`
	Version  string `cbor:"version"`
	Peer     string `cbor:"peer"`
}

// ErrorReply is the payload of a NAK.
type ErrorReply struct {
	Code    string `cbor:"code"`
	Message string `cbor:"message"`
}

func (e *ErrorReply) Error() string {
	return e.Message
}

// UnitRequest names the unit a command applies to.
type UnitRequest struct {
	Name string `cbor:"name"`
}

// JobRequest asks for a start, stop or restart job. With Wait set the
// reply is sent once the job has finished.
type JobRequest struct {
	Name string `cbor:"name"`
	Wait bool   `cbor:"wait,omitempty"`
}

// JobReply reports an installed job, and its result if the client
// waited for it.
type JobReply struct {
	ID     uint32 `cbor:"id"`
	Unit   string `cbor:"unit"`
	Type   string `cbor:"type"`
	Result string `cbor:"result,omitempty"`
}

// JobInfo describes one installed job.
type JobInfo struct {
	ID    uint32 `cbor:"id"`
	Unit  string `cbor:"unit"`
	Type  string `cbor:"type"`
	State string `cbor:"state"`
}

// CancelJobRequest names a job by its ID.
type CancelJobRequest struct {
	ID uint32 `cbor:"id"`
}

// KillRequest signals processes of a unit. Who is "all", "main" or
// "control"; Signal is a name such as "SIGTERM" or a number.
type KillRequest struct {
	Name   string `cbor:"name"`
	Who    string `cbor:"who,omitempty"`
	Signal string `cbor:"signal"`
}

// CreateScopeRequest creates and starts a transient scope around
// existing processes.
type CreateScopeRequest struct {
	Name        string        `cbor:"name"`
	Description string        `cbor:"description,omitempty"`
	PIDs        []int         `cbor:"pids"`
	Controller  string        `cbor:"controller,omitempty"`
	User        string        `cbor:"user,omitempty"`
	Group       string        `cbor:"group,omitempty"`
	TimeoutStop time.Duration `cbor:"timeout-stop,omitempty"`
	Wait        bool          `cbor:"wait,omitempty"`
}

// ShutdownRequest names the emergency action to shut down with, such
// as "poweroff", "reboot" or "exit".
type ShutdownRequest struct {
	Action string `cbor:"action"`
}

// ReexecRequest asks the manager to serialize itself and exec again.
type ReexecRequest struct {
	Path string `cbor:"path,omitempty"`
}

// UnitInfo is one row of CmdListUnits.
type UnitInfo struct {
	Name        string `cbor:"name"`
	Type        string `cbor:"type"`
	Load        string `cbor:"load"`
	Active      string `cbor:"active"`
	Sub         string `cbor:"sub"`
	Description string `cbor:"description,omitempty"`
	Job         string `cbor:"job,omitempty"`
}

// UnitStatus is the detailed state of one unit.
type UnitStatus struct {
	UnitInfo
	Fragment    string    `cbor:"fragment,omitempty"`
	LoadError   string    `cbor:"load-error,omitempty"`
	Transient   bool      `cbor:"transient,omitempty"`
	Perpetual   bool      `cbor:"perpetual,omitempty"`
	StateChange time.Time `cbor:"state-change"`
	ActiveEnter time.Time `cbor:"active-enter"`
	ActiveExit  time.Time `cbor:"active-exit"`
	Cgroup      string    `cbor:"cgroup,omitempty"`
	PIDs        []int     `cbor:"pids,omitempty"`
	Result      string    `cbor:"result,omitempty"`
	Controller  string    `cbor:"controller,omitempty"`
	What        string    `cbor:"what,omitempty"`
	Sysfs       string    `cbor:"sysfs,omitempty"`
	ControlPID  int       `cbor:"control-pid,omitempty"`
	Output      string    `cbor:"output,omitempty"`
}

// UnitEvent is sent to subscribers when a unit changes state.
type UnitEvent struct {
	Unit   string `cbor:"unit"`
	Old    string `cbor:"old"`
	New    string `cbor:"new"`
	Sub    string `cbor:"sub"`
	Reload bool   `cbor:"reload,omitempty"`
}

// StopRequest asks a scope's controller to stop the scope.
type StopRequest struct {
	Unit string `cbor:"unit"`
}
