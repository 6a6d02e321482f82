package control

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrUnexpectedReply reports a reply code the client did not expect.
var ErrUnexpectedReply = errors.New("unexpected reply")

// Client is a synchronous control socket client. Unsolicited packets
// received while waiting for a reply are handed to OnInfo.
type Client struct {
	conn net.Conn

	// OnInfo receives unit events and stop requests.
	OnInfo func(kind uint8, payload []byte)
}

// Dial connects to the control socket at path.
func Dial(path string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// readReply reads packets until one that is not unsolicited arrives.
func (c *Client) readReply() (uint8, []byte, error) {
	for {
		kind, payload, err := ReadPacket(c.conn)
		if err != nil {
			return 0, nil, err
		}
		if kind >= InfoUnitEvent {
			if c.OnInfo != nil {
				c.OnInfo(kind, payload)
			}
			continue
		}
		return kind, payload, nil
	}
}

// roundTrip sends a request and decodes a reply of the wanted kind into
// out. A NAK comes back as an *ErrorReply.
func (c *Client) roundTrip(cmd uint8, req any, want uint8, out any) error {
	if err := WriteMessage(c.conn, cmd, req); err != nil {
		return err
	}
	kind, payload, err := c.readReply()
	if err != nil {
		return err
	}
	return decodeReply(kind, payload, want, out)
}

func decodeReply(kind uint8, payload []byte, want uint8, out any) error {
	switch kind {
	case want:
		if out == nil {
			return nil
		}
		return Unmarshal(payload, out)
	case RplyNAK:
		var e ErrorReply
		if err := Unmarshal(payload, &e); err != nil {
			return err
		}
		return &e
	case RplyBadReq:
		return errors.New("bad request")
	default:
		return fmt.Errorf("%w: %d", ErrUnexpectedReply, kind)
	}
}

// Version queries the protocol version and this connection's peer name.
func (c *Client) Version() (*VersionReply, error) {
	var v VersionReply
	if err := c.roundTrip(CmdQueryVersion, nil, RplyCPVersion, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// ListUnits returns every loaded unit.
func (c *Client) ListUnits() ([]UnitInfo, error) {
	if err := WriteMessage(c.conn, CmdListUnits, nil); err != nil {
		return nil, err
	}
	var units []UnitInfo
	for {
		kind, payload, err := c.readReply()
		if err != nil {
			return nil, err
		}
		if kind == RplyListDone {
			return units, nil
		}
		var info UnitInfo
		if err := decodeReply(kind, payload, RplyUnitInfo, &info); err != nil {
			return nil, err
		}
		units = append(units, info)
	}
}

// ListJobs returns every installed job.
func (c *Client) ListJobs() ([]JobInfo, error) {
	if err := WriteMessage(c.conn, CmdListJobs, nil); err != nil {
		return nil, err
	}
	var jobs []JobInfo
	for {
		kind, payload, err := c.readReply()
		if err != nil {
			return nil, err
		}
		if kind == RplyListDone {
			return jobs, nil
		}
		var info JobInfo
		if err := decodeReply(kind, payload, RplyJobInfo, &info); err != nil {
			return nil, err
		}
		jobs = append(jobs, info)
	}
}

// Status returns the detailed state of a unit.
func (c *Client) Status(name string) (*UnitStatus, error) {
	var st UnitStatus
	if err := c.roundTrip(CmdUnitStatus, &UnitRequest{Name: name}, RplyUnitStatus, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Job queues a start, stop or restart job. cmd is one of CmdStartUnit,
// CmdStopUnit or CmdRestartUnit.
func (c *Client) Job(cmd uint8, name string, wait bool) (*JobReply, error) {
	var rep JobReply
	if err := c.roundTrip(cmd, &JobRequest{Name: name, Wait: wait}, RplyJob, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// CancelJob cancels an installed job.
func (c *Client) CancelJob(id uint32) error {
	return c.roundTrip(CmdCancelJob, &CancelJobRequest{ID: id}, RplyACK, nil)
}

// ResetFailed clears the failed state of a unit, or of all units if
// name is empty.
func (c *Client) ResetFailed(name string) error {
	return c.roundTrip(CmdResetFailed, &UnitRequest{Name: name}, RplyACK, nil)
}

// Kill signals processes of a unit.
func (c *Client) Kill(name, who, signal string) error {
	return c.roundTrip(CmdKillUnit, &KillRequest{Name: name, Who: who, Signal: signal}, RplyACK, nil)
}

// Abandon detaches a scope from its creator.
func (c *Client) Abandon(name string) error {
	return c.roundTrip(CmdAbandonScope, &UnitRequest{Name: name}, RplyACK, nil)
}

// CreateScope creates and starts a transient scope.
func (c *Client) CreateScope(req *CreateScopeRequest) (*JobReply, error) {
	var rep JobReply
	if err := c.roundTrip(CmdCreateScope, req, RplyJob, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// Reload asks the manager to reload its unit files.
func (c *Client) Reload() error {
	return c.roundTrip(CmdReload, nil, RplyACK, nil)
}

// Reexec asks the manager to serialize its state and exec itself.
func (c *Client) Reexec(path string) error {
	return c.roundTrip(CmdReexec, &ReexecRequest{Path: path}, RplyACK, nil)
}

// Shutdown asks the manager to stop all units and take action.
func (c *Client) Shutdown(action string) error {
	return c.roundTrip(CmdShutdown, &ShutdownRequest{Action: action}, RplyACK, nil)
}

// Subscribe turns unit event delivery on or off.
func (c *Client) Subscribe(on bool) error {
	cmd := CmdSubscribe
	if !on {
		cmd = CmdUnsubscribe
	}
	return c.roundTrip(cmd, nil, RplyACK, nil)
}

// WaitInfo blocks until an unsolicited packet arrives and returns it.
func (c *Client) WaitInfo() (uint8, []byte, error) {
	for {
		kind, payload, err := ReadPacket(c.conn)
		if err != nil {
			return 0, nil, err
		}
		if kind >= InfoUnitEvent {
			return kind, payload, nil
		}
	}
}
