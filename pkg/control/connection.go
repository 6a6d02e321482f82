package control

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sunlightlinux/slunit/internal/util"
	"github.com/sunlightlinux/slunit/pkg/unit"
)

const (
	infoQueueLen = 256
	writeTimeout = 5 * time.Second
)

type infoPacket struct {
	kind    uint8
	payload []byte
}

// Connection represents a single control client connection.
type Connection struct {
	server *Server
	conn   net.Conn
	peer   string

	writeMu sync.Mutex
	info    chan infoPacket
	done    chan struct{}

	// subscribed is only touched on the loop.
	subscribed bool
}

func newConnection(server *Server, conn net.Conn, peer string) *Connection {
	return &Connection{
		server: server,
		conn:   conn,
		peer:   peer,
		info:   make(chan infoPacket, infoQueueLen),
		done:   make(chan struct{}),
	}
}

func (c *Connection) close() {
	c.conn.Close()
}

func (c *Connection) serve() {
	defer c.close()
	defer close(c.done)

	go c.writeInfo()

	for {
		if c.server.ctx.Err() != nil {
			return
		}

		cmd, payload, err := ReadPacket(c.conn)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				c.server.logger.Debug("Control connection read error: %v", err)
			}
			return
		}

		if err := c.dispatch(cmd, payload); err != nil {
			c.server.logger.Debug("Control command dispatch error: %v", err)
			return
		}
	}
}

// writeInfo sends queued unsolicited packets.
func (c *Connection) writeInfo() {
	for {
		select {
		case <-c.done:
			return
		case p := <-c.info:
			if err := c.send(p.kind, p.payload); err != nil {
				c.server.logger.Debug("Control connection write error: %v", err)
				c.close()
				return
			}
		}
	}
}

// queueInfo queues an unsolicited packet. It never blocks; a client
// that does not read loses packets.
func (c *Connection) queueInfo(kind uint8, v any) bool {
	payload, err := Marshal(v)
	if err != nil {
		c.server.logger.Error("Failed to encode info packet: %v", err)
		return false
	}
	select {
	case <-c.done:
		return false
	case c.info <- infoPacket{kind: kind, payload: payload}:
		return true
	default:
		c.server.logger.Debug("Control client %s is not reading, dropping packet", c.peer)
		return false
	}
}

func (c *Connection) send(kind uint8, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return WritePacket(c.conn, kind, payload)
}

func (c *Connection) reply(kind uint8, v any) error {
	if v == nil {
		return c.send(kind, nil)
	}
	payload, err := Marshal(v)
	if err != nil {
		return err
	}
	return c.send(kind, payload)
}

func (c *Connection) nak(err error) error {
	return c.reply(RplyNAK, &ErrorReply{Code: errorCode(err), Message: err.Error()})
}

// onLoop runs fn on the event loop. If the loop is gone the client is
// told the manager is shutting down.
func (c *Connection) onLoop(fn func()) (bool, error) {
	if err := c.server.loop.Call(c.server.ctx, fn); err != nil {
		return false, c.reply(RplyNAK, &ErrorReply{Code: ErrCodeShuttingDown, Message: err.Error()})
	}
	return true, nil
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, unit.ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, unit.ErrInvalid):
		return ErrCodeInvalid
	case errors.Is(err, unit.ErrPerm), errors.Is(err, unit.ErrUnsupported):
		return ErrCodePerm
	case errors.Is(err, unit.ErrAgain):
		return ErrCodeAgain
	case errors.Is(err, unit.ErrStale):
		return ErrCodeStale
	default:
		return ErrCodeFailed
	}
}

func (c *Connection) dispatch(cmd uint8, payload []byte) error {
	switch cmd {
	case CmdQueryVersion:
		return c.handleQueryVersion()
	case CmdListUnits:
		return c.handleListUnits()
	case CmdUnitStatus:
		return c.handleUnitStatus(payload)
	case CmdStartUnit:
		return c.handleJob(unit.JobStart, payload)
	case CmdStopUnit:
		return c.handleJob(unit.JobStop, payload)
	case CmdRestartUnit:
		return c.handleJob(unit.JobRestart, payload)
	case CmdResetFailed:
		return c.handleResetFailed(payload)
	case CmdKillUnit:
		return c.handleKill(payload)
	case CmdAbandonScope:
		return c.handleAbandon(payload)
	case CmdCreateScope:
		return c.handleCreateScope(payload)
	case CmdListJobs:
		return c.handleListJobs()
	case CmdCancelJob:
		return c.handleCancelJob(payload)
	case CmdReload:
		return c.handleReload()
	case CmdReexec:
		return c.handleReexec(payload)
	case CmdShutdown:
		return c.handleShutdown(payload)
	case CmdSubscribe:
		return c.handleSubscribe(true)
	case CmdUnsubscribe:
		return c.handleSubscribe(false)
	default:
		return c.reply(RplyBadReq, nil)
	}
}

// decode unmarshals a request, answering BadReq on failure.
func (c *Connection) decode(payload []byte, v any) (bool, error) {
	if err := Unmarshal(payload, v); err != nil {
		return false, c.reply(RplyBadReq, nil)
	}
	return true, nil
}

// --- Command handlers ---

func (c *Connection) handleQueryVersion() error {
	return c.reply(RplyCPVersion, &VersionReply{
		Protocol: ProtocolVersion,
		Version:  c.server.Version,
		Peer:     c.peer,
	})
}

func (c *Connection) handleListUnits() error {
	var infos []UnitInfo
	if ok, err := c.onLoop(func() {
		for _, u := range c.server.loop.Manager().Units() {
			infos = append(infos, unitInfo(u))
		}
	}); !ok {
		return err
	}
	for i := range infos {
		if err := c.reply(RplyUnitInfo, &infos[i]); err != nil {
			return err
		}
	}
	return c.reply(RplyListDone, nil)
}

func (c *Connection) handleUnitStatus(payload []byte) error {
	var req UnitRequest
	if ok, err := c.decode(payload, &req); !ok {
		return err
	}

	var (
		status UnitStatus
		lerr   error
	)
	if ok, err := c.onLoop(func() {
		m := c.server.loop.Manager()
		u, err := m.LoadUnit(req.Name)
		if err != nil {
			lerr = err
			return
		}
		m.DispatchLoadQueue()
		status = unitStatus(u)
	}); !ok {
		return err
	}
	if lerr != nil {
		return c.nak(lerr)
	}
	return c.reply(RplyUnitStatus, &status)
}

func (c *Connection) handleJob(t unit.JobType, payload []byte) error {
	var req JobRequest
	if ok, err := c.decode(payload, &req); !ok {
		return err
	}

	var (
		rep    JobReply
		jerr   error
		result = make(chan unit.JobResult, 1)
	)
	if ok, err := c.onLoop(func() {
		m := c.server.loop.Manager()
		if m.State() == unit.ManagerStopping && t != unit.JobStop {
			jerr = errShuttingDown
			return
		}
		j, err := m.AddJobByName(t, req.Name)
		if err != nil {
			jerr = err
			return
		}
		rep = JobReply{ID: j.ID, Unit: j.Unit().Name(), Type: j.Type.String()}
		if req.Wait {
			j.OnFinish(func(r unit.JobResult) { result <- r })
		}
	}); !ok {
		return err
	}
	if jerr != nil {
		return c.nak(jerr)
	}
	if req.Wait {
		select {
		case r := <-result:
			rep.Result = r.String()
		case <-c.server.ctx.Done():
			return c.reply(RplyNAK, &ErrorReply{Code: ErrCodeShuttingDown, Message: "manager is shutting down"})
		}
	}
	return c.reply(RplyJob, &rep)
}

var errShuttingDown = errors.New("manager is shutting down")

func (c *Connection) handleResetFailed(payload []byte) error {
	var req UnitRequest
	if ok, err := c.decode(payload, &req); !ok {
		return err
	}

	var rerr error
	if ok, err := c.onLoop(func() {
		m := c.server.loop.Manager()
		if req.Name == "" {
			for _, u := range m.Units() {
				u.ResetFailed()
			}
			return
		}
		u := m.Unit(req.Name)
		if u == nil {
			rerr = notLoaded(req.Name)
			return
		}
		u.ResetFailed()
	}); !ok {
		return err
	}
	if rerr != nil {
		return c.nak(rerr)
	}
	return c.reply(RplyACK, nil)
}

func (c *Connection) handleKill(payload []byte) error {
	var req KillRequest
	if ok, err := c.decode(payload, &req); !ok {
		return err
	}
	who, err := unit.ParseKillWho(req.Who)
	if err != nil {
		return c.nak(invalid(err))
	}
	sig, err := util.ParseSignal(req.Signal)
	if err != nil {
		return c.nak(invalid(err))
	}

	var kerr error
	if ok, err := c.onLoop(func() {
		u := c.server.loop.Manager().Unit(req.Name)
		if u == nil {
			kerr = notLoaded(req.Name)
			return
		}
		kerr = u.Kill(who, sig)
	}); !ok {
		return err
	}
	if kerr != nil {
		return c.nak(kerr)
	}
	return c.reply(RplyACK, nil)
}

func (c *Connection) handleAbandon(payload []byte) error {
	var req UnitRequest
	if ok, err := c.decode(payload, &req); !ok {
		return err
	}

	var aerr error
	if ok, err := c.onLoop(func() {
		u := c.server.loop.Manager().Unit(req.Name)
		sc, isScope := u.(*unit.Scope)
		switch {
		case u == nil:
			aerr = notLoaded(req.Name)
		case !isScope:
			aerr = invalid(errors.New(req.Name + " is not a scope"))
		default:
			aerr = sc.Abandon()
		}
	}); !ok {
		return err
	}
	if aerr != nil {
		return c.nak(aerr)
	}
	return c.reply(RplyACK, nil)
}

func (c *Connection) handleCreateScope(payload []byte) error {
	var req CreateScopeRequest
	if ok, err := c.decode(payload, &req); !ok {
		return err
	}
	if req.Controller != "" && c.server.peer(req.Controller) == nil {
		return c.nak(invalid(errors.New("controller " + req.Controller + " is not connected")))
	}

	var (
		rep    JobReply
		serr   error
		result = make(chan unit.JobResult, 1)
	)
	if ok, err := c.onLoop(func() {
		m := c.server.loop.Manager()
		if m.State() == unit.ManagerStopping {
			serr = errShuttingDown
			return
		}
		sc, err := m.NewTransientScope(req.Name)
		if err != nil {
			serr = err
			return
		}
		if req.Description != "" {
			sc.SetDescription(req.Description)
		}
		for _, pid := range req.PIDs {
			if err := sc.AddPID(pid); err != nil {
				serr = err
				return
			}
		}
		sc.SetController(req.Controller)
		if req.User != "" {
			sc.SetDelegate(req.User, req.Group)
		}
		if req.TimeoutStop > 0 {
			sc.SetTimeoutStop(req.TimeoutStop)
		}
		j, err := m.AddJob(unit.JobStart, sc)
		if err != nil {
			serr = err
			return
		}
		rep = JobReply{ID: j.ID, Unit: sc.Name(), Type: j.Type.String()}
		if req.Wait {
			j.OnFinish(func(r unit.JobResult) { result <- r })
		}
	}); !ok {
		return err
	}
	if serr != nil {
		return c.nak(serr)
	}
	if req.Wait {
		select {
		case r := <-result:
			rep.Result = r.String()
		case <-c.server.ctx.Done():
			return c.reply(RplyNAK, &ErrorReply{Code: ErrCodeShuttingDown, Message: errShuttingDown.Error()})
		}
	}
	return c.reply(RplyJob, &rep)
}

func (c *Connection) handleListJobs() error {
	var jobs []JobInfo
	if ok, err := c.onLoop(func() {
		for _, j := range c.server.loop.Manager().Jobs() {
			jobs = append(jobs, JobInfo{
				ID:    j.ID,
				Unit:  j.Unit().Name(),
				Type:  j.Type.String(),
				State: j.State.String(),
			})
		}
	}); !ok {
		return err
	}
	for i := range jobs {
		if err := c.reply(RplyJobInfo, &jobs[i]); err != nil {
			return err
		}
	}
	return c.reply(RplyListDone, nil)
}

func (c *Connection) handleCancelJob(payload []byte) error {
	var req CancelJobRequest
	if ok, err := c.decode(payload, &req); !ok {
		return err
	}
	var cerr error
	if ok, err := c.onLoop(func() {
		cerr = c.server.loop.Manager().CancelJob(req.ID)
	}); !ok {
		return err
	}
	if cerr != nil {
		return c.nak(cerr)
	}
	return c.reply(RplyACK, nil)
}

func (c *Connection) handleReload() error {
	var rerr error
	if ok, err := c.onLoop(func() {
		rerr = c.server.loop.Manager().Reload()
	}); !ok {
		return err
	}
	if rerr != nil {
		return c.nak(rerr)
	}
	return c.reply(RplyACK, nil)
}

func (c *Connection) handleReexec(payload []byte) error {
	var req ReexecRequest
	if ok, err := c.decode(payload, &req); !ok {
		return err
	}
	if c.server.ReexecFunc == nil {
		return c.nak(unit.ErrUnsupported)
	}
	// Acknowledge first: a successful re-exec does not return.
	if err := c.reply(RplyACK, nil); err != nil {
		return err
	}
	_ = c.server.loop.Post(func() {
		if err := c.server.ReexecFunc(req.Path); err != nil {
			c.server.logger.Error("Failed to re-execute: %v", err)
		}
	})
	return nil
}

func (c *Connection) handleShutdown(payload []byte) error {
	var req ShutdownRequest
	if ok, err := c.decode(payload, &req); !ok {
		return err
	}
	action, err := unit.ParseEmergencyAction(req.Action, c.server.System)
	if err != nil {
		return c.nak(err)
	}
	if action == unit.ActionNone {
		return c.nak(invalid(errors.New("shutdown needs an action")))
	}
	if c.server.ShutdownFunc == nil {
		return c.nak(unit.ErrUnsupported)
	}
	if ok, err := c.onLoop(func() {
		c.server.ShutdownFunc(action)
	}); !ok {
		return err
	}
	return c.reply(RplyACK, nil)
}

func (c *Connection) handleSubscribe(on bool) error {
	if ok, err := c.onLoop(func() {
		if c.subscribed == on {
			return
		}
		c.subscribed = on
		if on {
			c.server.loop.Manager().AddListener(c)
		} else {
			c.server.loop.Manager().RemoveListener(c)
		}
	}); !ok {
		return err
	}
	return c.reply(RplyACK, nil)
}

// UnitChanged forwards a state change to a subscribed client.
func (c *Connection) UnitChanged(ev unit.UnitEvent) {
	c.queueInfo(InfoUnitEvent, &UnitEvent{
		Unit:   ev.Unit,
		Old:    ev.Old.String(),
		New:    ev.New.String(),
		Sub:    ev.SubState,
		Reload: ev.Reload,
	})
}

func notLoaded(name string) error {
	return &unit.LoadError{Unit: name, Err: unit.ErrNotFound}
}

type invalidError struct{ err error }

func (e invalidError) Error() string { return e.err.Error() }
func (e invalidError) Unwrap() []error {
	return []error{e.err, unit.ErrInvalid}
}

func invalid(err error) error { return invalidError{err} }

// --- Replies ---

func unitInfo(u unit.Unit) UnitInfo {
	r := u.Record()
	info := UnitInfo{
		Name:        u.Name(),
		Type:        u.Type().String(),
		Load:        r.LoadState().String(),
		Active:      u.ActiveState().String(),
		Sub:         u.SubState(),
		Description: r.Description(),
	}
	if j := r.Job(); j != nil {
		info.Job = j.Type.String()
	}
	return info
}

func unitStatus(u unit.Unit) UnitStatus {
	r := u.Record()
	st := UnitStatus{
		UnitInfo:    unitInfo(u),
		Fragment:    r.FragmentPath(),
		Transient:   r.Transient(),
		Perpetual:   r.Perpetual(),
		StateChange: r.StateChangeTime(),
		ActiveEnter: r.ActiveEnterTime(),
		ActiveExit:  r.ActiveExitTime(),
		Cgroup:      r.CgroupPath(),
		PIDs:        r.Pids(),
	}
	if err := r.LoadErr(); err != nil {
		st.LoadError = err.Error()
	}
	if out := r.Output(); out != nil {
		st.Output = string(out.GetBuffer())
	}
	switch v := u.(type) {
	case *unit.Scope:
		st.Result = v.Result().String()
		st.Controller = v.Controller()
	case *unit.Swap:
		st.Result = v.Result().String()
		st.What = v.What()
		st.ControlPID = v.ControlPID()
	case *unit.Device:
		st.Sysfs = v.Sysfs()
	}
	return st
}
