package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/sunlightlinux/slunit/pkg/logging"
	"github.com/sunlightlinux/slunit/pkg/unit"
)

// Loop runs closures on the goroutine that owns the manager.
type Loop interface {
	// Call runs fn on the loop and waits for it to return.
	Call(ctx context.Context, fn func()) error
	// Post queues fn without waiting.
	Post(fn func()) error
	Manager() *unit.Manager
}

// Server listens on a Unix domain socket and handles control connections.
// It also tracks the connections that control transient scopes.
type Server struct {
	loop     Loop
	listener net.Listener
	sockPath string
	logger   *logging.Logger
	conns    map[*Connection]struct{}
	peers    map[string]*Connection
	nextPeer uint64
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// tracked maps a unit to its controller. Only touched on the loop.
	tracked map[unit.Unit]string

	// Version is reported to clients.
	Version string
	// System selects which emergency actions shutdown accepts.
	System bool

	// ShutdownFunc is called on the loop when a shutdown is requested.
	ShutdownFunc func(unit.EmergencyAction)
	// ReexecFunc is called on the loop when a re-exec is requested.
	// An empty path selects the default checkpoint location.
	ReexecFunc func(path string) error
}

// NewServer creates a new control socket server.
func NewServer(loop Loop, sockPath string, logger *logging.Logger) *Server {
	return &Server{
		loop:     loop,
		sockPath: sockPath,
		logger:   logger,
		conns:    make(map[*Connection]struct{}),
		peers:    make(map[string]*Connection),
		tracked:  make(map[unit.Unit]string),
		System:   true,
	}
}

// SocketPath returns the path the server listens on.
func (s *Server) SocketPath() string { return s.sockPath }

// Start binds the Unix socket and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	// Remove stale socket file if it exists
	if err := os.Remove(s.sockPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	listener, err := net.Listen("unix", s.sockPath)
	if err != nil {
		return err
	}

	// Set socket permissions (owner only)
	if err := os.Chmod(s.sockPath, 0600); err != nil {
		listener.Close()
		return err
	}

	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("Control socket listening on %s", s.sockPath)
	return nil
}

// Stop closes the listener and all active connections.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	os.Remove(s.sockPath)

	s.logger.Info("Control socket stopped")
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Control socket accept error: %v", err)
			continue
		}

		s.mu.Lock()
		s.nextPeer++
		c := newConnection(s, conn, ":"+strconv.FormatUint(s.nextPeer, 10))
		s.conns[c] = struct{}{}
		s.peers[c.peer] = c
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve()
			s.removeConnection(c)
		}()
	}
}

// removeConnection forgets c and drops it as controller of any scope.
func (s *Server) removeConnection(c *Connection) {
	s.mu.Lock()
	delete(s.conns, c)
	delete(s.peers, c.peer)
	s.mu.Unlock()

	_ = s.loop.Post(func() {
		if c.subscribed {
			s.loop.Manager().RemoveListener(c)
			c.subscribed = false
		}
		s.peerVanished(c.peer)
	})
}

func (s *Server) peer(name string) *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[name]
}

func (s *Server) peerVanished(name string) {
	for u, controller := range s.tracked {
		if controller != name {
			continue
		}
		delete(s.tracked, u)
		if sc, ok := u.(*unit.Scope); ok && sc.Controller() == name {
			s.logger.Debug("Controller %s of %s went away", name, u.Name())
			sc.SetController("")
		}
	}
}

// --- unit.BusTracker ---

// Track records name as the controller of u. The name must belong to a
// connected peer.
func (s *Server) Track(u unit.Unit, name string) error {
	if s.peer(name) == nil {
		return fmt.Errorf("controller %s: %w", name, unit.ErrNotFound)
	}
	s.tracked[u] = name
	return nil
}

// Untrack forgets the controller of u.
func (s *Server) Untrack(u unit.Unit) {
	delete(s.tracked, u)
}

// RequestStop sends a stop request for u to its controller.
func (s *Server) RequestStop(u unit.Unit, controller string) bool {
	c := s.peer(controller)
	if c == nil {
		return false
	}
	return c.queueInfo(InfoStopRequest, &StopRequest{Unit: u.Name()})
}
