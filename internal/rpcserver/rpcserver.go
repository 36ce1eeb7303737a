// Package rpcserver is the daemon's half of the control-plane unix
// socket from spec §4.J/§6: it accepts one connection per GUI client,
// authenticates set_rules calls via unlock, and fans outbound packet
// reports and rule-change notifications out to every registered
// monitor.
//
// Grounded on gleipnird/src/rpc_server.rs's MyDaemon/run: one handler
// goroutine per accepted connection (in place of tarpc's per-connection
// service future), a registry of monitor clients keyed by a slab index
// (here a plain incrementing id protected by a mutex, since Go has no
// direct analog of the `slab` crate in this pack), and the same
// addr-in-use / stale-socket cleanup on startup.
package rpcserver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/googlesky/gleipnird/internal/logfeed"
	"github.com/googlesky/gleipnird/internal/model"
	"github.com/googlesky/gleipnird/internal/monitorclient"
	"github.com/googlesky/gleipnird/internal/polkit"
	"github.com/googlesky/gleipnird/internal/rpcwire"
)

// RuleSetter is the subset of *control.Surface the server consumes.
type RuleSetter interface {
	SetRules(r model.Rules) error
	CurrentRules() model.Rules
}

// Server listens on a unix socket and serves the daemon's control
// plane.
type Server struct {
	path    string
	surface RuleSetter
	authz   polkit.Authorizer
	sl      *slog.Logger

	mu       sync.Mutex
	monitors map[int]*monitorclient.Client
	nextID   int
}

// New creates a Server bound to path (not yet listening).
func New(path string, surface RuleSetter, authz polkit.Authorizer, sl *slog.Logger) *Server {
	if sl == nil {
		sl = slog.Default()
	}
	return &Server{
		path:     path,
		surface:  surface,
		authz:    authz,
		sl:       sl,
		monitors: make(map[int]*monitorclient.Client),
	}
}

// Serve binds the unix socket (removing a stale one left by an
// unclean shutdown) and accepts connections until the listener is
// closed, matching gleipnird/src/rpc_server.rs::run's startup sequence.
func (s *Server) Serve() error {
	if err := s.cleanStaleSocket(); err != nil {
		return err
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("rpcserver: listen on %s: %w", s.path, err)
	}
	defer ln.Close()

	if err := os.Chmod(s.path, 0o755); err != nil {
		return fmt.Errorf("rpcserver: chmod %s: %w", s.path, err)
	}

	s.sl.Info("rpcserver: listening", "path", s.path)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("rpcserver: accept: %w", err)
		}
		go s.handleConn(conn.(*net.UnixConn))
	}
}

// cleanStaleSocket removes addr if nothing is listening on it anymore,
// and fails if something still is — the original's AddrInUse check.
func (s *Server) cleanStaleSocket() error {
	if _, err := os.Stat(s.path); err != nil {
		return nil // doesn't exist, nothing to clean
	}
	if conn, err := net.Dial("unix", s.path); err == nil {
		conn.Close()
		return fmt.Errorf("rpcserver: %s already has a live listener", s.path)
	}
	return os.Remove(s.path)
}

// BroadcastPackages forwards a batch of PackageReports to every
// registered monitor, logging (not failing) per-client delivery
// errors, matching the original's dbg!(e) best-effort fan-out.
func (s *Server) BroadcastPackages(reports []model.PackageReport) {
	for id, client := range s.snapshotMonitors() {
		if err := client.OnPackages(reports); err != nil {
			s.sl.Warn("rpcserver: on_packages delivery failed", "monitor", id, "error", err)
		}
	}
}

// Run drains feed and broadcasts every batch to registered monitors,
// until feed is closed. This is T2's loop body.
func (s *Server) Run(feed *logfeed.Feed) {
	for {
		report, ok := feed.Receive()
		if !ok {
			return
		}
		batch := append([]model.PackageReport{report}, feed.Drain(255)...)
		s.BroadcastPackages(batch)
	}
}

func (s *Server) snapshotMonitors() map[int]*monitorclient.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]*monitorclient.Client, len(s.monitors))
	for id, c := range s.monitors {
		out[id] = c
	}
	return out
}

func (s *Server) handleConn(conn *net.UnixConn) {
	defer conn.Close()

	peerUID, err := peerCredentials(conn)
	if err != nil {
		s.sl.Warn("rpcserver: SO_PEERCRED failed, closing connection", "error", err)
		return
	}

	authenticated := false
	var monitorID int
	haveMonitor := false
	defer func() {
		if haveMonitor {
			s.mu.Lock()
			delete(s.monitors, monitorID)
			s.mu.Unlock()
		}
	}()

	for {
		var req rpcwire.Request
		if err := rpcwire.ReadFrame(conn, &req); err != nil {
			if err != io.EOF {
				s.sl.Debug("rpcserver: connection closed", "error", err)
			}
			return
		}

		resp := s.dispatch(&req, peerUID, &authenticated, &monitorID, &haveMonitor)
		if err := rpcwire.WriteFrame(conn, resp); err != nil {
			s.sl.Warn("rpcserver: write response failed", "error", err)
			return
		}
	}
}

func (s *Server) dispatch(req *rpcwire.Request, peerUID uint32, authenticated *bool, monitorID *int, haveMonitor *bool) rpcwire.Response {
	switch req.Op {
	case rpcwire.OpUnlock:
		*authenticated = s.authz.Authorize(peerUID)
		return rpcwire.Response{OK: true, Authorized: *authenticated}

	case rpcwire.OpSetRules:
		if !*authenticated {
			return rpcwire.Response{OK: false, Error: "not authorized"}
		}
		if err := s.surface.SetRules(req.Rules); err != nil {
			return rpcwire.Response{OK: false, Error: err.Error()}
		}
		s.broadcastRulesUpdated(req.Rules)
		return rpcwire.Response{OK: true}

	case rpcwire.OpGetRules:
		return rpcwire.Response{OK: true, Rules: s.surface.CurrentRules()}

	case rpcwire.OpInitMonitor:
		if *haveMonitor {
			return rpcwire.Response{OK: false, Error: "monitor already initialized on this connection"}
		}
		client, err := monitorclient.Dial(req.SocketPath)
		if err != nil {
			return rpcwire.Response{OK: false, Error: err.Error()}
		}
		if err := client.OnRulesUpdated(s.surface.CurrentRules()); err != nil {
			client.Close()
			return rpcwire.Response{OK: false, Error: err.Error()}
		}
		s.mu.Lock()
		id := s.nextID
		s.nextID++
		s.monitors[id] = client
		s.mu.Unlock()
		*monitorID = id
		*haveMonitor = true
		return rpcwire.Response{OK: true}

	default:
		return rpcwire.Response{OK: false, Error: fmt.Sprintf("rpcserver: unknown op %q", req.Op)}
	}
}

func (s *Server) broadcastRulesUpdated(r model.Rules) {
	for id, client := range s.snapshotMonitors() {
		if err := client.OnRulesUpdated(r); err != nil {
			s.sl.Warn("rpcserver: on_rules_updated delivery failed", "monitor", id, "error", err)
		}
	}
}

// peerCredentials reads SO_PEERCRED off a unix connection's raw file
// descriptor, via golang.org/x/sys/unix.GetsockoptUcred, the Go
// equivalent of unixtransport.rs's nix::sys::socket::getsockopt call.
func peerCredentials(conn *net.UnixConn) (uid uint32, err error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var ucred *unix.Ucred
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil {
		return 0, ctrlErr
	}
	if sockErr != nil {
		return 0, sockErr
	}
	return ucred.Uid, nil
}
