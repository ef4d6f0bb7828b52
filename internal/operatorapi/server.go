// Package operatorapi — server.go
//
// Unix domain socket server for watchdog operator overrides.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/watchdog/operator.sock (configurable).
// Permissions: 0600. Only processes running as the socket owner can
// connect.
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"status"}
//	  → Response: {"ok":true,"status":{...}}
//
//	{"cmd":"force-recovery","level":3}
//	  → Invokes the Recovery Escalator at the given level immediately,
//	    outside the normal tick-driven escalation path.
//	  → Response: {"ok":true}
//
//	{"cmd":"enable-auto-revert"} / {"cmd":"disable-auto-revert"}
//	  → Flips the level-4 auto-revert policy gate.
//	  → Response: {"ok":true}
//
//	{"cmd":"maintenance-enter","reason":"...","emergency":false}
//	  → Response: {"ok":true}
//
//	{"cmd":"maintenance-exit"}
//	  → Response: {"ok":true}
//
// Security, adopted directly from the teacher's internal/operator/
// server.go: socket created at 0600, each connection handled in its own
// goroutine, a bounded semaphore caps concurrent connections (operator
// use only, not high-throughput), a max request size guards against
// memory exhaustion, and both read and write deadlines bound each
// connection's lifetime.
package operatorapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// StatusReport is a snapshot of watchdog state returned by "status".
type StatusReport struct {
	Mode              string    `json:"mode"`
	AutoRevertEnabled bool      `json:"auto_revert_enabled"`
	UpgradePending    bool      `json:"upgrade_pending"`
	LastTickHealthy   bool      `json:"last_tick_healthy"`
	LastTickAt        time.Time `json:"last_tick_at"`
}

// Backend is the interface the operator server dispatches commands
// against. The watchdog process supplies a concrete implementation
// wrapping its live Escalator, ModeMachine, and Update Orchestrator.
type Backend interface {
	Status(ctx context.Context) (StatusReport, error)
	ForceRecovery(ctx context.Context, level int) error
	SetAutoRevertEnabled(ctx context.Context, enabled bool) error
	MaintenanceEnter(ctx context.Context, reason string, emergency bool) error
	MaintenanceExit(ctx context.Context) error
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd       string `json:"cmd"`
	Level     int    `json:"level,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Emergency bool   `json:"emergency,omitempty"`
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK     bool          `json:"ok"`
	Error  string        `json:"error,omitempty"`
	Status *StatusReport `json:"status,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	backend    Backend
	log        *zap.Logger
	sem        chan struct{}
}

// NewServer creates an operator Server.
func NewServer(socketPath string, backend Backend, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		backend:    backend,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server, removing any stale
// socket file first. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operatorapi: remove stale socket %q: %w", s.socketPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operatorapi: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operatorapi: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operatorapi: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operatorapi: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operatorapi: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(ctx, c)
		}(conn)
	}
}

// handleConn reads one newline-delimited JSON request off conn (bounded
// to maxRequestBytes, guarding against memory exhaustion from a client
// that never sends a newline) and writes one newline-terminated JSON
// response.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	reader := bufio.NewReaderSize(conn, maxRequestBytes)
	line, err := reader.ReadSlice('\n')
	if err != nil && len(line) == 0 {
		if err != io.EOF {
			s.log.Warn("operatorapi: read error", zap.Error(err))
		}
		return
	}

	var req Request
	var resp Response
	if unmarshalErr := json.Unmarshal(line, &req); unmarshalErr != nil {
		resp = Response{OK: false, Error: "invalid JSON: " + unmarshalErr.Error()}
	} else {
		resp = s.dispatch(ctx, req)
	}
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Cmd {
	case "status":
		return s.cmdStatus(ctx)
	case "force-recovery":
		return s.cmdForceRecovery(ctx, req)
	case "enable-auto-revert":
		return s.cmdSetAutoRevert(ctx, true)
	case "disable-auto-revert":
		return s.cmdSetAutoRevert(ctx, false)
	case "maintenance-enter":
		return s.cmdMaintenanceEnter(ctx, req)
	case "maintenance-exit":
		return s.cmdMaintenanceExit(ctx)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdStatus(ctx context.Context) Response {
	status, err := s.backend.Status(ctx)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, Status: &status}
}

func (s *Server) cmdForceRecovery(ctx context.Context, req Request) Response {
	if req.Level < 1 || req.Level > 5 {
		return Response{OK: false, Error: "level must be 1..5"}
	}
	if err := s.backend.ForceRecovery(ctx, req.Level); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operatorapi: forced recovery", zap.Int("level", req.Level))
	return Response{OK: true}
}

func (s *Server) cmdSetAutoRevert(ctx context.Context, enabled bool) Response {
	if err := s.backend.SetAutoRevertEnabled(ctx, enabled); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operatorapi: auto-revert toggled", zap.Bool("enabled", enabled))
	return Response{OK: true}
}

func (s *Server) cmdMaintenanceEnter(ctx context.Context, req Request) Response {
	if err := s.backend.MaintenanceEnter(ctx, req.Reason, req.Emergency); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operatorapi: entered maintenance", zap.String("reason", req.Reason), zap.Bool("emergency", req.Emergency))
	return Response{OK: true}
}

func (s *Server) cmdMaintenanceExit(ctx context.Context) Response {
	if err := s.backend.MaintenanceExit(ctx); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operatorapi: exited maintenance")
	return Response{OK: true}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) bool {
	data, err := json.Marshal(resp)
	if err != nil {
		return false
	}
	data = append(data, '\n')
	_ = conn.SetWriteDeadline(time.Now().Add(connTimeout))
	_, err = conn.Write(data)
	return err == nil
}
