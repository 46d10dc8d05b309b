// Package agent runs the endpoint side of the fabric: it maintains one
// authenticated WebSocket to the broker, services tool calls through the
// sandbox, and reconnects with doubling backoff when the link drops.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opsfabric/fabric/internal/identity"
	"github.com/opsfabric/fabric/internal/protocol"
	"github.com/opsfabric/fabric/internal/ratelimit"
	"github.com/opsfabric/fabric/internal/sandbox"
	"github.com/opsfabric/fabric/internal/tools"
)

// State is the agent's connection lifecycle phase.
type State string

// Lifecycle states.
const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateReady          State = "ready"
	StateBackoff        State = "backoff"
)

// Config tunes the agent runtime.
type Config struct {
	// HeartbeatInterval is how often the agent sends heartbeats.
	HeartbeatInterval time.Duration

	// MaxConcurrent bounds parallel tool executions.
	MaxConcurrent int

	// InitialBackoff is the first reconnect delay; it doubles per failed
	// attempt up to MaxBackoff and resets once a connection reaches READY.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// DialTimeout bounds the WebSocket handshake.
	DialTimeout time.Duration

	// AuthTimeout bounds the wait for the broker's authentication reply.
	AuthTimeout time.Duration
}

// DefaultConfig returns agent defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		MaxConcurrent:     4,
		InitialBackoff:    5 * time.Second,
		MaxBackoff:        60 * time.Second,
		DialTimeout:       10 * time.Second,
		AuthTimeout:       10 * time.Second,
	}
}

// Agent is the endpoint runtime.
type Agent struct {
	config   Config
	ident    *identity.Identity
	executor *sandbox.Executor
	registry *tools.Registry
	logger   *slog.Logger

	mu    sync.Mutex
	state State

	startedAt time.Time
}

// New creates an agent for an enrolled identity. The registry is the local
// tool table the executor resolves names against.
func New(ident *identity.Identity, registry *tools.Registry, executor *sandbox.Executor, config Config, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaults.DialTimeout
	}
	if config.AuthTimeout <= 0 {
		config.AuthTimeout = defaults.AuthTimeout
	}
	return &Agent{
		config:    config,
		ident:     ident,
		executor:  executor,
		registry:  registry,
		logger:    logger.With("component", "agent", "device_id", ident.DeviceID),
		state:     StateDisconnected,
		startedAt: time.Now(),
	}
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	prev := a.state
	a.state = s
	a.mu.Unlock()
	if prev != s {
		a.logger.Info("state changed", "from", prev, "to", s)
	}
}

// SocketURL derives the device WebSocket URL from the enrolled broker URL.
func (a *Agent) SocketURL() string {
	base := strings.TrimSuffix(a.ident.BrokerURL, "/")
	base = strings.Replace(base, "http://", "ws://", 1)
	base = strings.Replace(base, "https://", "wss://", 1)
	return base + "/ws/device/" + a.ident.DeviceID
}

// Run connects and reconnects until ctx is cancelled or the broker sends a
// disconnect frame.
func (a *Agent) Run(ctx context.Context) error {
	defer a.setState(StateDisconnected)

	backoff := a.config.InitialBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		stop, ready, err := a.runConnection(ctx)
		if stop {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if ready {
			backoff = a.config.InitialBackoff
		}
		if err != nil {
			a.logger.Warn("connection attempt failed", "error", err, "retry_in", backoff)
		}

		a.setState(StateBackoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, a.config.MaxBackoff)
	}
}

// runConnection performs one dial-authenticate-serve cycle. stop is true
// when the broker ordered a clean disconnect; ready is true once the
// connection authenticated, which resets the reconnect backoff.
func (a *Agent) runConnection(ctx context.Context) (stop, ready bool, err error) {
	a.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: a.config.DialTimeout}
	socket, _, err := dialer.DialContext(ctx, a.SocketURL(), nil)
	if err != nil {
		return false, false, fmt.Errorf("dial broker: %w", err)
	}
	defer socket.Close()
	socket.SetReadLimit(maxFrameBytes)

	a.setState(StateAuthenticating)
	if err := a.authenticate(socket); err != nil {
		return false, false, err
	}

	a.setState(StateReady)
	a.logger.Info("connected to broker")
	stop, err = a.serve(ctx, socket)
	return stop, true, err
}

// authenticate sends the first-frame credentials and waits for the
// broker's verdict.
func (a *Agent) authenticate(socket *websocket.Conn) error {
	hostname, _ := os.Hostname()
	frame, err := protocol.Encode(&protocol.Authenticate{
		DeviceID:    a.ident.DeviceID,
		DeviceToken: a.ident.DeviceToken,
		Fingerprint: hostname,
	})
	if err != nil {
		return err
	}
	_ = socket.SetWriteDeadline(time.Now().Add(a.config.AuthTimeout))
	if err := socket.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send authenticate: %w", err)
	}

	_ = socket.SetReadDeadline(time.Now().Add(a.config.AuthTimeout))
	defer socket.SetReadDeadline(time.Time{}) //nolint:errcheck
	_, data, err := socket.ReadMessage()
	if err != nil {
		return fmt.Errorf("read authentication reply: %w", err)
	}
	reply, err := protocol.Decode(data)
	if err != nil {
		return fmt.Errorf("decode authentication reply: %w", err)
	}
	switch f := reply.(type) {
	case *protocol.Authenticated:
		return nil
	case *protocol.ErrorFrame:
		return errors.New("broker rejected authentication: " + f.Error)
	default:
		return fmt.Errorf("unexpected authentication reply %q", reply.FrameType())
	}
}

const maxFrameBytes = 512 * 1024

// serve pumps one authenticated connection: a serialized write loop, a
// heartbeat ticker, a bounded execution pool, and the read loop in the
// calling goroutine.
func (a *Agent) serve(ctx context.Context, socket *websocket.Conn) (stop bool, err error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := &session{
		socket: socket,
		send:   make(chan protocol.Frame, 32),
		lost:   make(chan struct{}),
		logger: a.logger,
	}

	// unblock the read loop when the context ends
	go func() {
		<-connCtx.Done()
		_ = socket.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sess.writeLoop(connCtx)
		// a write failure means the socket is gone; tear the
		// connection down instead of waiting for the read loop
		cancel()
	}()
	go func() {
		defer wg.Done()
		a.heartbeatLoop(connCtx, sess)
	}()

	sem := make(chan struct{}, a.config.MaxConcurrent)
	stop, err = a.readLoop(connCtx, socket, sess, sem)

	sess.markLost()
	cancel()
	wg.Wait()
	return stop, err
}

func (a *Agent) readLoop(ctx context.Context, socket *websocket.Conn, sess *session, sem chan struct{}) (stop bool, err error) {
	for {
		_, data, err := socket.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			return false, fmt.Errorf("read: %w", err)
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			a.logger.Warn("dropping inbound frame", "error", err)
			continue
		}

		switch f := frame.(type) {
		case *protocol.ToolCall:
			a.dispatchExecution(ctx, sess, sem, f.ID, func(execCtx context.Context) *tools.Result {
				return a.executor.Execute(execCtx, f.ID, f.Name, f.Arguments, f.Role)
			})
		case *protocol.ExecuteRaw:
			timeout := time.Duration(f.Timeout) * time.Second
			// one shared budget per device, keyed so limiter state is
			// attributable when other execution sources appear
			key := ratelimit.CompositeKey(a.ident.DeviceID, "raw")
			a.dispatchExecution(ctx, sess, sem, f.ID, func(execCtx context.Context) *tools.Result {
				return a.executor.ExecuteRaw(execCtx, f.ID, f.Command, timeout, f.Role, key)
			})
		case *protocol.Ping:
			sess.enqueue(&protocol.Pong{})
		case *protocol.Pong, *protocol.HeartbeatAck:
			// keepalive replies need no action
		case *protocol.ErrorFrame:
			a.logger.Error("broker error", "error", f.Error)
		case *protocol.Disconnect:
			a.logger.Info("broker ordered disconnect", "reason", f.Reason)
			return true, nil
		default:
			a.logger.Warn("unexpected frame from broker", "type", frame.FrameType())
		}
	}
}

// dispatchExecution services one call on its own goroutine, bounded by the
// semaphore. When the pool is saturated the call is rejected immediately
// rather than queued behind the read loop.
func (a *Agent) dispatchExecution(ctx context.Context, sess *session, sem chan struct{}, id string, run func(context.Context) *tools.Result) {
	select {
	case sem <- struct{}{}:
	default:
		a.logger.Warn("execution pool saturated, rejecting call", "call_id", id)
		sess.enqueue(protocol.ResultFrame(tools.Failure(id, "endpoint overloaded")))
		return
	}

	go func() {
		defer func() { <-sem }()
		res := run(ctx)
		sess.enqueue(protocol.ResultFrame(res))
	}()
}

func (a *Agent) heartbeatLoop(ctx context.Context, sess *session) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sess.enqueue(&protocol.Heartbeat{})
		}
	}
}

// session owns the outbound half of one connection. All writes go through
// the send channel so frames never interleave; once the socket is lost,
// late results are dropped instead of blocking their executions.
type session struct {
	socket *websocket.Conn
	send   chan protocol.Frame
	logger *slog.Logger

	lostOnce sync.Once
	lost     chan struct{}
}

func (s *session) markLost() {
	s.lostOnce.Do(func() { close(s.lost) })
}

func (s *session) enqueue(frame protocol.Frame) {
	select {
	case <-s.lost:
		s.logger.Warn("dropping frame for lost connection", "type", frame.FrameType())
	case s.send <- frame:
	}
}

// writeLoop drains the send channel until the context ends or a write
// fails. It marks the session lost on exit so pending executions and the
// heartbeat ticker drop their frames instead of blocking on send.
func (s *session) writeLoop(ctx context.Context) {
	defer s.markLost()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-s.send:
			data, err := protocol.Encode(frame)
			if err != nil {
				s.logger.Error("encode frame", "type", frame.FrameType(), "error", err)
				continue
			}
			_ = s.socket.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.socket.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("write failed", "error", err)
				return
			}
		}
	}
}
