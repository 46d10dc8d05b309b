package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsfabric/fabric/internal/audit"
	"github.com/opsfabric/fabric/internal/observability"
	"github.com/opsfabric/fabric/internal/protocol"
)

const (
	maxFrameBytes = 512 * 1024

	defaultAuthTimeout  = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultStaleAfter   = 90 * time.Second
)

// ServerConfig tunes the broker's listener and connection handling.
type ServerConfig struct {
	Host string
	Port int

	// AuthTimeout bounds the wait for the authenticate frame.
	AuthTimeout time.Duration

	// PingInterval is how often idle connections are pinged.
	PingInterval time.Duration

	// StaleAfter closes connections with no inbound activity for this long.
	StaleAfter time.Duration
}

func (c *ServerConfig) applyDefaults() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = defaultAuthTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaultStaleAfter
	}
}

// Server is the broker's HTTP surface: the device WebSocket endpoint plus
// health, metrics, and a small admin API.
type Server struct {
	config   ServerConfig
	devices  *DeviceRegistry
	waiters  *WaiterStore
	auth     *Authenticator
	auditLog *audit.Log
	metrics  *observability.Metrics
	logger   *slog.Logger

	dispatcher *Dispatcher
	upgrader   websocket.Upgrader
}

// NewServer wires the broker server. auditLog and metrics may be nil.
func NewServer(
	config ServerConfig,
	devices *DeviceRegistry,
	waiters *WaiterStore,
	auth *Authenticator,
	auditLog *audit.Log,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	config.applyDefaults()
	return &Server{
		config:   config,
		devices:  devices,
		waiters:  waiters,
		auth:     auth,
		auditLog: auditLog,
		metrics:  metrics,
		logger:   logger.With("component", "broker"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// agents authenticate in-band with device tokens
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the broker mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/device/{device_id}", s.handleDeviceWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("POST /api/dispatch", s.handleDispatch)
	mux.HandleFunc("POST /api/execute", s.handleExecute)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Run serves until ctx is cancelled, then drains connections and pending
// calls.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprintf("%d", s.config.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.sweepStale(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	s.logger.Info("broker listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.waiters.Shutdown()
	s.devices.CloseAll("broker shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"devices":   s.devices.Len(),
		"in_flight": s.waiters.Len(),
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.devices.All())
}

// handleDeviceWS upgrades the socket and runs the connection lifecycle:
// authenticate within the deadline, register, then pump frames until the
// socket closes.
func (s *Server) handleDeviceWS(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	if deviceID == "" {
		http.Error(w, "missing device id", http.StatusBadRequest)
		return
	}

	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "device_id", deviceID, "error", err)
		return
	}
	socket.SetReadLimit(maxFrameBytes)
	remote := r.RemoteAddr

	if err := s.authenticate(socket, deviceID); err != nil {
		s.logger.Warn("device authentication failed", "device_id", deviceID, "remote", remote, "error", err)
		s.recordConnection("auth_failed", deviceID, remote, err.Error())
		writeFrame(socket, &protocol.ErrorFrame{Error: "authentication failed"})
		_ = socket.Close()
		return
	}

	if err := writeFrame(socket, &protocol.Authenticated{}); err != nil {
		_ = socket.Close()
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	conn := NewDeviceConn(deviceID, remote, socket, cancel)

	replaced := s.devices.Register(conn)
	if replaced {
		// the replaced socket's in-flight calls fail fast rather than
		// waiting out their deadlines
		cancelled := s.waiters.CancelDevice(deviceID, "device reconnected")
		s.recordConnection("replace", deviceID, remote, fmt.Sprintf("cancelled %d in-flight calls", cancelled))
	} else {
		s.recordConnection("register", deviceID, remote, "")
	}
	if s.metrics != nil && !replaced {
		s.metrics.ConnectedDevices.Inc()
	}
	s.logger.Info("device connected", "device_id", deviceID, "remote", remote)

	s.readLoop(ctx, conn)

	if s.devices.Unregister(conn) {
		if s.metrics != nil {
			s.metrics.ConnectedDevices.Dec()
		}
		cancelled := s.waiters.CancelDevice(deviceID, "device disconnected")
		if cancelled > 0 {
			s.logger.Warn("device disconnected with calls in flight", "device_id", deviceID, "cancelled", cancelled)
		}
		s.recordConnection("unregister", deviceID, remote, "")
		s.logger.Info("device disconnected", "device_id", deviceID)
	}
	_ = socket.Close()
}

// authenticate enforces the first-frame contract: an authenticate frame
// with a valid token for the path's device ID, within the auth deadline.
func (s *Server) authenticate(socket *websocket.Conn, deviceID string) error {
	_ = socket.SetReadDeadline(time.Now().Add(s.config.AuthTimeout))
	defer socket.SetReadDeadline(time.Time{}) //nolint:errcheck

	_, data, err := socket.ReadMessage()
	if err != nil {
		return fmt.Errorf("read authenticate frame: %w", err)
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		return fmt.Errorf("decode authenticate frame: %w", err)
	}
	auth, ok := frame.(*protocol.Authenticate)
	if !ok {
		return errors.New("first frame must be authenticate")
	}
	if auth.DeviceID != deviceID {
		return errors.New("authenticate device_id does not match endpoint path")
	}
	return s.auth.Verify(deviceID, auth.DeviceToken)
}

// readLoop pumps inbound frames for one authenticated connection.
func (s *Server) readLoop(ctx context.Context, conn *DeviceConn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := conn.socket.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("device read error", "device_id", conn.DeviceID, "error", err)
			}
			return
		}
		conn.Touch()

		frame, err := protocol.Decode(data)
		if err != nil {
			s.dropFrame(conn.DeviceID, err)
			continue
		}

		switch f := frame.(type) {
		case *protocol.ToolResult:
			if !s.waiters.Deliver(f.ID, f.ToResult()) && s.metrics != nil {
				s.metrics.FramesDropped.WithLabelValues("unknown_call").Inc()
			}
		case *protocol.Heartbeat:
			_ = conn.Send(&protocol.HeartbeatAck{})
		case *protocol.Ping:
			_ = conn.Send(&protocol.Pong{})
		case *protocol.Pong:
			// Touch above already recorded liveness
		default:
			s.logger.Warn("unexpected frame from device",
				"device_id", conn.DeviceID,
				"type", frame.FrameType(),
			)
		}
	}
}

// sweepStale pings live connections and closes ones with no inbound
// activity past the staleness cutoff.
func (s *Server) sweepStale(ctx context.Context) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-s.config.StaleAfter)
		for _, info := range s.devices.All() {
			conn, ok := s.devices.Get(info.DeviceID)
			if !ok {
				continue
			}
			if conn.LastSeen().Before(cutoff) {
				s.logger.Warn("closing stale device connection",
					"device_id", info.DeviceID,
					"last_seen", info.LastSeen,
				)
				conn.Close()
				continue
			}
			_ = conn.Send(&protocol.Ping{})
		}
	}
}

func (s *Server) dropFrame(deviceID string, err error) {
	reason := "malformed"
	if errors.Is(err, protocol.ErrUnknownType) {
		reason = "unknown_type"
	}
	s.logger.Warn("dropping inbound frame", "device_id", deviceID, "reason", reason, "error", err)
	if s.metrics != nil {
		s.metrics.FramesDropped.WithLabelValues(reason).Inc()
	}
}

func (s *Server) recordConnection(event, deviceID, remote, detail string) {
	if s.auditLog == nil {
		return
	}
	s.auditLog.RecordConnection(audit.ConnectionEntry{
		Event:    event,
		DeviceID: deviceID,
		Remote:   remote,
		Detail:   detail,
	})
}

func writeFrame(socket *websocket.Conn, frame protocol.Frame) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	_ = socket.SetWriteDeadline(time.Now().Add(writeTimeout))
	return socket.WriteMessage(websocket.TextMessage, data)
}
