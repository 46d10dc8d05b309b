// Package broker hosts the server side of the fabric: the device connection
// registry, the call correlation store, the dispatcher that routes tool
// invocations to endpoints, and the WebSocket server agents connect to.
package broker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opsfabric/fabric/internal/protocol"
)

const writeTimeout = 10 * time.Second

// DeviceConn is one live authenticated device socket. Writes are serialized
// by a per-connection mutex so concurrent sends never interleave frames.
type DeviceConn struct {
	DeviceID    string
	Remote      string
	ConnectedAt time.Time

	socket  *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	lastSeen time.Time

	cancel context.CancelFunc
}

// NewDeviceConn wraps an authenticated socket. cancel stops the connection's
// read loop; the registry invokes it when the connection is replaced.
func NewDeviceConn(deviceID, remote string, socket *websocket.Conn, cancel context.CancelFunc) *DeviceConn {
	now := time.Now()
	return &DeviceConn{
		DeviceID:    deviceID,
		Remote:      remote,
		ConnectedAt: now,
		lastSeen:    now,
		socket:      socket,
		cancel:      cancel,
	}
}

// Send encodes and writes one frame. Safe for concurrent use.
func (c *DeviceConn) Send(frame protocol.Frame) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.socket.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.socket.WriteMessage(websocket.TextMessage, data)
}

// Touch records inbound activity for staleness tracking.
func (c *DeviceConn) Touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// LastSeen returns the time of the last inbound frame.
func (c *DeviceConn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Close cancels the read loop and closes the socket.
func (c *DeviceConn) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	_ = c.socket.Close()
}

// DeviceInfo is an operational snapshot of one connection.
type DeviceInfo struct {
	DeviceID    string    `json:"device_id"`
	Remote      string    `json:"remote"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// DeviceRegistry tracks live device connections by device ID. It is not a
// queue: sends to an offline device fail immediately. The registry lock is
// never held across socket I/O.
type DeviceRegistry struct {
	mu      sync.Mutex
	devices map[string]*DeviceConn
	logger  *slog.Logger
}

// NewDeviceRegistry creates an empty registry.
func NewDeviceRegistry(logger *slog.Logger) *DeviceRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceRegistry{
		devices: make(map[string]*DeviceConn),
		logger:  logger.With("component", "registry"),
	}
}

// Register installs conn, closing and replacing any prior connection for
// the same device ID. Returns true when a prior connection was replaced.
func (r *DeviceRegistry) Register(conn *DeviceConn) bool {
	r.mu.Lock()
	prior := r.devices[conn.DeviceID]
	r.devices[conn.DeviceID] = conn
	r.mu.Unlock()

	if prior != nil {
		r.logger.Info("replacing device connection",
			"device_id", conn.DeviceID,
			"old_remote", prior.Remote,
			"new_remote", conn.Remote,
		)
		prior.Close()
		return true
	}
	return false
}

// Unregister removes conn if it is still the current connection for its
// device. A connection replaced by a newer one does not evict its successor.
func (r *DeviceRegistry) Unregister(conn *DeviceConn) bool {
	r.mu.Lock()
	current, ok := r.devices[conn.DeviceID]
	if ok && current == conn {
		delete(r.devices, conn.DeviceID)
	} else {
		ok = false
	}
	r.mu.Unlock()
	return ok
}

// Get returns the live connection for deviceID.
func (r *DeviceRegistry) Get(deviceID string) (*DeviceConn, bool) {
	r.mu.Lock()
	conn, ok := r.devices[deviceID]
	r.mu.Unlock()
	return conn, ok
}

// IsConnected reports whether deviceID has a live connection.
func (r *DeviceRegistry) IsConnected(deviceID string) bool {
	_, ok := r.Get(deviceID)
	return ok
}

// SendTo writes one frame to deviceID. Returns false when the device is not
// connected or the write fails.
func (r *DeviceRegistry) SendTo(deviceID string, frame protocol.Frame) bool {
	conn, ok := r.Get(deviceID)
	if !ok {
		return false
	}
	if err := conn.Send(frame); err != nil {
		r.logger.Warn("send to device failed", "device_id", deviceID, "error", err)
		return false
	}
	return true
}

// All returns connection snapshots sorted by device ID.
func (r *DeviceRegistry) All() []DeviceInfo {
	r.mu.Lock()
	conns := make([]*DeviceConn, 0, len(r.devices))
	for _, c := range r.devices {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	infos := make([]DeviceInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, DeviceInfo{
			DeviceID:    c.DeviceID,
			Remote:      c.Remote,
			ConnectedAt: c.ConnectedAt,
			LastSeen:    c.LastSeen(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].DeviceID < infos[j].DeviceID })
	return infos
}

// Len returns the number of live connections.
func (r *DeviceRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// CloseAll sends a disconnect frame to every device and closes the sockets.
func (r *DeviceRegistry) CloseAll(reason string) {
	r.mu.Lock()
	conns := make([]*DeviceConn, 0, len(r.devices))
	for _, c := range r.devices {
		conns = append(conns, c)
	}
	r.devices = make(map[string]*DeviceConn)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Send(&protocol.Disconnect{Reason: reason})
		c.Close()
	}
}
