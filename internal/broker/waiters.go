package broker

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/opsfabric/fabric/internal/tools"
)

// Waiter store errors.
var (
	ErrDuplicateCallID = errors.New("call id already registered")
	ErrShuttingDown    = errors.New("waiter store is shutting down")
)

// waiter correlates one in-flight call with its dispatching task. The
// channel is buffered so delivery never blocks the socket read loop.
type waiter struct {
	callID   string
	deviceID string
	result   chan *tools.Result
}

// WaiterStore maps in-flight call IDs to their waiting dispatch tasks.
// Each call wakes exactly once: the first delivery wins, later deliveries
// for the same ID are dropped with a warning.
type WaiterStore struct {
	mu      sync.Mutex
	waiters map[string]*waiter
	closed  bool
	logger  *slog.Logger
}

// NewWaiterStore creates an empty waiter store.
func NewWaiterStore(logger *slog.Logger) *WaiterStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &WaiterStore{
		waiters: make(map[string]*waiter),
		logger:  logger.With("component", "waiters"),
	}
}

// Register creates a waiter for callID bound to deviceID. Call IDs must be
// unique while in flight; a collision is a programming error.
func (s *WaiterStore) Register(callID, deviceID string) (<-chan *tools.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrShuttingDown
	}
	if _, exists := s.waiters[callID]; exists {
		return nil, ErrDuplicateCallID
	}

	w := &waiter{
		callID:   callID,
		deviceID: deviceID,
		result:   make(chan *tools.Result, 1),
	}
	s.waiters[callID] = w
	return w.result, nil
}

// Deliver routes a result to its waiter. Unknown or already-completed call
// IDs return false and the result is discarded.
func (s *WaiterStore) Deliver(callID string, res *tools.Result) bool {
	s.mu.Lock()
	w, ok := s.waiters[callID]
	if ok {
		delete(s.waiters, callID)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("dropping result for unknown or completed call", "call_id", callID)
		return false
	}
	w.result <- res
	return true
}

// Remove abandons a waiter without waking it. Used by the dispatcher after
// its own deadline fires so later deliveries drop.
func (s *WaiterStore) Remove(callID string) {
	s.mu.Lock()
	delete(s.waiters, callID)
	s.mu.Unlock()
}

// Cancel wakes a waiter with a cancellation failure.
func (s *WaiterStore) Cancel(callID, reason string) {
	s.mu.Lock()
	w, ok := s.waiters[callID]
	if ok {
		delete(s.waiters, callID)
	}
	s.mu.Unlock()

	if ok {
		w.result <- tools.Failure(callID, "cancelled: "+reason)
	}
}

// CancelDevice cancels every waiter bound to deviceID. Returns how many
// calls were cancelled.
func (s *WaiterStore) CancelDevice(deviceID, reason string) int {
	s.mu.Lock()
	var cancelled []*waiter
	for id, w := range s.waiters {
		if w.deviceID == deviceID {
			cancelled = append(cancelled, w)
			delete(s.waiters, id)
		}
	}
	s.mu.Unlock()

	for _, w := range cancelled {
		w.result <- tools.Failure(w.callID, "cancelled: "+reason)
	}
	return len(cancelled)
}

// Shutdown cancels all pending calls and rejects new registrations.
func (s *WaiterStore) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := make([]*waiter, 0, len(s.waiters))
	for _, w := range s.waiters {
		pending = append(pending, w)
	}
	s.waiters = make(map[string]*waiter)
	s.mu.Unlock()

	for _, w := range pending {
		w.result <- tools.Failure(w.callID, "cancelled: broker shutting down")
	}
}

// Len returns the number of in-flight calls.
func (s *WaiterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}
