package broker

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/opsfabric/fabric/internal/authz"
	"github.com/opsfabric/fabric/internal/tools"
)

// SetDispatcher attaches the dispatch API surface. Must be called before
// Handler.
func (s *Server) SetDispatcher(d *Dispatcher) {
	s.dispatcher = d
}

// dispatchRequest is the admin API form of one tool invocation.
type dispatchRequest struct {
	DeviceID  string         `json:"device_id"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Role      string         `json:"role"`

	// UserIdle is the optional idle signal; absent means unknown.
	UserIdle *bool `json:"user_idle,omitempty"`
}

// executeRequest is the admin API form of one raw command execution.
type executeRequest struct {
	DeviceID       string `json:"device_id"`
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Role           string `json:"role"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		http.Error(w, "dispatch is not enabled", http.StatusServiceUnavailable)
		return
	}
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	role, err := tools.ParseRole(req.Role)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	inv := tools.Invocation{
		ID:        newInvocationID(),
		Name:      req.Tool,
		Arguments: req.Arguments,
		Role:      role,
	}
	res := s.dispatcher.Dispatch(r.Context(), inv, req.DeviceID, authz.Signals{UserIdle: req.UserIdle})

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		http.Error(w, "dispatch is not enabled", http.StatusServiceUnavailable)
		return
	}
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	role, err := tools.ParseRole(req.Role)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res := s.dispatcher.DispatchRaw(
		r.Context(),
		newInvocationID(),
		req.Command,
		time.Duration(req.TimeoutSeconds)*time.Second,
		role,
		req.DeviceID,
	)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

func newInvocationID() string {
	return "inv_" + uuid.NewString()
}
