// Package tools defines the shared tool vocabulary for the fabric: roles,
// risk levels, execution policies, tool definitions, and the invocation and
// result records exchanged between broker and endpoint agents.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Role is a totally ordered principal label attached to each invocation.
// Ordering is by ordinal: AI agent < human agent < admin.
type Role int

// Roles in ascending order of privilege.
const (
	RoleAIAgent Role = iota
	RoleHumanAgent
	RoleAdmin
)

var roleNames = map[Role]string{
	RoleAIAgent:    "ai_agent",
	RoleHumanAgent: "human_agent",
	RoleAdmin:      "admin",
}

// String returns the wire name of the role.
func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// AtLeast reports whether r carries at least the privilege of min.
func (r Role) AtLeast(min Role) bool {
	return r >= min
}

// ParseRole converts a wire name back into a Role.
func ParseRole(s string) (Role, error) {
	for role, name := range roleNames {
		if name == s {
			return role, nil
		}
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// MarshalJSON encodes the role as its wire name.
func (r Role) MarshalJSON() ([]byte, error) {
	name, ok := roleNames[r]
	if !ok {
		return nil, fmt.Errorf("unknown role %d", int(r))
	}
	return json.Marshal(name)
}

// UnmarshalJSON decodes a role from its wire name.
func (r *Role) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseRole(name)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// RiskLevel tags a tool policy for confirmation and notification surfaces.
// It does not influence the allow decision itself.
type RiskLevel string

// Risk levels.
const (
	RiskSafe     RiskLevel = "safe"
	RiskCaution  RiskLevel = "caution"
	RiskElevated RiskLevel = "elevated"
)

// Status classifies the outcome of a tool execution.
type Status string

// Execution statuses.
const (
	StatusSuccess          Status = "success"
	StatusFailure          Status = "failure"
	StatusUnauthorized     Status = "unauthorized"
	StatusTimeout          Status = "timeout"
	StatusInvalidArguments Status = "invalid_arguments"
	StatusBlocked          Status = "blocked"
)

// ErrInvalidPolicy is returned when a policy fails validation at registration.
var ErrInvalidPolicy = errors.New("invalid tool policy")

// Policy describes who may run a tool and under what constraints.
// Policies are set at registration and immutable thereafter.
type Policy struct {
	// MinRole is the minimum role required to invoke the tool.
	MinRole Role `yaml:"min_role" json:"min_role"`

	// Risk tags the tool for confirmation/notification collaborators.
	Risk RiskLevel `yaml:"risk" json:"risk"`

	// RequiresIdle denies execution while the device user is active.
	RequiresIdle bool `yaml:"requires_idle" json:"requires_idle"`

	// RequiresConfirmation routes the call through the confirmation
	// collaborator before dispatch.
	RequiresConfirmation bool `yaml:"requires_confirmation" json:"requires_confirmation"`

	// RequiresSudo marks tools that run privileged on the endpoint.
	RequiresSudo bool `yaml:"requires_sudo" json:"requires_sudo"`

	// TimeoutSeconds is the hard wall-clock deadline for one execution.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	if p.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: timeout_seconds must be positive, got %d", ErrInvalidPolicy, p.TimeoutSeconds)
	}
	return nil
}

// Timeout returns the policy deadline as a duration.
func (p Policy) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Handler executes a tool with already-validated arguments.
type Handler func(ctx context.Context, args map[string]any) (*Result, error)

// Definition is the capability record for one registered tool.
type Definition struct {
	// Name uniquely identifies the tool.
	Name string

	// Description for operator-facing listings.
	Description string

	// ParameterSchema is the JSON Schema for the tool's arguments.
	// Empty means the tool accepts any argument object.
	ParameterSchema json.RawMessage

	// Policy governs authorization and timeouts.
	Policy Policy

	// Handler runs the tool. Nil handlers are broker-side definitions
	// whose execution happens on a remote endpoint.
	Handler Handler
}

// Invocation is one tool call issued by a caller. The ID is caller-chosen,
// opaque, and unique per in-flight call on the broker.
type Invocation struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Role      Role           `json:"role"`
}

// ResultMetadata carries output-pipeline accounting alongside a result.
type ResultMetadata struct {
	// TruncatedBytes is how many output bytes were dropped by the cap.
	TruncatedBytes int `json:"truncated_bytes,omitempty"`

	// Redactions counts sensitive substrings replaced in the output.
	Redactions int `json:"redactions,omitempty"`
}

// Result is the outcome of one invocation, consumed exactly once.
type Result struct {
	ID              string         `json:"id"`
	Status          Status         `json:"status"`
	Output          string         `json:"output"`
	Error           string         `json:"error,omitempty"`
	ExecutionTimeMS int64          `json:"execution_time_ms"`
	Metadata        ResultMetadata `json:"metadata,omitempty"`
}

// Failure builds a FAILURE result for the given invocation ID.
func Failure(id, reason string) *Result {
	return &Result{ID: id, Status: StatusFailure, Error: reason}
}
