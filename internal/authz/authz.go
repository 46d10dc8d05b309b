// Package authz decides whether a tool invocation may proceed. Decisions are
// pure functions of the role, the tool policy, and the runtime signals; all
// I/O (confirmation prompts, audit writes) happens in the dispatcher.
package authz

import (
	"fmt"
	"time"

	"github.com/opsfabric/fabric/internal/tools"
)

// Signals are runtime inputs to the authorization decision. A nil UserIdle
// means the idle state is unknown.
type Signals struct {
	UserIdle *bool
}

// Decision is the outcome of one authorization check.
type Decision struct {
	// Allowed reports whether the invocation may proceed.
	Allowed bool

	// Reason is user-actionable: it names what was required and what was
	// provided.
	Reason string

	// NeedsConfirmation surfaces the policy's confirmation requirement for
	// the out-of-band confirmation collaborator. It never denies here.
	NeedsConfirmation bool

	// DecidedAt is when the decision was made.
	DecidedAt time.Time
}

// Engine evaluates tool policies. The zero value is usable.
type Engine struct{}

// NewEngine returns an authorization engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Authorize runs the decision procedure: first failing check wins.
//
// Idle semantics fail closed: when the policy requires an idle user and the
// idle state is unknown, the device is treated as in use.
func (e *Engine) Authorize(toolName string, policy tools.Policy, role tools.Role, signals Signals) Decision {
	now := time.Now().UTC()

	if !role.AtLeast(policy.MinRole) {
		return Decision{
			Allowed: false,
			Reason: fmt.Sprintf("tool %q requires role %s or above, caller has %s",
				toolName, policy.MinRole, role),
			DecidedAt: now,
		}
	}

	if policy.RequiresIdle {
		if signals.UserIdle == nil {
			return Decision{
				Allowed:   false,
				Reason:    fmt.Sprintf("tool %q requires an idle user and idle state is unknown", toolName),
				DecidedAt: now,
			}
		}
		if !*signals.UserIdle {
			return Decision{
				Allowed:   false,
				Reason:    fmt.Sprintf("tool %q requires an idle user and the user is active", toolName),
				DecidedAt: now,
			}
		}
	}

	return Decision{
		Allowed:           true,
		Reason:            "authorized",
		NeedsConfirmation: policy.RequiresConfirmation,
		DecidedAt:         now,
	}
}
