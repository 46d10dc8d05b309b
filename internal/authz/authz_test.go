package authz

import (
	"strings"
	"testing"

	"github.com/opsfabric/fabric/internal/tools"
)

func boolPtr(b bool) *bool { return &b }

func TestAuthorizeRoleFloor(t *testing.T) {
	engine := NewEngine()
	policy := tools.Policy{MinRole: tools.RoleHumanAgent, TimeoutSeconds: 30}

	cases := []struct {
		role    tools.Role
		allowed bool
	}{
		{tools.RoleAIAgent, false},
		{tools.RoleHumanAgent, true},
		{tools.RoleAdmin, true},
	}
	for _, tc := range cases {
		d := engine.Authorize("restart_service", policy, tc.role, Signals{})
		if d.Allowed != tc.allowed {
			t.Errorf("role %v: allowed=%v, want %v (reason: %s)", tc.role, d.Allowed, tc.allowed, d.Reason)
		}
	}
}

func TestAuthorizeDenialReasonNamesRoles(t *testing.T) {
	engine := NewEngine()
	policy := tools.Policy{MinRole: tools.RoleAdmin, TimeoutSeconds: 30}

	d := engine.Authorize("wipe_cache", policy, tools.RoleAIAgent, Signals{})
	if d.Allowed {
		t.Fatal("expected denial")
	}
	if !strings.Contains(d.Reason, "admin") || !strings.Contains(d.Reason, "ai_agent") {
		t.Errorf("reason should name required and provided roles, got %q", d.Reason)
	}
}

func TestAuthorizeIdleFailsClosed(t *testing.T) {
	engine := NewEngine()
	policy := tools.Policy{MinRole: tools.RoleAIAgent, RequiresIdle: true, TimeoutSeconds: 30}

	// unknown idle state denies
	if d := engine.Authorize("collect_logs", policy, tools.RoleAdmin, Signals{}); d.Allowed {
		t.Error("unknown idle state should deny")
	}
	// active user denies
	if d := engine.Authorize("collect_logs", policy, tools.RoleAdmin, Signals{UserIdle: boolPtr(false)}); d.Allowed {
		t.Error("active user should deny")
	}
	// idle user allows
	if d := engine.Authorize("collect_logs", policy, tools.RoleAdmin, Signals{UserIdle: boolPtr(true)}); !d.Allowed {
		t.Errorf("idle user should allow, got %q", d.Reason)
	}
}

// A role that satisfies a policy is never denied by granting a higher role.
func TestAuthorizeMonotonicInRole(t *testing.T) {
	engine := NewEngine()
	roles := []tools.Role{tools.RoleAIAgent, tools.RoleHumanAgent, tools.RoleAdmin}
	policies := []tools.Policy{
		{MinRole: tools.RoleAIAgent, TimeoutSeconds: 30},
		{MinRole: tools.RoleHumanAgent, TimeoutSeconds: 30},
		{MinRole: tools.RoleAdmin, TimeoutSeconds: 30},
		{MinRole: tools.RoleAIAgent, RequiresIdle: true, TimeoutSeconds: 30},
	}
	signals := []Signals{{}, {UserIdle: boolPtr(true)}, {UserIdle: boolPtr(false)}}

	for _, policy := range policies {
		for _, sig := range signals {
			for i := 0; i+1 < len(roles); i++ {
				lower := engine.Authorize("t", policy, roles[i], sig)
				higher := engine.Authorize("t", policy, roles[i+1], sig)
				if lower.Allowed && !higher.Allowed {
					t.Errorf("policy %+v signals %+v: %v allowed but %v denied",
						policy, sig, roles[i], roles[i+1])
				}
			}
		}
	}
}

func TestAuthorizeSurfacesConfirmation(t *testing.T) {
	engine := NewEngine()
	policy := tools.Policy{MinRole: tools.RoleAIAgent, RequiresConfirmation: true, TimeoutSeconds: 30}

	d := engine.Authorize("restart_service", policy, tools.RoleAdmin, Signals{})
	if !d.Allowed {
		t.Fatalf("expected allow, got %q", d.Reason)
	}
	if !d.NeedsConfirmation {
		t.Error("confirmation requirement should be surfaced")
	}
}
