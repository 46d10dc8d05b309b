package tools

import (
	"encoding/json"
	"testing"
)

func TestRoleOrdering(t *testing.T) {
	if !RoleAdmin.AtLeast(RoleHumanAgent) {
		t.Error("admin should satisfy human_agent floor")
	}
	if !RoleHumanAgent.AtLeast(RoleAIAgent) {
		t.Error("human_agent should satisfy ai_agent floor")
	}
	if RoleAIAgent.AtLeast(RoleHumanAgent) {
		t.Error("ai_agent should not satisfy human_agent floor")
	}
	if !RoleAIAgent.AtLeast(RoleAIAgent) {
		t.Error("a role should satisfy its own floor")
	}
}

func TestRoleJSONRoundTrip(t *testing.T) {
	for _, role := range []Role{RoleAIAgent, RoleHumanAgent, RoleAdmin} {
		data, err := json.Marshal(role)
		if err != nil {
			t.Fatalf("marshal %v: %v", role, err)
		}
		var decoded Role
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if decoded != role {
			t.Errorf("round trip changed %v to %v", role, decoded)
		}
	}
}

func TestRoleWireNames(t *testing.T) {
	cases := map[Role]string{
		RoleAIAgent:    "ai_agent",
		RoleHumanAgent: "human_agent",
		RoleAdmin:      "admin",
	}
	for role, want := range cases {
		if got := role.String(); got != want {
			t.Errorf("role %d: got %q, want %q", int(role), got, want)
		}
		parsed, err := ParseRole(want)
		if err != nil {
			t.Fatalf("parse %q: %v", want, err)
		}
		if parsed != role {
			t.Errorf("parse %q: got %v, want %v", want, parsed, role)
		}
	}
}

func TestParseRoleUnknown(t *testing.T) {
	if _, err := ParseRole("superuser"); err == nil {
		t.Error("expected error for unknown role name")
	}
}

func TestPolicyValidate(t *testing.T) {
	valid := Policy{MinRole: RoleAIAgent, TimeoutSeconds: 30}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid policy rejected: %v", err)
	}

	for _, timeout := range []int{0, -5} {
		p := Policy{TimeoutSeconds: timeout}
		if err := p.Validate(); err == nil {
			t.Errorf("timeout %d should be rejected", timeout)
		}
	}
}
