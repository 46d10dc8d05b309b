package tools

import (
	"errors"
	"testing"
)

func testDef(name string, minRole Role) *Definition {
	return &Definition{
		Name:        name,
		Description: "test tool",
		Policy:      Policy{MinRole: minRole, TimeoutSeconds: 30},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(testDef("screenshot", RoleAIAgent), false); err != nil {
		t.Fatalf("register: %v", err)
	}

	def, ok := r.Lookup("screenshot")
	if !ok {
		t.Fatal("registered tool not found")
	}
	if def.Name != "screenshot" {
		t.Errorf("got name %q", def.Name)
	}
	if _, ok := r.Lookup("missing"); ok {
		t.Error("unregistered tool should not be found")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(testDef("screenshot", RoleAIAgent), false); err != nil {
		t.Fatalf("register: %v", err)
	}

	err := r.Register(testDef("screenshot", RoleAdmin), false)
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("got %v, want ErrAlreadyRegistered", err)
	}

	// override replaces the definition
	if err := r.Register(testDef("screenshot", RoleAdmin), true); err != nil {
		t.Fatalf("override: %v", err)
	}
	def, _ := r.Lookup("screenshot")
	if def.Policy.MinRole != RoleAdmin {
		t.Errorf("override did not replace policy, min_role=%v", def.Policy.MinRole)
	}
}

func TestRegisterInvalidPolicy(t *testing.T) {
	r := NewRegistry(nil)
	def := &Definition{Name: "broken", Policy: Policy{TimeoutSeconds: 0}}
	if err := r.Register(def, false); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("got %v, want ErrInvalidPolicy", err)
	}
}

func TestRegisterAfterFreeze(t *testing.T) {
	r := NewRegistry(nil)
	r.Freeze()
	if err := r.Register(testDef("late", RoleAIAgent), false); !errors.Is(err, ErrFrozen) {
		t.Fatalf("got %v, want ErrFrozen", err)
	}
}

func TestVisibleTo(t *testing.T) {
	r := NewRegistry(nil)
	for name, role := range map[string]Role{
		"health_check":    RoleAIAgent,
		"restart_service": RoleHumanAgent,
		"wipe_cache":      RoleAdmin,
	} {
		if err := r.Register(testDef(name, role), false); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	r.Freeze()

	cases := []struct {
		role Role
		want []string
	}{
		{RoleAIAgent, []string{"health_check"}},
		{RoleHumanAgent, []string{"health_check", "restart_service"}},
		{RoleAdmin, []string{"health_check", "restart_service", "wipe_cache"}},
	}
	for _, tc := range cases {
		got := r.VisibleTo(tc.role)
		if len(got) != len(tc.want) {
			t.Errorf("role %v: got %v, want %v", tc.role, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("role %v: got %v, want %v", tc.role, got, tc.want)
				break
			}
		}
	}
}
