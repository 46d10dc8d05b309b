package agent

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/opsfabric/fabric/internal/sandbox"
	"github.com/opsfabric/fabric/internal/tools"
)

func builtinRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	registry := tools.NewRegistry(nil)
	if err := RegisterBuiltins(registry, time.Now(), "test"); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	registry.Freeze()
	return registry
}

func stubServiceCommand(t *testing.T, output string, err error) *[][]string {
	t.Helper()
	orig := runServiceCommand
	t.Cleanup(func() { runServiceCommand = orig })

	calls := &[][]string{}
	runServiceCommand = func(_ context.Context, argv ...string) (string, error) {
		*calls = append(*calls, argv)
		return output, err
	}
	return calls
}

func TestBuiltinsCoverCatalog(t *testing.T) {
	registry := builtinRegistry(t)
	for _, name := range []string{"health_check", "list_diagnostics", "restart_service", "collect_logs"} {
		if _, ok := registry.Lookup(name); !ok {
			t.Errorf("builtin %s not registered", name)
		}
	}
}

func TestRestartServiceInvokesSystemctl(t *testing.T) {
	registry := builtinRegistry(t)
	calls := stubServiceCommand(t, "", nil)

	def, _ := registry.Lookup("restart_service")
	res, err := def.Handler(context.Background(), map[string]any{"service": "nginx"})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if res.Status != tools.StatusSuccess || !strings.Contains(res.Output, "nginx") {
		t.Errorf("result %+v", res)
	}
	want := [][]string{{"systemctl", "restart", "nginx"}}
	if !reflect.DeepEqual(*calls, want) {
		t.Errorf("argv %v, want %v", *calls, want)
	}
}

func TestRestartServiceReportsFailure(t *testing.T) {
	registry := builtinRegistry(t)
	stubServiceCommand(t, "Failed to restart nginx.service", context.DeadlineExceeded)

	def, _ := registry.Lookup("restart_service")
	res, err := def.Handler(context.Background(), map[string]any{"service": "nginx"})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if res.Status != tools.StatusFailure || !strings.Contains(res.Error, "nginx") {
		t.Errorf("result %+v", res)
	}
	if !strings.Contains(res.Output, "Failed to restart") {
		t.Errorf("command output dropped: %+v", res)
	}
}

func TestCollectLogsArgv(t *testing.T) {
	registry := builtinRegistry(t)
	def, _ := registry.Lookup("collect_logs")

	cases := []struct {
		name string
		args map[string]any
		want []string
	}{
		{"defaults", nil, []string{"journalctl", "--no-pager", "-n", "100"}},
		{"service and lines", map[string]any{"service": "sshd", "lines": float64(50)},
			[]string{"journalctl", "--no-pager", "-n", "50", "-u", "sshd"}},
	}
	for _, tc := range cases {
		calls := stubServiceCommand(t, "log lines", nil)
		res, err := def.Handler(context.Background(), tc.args)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if res.Status != tools.StatusSuccess || res.Output != "log lines" {
			t.Errorf("%s: result %+v", tc.name, res)
		}
		if len(*calls) != 1 || !reflect.DeepEqual((*calls)[0], tc.want) {
			t.Errorf("%s: argv %v, want %v", tc.name, *calls, tc.want)
		}
	}
}

// The executor validates arguments against the builtin's schema before the
// handler runs, so a restart without a service name never reaches systemctl.
func TestRestartServiceSchemaEnforced(t *testing.T) {
	registry := builtinRegistry(t)
	calls := stubServiceCommand(t, "", nil)

	executor := sandbox.New(registry, nil, sandbox.Config{MaxOutputBytes: 1024, DefaultTimeout: 5 * time.Second, WorkDir: t.TempDir()}, nil)
	res := executor.Execute(context.Background(), "call_1", "restart_service", nil, tools.RoleAdmin)
	if res.Status != tools.StatusInvalidArguments {
		t.Errorf("status %s, want invalid_arguments", res.Status)
	}
	if len(*calls) != 0 {
		t.Errorf("systemctl invoked for invalid arguments: %v", *calls)
	}
}
