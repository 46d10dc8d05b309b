package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/opsfabric/fabric/internal/tools"
)

// runServiceCommand invokes a system management binary with an argv vector,
// no shell. Replaced in tests.
var runServiceCommand = func(ctx context.Context, argv ...string) (string, error) {
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	return string(out), err
}

// RegisterBuiltins installs the endpoint's built-in tools into the local
// table: diagnostics plus the systemd-backed service management tools the
// broker catalog dispatches. Called before the registry is frozen.
func RegisterBuiltins(registry *tools.Registry, startedAt time.Time, version string) error {
	healthCheck := &tools.Definition{
		Name:        "health_check",
		Description: "Report endpoint host, platform, version, and uptime.",
		Policy: tools.Policy{
			MinRole:        tools.RoleAIAgent,
			Risk:           tools.RiskSafe,
			TimeoutSeconds: 5,
		},
		Handler: func(context.Context, map[string]any) (*tools.Result, error) {
			hostname, _ := os.Hostname()
			payload, err := json.Marshal(map[string]any{
				"hostname":       hostname,
				"os":             runtime.GOOS,
				"arch":           runtime.GOARCH,
				"version":        version,
				"uptime_seconds": int(time.Since(startedAt).Seconds()),
			})
			if err != nil {
				return nil, err
			}
			return &tools.Result{Status: tools.StatusSuccess, Output: string(payload)}, nil
		},
	}

	listDiagnostics := &tools.Definition{
		Name:        "list_diagnostics",
		Description: "List the tools registered on this endpoint.",
		Policy: tools.Policy{
			MinRole:        tools.RoleAIAgent,
			Risk:           tools.RiskSafe,
			TimeoutSeconds: 5,
		},
		Handler: func(context.Context, map[string]any) (*tools.Result, error) {
			var lines []string
			for _, def := range registry.All() {
				lines = append(lines, def.Name+": "+def.Description)
			}
			return &tools.Result{Status: tools.StatusSuccess, Output: strings.Join(lines, "\n")}, nil
		},
	}

	restartService := &tools.Definition{
		Name:            "restart_service",
		Description:     "Restart a managed service on this endpoint.",
		ParameterSchema: json.RawMessage(`{"type":"object","properties":{"service":{"type":"string","minLength":1}},"required":["service"],"additionalProperties":false}`),
		Policy: tools.Policy{
			MinRole:              tools.RoleHumanAgent,
			Risk:                 tools.RiskElevated,
			RequiresConfirmation: true,
			RequiresSudo:         true,
			TimeoutSeconds:       60,
		},
		Handler: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			service, _ := args["service"].(string)
			out, err := runServiceCommand(ctx, "systemctl", "restart", service)
			if err != nil {
				return &tools.Result{
					Status: tools.StatusFailure,
					Output: out,
					Error:  fmt.Sprintf("restart %s: %v", service, err),
				}, nil
			}
			return &tools.Result{Status: tools.StatusSuccess, Output: "restarted " + service}, nil
		},
	}

	collectLogs := &tools.Definition{
		Name:            "collect_logs",
		Description:     "Collect recent service logs from this endpoint.",
		ParameterSchema: json.RawMessage(`{"type":"object","properties":{"service":{"type":"string"},"lines":{"type":"integer","minimum":1,"maximum":5000}},"additionalProperties":false}`),
		Policy: tools.Policy{
			MinRole:        tools.RoleAIAgent,
			Risk:           tools.RiskCaution,
			RequiresIdle:   true,
			TimeoutSeconds: 30,
		},
		Handler: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			lines := 100
			switch n := args["lines"].(type) {
			case float64:
				lines = int(n)
			case int:
				lines = n
			}
			argv := []string{"journalctl", "--no-pager", "-n", strconv.Itoa(lines)}
			if service, _ := args["service"].(string); service != "" {
				argv = append(argv, "-u", service)
			}
			out, err := runServiceCommand(ctx, argv...)
			if err != nil {
				return &tools.Result{Status: tools.StatusFailure, Output: out, Error: err.Error()}, nil
			}
			return &tools.Result{Status: tools.StatusSuccess, Output: out}, nil
		},
	}

	for _, def := range []*tools.Definition{healthCheck, listDiagnostics, restartService, collectLogs} {
		if err := registry.Register(def, false); err != nil {
			return err
		}
	}
	return nil
}
