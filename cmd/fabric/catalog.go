package main

import (
	"encoding/json"

	"github.com/opsfabric/fabric/internal/tools"
)

// registerCatalog installs the broker-side tool catalog: the definitions
// and policies for tools that execute on endpoint agents. Handlers are nil
// because execution happens remotely; the broker only authorizes and
// routes.
func registerCatalog(registry *tools.Registry) error {
	defs := []*tools.Definition{
		{
			Name:        "health_check",
			Description: "Report endpoint host, platform, version, and uptime.",
			Policy: tools.Policy{
				MinRole:        tools.RoleAIAgent,
				Risk:           tools.RiskSafe,
				TimeoutSeconds: 10,
			},
		},
		{
			Name:        "list_diagnostics",
			Description: "List the tools registered on an endpoint.",
			Policy: tools.Policy{
				MinRole:        tools.RoleAIAgent,
				Risk:           tools.RiskSafe,
				TimeoutSeconds: 10,
			},
		},
		{
			Name:            "restart_service",
			Description:     "Restart a managed service on the endpoint.",
			ParameterSchema: json.RawMessage(`{"type":"object","properties":{"service":{"type":"string","minLength":1}},"required":["service"],"additionalProperties":false}`),
			Policy: tools.Policy{
				MinRole:              tools.RoleHumanAgent,
				Risk:                 tools.RiskElevated,
				RequiresConfirmation: true,
				RequiresSudo:         true,
				TimeoutSeconds:       60,
			},
		},
		{
			Name:            "collect_logs",
			Description:     "Collect recent service logs from the endpoint.",
			ParameterSchema: json.RawMessage(`{"type":"object","properties":{"service":{"type":"string"},"lines":{"type":"integer","minimum":1,"maximum":5000}},"additionalProperties":false}`),
			Policy: tools.Policy{
				MinRole:        tools.RoleAIAgent,
				Risk:           tools.RiskCaution,
				RequiresIdle:   true,
				TimeoutSeconds: 30,
			},
		},
	}

	for _, def := range defs {
		if err := registry.Register(def, false); err != nil {
			return err
		}
	}
	return nil
}
