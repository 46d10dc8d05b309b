package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opsfabric/fabric/internal/audit"
	"github.com/opsfabric/fabric/internal/authz"
	"github.com/opsfabric/fabric/internal/observability"
	"github.com/opsfabric/fabric/internal/protocol"
	"github.com/opsfabric/fabric/internal/tools"
)

// Confirmer approves or rejects a confirmation-gated invocation out of
// band. Called only when the tool policy requires confirmation.
type Confirmer interface {
	Confirm(ctx context.Context, toolName string, role tools.Role, risk tools.RiskLevel) (bool, error)
}

// DispatcherConfig tunes dispatch behavior.
type DispatcherConfig struct {
	// RequireConfirmer denies confirmation-gated tools when no Confirmer is
	// configured. The default treats an absent confirmer as approval.
	RequireConfirmer bool

	// RawMinRole is the broker-side role floor for raw command dispatch.
	RawMinRole tools.Role

	// RawDefaultTimeout applies to raw dispatches without an explicit timeout.
	RawDefaultTimeout time.Duration
}

// DefaultDispatcherConfig returns dispatch defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		RawMinRole:        tools.RoleHumanAgent,
		RawDefaultTimeout: 30 * time.Second,
	}
}

// Dispatcher routes tool invocations to endpoint devices and waits for the
// correlated results. Every dispatch is audited exactly once with its final
// outcome.
type Dispatcher struct {
	catalog   *tools.Registry
	devices   *DeviceRegistry
	waiters   *WaiterStore
	engine    *authz.Engine
	auditLog  *audit.Log
	metrics   *observability.Metrics
	confirmer Confirmer
	config    DispatcherConfig
	logger    *slog.Logger

	seq atomic.Uint64
}

// NewDispatcher wires the dispatcher. auditLog, metrics, and confirmer may
// be nil; a nil confirmer follows the RequireConfirmer default.
func NewDispatcher(
	catalog *tools.Registry,
	devices *DeviceRegistry,
	waiters *WaiterStore,
	engine *authz.Engine,
	auditLog *audit.Log,
	metrics *observability.Metrics,
	confirmer Confirmer,
	config DispatcherConfig,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if config.RawDefaultTimeout <= 0 {
		config.RawDefaultTimeout = DefaultDispatcherConfig().RawDefaultTimeout
	}
	return &Dispatcher{
		catalog:   catalog,
		devices:   devices,
		waiters:   waiters,
		engine:    engine,
		auditLog:  auditLog,
		metrics:   metrics,
		confirmer: confirmer,
		config:    config,
		logger:    logger.With("component", "dispatcher"),
	}
}

// nextCallID allocates a system-wide unique, unguessable call ID.
func (d *Dispatcher) nextCallID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "call_" + strconv.FormatUint(d.seq.Add(1), 10) + "_" + suffix
}

// Dispatch routes one invocation to deviceID and blocks until a result
// arrives, the policy deadline expires, or ctx is cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, inv tools.Invocation, deviceID string, signals authz.Signals) *tools.Result {
	start := time.Now()

	def, ok := d.catalog.Lookup(inv.Name)
	if !ok {
		res := tools.Failure(inv.ID, "tool not found: "+inv.Name)
		d.finish(inv, deviceID, res, false, start)
		return res
	}

	decision := d.engine.Authorize(inv.Name, def.Policy, inv.Role, signals)
	d.recordAuthz(inv, decision)
	if !decision.Allowed {
		res := &tools.Result{ID: inv.ID, Status: tools.StatusUnauthorized, Error: decision.Reason}
		d.finish(inv, deviceID, res, false, start)
		return res
	}

	if decision.NeedsConfirmation {
		if ok, reason := d.confirm(ctx, inv.Name, inv.Role, def.Policy.Risk); !ok {
			res := &tools.Result{ID: inv.ID, Status: tools.StatusUnauthorized, Error: reason}
			d.finish(inv, deviceID, res, false, start)
			return res
		}
	}

	frame := func(callID string) protocol.Frame {
		return &protocol.ToolCall{ID: callID, Name: inv.Name, Arguments: inv.Arguments, Role: inv.Role}
	}
	res := d.roundTrip(ctx, deviceID, frame, def.Policy.Timeout())
	res.ID = inv.ID
	d.finish(inv, deviceID, res, true, start)
	return res
}

// DispatchRaw routes a raw command to deviceID through the same
// connection, correlation, and audit machinery as named tools. The
// endpoint applies its own blocklist and role floor before executing.
func (d *Dispatcher) DispatchRaw(ctx context.Context, id, command string, timeout time.Duration, role tools.Role, deviceID string) *tools.Result {
	start := time.Now()
	inv := tools.Invocation{ID: id, Name: "execute_raw", Role: role}

	if !role.AtLeast(d.config.RawMinRole) {
		reason := fmt.Sprintf("raw command dispatch requires role %s or above, caller has %s", d.config.RawMinRole, role)
		d.recordAuthz(inv, authz.Decision{Allowed: false, Reason: reason, DecidedAt: time.Now().UTC()})
		res := &tools.Result{ID: id, Status: tools.StatusUnauthorized, Error: reason}
		d.finish(inv, deviceID, res, false, start)
		return res
	}

	if timeout <= 0 {
		timeout = d.config.RawDefaultTimeout
	}
	frame := func(callID string) protocol.Frame {
		return &protocol.ExecuteRaw{
			ID:      callID,
			Command: command,
			Timeout: int(timeout / time.Second),
			Role:    role,
		}
	}
	res := d.roundTrip(ctx, deviceID, frame, timeout)
	res.ID = id
	d.finish(inv, deviceID, res, true, start)
	return res
}

// roundTrip registers a waiter, sends the frame, and awaits exactly one
// wakeup: result, deadline, or cancellation.
func (d *Dispatcher) roundTrip(ctx context.Context, deviceID string, frame func(callID string) protocol.Frame, timeout time.Duration) *tools.Result {
	if !d.devices.IsConnected(deviceID) {
		return tools.Failure("", "device not connected: "+deviceID)
	}

	callID := d.nextCallID()
	resultCh, err := d.waiters.Register(callID, deviceID)
	if err != nil {
		return tools.Failure("", "register call: "+err.Error())
	}

	start := time.Now()
	if !d.devices.SendTo(deviceID, frame(callID)) {
		d.waiters.Remove(callID)
		return tools.Failure("", "device not connected: "+deviceID)
	}

	select {
	case res := <-resultCh:
		return res
	case <-time.After(timeout):
		d.waiters.Remove(callID)
		return &tools.Result{
			Status:          tools.StatusTimeout,
			Error:           fmt.Sprintf("no result in %d s", int(timeout/time.Second)),
			ExecutionTimeMS: time.Since(start).Milliseconds(),
		}
	case <-ctx.Done():
		d.waiters.Remove(callID)
		return tools.Failure("", "cancelled: "+ctx.Err().Error())
	}
}

func (d *Dispatcher) confirm(ctx context.Context, toolName string, role tools.Role, risk tools.RiskLevel) (bool, string) {
	if d.confirmer == nil {
		if d.config.RequireConfirmer {
			return false, fmt.Sprintf("tool %q requires confirmation and no confirmer is configured", toolName)
		}
		return true, ""
	}
	approved, err := d.confirmer.Confirm(ctx, toolName, role, risk)
	if err != nil {
		return false, fmt.Sprintf("confirmation for %q failed: %v", toolName, err)
	}
	if !approved {
		return false, fmt.Sprintf("confirmation for %q was denied", toolName)
	}
	return true, ""
}

func (d *Dispatcher) recordAuthz(inv tools.Invocation, decision authz.Decision) {
	if d.auditLog != nil {
		d.auditLog.RecordAuthz(audit.AuthzEntry{
			Timestamp: decision.DecidedAt,
			ToolName:  inv.Name,
			Role:      inv.Role.String(),
			Allowed:   decision.Allowed,
			Reason:    decision.Reason,
		})
	}
	if d.metrics != nil {
		d.metrics.AuthzDecisions.WithLabelValues(inv.Name, strconv.FormatBool(decision.Allowed)).Inc()
	}
}

// finish records the single per-dispatch audit entry and metrics.
func (d *Dispatcher) finish(inv tools.Invocation, deviceID string, res *tools.Result, authorized bool, start time.Time) {
	if d.auditLog != nil {
		d.auditLog.RecordExecution(audit.ExecutionEntry{
			ToolName:        inv.Name,
			Role:            inv.Role.String(),
			Authorized:      authorized,
			Status:          res.Status,
			ExecutionTimeMS: res.ExecutionTimeMS,
			Output:          res.Output,
			Error:           res.Error,
			DeviceID:        deviceID,
		})
	}
	if d.metrics != nil {
		d.metrics.DispatchCounter.WithLabelValues(inv.Name, string(res.Status)).Inc()
		d.metrics.DispatchDuration.WithLabelValues(inv.Name).Observe(time.Since(start).Seconds())
	}
	d.logger.Debug("dispatch finished",
		"tool", inv.Name,
		"device_id", deviceID,
		"status", res.Status,
		"elapsed", time.Since(start),
	)
}
