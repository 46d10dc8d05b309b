package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/opsfabric/fabric/internal/ratelimit"
	"github.com/opsfabric/fabric/internal/tools"
)

// Spawner runs one child process and returns its captured output. It is
// injectable so tests can assert that blocked commands never spawn.
type Spawner func(ctx context.Context, argv []string, dir string, env []string) (stdout, stderr string, exitCode int, err error)

// Config tunes the executor.
type Config struct {
	// MaxOutputBytes caps combined stdout/stderr after redaction.
	MaxOutputBytes int

	// DefaultTimeout applies when a request carries no timeout.
	DefaultTimeout time.Duration

	// WorkDir is the child working directory; defaults to the user home.
	WorkDir string

	// RawMinRole is the role floor for raw command execution, applied on
	// the endpoint in addition to broker-side authorization.
	RawMinRole tools.Role
}

// DefaultConfig returns executor defaults.
func DefaultConfig() Config {
	return Config{
		MaxOutputBytes: 64 * 1024,
		DefaultTimeout: 30 * time.Second,
		RawMinRole:     tools.RoleHumanAgent,
	}
}

// Executor runs named tools and raw commands on the endpoint.
type Executor struct {
	registry *tools.Registry
	limiter  *ratelimit.Limiter
	config   Config
	logger   *slog.Logger
	spawn    Spawner

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// New creates an executor over the endpoint's local tool table.
func New(registry *tools.Registry, limiter *ratelimit.Limiter, config Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxOutputBytes <= 0 {
		config.MaxOutputBytes = DefaultConfig().MaxOutputBytes
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if config.WorkDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			config.WorkDir = home
		}
	}
	return &Executor{
		registry: registry,
		limiter:  limiter,
		config:   config,
		logger:   logger.With("component", "sandbox"),
		spawn:    spawnProcess,
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// SetSpawner replaces the child-process spawner. Test hook.
func (e *Executor) SetSpawner(s Spawner) {
	e.spawn = s
}

// Execute runs a named tool with a hard wall-clock deadline. Argument
// validation failures and blocked states never invoke the handler.
func (e *Executor) Execute(ctx context.Context, id, name string, args map[string]any, role tools.Role) *tools.Result {
	start := time.Now()

	def, ok := e.registry.Lookup(name)
	if !ok {
		return &tools.Result{ID: id, Status: tools.StatusFailure, Error: fmt.Sprintf("tool not found: %s", name)}
	}
	if !role.AtLeast(def.Policy.MinRole) {
		// broker authorizes before dispatch; this is the endpoint's own floor
		return &tools.Result{
			ID:     id,
			Status: tools.StatusUnauthorized,
			Error:  fmt.Sprintf("tool %q requires role %s or above, caller has %s", name, def.Policy.MinRole, role),
		}
	}

	if err := e.validateArguments(def, args); err != nil {
		return &tools.Result{ID: id, Status: tools.StatusInvalidArguments, Error: err.Error()}
	}

	timeout := def.Policy.Timeout()
	if timeout <= 0 {
		timeout = e.config.DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *tools.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := def.Handler(execCtx, args)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		elapsed := time.Since(start).Milliseconds()
		if out.err != nil {
			return &tools.Result{ID: id, Status: tools.StatusFailure, Error: out.err.Error(), ExecutionTimeMS: elapsed}
		}
		res := out.result
		if res == nil {
			return &tools.Result{ID: id, Status: tools.StatusFailure, Error: "tool returned no result", ExecutionTimeMS: elapsed}
		}
		res.ID = id
		res.ExecutionTimeMS = elapsed
		res.Output, res.Metadata.Redactions, res.Metadata.TruncatedBytes = sanitizeOutput(res.Output, e.config.MaxOutputBytes)
		return res
	case <-execCtx.Done():
		return &tools.Result{
			ID:              id,
			Status:          tools.StatusTimeout,
			Error:           fmt.Sprintf("execution exceeded %s limit", timeout),
			ExecutionTimeMS: time.Since(start).Milliseconds(),
		}
	}
}

// ExecuteRaw runs a raw command through the full safety pipeline: role
// floor, blocklist screen, rate limit, shell-less argv parse, spawn with
// timeout, then output sanitization.
//
// The blocklist screen runs before the rate limiter so a blocked command
// never consumes window budget.
func (e *Executor) ExecuteRaw(ctx context.Context, id, command string, timeout time.Duration, role tools.Role, clientKey string) *tools.Result {
	start := time.Now()

	if !role.AtLeast(e.config.RawMinRole) {
		return &tools.Result{
			ID:     id,
			Status: tools.StatusUnauthorized,
			Error:  fmt.Sprintf("raw command execution requires role %s or above, caller has %s", e.config.RawMinRole, role),
		}
	}

	if token, blocked := Screen(command); blocked {
		e.logger.Warn("raw command blocked", "token", token)
		return &tools.Result{
			ID:     id,
			Status: tools.StatusBlocked,
			Error:  fmt.Sprintf("command blocked: matched token %q", token),
		}
	}

	if e.limiter != nil && !e.limiter.Allow(clientKey) {
		return &tools.Result{
			ID:     id,
			Status: tools.StatusFailure,
			Error:  fmt.Sprintf("rate limit exceeded: retry after the %s window drains", e.limiter.Window()),
		}
	}

	argv, err := ParseCommand(command)
	if err != nil {
		return &tools.Result{ID: id, Status: tools.StatusInvalidArguments, Error: fmt.Sprintf("command parse failed: %v", err)}
	}

	if timeout <= 0 {
		timeout = e.config.DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr, exitCode, spawnErr := e.spawn(execCtx, argv, e.config.WorkDir, minimalEnv(argv[0]))
	elapsed := time.Since(start).Milliseconds()

	if execCtx.Err() == context.DeadlineExceeded {
		return &tools.Result{
			ID:              id,
			Status:          tools.StatusTimeout,
			Error:           fmt.Sprintf("execution exceeded %s limit", timeout),
			ExecutionTimeMS: elapsed,
		}
	}

	output := stdout
	if stderr != "" {
		if output != "" {
			output += "\n"
		}
		output += stderr
	}
	clean, redactions, truncated := sanitizeOutput(output, e.config.MaxOutputBytes)

	res := &tools.Result{
		ID:              id,
		Output:          clean,
		ExecutionTimeMS: elapsed,
		Metadata:        tools.ResultMetadata{Redactions: redactions, TruncatedBytes: truncated},
	}
	switch {
	case spawnErr != nil && exitCode < 0:
		res.Status = tools.StatusFailure
		res.Error = spawnErr.Error()
	case exitCode != 0:
		res.Status = tools.StatusFailure
		res.Error = fmt.Sprintf("exit status %d", exitCode)
	default:
		res.Status = tools.StatusSuccess
	}
	return res
}

// validateArguments checks args against the tool's parameter schema.
// Tools without a schema accept any argument object.
func (e *Executor) validateArguments(def *tools.Definition, args map[string]any) error {
	if len(def.ParameterSchema) == 0 {
		return nil
	}

	schema, err := e.compiledSchema(def)
	if err != nil {
		return fmt.Errorf("parameter schema for %s is invalid: %w", def.Name, err)
	}

	if args == nil {
		args = map[string]any{}
	}
	// round-trip so numeric types match what json.Unmarshal produces
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("arguments do not match schema: %v", err)
	}
	return nil
}

func (e *Executor) compiledSchema(def *tools.Definition) (*jsonschema.Schema, error) {
	e.schemaMu.Lock()
	defer e.schemaMu.Unlock()

	if schema, ok := e.schemas[def.Name]; ok {
		return schema, nil
	}
	schema, err := jsonschema.CompileString("tool_"+def.Name, string(def.ParameterSchema))
	if err != nil {
		return nil, err
	}
	e.schemas[def.Name] = schema
	return schema, nil
}
