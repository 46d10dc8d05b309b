package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opsfabric/fabric/internal/tools"
)

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var records []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("line is not JSON: %v", err)
		}
		records = append(records, rec)
	}
	return records
}

func TestRecordExecutionWritesDatedFile(t *testing.T) {
	dir := t.TempDir()
	log, err := New(dir, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer log.Close()

	log.RecordExecution(ExecutionEntry{
		ToolName:        "health_check",
		Role:            "ai_agent",
		Authorized:      true,
		Status:          tools.StatusSuccess,
		ExecutionTimeMS: 42,
		Output:          "ok",
		DeviceID:        "dev-1",
	})

	day := time.Now().UTC().Format("20060102")
	path := filepath.Join(dir, "audit_"+day+".log")
	records := readRecords(t, path)
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	rec := records[0]
	if rec["kind"] != KindAudit {
		t.Errorf("kind = %v", rec["kind"])
	}
	if rec["tool_name"] != "health_check" || rec["status"] != "success" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestRecordExecutionCapsOutput(t *testing.T) {
	dir := t.TempDir()
	log, err := New(dir, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer log.Close()

	log.RecordExecution(ExecutionEntry{
		ToolName: "collect_logs",
		Role:     "admin",
		Status:   tools.StatusSuccess,
		Output:   strings.Repeat("x", 2000),
	})

	day := time.Now().UTC().Format("20060102")
	records := readRecords(t, filepath.Join(dir, "audit_"+day+".log"))
	out, _ := records[0]["output"].(string)
	if len(out) != 500 {
		t.Errorf("output length %d, want 500", len(out))
	}
}

func TestSinksAreSeparate(t *testing.T) {
	dir := t.TempDir()
	log, err := New(dir, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer log.Close()

	log.RecordAuthz(AuthzEntry{ToolName: "restart_service", Role: "ai_agent", Allowed: false, Reason: "role too low"})
	log.RecordConnection(ConnectionEntry{Event: "register", DeviceID: "dev-1", Remote: "10.0.0.5:4242"})

	day := time.Now().UTC().Format("20060102")

	authz := readRecords(t, filepath.Join(dir, "authorization_"+day+".log"))
	if len(authz) != 1 || authz[0]["kind"] != KindAuthz || authz[0]["allowed"] != false {
		t.Errorf("authorization records: %v", authz)
	}

	conn := readRecords(t, filepath.Join(dir, "connection_"+day+".log"))
	if len(conn) != 1 || conn[0]["kind"] != KindConnection || conn[0]["event"] != "register" {
		t.Errorf("connection records: %v", conn)
	}
}

func TestFilePermissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "audit")
	log, err := New(dir, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer log.Close()

	log.RecordExecution(ExecutionEntry{ToolName: "t", Role: "admin", Status: tools.StatusSuccess})

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat dir: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o750 {
		t.Errorf("dir mode %o, want 750", perm)
	}

	day := time.Now().UTC().Format("20060102")
	finfo, err := os.Stat(filepath.Join(dir, "audit_"+day+".log"))
	if err != nil {
		t.Fatalf("stat file: %v", err)
	}
	if perm := finfo.Mode().Perm(); perm != 0o640 {
		t.Errorf("file mode %o, want 640", perm)
	}
}

func TestAppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	log, err := New(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	log.RecordExecution(ExecutionEntry{ToolName: "a", Role: "admin", Status: tools.StatusSuccess})
	log.Close()

	log2, err := New(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	log2.RecordExecution(ExecutionEntry{ToolName: "b", Role: "admin", Status: tools.StatusFailure})
	log2.Close()

	day := time.Now().UTC().Format("20060102")
	records := readRecords(t, filepath.Join(dir, "audit_"+day+".log"))
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2 (append-only)", len(records))
	}
}
