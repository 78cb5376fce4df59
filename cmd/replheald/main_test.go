package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// writeFixture lays out a config file plus the canned tool outputs it points
// at, using sh so the external tool contract is exercised for real.
func writeFixture(t *testing.T, partnersJSON, failuresJSON, verifyText string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("sh not available on Windows test environment")
	}

	dir := t.TempDir()
	partnersPath := filepath.Join(dir, "partners.json")
	failuresPath := filepath.Join(dir, "failures.json")
	verifyPath := filepath.Join(dir, "verify.txt")
	for path, data := range map[string]string{
		partnersPath: partnersJSON,
		failuresPath: failuresJSON,
		verifyPath:   verifyText,
	} {
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatalf("failed to write fixture %s: %v", path, err)
		}
	}

	configData := fmt.Sprintf(`
scope:
  kind: list
  nodes:
    - dc01
tool:
  partners_cmd: ['sh', '-c', 'cat %s', '{node}']
  failures_cmd: ['sh', '-c', 'cat %s', '{node}']
  sync_cmd: ['sh', '-c', 'exit 0', '{node}']
  verify_cmd: ['sh', '-c', 'cat %s', '{node}']
verification:
  convergence_wait_sec: 1
cache:
  path: %s
audit:
  trail_path: %s
  rollback_db_path: %s
kill_switch_file: %s
unattended: true
`, partnersPath, failuresPath, verifyPath,
		filepath.Join(dir, "delta.json"),
		filepath.Join(dir, "audit.log"),
		filepath.Join(dir, "rollback.db"),
		filepath.Join(dir, "disable"))

	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(configData), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return configPath
}

func healthyPartnersJSON() string {
	recent := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	return fmt.Sprintf(`[{"partner":"dc02","partition":"cn=config","last_attempt":%q,"last_success":%q,"consecutive_failures":0}]`, recent, recent)
}

func stalePartnersJSON() string {
	stale := time.Now().Add(-72 * time.Hour).UTC().Format(time.RFC3339)
	return fmt.Sprintf(`[{"partner":"dc02","partition":"cn=config","last_attempt":%q,"last_success":%q,"consecutive_failures":4}]`, stale, stale)
}

func TestCommandRunOnceHealthyScope(t *testing.T) {
	configPath := writeFixture(t, healthyPartnersJSON(), `[]`, "replication successful\n")

	var stdout, stderr bytes.Buffer
	exitCode := commandRunOnceWithWriters([]string{"--config", configPath}, strings.NewReader(""), &stdout, &stderr)
	if exitCode != 0 {
		t.Fatalf("expected exit 0, got %d (stderr: %s)", exitCode, stderr.String())
	}
	output := stdout.String()
	if !strings.Contains(output, "nodes: 1 total, 1 healthy") {
		t.Fatalf("expected healthy node summary, got: %s", output)
	}
	if !strings.Contains(output, "status: success") {
		t.Fatalf("expected success status, got: %s", output)
	}
}

func TestCommandSimulateStaleNodeReportsUnresolvedIssues(t *testing.T) {
	configPath := writeFixture(t, stalePartnersJSON(), `[]`, "replication successful\n")

	var stdout, stderr bytes.Buffer
	exitCode := commandSimulateWithWriters([]string{"--config", configPath}, &stdout, &stderr)
	if exitCode != 1 {
		t.Fatalf("expected exit 1 for unresolved issues, got %d (stderr: %s)", exitCode, stderr.String())
	}
	output := stdout.String()
	if !strings.Contains(output, "healing pass summary (dry-run mode):") {
		t.Fatalf("expected dry-run summary header, got: %s", output)
	}
	if !strings.Contains(output, "issues:") {
		t.Fatalf("expected issues section, got: %s", output)
	}
	if !strings.Contains(output, "status: issues_remain") {
		t.Fatalf("expected issues_remain status, got: %s", output)
	}
	if !strings.Contains(output, "nodes examined:") || !strings.Contains(output, "- dc01 (healthy)") {
		t.Fatalf("expected examined node list, got: %s", output)
	}
	if !strings.Contains(output, "eligibility by tier:") || !strings.Contains(output, "conservative=eligible") {
		t.Fatalf("expected per-tier eligibility matrix, got: %s", output)
	}
	if !strings.Contains(output, "configured thresholds:") || !strings.Contains(output, "staleness threshold: 24h0m0s") {
		t.Fatalf("expected configured thresholds, got: %s", output)
	}
	if !strings.Contains(output, "no remediation performed in simulation mode") {
		t.Fatalf("expected simulation footer, got: %s", output)
	}
}

func TestCommandRunOnceHealsStaleNode(t *testing.T) {
	configPath := writeFixture(t, stalePartnersJSON(), `[]`, "replication successful\n")

	var stdout, stderr bytes.Buffer
	exitCode := commandRunOnceWithWriters([]string{"--config", configPath}, strings.NewReader(""), &stdout, &stderr)
	if exitCode != 0 {
		t.Fatalf("expected exit 0 after successful repair, got %d (stderr: %s)", exitCode, stderr.String())
	}
	output := stdout.String()
	if !strings.Contains(output, "repair resync_partner on dc01") {
		t.Fatalf("expected repair action in summary, got: %s", output)
	}
	if !strings.Contains(output, "dc01 => healthy") {
		t.Fatalf("expected healthy verification, got: %s", output)
	}
	if !strings.Contains(output, "status: success") {
		t.Fatalf("expected success status, got: %s", output)
	}
}

func TestCommandValidate(t *testing.T) {
	configPath := writeFixture(t, healthyPartnersJSON(), `[]`, "replication successful\n")

	var stdout, stderr bytes.Buffer
	if exitCode := commandValidateWithWriters([]string{"--config", configPath}, &stdout, &stderr); exitCode != exitOK {
		t.Fatalf("expected exitOK, got %d (stderr: %s)", exitCode, stderr.String())
	}
	if !strings.Contains(stdout.String(), "is valid") {
		t.Fatalf("expected validation confirmation, got: %s", stdout.String())
	}

	dir := t.TempDir()
	badPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(badPath, []byte("scope:\n  kind: list\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	stdout.Reset()
	stderr.Reset()
	if exitCode := commandValidateWithWriters([]string{"--config", badPath}, &stdout, &stderr); exitCode != exitConfigError {
		t.Fatalf("expected exitConfigError, got %d", exitCode)
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	if exitCode := run([]string{"frobnicate"}); exitCode != exitUsage {
		t.Fatalf("expected exitUsage, got %d", exitCode)
	}
	if exitCode := run(nil); exitCode != exitUsage {
		t.Fatalf("expected exitUsage for empty args, got %d", exitCode)
	}
}
