// Package testutil holds helpers shared by package tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xiaot623/gogo/agentbridge/internal/repository"
)

// NewTestJournal opens an in-memory SQLite journal closed at test cleanup.
func NewTestJournal(t *testing.T) *repository.SQLiteStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// WriteFakeAgent writes an executable /bin/sh script standing in for the
// agent binary and returns its absolute path.
func WriteFakeAgent(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fake-agent")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write fake agent: %v", err)
	}
	return path
}

// RecordingAgentScript echoes every argument line to $ARGS_FILE, copies
// stdin to $STDIN_FILE and prints output.
func RecordingAgentScript(output string) string {
	return `printf '%s\n' "$@" > "$ARGS_FILE"
cat > "$STDIN_FILE"
printf '%s' '` + output + `'`
}

// ReadFile returns the content of path or fails the test.
func ReadFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}
