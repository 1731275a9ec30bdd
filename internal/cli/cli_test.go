package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
)

func useSQLite(t *testing.T) {
	t.Helper()
	t.Setenv("TEAMTASKS_CONFIG", "")
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "cli.db"))
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LOG_LEVEL", "error")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	if err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out)
	}
	return out
}

func createTaskID(t *testing.T, title string) string {
	t.Helper()
	var task struct {
		ID string `json:"id"`
	}
	out := mustRun(t, "task", "create", "--title", title)
	if err := json.Unmarshal([]byte(out), &task); err != nil || task.ID == "" {
		t.Fatalf("task create output %q: %v", out, err)
	}
	return task.ID
}

func TestNewRootCmdHasSubcommands(t *testing.T) {
	root := NewRootCmd("test")
	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "member", "task", "subtask", "dep", "bulk", "activity"} {
		if !names[want] {
			t.Errorf("expected subcommand %q", want)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Fatal("expected --config persistent flag")
	}
}

func TestMigrateReportsStoreMode(t *testing.T) {
	useSQLite(t)
	out := mustRun(t, "migrate")
	if !strings.Contains(out, "sqlite") {
		t.Fatalf("migrate output = %q, want store mode", out)
	}
}

func TestDependencyCycleIsRejected(t *testing.T) {
	useSQLite(t)
	a := createTaskID(t, "A")
	b := createTaskID(t, "B")

	mustRun(t, "dep", "add", a, b)
	out, err := run(t, "dep", "add", b, a)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("reverse dep error = %v (%s), want cycle", err, out)
	}

	out = mustRun(t, "dep", "ls", a)
	if !strings.Contains(out, b) {
		t.Fatalf("dep ls output %q should list %s", out, b)
	}
}

func TestHierarchyAndProgress(t *testing.T) {
	useSQLite(t)
	parent := createTaskID(t, "parent")
	child := createTaskID(t, "child")

	mustRun(t, "subtask", "attach", parent, child)
	if _, err := run(t, "subtask", "attach", child, parent); err == nil {
		t.Fatalf("reverse attach should fail")
	}
	mustRun(t, "task", "status", child, "DONE")
	if out := mustRun(t, "task", "progress", parent); !strings.Contains(out, "1/1 subtasks done (100%)") {
		t.Fatalf("progress output = %q", out)
	}
	mustRun(t, "subtask", "detach", child)
	if out := mustRun(t, "task", "progress", parent); !strings.Contains(out, "0/0") {
		t.Fatalf("progress after detach = %q", out)
	}
}

func TestBulkCommands(t *testing.T) {
	useSQLite(t)
	ids := []string{createTaskID(t, "one"), createTaskID(t, "two")}

	out := mustRun(t, append([]string{"bulk", "status", "IN_REVIEW"}, ids...)...)
	if !strings.Contains(out, `"updated_count": 2`) {
		t.Fatalf("bulk status output = %q", out)
	}
	if out := mustRun(t, "activity", ids[0], "--limit", "1"); !strings.Contains(out, "status_changed") {
		t.Fatalf("activity output = %q", out)
	}

	if _, err := run(t, append([]string{"--role", "MEMBER", "--actor", "u1", "bulk", "delete"}, ids...)...); err == nil {
		t.Fatalf("member bulk delete should be forbidden")
	}
	if _, err := run(t, "bulk", "assign", ids[0]); err == nil {
		t.Fatalf("bulk assign without --user or --clear should fail")
	}
	out = mustRun(t, append([]string{"bulk", "delete"}, ids...)...)
	if !strings.Contains(out, `"deleted"`) {
		t.Fatalf("bulk delete output = %q", out)
	}
}

func TestMemberCommandsRequireAdmin(t *testing.T) {
	useSQLite(t)
	mustRun(t, "member", "add", "--user", "u2", "--team", "red")
	if _, err := run(t, "--role", "MEMBER", "member", "rm", "--user", "u2", "--team", "red"); err == nil {
		t.Fatalf("member rm by non-admin should fail")
	}
	if out := mustRun(t, "member", "rm", "--user", "u2", "--team", "red"); !strings.Contains(out, "inactive") {
		t.Fatalf("member rm output = %q", out)
	}
}
