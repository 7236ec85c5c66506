//go:build integration

// Integration tests for ptydeckctl + ptydeckd.
//
// Each test builds both binaries once (via TestMain), creates an isolated
// PTYDECK_ROOT temp directory with a config.toml pointing the child process
// at `sh -c cat` (so no real coding-assistant binary is required), and then
// runs actual ptydeckctl/ptydeckd processes end to end.
//
// Run with:
//
//	go test -tags=integration -v ./test/
package integration_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ctlBin string
	dBin   string
)

func TestMain(m *testing.M) {
	root := moduleRoot()

	tmpBin, err := os.MkdirTemp("", "ptydeck-inttest-bin-*")
	if err != nil {
		panic("MkdirTemp: " + err.Error())
	}
	defer os.RemoveAll(tmpBin)

	ctlBin = filepath.Join(tmpBin, "ptydeckctl")
	dBin = filepath.Join(tmpBin, "ptydeckd")

	for _, b := range []struct{ out, pkg string }{
		{ctlBin, "./cmd/ptydeckctl"},
		{dBin, "./cmd/ptydeckd"},
	} {
		cmd := exec.Command("go", "build", "-o", b.out, b.pkg)
		cmd.Dir = root
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			panic("build " + b.pkg + ": " + err.Error())
		}
	}

	os.Exit(m.Run())
}

func moduleRoot() string {
	abs, err := filepath.Abs("..")
	if err != nil {
		panic(err)
	}
	return abs
}

// testConfigTOML swaps the child command for a harmless `sh -c cat` so
// tests never depend on a real coding-assistant binary being installed.
const testConfigTOML = `
[child]
command = ["sh", "-c", "cat"]
resume_flag = "--resume"
session_id_pattern = '(?i)session[_-]?id[:=]\s*([0-9a-fA-F-]{8,})'
`

type testEnv struct {
	t        *testing.T
	root     string
	sockPath string
	daemon   *exec.Cmd
	workDir  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "config.toml"), []byte(testConfigTOML), 0o644))

	env := &testEnv{
		t:        t,
		root:     root,
		sockPath: filepath.Join(root, "daemon.sock"),
		workDir:  t.TempDir(),
	}
	t.Cleanup(env.cleanup)
	return env
}

func (e *testEnv) startDaemon() {
	e.t.Helper()
	cmd := exec.Command(dBin, "--root", e.root)
	cmd.Env = e.envVars()
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	require.NoError(e.t, cmd.Start(), "start ptydeckd")
	e.daemon = cmd

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(e.sockPath); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	e.t.Fatal("ptydeckd socket did not appear within 5s")
}

func (e *testEnv) envVars() []string {
	return append(os.Environ(), "PTYDECK_ROOT="+e.root)
}

func (e *testEnv) ctl(args ...string) (string, error) {
	cmd := exec.Command(ctlBin, args...)
	cmd.Env = e.envVars()
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func (e *testEnv) ctlOK(args ...string) string {
	e.t.Helper()
	out, err := e.ctl(args...)
	require.NoError(e.t, err, "ptydeckctl %v\n%s", args, out)
	return out
}

var ansiSeq = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// idFromOutput returns the full id printed as the last field of a
// ptydeckctl confirmation line ("✓  created <id>"), without color codes.
func idFromOutput(out string) string {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return ""
	}
	return ansiSeq.ReplaceAllString(fields[len(fields)-1], "")
}

func (e *testEnv) cleanup() {
	if e.daemon != nil && e.daemon.Process != nil {
		_ = e.daemon.Process.Signal(syscall.SIGTERM)
		_ = e.daemon.Wait()
	}
}

// ── Tests ──────────────────────────────────────────────────────────────────

func TestPingReachesDaemon(t *testing.T) {
	env := newTestEnv(t)
	env.startDaemon()

	out := env.ctlOK("ping")
	assert.Contains(t, out, "ok")
}

func TestListEmptyByDefault(t *testing.T) {
	env := newTestEnv(t)
	env.startDaemon()

	out := env.ctlOK("list")
	assert.Contains(t, out, "no sessions")
}

func TestCreateAppearsInList(t *testing.T) {
	env := newTestEnv(t)
	env.startDaemon()

	out := env.ctlOK("create", "scratch", env.workDir, "-d")
	assert.Contains(t, out, "created")

	out = env.ctlOK("list")
	assert.Contains(t, out, "scratch")
}

func TestStopThenDeleteRemovesFromList(t *testing.T) {
	env := newTestEnv(t)
	env.startDaemon()

	id := idFromOutput(env.ctlOK("create", "to-delete", env.workDir, "-d"))

	out := env.ctlOK("list")
	assert.Contains(t, out, "to-delete")

	// The list table shows only an 8-character id prefix, which the daemon
	// does not resolve, so the full id comes from create's output.
	lines := strings.Split(out, "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	fields := strings.Fields(lines[1])
	require.NotEmpty(t, fields)
	assert.True(t, strings.HasPrefix(id, fields[0]), "list row %q should show a prefix of %q", fields[0], id)

	env.ctlOK("stop", id)
	env.ctlOK("delete", id)

	out = env.ctlOK("list")
	assert.Contains(t, out, "no sessions")
}

func TestGroupCreateListDelete(t *testing.T) {
	env := newTestEnv(t)
	env.startDaemon()

	id := idFromOutput(env.ctlOK("group", "create", "workspace-a"))

	out := env.ctlOK("group", "list")
	assert.Contains(t, out, "workspace-a")

	lines := strings.Split(out, "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	fields := strings.Fields(lines[1])
	require.NotEmpty(t, fields)
	assert.True(t, strings.HasPrefix(id, fields[0]), "list row %q should show a prefix of %q", fields[0], id)

	env.ctlOK("group", "delete", id)

	out = env.ctlOK("group", "list")
	assert.Contains(t, out, "no groups")
}

func TestSessionSurvivesDaemonRestartViaStore(t *testing.T) {
	env := newTestEnv(t)
	env.startDaemon()

	out := env.ctlOK("create", "persisted", env.workDir, "-d")
	assert.Contains(t, out, "created")

	// Stop the daemon; the store must have persisted the session so a
	// fresh daemon process picks it back up.
	require.NoError(t, env.daemon.Process.Signal(syscall.SIGTERM))
	_ = env.daemon.Wait()
	env.daemon = nil

	env.startDaemon()

	out = env.ctlOK("list")
	assert.Contains(t, out, "persisted")
}
