package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const trace = `----- pid 1234 at 2024-08-16 10:02:11 -----
Cmd line: com.app

"main" prio=5 tid=1 Blocked
  at com.app.ui.MainActivity.refresh(MainActivity.java:120)
  - waiting to lock <0x0abc> (a java.lang.Object) held by thread 15

"Worker" prio=5 tid=15 Native
  at com.app.data.Repo.sync(Repo.java:40)
  - locked <0x0abc> (a java.lang.Object)

----- end 1234 -----
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	stdout, _, err := runWithStderr(t, args...)
	return stdout, err
}

func runWithStderr(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestResolveCommand(t *testing.T) {
	dir := t.TempDir()
	tracePath := writeFile(t, dir, "traces.txt", trace)
	out := filepath.Join(dir, "out")

	stdout, err := run(t, "resolve", tracePath, "--process", "com.app", "--time", "2024-08-16 10:02:20", "--out", out)
	require.NoError(t, err)
	assert.Contains(t, stdout, `"Worker" prio=5 tid=15 Native`)
	assert.Contains(t, stdout, "outcome: terminal")

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = run(t, "resolve", tracePath, "--process", "com.nothere", "--out", out)
	assert.ErrorContains(t, err, "no snapshot")
}

func TestResolveCommand_OutputDir(t *testing.T) {
	dir := t.TempDir()
	tracePath := writeFile(t, dir, "traces.txt", trace)
	fromConfig := filepath.Join(dir, "from-config")
	cfgPath := writeFile(t, dir, "anr.yaml", "output:\n  dir: "+fromConfig+"\n")

	_, stderr, err := runWithStderr(t, "resolve", tracePath, "--process", "com.app", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, stderr, "[+] Wrote "+fromConfig)

	_, stderr, err = runWithStderr(t, "resolve", tracePath, "--process", "com.app", "--config", cfgPath, "--out=")
	require.NoError(t, err)
	assert.NotContains(t, stderr, "[+] Wrote")
	entries, err := os.ReadDir(fromConfig)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "an empty --out writes nothing")
}

func TestBatchAndSummaryCommands(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", trace)
	targets := writeFile(t, dir, "targets.yaml", "targets:\n  - trace: a.txt\n    process: com.app\n  - trace: a.txt\n    pid: \"1234\"\n")
	storeDir := filepath.Join(dir, "db")

	stdout, err := run(t, "batch", targets, "--store", storeDir, "--workers", "2", "--out", filepath.Join(dir, "out"))
	require.NoError(t, err)
	assert.Contains(t, stdout, "begin com.app")
	assert.Contains(t, stdout, "2 times")

	stdout, err = run(t, "summary", "--store", storeDir)
	require.NoError(t, err)
	assert.Contains(t, stdout, "2 times")

	_, err = run(t, "summary")
	assert.ErrorContains(t, err, "store directory")
}

func TestStatsCommand(t *testing.T) {
	dir := t.TempDir()
	tracePath := writeFile(t, dir, "traces.txt", trace)

	stdout, err := run(t, "stats", tracePath)
	require.NoError(t, err)
	assert.Contains(t, stdout, "threads: 2")
	assert.Contains(t, stdout, "1 threads (50.00%) at com.app.ui.MainActivity.refresh(MainActivity.java:120)")
	assert.Contains(t, stdout, "<0x0abc>")
	assert.Contains(t, stdout, "Main Thread Blocked")
}
