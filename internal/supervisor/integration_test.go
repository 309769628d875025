//go:build integration

package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// compileC builds a C program or shared object with the system compiler.
func compileC(t *testing.T, out string, args ...string) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("interception module is built for linux only")
	}
	cc := os.Getenv("CC")
	if cc == "" {
		cc = "cc"
	}
	if _, err := exec.LookPath(cc); err != nil {
		t.Skipf("%s not in PATH", cc)
	}
	cmd := exec.Command(cc, append([]string{"-O2", "-o", out}, args...)...)
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("%s %v: %v\n%s", cc, args, err, output)
	}
}

// buildPreload compiles the interception module for this test run.
func buildPreload(t *testing.T) string {
	t.Helper()
	so := filepath.Join(t.TempDir(), "libwatchit.so")
	compileC(t, so, "-shared", "-fPIC", "../../libwatchit/interpose.c", "-ldl", "-lpthread")
	return so
}

func integrationOptions(t *testing.T, so string, argv ...string) (Options, string) {
	t.Helper()
	f := newFixture(t)
	return Options{
		Argv:       argv,
		Preload:    so,
		SocketStem: f.stem,
		Output:     filepath.Join(f.dir, "report.txt"),
		Env:        append(os.Environ(), "LC_ALL=C"),
		Stdin:      f.devNull,
		Stdout:     f.devNull,
		Stderr:     f.devNull,
	}, f.dir
}

func readReport(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func requireHostname(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/etc/hostname"); err != nil {
		t.Skip("/etc/hostname not present")
	}
}

func TestIntegration_CatHostname(t *testing.T) {
	so := buildPreload(t)
	requireHostname(t)

	opts, _ := integrationOptions(t, so, "cat", "/etc/hostname", "/no/such/file")
	res, err := Run(opts)
	require.NoError(t, err)

	assert.Equal(t, "/etc/hostname\n", readReport(t, opts.Output))
	assert.Equal(t, 1, res.Stats.Exit.Code, "cat fails on the missing file")
}

func TestIntegration_ForkedChildrenDeduplicate(t *testing.T) {
	so := buildPreload(t)
	requireHostname(t)

	opts, _ := integrationOptions(t, so, "sh", "-c",
		"cat /etc/hostname >/dev/null & cat /etc/hostname >/dev/null & wait")
	opts.Glob = "/etc/host*"
	_, err := Run(opts)
	require.NoError(t, err)

	assert.Equal(t, "/etc/hostname\n", readReport(t, opts.Output))
}

// A background descendant execs after the root has exited. Its inherited
// connection keeps the run open until the new image has reported.
func TestIntegration_BackgroundExecAfterRootExit(t *testing.T) {
	so := buildPreload(t)
	requireHostname(t)

	for i := 0; i < 5; i++ {
		opts, _ := integrationOptions(t, so, "sh", "-c", "(sleep 0.2; cat /etc/hostname >/dev/null) &")
		opts.Glob = "/etc/host*"
		res, err := Run(opts)
		require.NoError(t, err)

		assert.Equal(t, "/etc/hostname\n", readReport(t, opts.Output), "iteration %d", i)
		assert.Equal(t, 0, res.Stats.Exit.Code)
	}
}

func TestIntegration_CreateReportsPath(t *testing.T) {
	so := buildPreload(t)

	opts, dir := integrationOptions(t, so, "sh", "-c", "echo created > out.txt")
	opts.CwdPrefix = true
	opts.Glob = "*out.txt"

	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(cwd) })

	_, err = Run(opts)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "created\n", string(data))

	realDir, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, realDir+"/out.txt", strings.TrimSpace(readReport(t, opts.Output)))
}

func TestIntegration_ThreadedOpens(t *testing.T) {
	so := buildPreload(t)
	helper := filepath.Join(t.TempDir(), "threads")
	compileC(t, helper, "-pthread", "testdata/threads.c")

	const threads, perThread = 8, 200
	opts, dir := integrationOptions(t, so, helper, "", fmt.Sprint(threads), fmt.Sprint(perThread))
	work := filepath.Join(dir, "work")
	require.NoError(t, os.Mkdir(work, 0755))
	opts.Argv[1] = work

	res, err := Run(opts)
	require.NoError(t, err)
	require.Equal(t, 0, res.Stats.Exit.Code, "helper detected a changed return value, errno or mode")

	want := []string{work + "/streamed"}
	for i := 0; i < threads; i++ {
		for j := 0; j < perThread; j++ {
			want = append(want, fmt.Sprintf("%s/t%d-%d", work, i, j))
		}
	}
	slices.Sort(want)

	report := readReport(t, opts.Output)
	assert.NotContains(t, report, "/no/such/watchit/file", "failed opens are not reported")

	var got []string
	for _, line := range strings.Split(strings.TrimSuffix(report, "\n"), "\n") {
		if strings.HasPrefix(line, work+"/") {
			got = append(got, line)
		}
	}
	assert.Equal(t, want, got, "every message arrives whole")
	assert.Zero(t, res.Stats.Truncated)
	assert.Zero(t, res.Stats.Dropped)
}
