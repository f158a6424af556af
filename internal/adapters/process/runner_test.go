//go:build unix

package process

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/manthysbr/ocrkernel/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) add(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *lineCollector) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.lines...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// shRunner runs `sh -c <script> <flags...> <input> <output>`.
func shRunner(script string, grace time.Duration) *Runner {
	return NewRunner(testLogger(), Config{
		Tool:      "/bin/sh",
		BaseArgs:  []string{"-c", script, "ocrmypdf"},
		KillGrace: grace,
	})
}

func descriptor(flags ...string) domain.JobDescriptor {
	return domain.JobDescriptor{
		ID:         "job-1",
		InputPath:  "/scans/in.pdf",
		OutputPath: "/scans/in ocr.pdf",
		Flags:      flags,
		CreatedAt:  time.Now(),
	}
}

func TestRunner_InterleavedOutputAndExitCode(t *testing.T) {
	script := `echo "Scanning contents"; echo "warning: page 2" 1>&2; echo "Postprocessing"; printf "partial"; exit 2`
	r := shRunner(script, time.Second)

	var c lineCollector
	h, err := r.Start(context.Background(), descriptor(), c.add)
	require.NoError(t, err)

	exit := h.Wait()
	assert.Equal(t, 2, exit.Code)
	assert.False(t, exit.Success())
	assert.Equal(t, []string{"Scanning contents", "warning: page 2", "Postprocessing", "partial"}, c.get())
}

func TestRunner_ArgumentOrder(t *testing.T) {
	r := shRunner(`for a in "$@"; do echo "$a"; done`, time.Second)

	var c lineCollector
	h, err := r.Start(context.Background(), descriptor("-l", "eng+deu", "--deskew"), c.add)
	require.NoError(t, err)

	assert.True(t, h.Wait().Success())
	assert.Equal(t, []string{"-l", "eng+deu", "--deskew", "/scans/in.pdf", "/scans/in ocr.pdf"}, c.get())
}

func TestRunner_SpawnError(t *testing.T) {
	r := NewRunner(testLogger(), Config{Tool: filepath.Join(t.TempDir(), "missing-ocrmypdf")})

	_, err := r.Start(context.Background(), descriptor(), func(string) {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSpawn))
}

func TestRunner_TerminateStopsProcess(t *testing.T) {
	r := shRunner(`echo started; sleep 30`, 5*time.Second)

	var c lineCollector
	h, err := r.Start(context.Background(), descriptor(), c.add)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.get()) == 1 }, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	h.Terminate()
	h.Terminate()

	exit := h.Wait()
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, exit.Success())
	assert.Equal(t, "SIGTERM", exit.Signal)
}

func TestRunner_TerminateEscalatesToKill(t *testing.T) {
	r := shRunner(`trap "" TERM; echo ready; while :; do sleep 0.05; done`, 200*time.Millisecond)

	var c lineCollector
	h, err := r.Start(context.Background(), descriptor(), c.add)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.get()) == 1 }, 2*time.Second, 5*time.Millisecond)

	h.Terminate()

	done := make(chan domain.ProcessExit, 1)
	go func() { done <- h.Wait() }()
	select {
	case exit := <-done:
		assert.Equal(t, "SIGKILL", exit.Signal)
	case <-time.After(5 * time.Second):
		h.Kill()
		t.Fatal("process survived termination grace")
	}
}

func TestRunner_KillIsIdempotent(t *testing.T) {
	r := shRunner(`sleep 30`, time.Second)

	h, err := r.Start(context.Background(), descriptor(), func(string) {})
	require.NoError(t, err)

	h.Kill()
	h.Kill()
	exit := h.Wait()
	assert.Equal(t, "SIGKILL", exit.Signal)

	// Signalling after exit is a no-op
	assert.NotPanics(t, h.Terminate)
}

func TestReadLines_LongAndCRLF(t *testing.T) {
	long := strings.Repeat("x", 200_000)
	var got []string
	ReadLines(strings.NewReader("a\r\n"+long+"\nlast"), func(l string) { got = append(got, l) })
	assert.Equal(t, []string{"a", long, "last"}, got)
}
