package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/manthysbr/ocrkernel/internal/core/domain"
	"github.com/manthysbr/ocrkernel/internal/core/ports"
)

const defaultKillGrace = 5 * time.Second

type Config struct {
	Tool       string        // binary name or absolute path
	BaseArgs   []string      // placed before the job's own arguments
	SearchPath string        // PATH for the child; empty keeps the inherited one
	Dir        string        // working directory; empty means current
	KillGrace  time.Duration // SIGTERM -> SIGKILL window
}

// Runner launches the OCR tool as a local child process.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

// Ensure Runner implements ProcessRunner
var _ ports.ProcessRunner = (*Runner)(nil)

func NewRunner(logger *slog.Logger, cfg Config) *Runner {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	return &Runner{cfg: cfg, logger: logger}
}

// Start spawns the tool with stdout and stderr joined on one pipe, so lines
// reach onLine in the order the process wrote them.
func (r *Runner) Start(ctx context.Context, desc domain.JobDescriptor, onLine func(string)) (ports.ProcessHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSpawn, err)
	}

	args := append(append([]string{}, r.cfg.BaseArgs...), desc.Args()...)

	// Not CommandContext: the process lives until Terminate or Kill.
	cmd := exec.Command(r.cfg.Tool, args...)
	cmd.Dir = r.cfg.Dir
	if r.cfg.SearchPath != "" {
		cmd.Env = append(os.Environ(), "PATH="+r.cfg.SearchPath)
	}
	setProcessGroup(cmd)

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: output pipe: %v", domain.ErrSpawn, err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	start := time.Now()
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrSpawn, r.cfg.Tool, err)
	}
	// The child keeps its own copy of the write end; ours must go so EOF arrives.
	_ = pw.Close()

	logger := r.logger.With("job_id", desc.ID, "pid", cmd.Process.Pid)
	logger.Debug("ocr process started", "cmd_line", strings.Join(append([]string{r.cfg.Tool}, args...), " "))

	h := &execHandle{
		cmd:    cmd,
		grace:  r.cfg.KillGrace,
		logger: logger,
		done:   make(chan struct{}),
	}
	go h.supervise(pr, onLine, start)
	return h, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	grace  time.Duration
	logger *slog.Logger

	done     chan struct{}
	exit     domain.ProcessExit
	termOnce sync.Once
	killOnce sync.Once
}

func (h *execHandle) supervise(out *os.File, onLine func(string), start time.Time) {
	defer close(h.done)

	ReadLines(out, onLine)
	_ = out.Close()

	h.exit = exitFromError(h.cmd.Wait())
	h.logger.Debug("ocr process exited",
		"exit_code", h.exit.Code,
		"signal", h.exit.Signal,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (h *execHandle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Terminate sends SIGTERM to the process group and kills it if it is still
// alive after the grace window.
func (h *execHandle) Terminate() {
	h.termOnce.Do(func() {
		if h.exited() {
			return
		}
		if err := terminateProcess(h.cmd.Process); err != nil {
			h.logger.Warn("graceful termination failed", "error", err)
		}
		go func() {
			timer := time.NewTimer(h.grace)
			defer timer.Stop()
			select {
			case <-h.done:
			case <-timer.C:
				h.logger.Warn("ocr process ignored termination, killing", "grace", h.grace)
				h.Kill()
			}
		}()
	})
}

func (h *execHandle) Kill() {
	h.killOnce.Do(func() {
		if h.exited() {
			return
		}
		if err := killProcess(h.cmd.Process); err != nil {
			h.logger.Error("kill failed", "error", err)
		}
	})
}

func (h *execHandle) Wait() domain.ProcessExit {
	<-h.done
	return h.exit
}

// ReadLines forwards every line of r, including a trailing fragment without
// newline. Lines have no length limit.
func ReadLines(r io.Reader, onLine func(string)) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			onLine(strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			return
		}
	}
}

func exitFromError(err error) domain.ProcessExit {
	if err == nil {
		return domain.ProcessExit{Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return domain.ProcessExit{
			Code:   exitErr.ExitCode(),
			Signal: signalName(exitErr.ProcessState),
		}
	}
	return domain.ProcessExit{Code: -1, Err: err.Error()}
}
