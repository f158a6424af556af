package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/manthysbr/ocrkernel/internal/adapters/process"
	"github.com/manthysbr/ocrkernel/internal/core/domain"
	"github.com/manthysbr/ocrkernel/internal/core/ports"
)

const (
	containerPrefix    = "ocr-job-"
	containerInputDir  = "/data/in"
	containerOutputDir = "/data/out"
	labelManaged       = "ocrkernel.managed"
	labelJobID         = "ocrkernel.job_id"
	defaultKillGrace   = 5 * time.Second
)

type Config struct {
	Image     string
	User      string // optional "uid:gid" so output files are owned by the caller
	KillGrace time.Duration
}

// Runner runs each job in a throwaway container of an ocrmypdf image.
type Runner struct {
	cli    *client.Client
	cfg    Config
	logger *slog.Logger
}

// Ensure Runner implements ProcessRunner
var _ ports.ProcessRunner = (*Runner)(nil)

// NewRunner creates a new Docker-backed runner
func NewRunner(logger *slog.Logger, cfg Config) (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	return &Runner{cli: cli, cfg: cfg, logger: logger}, nil
}

// Probe checks the daemon is reachable and the image is available, pulling it
// when missing. Failures are configuration errors.
func (r *Runner) Probe(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: docker daemon unreachable: %v", domain.ErrToolNotFound, err)
	}
	if _, err := r.cli.ImageInspect(ctx, r.cfg.Image); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("%w: inspect image %s: %v", domain.ErrToolNotFound, r.cfg.Image, err)
		}
		if err := r.pull(ctx); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrToolNotFound, err)
		}
	}
	r.logger.Info("ocr image ready", "image", r.cfg.Image)
	return nil
}

func (r *Runner) pull(ctx context.Context) error {
	r.logger.Info("pulling ocr image", "image", r.cfg.Image)
	reader, err := r.cli.ImagePull(ctx, r.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", r.cfg.Image, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// ReapOrphans removes job containers left behind by a previous run.
func (r *Runner) ReapOrphans(ctx context.Context) (int, error) {
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: makeFilters(map[string]string{
			"label": labelManaged + "=true",
		}),
	})
	if err != nil {
		return 0, fmt.Errorf("list job containers: %w", err)
	}

	removed := 0
	for _, c := range containers {
		if err := r.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			r.logger.Warn("failed to remove orphaned container", "container_id", c.ID, "job_id", c.Labels[labelJobID], "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (r *Runner) Start(ctx context.Context, desc domain.JobDescriptor, onLine func(string)) (ports.ProcessHandle, error) {
	cmd, mounts, err := containerSpec(desc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSpawn, err)
	}

	cfg := &container.Config{
		Image:        r.cfg.Image,
		Cmd:          cmd,
		User:         r.cfg.User,
		Tty:          false,
		AttachStdout: false,
		AttachStderr: false,
		Labels: map[string]string{
			labelManaged: "true",
			labelJobID:   string(desc.ID),
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		Mounts:      mounts,
		Tmpfs: map[string]string{
			"/tmp": "rw,nosuid,size=1g",
		},
	}
	name := containerPrefix + string(desc.ID)

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if client.IsErrNotFound(err) {
		if pullErr := r.pull(ctx); pullErr != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrSpawn, pullErr)
		}
		resp, err = r.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	}
	if err != nil {
		if ctx.Err() != nil {
			// An aborted create may still have left the container behind.
			_ = r.cli.ContainerRemove(context.WithoutCancel(ctx), name, container.RemoveOptions{Force: true})
		}
		return nil, fmt.Errorf("%w: create container: %v", domain.ErrSpawn, err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = r.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("%w: start container: %v", domain.ErrSpawn, err)
	}

	h := &containerHandle{
		cli:    r.cli,
		id:     resp.ID,
		grace:  r.cfg.KillGrace,
		logger: r.logger.With("job_id", desc.ID, "container_id", resp.ID),
		done:   make(chan struct{}),
	}
	h.logger.Debug("ocr container started", "image", r.cfg.Image, "cmd", cmd)
	// ctx bounds the launch only; the container now lives until Terminate or Kill.
	go h.supervise(context.WithoutCancel(ctx), onLine)
	return h, nil
}

// containerSpec maps host paths into the container: the input directory is
// mounted read-only at /data/in and the output directory at /data/out.
func containerSpec(desc domain.JobDescriptor) ([]string, []mount.Mount, error) {
	in, err := filepath.Abs(desc.InputPath)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve input path: %w", err)
	}
	out, err := filepath.Abs(desc.OutputPath)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve output path: %w", err)
	}

	inDir, outDir := filepath.Dir(in), filepath.Dir(out)
	inTarget := path.Join(containerInputDir, filepath.Base(in))

	var mounts []mount.Mount
	var outTarget string
	if inDir == outDir {
		mounts = []mount.Mount{{Type: mount.TypeBind, Source: inDir, Target: containerInputDir}}
		outTarget = path.Join(containerInputDir, filepath.Base(out))
	} else {
		mounts = []mount.Mount{
			{Type: mount.TypeBind, Source: inDir, Target: containerInputDir, ReadOnly: true},
			{Type: mount.TypeBind, Source: outDir, Target: containerOutputDir},
		}
		outTarget = path.Join(containerOutputDir, filepath.Base(out))
	}

	cmd := make([]string, 0, len(desc.Flags)+2)
	cmd = append(cmd, desc.Flags...)
	cmd = append(cmd, inTarget, outTarget)
	return cmd, mounts, nil
}

type containerHandle struct {
	cli    *client.Client
	id     string
	grace  time.Duration
	logger *slog.Logger

	done     chan struct{}
	exit     domain.ProcessExit
	termOnce sync.Once
	killOnce sync.Once
}

func (h *containerHandle) supervise(ctx context.Context, onLine func(string)) {
	defer close(h.done)
	defer h.remove()

	logs, err := h.cli.ContainerLogs(ctx, h.id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		h.logger.Warn("failed to follow container logs", "error", err)
	} else {
		pr, pw := io.Pipe()
		go func() {
			// Same writer for both streams keeps their interleaving.
			_, copyErr := stdcopy.StdCopy(pw, pw, logs)
			_ = pw.CloseWithError(copyErr)
		}()
		process.ReadLines(pr, onLine)
		_ = logs.Close()
	}

	waitCh, errCh := h.cli.ContainerWait(ctx, h.id, container.WaitConditionNotRunning)
	select {
	case res := <-waitCh:
		h.exit = domain.ProcessExit{Code: int(res.StatusCode)}
		if res.Error != nil && res.Error.Message != "" {
			h.exit.Err = res.Error.Message
		}
	case err := <-errCh:
		h.exit = domain.ProcessExit{Code: -1, Err: err.Error()}
	}
	h.logger.Debug("ocr container exited", "exit_code", h.exit.Code)
}

func (h *containerHandle) remove() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h.cli.ContainerRemove(ctx, h.id, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		h.logger.Warn("failed to remove container", "error", err)
	}
}

// Terminate stops the container; Docker sends SIGTERM and kills it after the
// grace window.
func (h *containerHandle) Terminate() {
	h.termOnce.Do(func() {
		timeout := int(h.grace / time.Second)
		if timeout < 1 {
			timeout = 1
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), h.grace+30*time.Second)
			defer cancel()
			if err := h.cli.ContainerStop(ctx, h.id, container.StopOptions{Timeout: &timeout}); err != nil && !client.IsErrNotFound(err) {
				h.logger.Warn("failed to stop container", "error", err)
			}
		}()
	})
}

func (h *containerHandle) Kill() {
	h.killOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := h.cli.ContainerKill(ctx, h.id, "SIGKILL"); err != nil && !client.IsErrNotFound(err) {
			h.logger.Warn("failed to kill container", "error", err)
		}
	})
}

func (h *containerHandle) Wait() domain.ProcessExit {
	<-h.done
	return h.exit
}

// Helper to construct list filters
func makeFilters(m map[string]string) filters.Args {
	args := filters.NewArgs()
	for k, v := range m {
		args.Add(k, v)
	}
	return args
}
