package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/cuemby/pairpilot/pkg/log"
	"github.com/cuemby/pairpilot/pkg/types"
	"github.com/oklog/ulid/v2"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
)

const (
	// DefaultNamespace is the containerd namespace for sandbox containers
	DefaultNamespace = "pairpilot"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// DefaultMemoryLimit caps each container at 256 MiB
	DefaultMemoryLimit = 256 << 20

	workDir = "/work"
)

// DefaultImages maps languages to interpreter images
func DefaultImages() map[types.Language]string {
	return map[types.Language]string{
		types.LanguagePython:     "docker.io/library/python:3.12-alpine",
		types.LanguageJavaScript: "docker.io/library/node:20-alpine",
	}
}

// ContainerdConfig configures a ContainerdRunner
type ContainerdConfig struct {
	SocketPath  string
	Namespace   string
	Images      map[types.Language]string
	MemoryLimit uint64
	// TempDir holds the source files bind-mounted into containers
	TempDir string
}

// ContainerdRunner executes code in a throwaway containerd container. The
// source directory is mounted read-only and the container gets its own
// network namespace with no interfaces.
type ContainerdRunner struct {
	client   *containerd.Client
	cfg      ContainerdConfig
	commands map[types.Language]Command
	logger   zerolog.Logger
}

// NewContainerdRunner connects to containerd
func NewContainerdRunner(cfg ContainerdConfig) (*ContainerdRunner, error) {
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.MemoryLimit == 0 {
		cfg.MemoryLimit = DefaultMemoryLimit
	}
	images := DefaultImages()
	for lang, ref := range cfg.Images {
		images[lang] = ref
	}
	cfg.Images = images

	client, err := containerd.New(cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	cmds := DefaultCommands()
	cmds[types.LanguagePython] = Command{Path: "python", Args: []string{"-u", "-B"}, File: "main.py"}

	return &ContainerdRunner{
		client:   client,
		cfg:      cfg,
		commands: cmds,
		logger:   log.WithComponent("sandbox").With().Str("runner", "containerd").Logger(),
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRunner) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Start pulls the language image if needed, then creates and starts a task
func (r *ContainerdRunner) Start(ctx context.Context, req Request) (Execution, error) {
	ref, ok := r.cfg.Images[req.Language]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, req.Language)
	}
	c := r.commands[req.Language]
	ctx = namespaces.WithNamespace(ctx, r.cfg.Namespace)

	image, err := r.ensureImage(ctx, ref)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(r.cfg.TempDir, "pairpilot-run-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, c.File), []byte(req.Code), 0644); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to write source: %w", err)
	}

	id := "run-" + ulid.Make().String()
	args := append(append([]string{c.Path}, c.Args...), workDir+"/"+c.File)
	container, err := r.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(args...),
			oci.WithProcessCwd(workDir),
			oci.WithEnv([]string{"PYTHONDONTWRITEBYTECODE=1"}),
			oci.WithMemoryLimit(r.cfg.MemoryLimit),
			oci.WithMounts([]specs.Mount{{
				Source:      dir,
				Destination: workDir,
				Type:        "bind",
				Options:     []string{"ro", "rbind"},
			}}),
		),
	)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	x := newExecution(ctx)
	cleanup := func() {
		cctx := namespaces.WithNamespace(context.Background(), r.cfg.Namespace)
		if err := container.Delete(cctx, containerd.WithSnapshotCleanup); err != nil {
			r.logger.Warn().Err(err).Str("container_id", id).Msg("Failed to delete container")
		}
		_ = os.RemoveAll(dir)
	}

	stdout, stderr := newChunkWriter(x, EventStdout), newChunkWriter(x, EventStderr)
	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		x.Terminate()
		cleanup()
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		x.Terminate()
		_, _ = task.Delete(ctx)
		cleanup()
		return nil, fmt.Errorf("failed to wait for task: %w", err)
	}

	x.emit(Event{Type: EventPhase, Phase: "running", Message: RunningMessage(req.Language)})
	if err := task.Start(ctx); err != nil {
		x.Terminate()
		_, _ = task.Delete(ctx)
		cleanup()
		return nil, fmt.Errorf("failed to start task: %w", err)
	}
	r.logger.Debug().Str("container_id", id).Str("image", ref).Msg("Task started")

	go r.wait(x, task, statusC, id, cleanup, stdout, stderr)
	return x, nil
}

func (r *ContainerdRunner) wait(x *execution, task containerd.Task, statusC <-chan containerd.ExitStatus, id string, cleanup func(), stdout, stderr *chunkWriter) {
	started := time.Now()
	ctx := namespaces.WithNamespace(context.Background(), r.cfg.Namespace)
	defer cleanup()

	var status containerd.ExitStatus
	select {
	case status = <-statusC:
	case <-x.ctx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			r.logger.Warn().Err(err).Str("container_id", id).Msg("Failed to kill task")
		}
		status = <-statusC
	}
	elapsed := time.Since(started).Milliseconds()

	// drain output before the stream closes
	task.IO().Wait()
	task.IO().Close()
	stdout.Flush()
	stderr.Flush()
	if _, err := task.Delete(ctx); err != nil {
		r.logger.Warn().Err(err).Str("container_id", id).Msg("Failed to delete task")
	}

	if x.terminated() {
		x.finish(Event{})
		return
	}
	code, _, err := status.Result()
	switch {
	case err != nil:
		x.finish(Event{Type: EventError, Message: err.Error(), ElapsedMs: elapsed})
	case code != 0:
		x.finish(Event{Type: EventError, Message: fmt.Sprintf("process exited with status %d", code), ElapsedMs: elapsed})
	default:
		x.finish(Event{Type: EventFinished, ElapsedMs: elapsed})
	}
}

// ensureImage returns the local image, pulling it on first use
func (r *ContainerdRunner) ensureImage(ctx context.Context, ref string) (containerd.Image, error) {
	if image, err := r.client.GetImage(ctx, ref); err == nil {
		return image, nil
	}
	r.logger.Info().Str("image", ref).Msg("Pulling sandbox image")
	image, err := r.client.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return image, nil
}
