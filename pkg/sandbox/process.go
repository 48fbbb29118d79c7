package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cuemby/pairpilot/pkg/log"
	"github.com/cuemby/pairpilot/pkg/types"
	"github.com/rs/zerolog"
)

// Command describes how to run a source file for one language
type Command struct {
	Path string
	Args []string
	// File is the name the source is written to inside the work dir
	File string
}

// DefaultCommands runs local python3 and node interpreters
func DefaultCommands() map[types.Language]Command {
	return map[types.Language]Command{
		types.LanguagePython:     {Path: "python3", Args: []string{"-u", "-B"}, File: "main.py"},
		types.LanguageJavaScript: {Path: "node", File: "main.js"},
	}
}

// ProcessConfig configures a ProcessRunner
type ProcessConfig struct {
	Commands map[types.Language]Command
	// TempDir is the parent of per-run work dirs, os.TempDir() when empty
	TempDir string
	Env     []string
}

// ProcessRunner executes code in an interpreter subprocess inside a fresh
// temporary directory
type ProcessRunner struct {
	cfg    ProcessConfig
	logger zerolog.Logger
}

// NewProcessRunner creates a runner, filling unset commands with defaults
func NewProcessRunner(cfg ProcessConfig) *ProcessRunner {
	cmds := DefaultCommands()
	for lang, c := range cfg.Commands {
		cmds[lang] = c
	}
	cfg.Commands = cmds
	return &ProcessRunner{
		cfg:    cfg,
		logger: log.WithComponent("sandbox").With().Str("runner", "process").Logger(),
	}
}

// Start writes the code to disk and launches the interpreter
func (r *ProcessRunner) Start(ctx context.Context, req Request) (Execution, error) {
	c, ok := r.cfg.Commands[req.Language]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, req.Language)
	}

	dir, err := os.MkdirTemp(r.cfg.TempDir, "pairpilot-run-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	path := filepath.Join(dir, c.File)
	if err := os.WriteFile(path, []byte(req.Code), 0600); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to write source: %w", err)
	}

	x := newExecution(ctx)
	args := append(append([]string{}, c.Args...), path)
	cmd := exec.CommandContext(x.ctx, c.Path, args...)
	cmd.Dir = dir
	cmd.Env = append(append(os.Environ(), "PYTHONDONTWRITEBYTECODE=1"), r.cfg.Env...)
	stdout, stderr := newChunkWriter(x, EventStdout), newChunkWriter(x, EventStderr)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 2 * time.Second

	x.emit(Event{Type: EventPhase, Phase: "running", Message: RunningMessage(req.Language)})
	if err := cmd.Start(); err != nil {
		x.Terminate()
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to start %s: %w", c.Path, err)
	}
	r.logger.Debug().Str("language", string(req.Language)).Int("pid", cmd.Process.Pid).Msg("Process started")

	go r.wait(x, cmd, dir, stdout, stderr)
	return x, nil
}

func (r *ProcessRunner) wait(x *execution, cmd *exec.Cmd, dir string, stdout, stderr *chunkWriter) {
	started := time.Now()
	defer os.RemoveAll(dir)

	err := cmd.Wait()
	elapsed := time.Since(started).Milliseconds()
	stdout.Flush()
	stderr.Flush()

	if x.terminated() {
		r.logger.Debug().Int("pid", cmd.Process.Pid).Msg("Process terminated")
		x.finish(Event{})
		return
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		x.finish(Event{Type: EventFinished, ElapsedMs: elapsed})
	case errors.As(err, &exitErr):
		x.finish(Event{Type: EventError, Message: fmt.Sprintf("process exited with status %d", exitErr.ExitCode()), ElapsedMs: elapsed})
	default:
		x.finish(Event{Type: EventError, Message: err.Error(), ElapsedMs: elapsed})
	}
}
