package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"syscall"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Upper bound on the stderr kept for error reports.
const stderrTail = 4096

// Sequence counter for generating unique exec process identifiers.
var execSeq uint64

// Returns a unique exec process identifier.
func nextExecID() string {
	return fmt.Sprintf("exec-%d", atomic.AddUint64(&execSeq, 1))
}

// A process to run inside a stage container.
type Command struct {
	Args []string // Program and arguments, run without a shell.
	Env  []string // KEY=VALUE entries layered over the image environment.
}

// Returns the command line for logs and error messages.
func (c Command) String() string {
	return strings.Join(c.Args, " ")
}

// Output of a command execution inside a container.
type ExecResult struct {
	ExitCode int    // Exit code of the process.
	Stderr   string // Trailing portion of standard error.
}

// Runs a command directly inside the container.
//
// No shell is involved: Args[0] is resolved against the image PATH. The
// command's environment and working directory override the container's OCI
// spec for this execution only. Standard output and standard error are both
// streamed to out (which may be nil); the tail of standard error is also
// kept in the result. A non-zero exit code is not treated as an error; the
// caller decides.
func (c *Container) Exec(ctx context.Context, cmd Command, workdir string, out io.Writer) (*ExecResult, error) {
	if len(cmd.Args) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrRuntime)
	}

	pspec, err := c.buildProcessSpec(ctx, cmd.Env, workdir, cmd.Args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntime, err)
	}

	if out == nil {
		out = io.Discard
	}
	tail := &tailBuffer{max: stderrTail}

	exitCode, err := c.execProcess(ctx, pspec, nil, out, io.MultiWriter(out, tail))
	if err != nil {
		return nil, err
	}

	return &ExecResult{ExitCode: exitCode, Stderr: tail.String()}, nil
}

// Builds an OCI process spec for running a command inside the container.
//
// The base values are copied from the container's own OCI spec, then env and
// workdir are overridden if provided.
func (c *Container) buildProcessSpec(ctx context.Context, env []string, workdir string, args ...string) (*specs.Process, error) {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return nil, err
	}

	spec, err := ctr.Spec(ctx)
	if err != nil {
		return nil, err
	}

	pspec := *spec.Process
	pspec.Terminal = false
	pspec.Args = args

	if len(env) > 0 {
		pspec.Env = mergeEnv(pspec.Env, env)
	}
	if workdir != "" {
		pspec.Cwd = workdir
	}

	return &pspec, nil
}

// Merges override env vars on top of a base env slice.
//
// Base order is preserved; overridden keys keep their original position and
// new keys are appended in override order, so process specs are stable
// across runs.
func mergeEnv(base, overrides []string) []string {
	index := make(map[string]int, len(base)+len(overrides))
	result := make([]string, 0, len(base)+len(overrides))

	add := func(entry string) {
		k, _, ok := strings.Cut(entry, "=")
		if !ok {
			return
		}
		if i, seen := index[k]; seen {
			result[i] = entry
			return
		}
		index[k] = len(result)
		result = append(result, entry)
	}

	for _, entry := range base {
		add(entry)
	}
	for _, entry := range overrides {
		add(entry)
	}
	return result
}

// Runs a command inside the container, returning an error that includes desc
// if the process exits with a non-zero code.
func (c *Container) mustExec(ctx context.Context, desc string, stdin io.Reader, args ...string) error {
	pspec, err := c.buildProcessSpec(ctx, nil, "", args...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRuntime, err)
	}

	tail := &tailBuffer{max: stderrTail}
	exitCode, err := c.execProcess(ctx, pspec, stdin, nil, tail)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("%w: %s exited with code %d: %s", ErrCommandFailed, desc, exitCode, strings.TrimSpace(tail.String()))
	}
	return nil
}

// Starts a process inside the container's running task, waits for it to exit,
// and returns the exit code.
//
// The process is attached to the task as an additional exec, not as the
// primary process. Nil stdout and stderr are replaced with io.Discard; a nil
// stdin is left disconnected.
//
// When stdin is provided, the container's stdin is explicitly closed after the
// reader returns EOF so the exec process receives the EOF signal. The
// containerd shim holds both ends of the stdin FIFO open and will not
// propagate EOF on its own.
func (c *Container) execProcess(ctx context.Context, pspec *specs.Process, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	task, err := c.loadTask(ctx)
	if err != nil {
		return 0, err
	}

	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	var stdinDone <-chan struct{}
	if stdin != nil {
		dr := newDoneReader(stdin)
		stdin = dr
		stdinDone = dr.done
	}

	process, err := task.Exec(ctx, nextExecID(), pspec, cio.NewCreator(
		cio.WithStreams(stdin, stdout, stderr),
	))
	if err != nil {
		return 0, fmt.Errorf("%w: exec %s: %v", ErrRuntime, strings.Join(pspec.Args, " "), err)
	}

	return awaitProcess(ctx, process, stdinDone)
}

// Loads the container's running task.
func (c *Container) loadTask(ctx context.Context) (containerd.Task, error) {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntime, err)
	}

	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntime, err)
	}

	return task, nil
}

// Waits for an exec process to exit and returns the exit code.
//
// If stdinDone is non-nil, the process stdin is closed when the channel fires.
// The process is always deleted before returning.
func awaitProcess(ctx context.Context, process containerd.Process, stdinDone <-chan struct{}) (int, error) {
	statusC, err := process.Wait(ctx)
	if err != nil {
		process.Delete(ctx)
		return 0, fmt.Errorf("%w: %v", ErrRuntime, err)
	}

	if err := process.Start(ctx); err != nil {
		process.Delete(ctx)
		return 0, fmt.Errorf("%w: %v", ErrRuntime, err)
	}

	if stdinDone != nil {
		go func() {
			<-stdinDone
			process.CloseIO(ctx, containerd.WithStdinCloser)
		}()
	}

	var exitStatus containerd.ExitStatus
	select {
	case exitStatus = <-statusC:
	case <-ctx.Done():
		process.Kill(context.WithoutCancel(ctx), syscall.SIGKILL)
		process.Delete(context.WithoutCancel(ctx), containerd.WithProcessKill)
		return 0, ctx.Err()
	}
	process.Delete(ctx)

	code, _, err := exitStatus.Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRuntime, err)
	}

	return int(code), nil
}
