package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sort"

	"github.com/chhtz/tools-orocosrb/errors"
)

// Launcher starts the process described by a deployment and returns its pid.
// The launcher must not reap the process; the Manager's watcher does.
type Launcher interface {
	Launch(ctx context.Context, spec DeploymentSpec) (int, error)
}

// ExecLauncher starts deployments as child processes of this one
type ExecLauncher struct {
	// Stdout and Stderr receive the child's output. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer
}

var _ Launcher = (*ExecLauncher)(nil)

// Launch starts spec.Command with the current environment extended by spec.Env
func (l *ExecLauncher) Launch(ctx context.Context, spec DeploymentSpec) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// exec.CommandContext would kill the child when ctx ends; deployments
	// outlive the spawn request.
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+spec.Env[k])
	}

	if err := cmd.Start(); err != nil {
		return 0, errors.WrapInvalid(err, "ExecLauncher", "Launch", "start "+spec.Name)
	}
	return cmd.Process.Pid, nil
}
