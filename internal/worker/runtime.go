// Package worker manages the sandboxed agent processes: one session per
// workspace, spawned on demand, reused across turns, evicted when idle
// and reaped on crash.
package worker

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sort"
)

// Container-side mount points. The agent inside the container finds its
// exchange directories and repository checkout at fixed paths.
const (
	ContainerIPCDir       = "/ipc"
	ContainerWorkspaceDir = "/workspace"
)

// ProcSpec describes one worker process to start. Command overrides
// the image entrypoint when set.
type ProcSpec struct {
	Image        string
	Name         string
	Command      string
	Args         []string
	WorkspaceDir string
	IPCDir       string
	Env          map[string]string
	Stderr       io.Writer
}

// Proc is a started worker process.
type Proc interface {
	// Wait blocks until the process exits.
	Wait() error
	// Stop requests an orderly shutdown of the process.
	Stop(ctx context.Context) error
	// Kill terminates the process immediately.
	Kill() error
}

// Runtime starts worker processes. The production implementation runs
// containers; tests substitute a fake.
type Runtime interface {
	Start(ctx context.Context, spec ProcSpec) (Proc, error)
}

// DockerRuntime runs each worker as a disposable container with the
// exchange directory and the workspace folder bind-mounted.
type DockerRuntime struct {
	Binary string
}

func NewDockerRuntime() *DockerRuntime {
	return &DockerRuntime{Binary: "docker"}
}

func (r *DockerRuntime) Start(ctx context.Context, spec ProcSpec) (Proc, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("docker runtime: image not configured")
	}

	args := []string{
		"run", "--rm", "--init",
		"--name", spec.Name,
		"-v", spec.IPCDir + ":" + ContainerIPCDir,
		"-v", spec.WorkspaceDir + ":" + ContainerWorkspaceDir,
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	args = append(args, spec.Image)
	if spec.Command != "" {
		args = append(args, spec.Command)
		args = append(args, spec.Args...)
	}

	cmd := exec.Command(r.Binary, args...)
	cmd.Stderr = spec.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("docker runtime: start %s: %w", spec.Image, err)
	}
	return &dockerProc{binary: r.Binary, name: spec.Name, cmd: cmd}, nil
}

// dockerProc wraps the `docker run` client process. Stopping goes
// through the docker CLI because signalling the client does not reach
// the container.
type dockerProc struct {
	binary string
	name   string
	cmd    *exec.Cmd
}

func (p *dockerProc) Wait() error {
	return p.cmd.Wait()
}

func (p *dockerProc) Stop(ctx context.Context) error {
	return exec.CommandContext(ctx, p.binary, "stop", "-t", "10", p.name).Run()
}

func (p *dockerProc) Kill() error {
	err := exec.Command(p.binary, "kill", p.name).Run()
	if p.cmd.Process != nil {
		if killErr := p.cmd.Process.Kill(); err == nil {
			err = killErr
		}
	}
	return err
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
