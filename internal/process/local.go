package process

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"psmux/util"
)

// DefaultWaitDelay bounds how long Wait keeps copying output after the
// interpreter itself has exited (a grandchild may still hold the pipe).
const DefaultWaitDelay = 2 * time.Second

// LocalLauncher starts interpreters on this host through os/exec.  No
// shell is involved: the candidate is executed directly.
type LocalLauncher struct {
	WaitDelay time.Duration
}

// Stat implements Launcher.
func (l *LocalLauncher) Stat(_ context.Context, path string) error {
	_, err := os.Stat(path)
	return err
}

// Start implements Launcher.  The process is deliberately not bound to
// ctx: interpreters outlive the call that created them and are ended
// only through CloseInput or Kill.
func (l *LocalLauncher) Start(_ context.Context, name string, spec Spec) (Process, error) {
	cmd := exec.Command(name, spec.Args...)
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Dir = spec.Dir
	setSysProcAttr(cmd)

	stdout := util.NewLineWriter(spec.OnLine)
	stderr := util.NewLineWriter(spec.errLine())
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = l.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &localProcess{
		name:  name,
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		stdout.Flush()
		stderr.Flush()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

type localProcess struct {
	name  string
	cmd   *exec.Cmd
	stdin interface {
		Write([]byte) (int, error)
		Close() error
	}
	done chan struct{}

	mu      sync.Mutex
	exitErr error
}

func (p *localProcess) Name() string { return p.name }

func (p *localProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *localProcess) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *localProcess) CloseInput() error { return p.stdin.Close() }

func (p *localProcess) Done() <-chan struct{} { return p.done }

func (p *localProcess) Exited() bool { return !alive(p.done) }

func (p *localProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *localProcess) Kill() error {
	if p.Exited() {
		return nil
	}
	if err := killTree(p.Pid()); err != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}
