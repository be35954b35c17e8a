// Package pty runs session programs on a pseudo-terminal and exposes the
// master side as a pair of non-blocking pipes.
package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/inoki/muxd/internal/channel"
)

const (
	DefaultRows    = 24
	DefaultColumns = 80
)

// SpawnOptions describe the program to run.
type SpawnOptions struct {
	Program          string
	Arguments        []string
	SetEnvironment   map[string]string
	UnsetEnvironment []string
	Dir              string
	Rows             uint16
	Columns          uint16
}

// Process is a program running on a PTY. Reader and Writer are
// independent descriptors for the same master, so their buffers and
// reactor registrations do not interfere.
type Process struct {
	Cmd    *exec.Cmd
	Reader *channel.Pipe
	Writer *channel.Pipe

	tty      string
	exited   atomic.Bool
	waitOnce sync.Once
	exitCode int
	waitErr  error
}

// DefaultShell is $SHELL, or /bin/sh when unset.
func DefaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// Start launches opts.Program (the default shell when empty) on a new PTY.
func Start(opts SpawnOptions, bufOpts channel.BufferOptions) (*Process, error) {
	program := opts.Program
	if program == "" {
		program = DefaultShell()
	}
	cmd := exec.Command(program, opts.Arguments...)
	cmd.Env = buildEnvironment(os.Environ(), opts.SetEnvironment, opts.UnsetEnvironment)
	cmd.Dir = opts.Dir

	size := &pty.Winsize{Rows: opts.Rows, Cols: opts.Columns}
	if size.Rows == 0 {
		size.Rows = DefaultRows
	}
	if size.Cols == 0 {
		size.Cols = DefaultColumns
	}
	master, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", program, err)
	}
	defer master.Close()

	p := &Process{Cmd: cmd, tty: ttyName(master)}
	name := p.tty
	if name == "" {
		name = fmt.Sprintf("pty:%d", cmd.Process.Pid)
	}
	p.Reader, err = dupPipe(master, name+"<r>", channel.ModeRead, bufOpts)
	if err != nil {
		p.abort()
		return nil, err
	}
	p.Writer, err = dupPipe(master, name+"<w>", channel.ModeWrite, bufOpts)
	if err != nil {
		p.Reader.Close()
		p.abort()
		return nil, err
	}
	return p, nil
}

func dupPipe(master *os.File, identifier string, mode channel.Mode, bufOpts channel.BufferOptions) (*channel.Pipe, error) {
	fd, err := unix.FcntlInt(master.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%s: dup master: %w", identifier, err)
	}
	p, err := channel.WrapPipe(channel.NewHandle(fd), identifier, mode, bufOpts)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return p, nil
}

func (p *Process) abort() {
	_ = p.Kill()
	_, _ = p.Wait()
}

// buildEnvironment applies unset, then set, to base. The result is
// deterministic: set entries are appended in key order.
func buildEnvironment(base []string, set map[string]string, unset []string) []string {
	drop := make(map[string]bool, len(unset)+len(set))
	for _, k := range unset {
		drop[k] = true
	}
	for k := range set {
		drop[k] = true
	}
	env := make([]string, 0, len(base)+len(set))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if !drop[key] {
			env = append(env, kv)
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+set[k])
	}
	return env
}

// PID is the child's process ID.
func (p *Process) PID() int {
	if p.Cmd == nil || p.Cmd.Process == nil {
		return 0
	}
	return p.Cmd.Process.Pid
}

// TTY is the path of the slave side, if known.
func (p *Process) TTY() string { return p.tty }

// SetSize sets the window size of the PTY.
func (p *Process) SetSize(rows, cols uint16) error {
	if p.Writer == nil {
		return channel.ErrReleased
	}
	ws := &unix.Winsize{Row: rows, Col: cols}
	if err := unix.IoctlSetWinsize(p.Writer.FD(), unix.TIOCSWINSZ, ws); err != nil {
		return fmt.Errorf("set window size: %w", err)
	}
	return nil
}

// Signal delivers sig to the child's process group. The child leads its
// own session, so this reaches its foreground jobs as well.
func (p *Process) Signal(sig syscall.Signal) error {
	pid := p.PID()
	if pid <= 0 {
		return os.ErrProcessDone
	}
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	return p.Cmd.Process.Signal(sig)
}

// Kill kills the underlying process.
func (p *Process) Kill() error {
	if p.Cmd != nil && p.Cmd.Process != nil {
		return p.Cmd.Process.Kill()
	}
	return nil
}

// Wait blocks until the child exits and returns its exit code. A child
// killed by a signal reports 128 plus the signal number. Wait may be
// called more than once.
func (p *Process) Wait() (int, error) {
	p.waitOnce.Do(func() {
		if p.Cmd == nil {
			p.waitErr = errors.New("no process")
			return
		}
		err := p.Cmd.Wait()
		p.exited.Store(true)
		p.exitCode = exitCode(p.Cmd.ProcessState)
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			p.waitErr = err
		}
	})
	return p.exitCode, p.waitErr
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

// Close releases both master descriptors.
func (p *Process) Close() error {
	var errs []error
	if p.Reader != nil {
		errs = append(errs, p.Reader.Close())
	}
	if p.Writer != nil {
		errs = append(errs, p.Writer.Close())
	}
	return errors.Join(errs...)
}
