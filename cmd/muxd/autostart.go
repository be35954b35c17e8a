//go:build linux

package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/inoki/muxd/internal/client"
)

// readyFDEnv names the descriptor an auto-started server reports on.
const readyFDEnv = "MUXD_READY_FD"

const startTimeout = 5 * time.Second

// connect dials the server, starting one in the background when nobody
// listens on the socket yet.
func connect(socket, configFile string, opts client.Options) (*client.Client, error) {
	c, err := client.Dial(socket, opts)
	if err == nil || !serverAbsent(err) {
		return c, err
	}
	if err := startServer(socket, configFile); err != nil {
		return nil, err
	}
	return client.Dial(socket, opts)
}

func serverAbsent(err error) bool {
	return errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED)
}

// startServer runs "muxd --server" in a new session, detached from the
// terminal, and waits until it accepts connections.
func startServer(socket, configFile string) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	args := []string{"--server", "--socket", socket}
	if configFile != "" {
		args = append(args, "--config", configFile)
	}
	cmd := exec.Command(self, args...)
	readyR, readyW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create ready pipe: %w", err)
	}
	defer readyR.Close()
	cmd.Env = append(os.Environ(), readyFDEnv+"=3")
	cmd.ExtraFiles = []*os.File{readyW}
	cmd.Dir = "/"
	setDetachSysProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		_ = readyW.Close()
		return fmt.Errorf("start server: %w", err)
	}
	_ = readyW.Close()
	_ = cmd.Process.Release()
	return waitForServerReady(readyR)
}

func setDetachSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func waitForServerReady(readyR *os.File) error {
	buf := make([]byte, 16)
	_ = readyR.SetReadDeadline(time.Now().Add(startTimeout))
	n, err := readyR.Read(buf)
	if n > 0 && strings.HasPrefix(string(buf[:n]), "ready") {
		return nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return errors.New("server did not start in time")
	}
	return errors.New("server exited during startup; run muxd --server to see why")
}

// takeReadyPipe adopts the ready descriptor passed by startServer and
// hides it from the sessions the server will spawn.
func takeReadyPipe() *os.File {
	v := os.Getenv(readyFDEnv)
	if v == "" {
		return nil
	}
	os.Unsetenv(readyFDEnv)
	fd, err := strconv.Atoi(v)
	if err != nil || fd <= 2 {
		return nil
	}
	syscall.CloseOnExec(fd)
	return os.NewFile(uintptr(fd), "muxd-ready")
}

func notifyReady(ready <-chan struct{}, pipe *os.File) {
	<-ready
	_, _ = pipe.Write([]byte("ready\n"))
	_ = pipe.Close()
}
