package pty

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/inoki/muxd/internal/channel"
)

func readUntil(t *testing.T, p *Process, want string) string {
	t.Helper()
	var out strings.Builder
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		data, err := p.Reader.Read(4096)
		out.Write(data)
		if strings.Contains(out.String(), want) {
			return out.String()
		}
		if err != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("output %q does not contain %q", out.String(), want)
	return ""
}

func TestStartRelaysOutputAndExitCode(t *testing.T) {
	p, err := Start(SpawnOptions{
		Program:        "/bin/sh",
		Arguments:      []string{"-c", `printf "%s-ready" "$MUXD_TEST"; exit 3`},
		SetEnvironment: map[string]string{"MUXD_TEST": "env"},
	}, channel.DefaultBufferOptions())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Close()
	if p.PID() <= 0 {
		t.Fatalf("PID() = %d", p.PID())
	}

	readUntil(t, p, "env-ready")
	code, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 3 {
		t.Fatalf("exit code = %d, want 3", code)
	}
	if p.IsAlive() {
		t.Fatalf("IsAlive() = true after Wait")
	}
}

func TestWriterReachesChild(t *testing.T) {
	p, err := Start(SpawnOptions{
		Program:   "/bin/sh",
		Arguments: []string{"-c", `read line; printf "got:%s" "$line"`},
	}, channel.DefaultBufferOptions())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Close()

	if _, err := p.Writer.Write([]byte("abc\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	readUntil(t, p, "got:abc")
	if _, err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestSignalDeathMapsTo128PlusSigno(t *testing.T) {
	p, err := Start(SpawnOptions{
		Program:   "/bin/sh",
		Arguments: []string{"-c", "kill -9 $$"},
	}, channel.DefaultBufferOptions())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Close()
	code, _ := p.Wait()
	if code != 128+9 {
		t.Fatalf("exit code = %d, want 137", code)
	}
}

func TestSetSize(t *testing.T) {
	p, err := Start(SpawnOptions{
		Program:   "/bin/sh",
		Arguments: []string{"-c", "sleep 5"},
		Rows:      10,
		Columns:   20,
	}, channel.DefaultBufferOptions())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		p.Kill()
		p.Wait()
		p.Close()
	}()
	if err := p.SetSize(30, 100); err != nil {
		t.Fatalf("SetSize: %v", err)
	}
	if !p.IsAlive() {
		t.Fatalf("IsAlive() = false for a sleeping child")
	}
}

func TestBuildEnvironment(t *testing.T) {
	base := []string{"HOME=/root", "DROP=1", "KEEP=x", "OVERRIDE=old"}
	got := buildEnvironment(base, map[string]string{"OVERRIDE": "new", "ADD": "y"}, []string{"DROP"})
	want := []string{"HOME=/root", "KEEP=x", "ADD=y", "OVERRIDE=new"}
	if !slices.Equal(got, want) {
		t.Fatalf("buildEnvironment = %v, want %v", got, want)
	}
}
