package registry

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Process is a running model-server process.
type Process interface {
	PID() int
	// Done is closed when the process exits.
	Done() <-chan struct{}
	// Err returns the exit error once Done is closed.
	Err() error
	// Stop terminates the process and waits for it to exit.
	Stop(ctx context.Context) error
}

// Spawner starts model-server processes bound to host:port.
type Spawner interface {
	Spawn(ctx context.Context, host string, port int) (Process, error)
}

// DefaultKillGrace is how long Stop waits after SIGTERM before SIGKILL.
const DefaultKillGrace = 10 * time.Second

// OllamaSpawner implements Spawner by running `ollama serve` with
// OLLAMA_HOST pointing at the allocated port.
type OllamaSpawner struct {
	Binary    string        // defaults to "ollama"
	Args      []string      // defaults to ["serve"]
	KillGrace time.Duration // defaults to DefaultKillGrace
	Logger    *slog.Logger
}

// Spawn starts the process. It lives until ctx is cancelled or Stop is
// called.
func (s *OllamaSpawner) Spawn(ctx context.Context, host string, port int) (Process, error) {
	binary := s.Binary
	if binary == "" {
		binary = "ollama"
	}
	args := s.Args
	if len(args) == 0 {
		args = []string{"serve"}
	}
	grace := s.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hostPort := host + ":" + strconv.Itoa(port)
	logger = logger.With("endpoint", hostPort)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Env = append(os.Environ(), "OLLAMA_HOST="+hostPort)

	// Own process group so termination reaches any children of the server.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = grace

	stdout := newLineLogger(logger, "stdout")
	stderr := newLineLogger(logger, "stderr")
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("registry: start %s: %w", binary, err)
	}

	p := &osProcess{cmd: cmd, done: make(chan struct{}), grace: grace}
	go func() {
		err := cmd.Wait()
		stdout.Close()
		stderr.Close()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

type osProcess struct {
	cmd   *exec.Cmd
	done  chan struct{}
	grace time.Duration

	mu  sync.Mutex
	err error
}

func (p *osProcess) PID() int              { return p.cmd.Process.Pid }
func (p *osProcess) Done() <-chan struct{} { return p.done }

func (p *osProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stop sends SIGTERM to the process group, then SIGKILL after the grace
// period or when ctx ends.
func (p *osProcess) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	pid := p.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("registry: sigterm %d: %w", pid, err)
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("registry: sigkill %d: %w", pid, err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("registry: process %d did not exit", pid)
	}
}

// lineLogger forwards process output to slog one line at a time.
type lineLogger struct {
	pw   *io.PipeWriter
	done chan struct{}
}

func newLineLogger(logger *slog.Logger, stream string) *lineLogger {
	pr, pw := io.Pipe()
	l := &lineLogger{pw: pw, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		sc := bufio.NewScanner(pr)
		for sc.Scan() {
			logger.Debug("registry: process output", "stream", stream, "line", sc.Text())
		}
		io.Copy(io.Discard, pr)
	}()
	return l
}

func (l *lineLogger) Write(p []byte) (int, error) { return l.pw.Write(p) }

// Close flushes remaining output.
func (l *lineLogger) Close() error {
	err := l.pw.Close()
	<-l.done
	return err
}
