package loader

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"modhost/internal/protocol"
)

// RunnerHandle is the host-side proxy for one live sandbox process:
// the IPC connection plus enough process identity to supervise it.
// Pending-request bookkeeping lives on the Conn.
type RunnerHandle struct {
	Conn      *protocol.Conn
	PID       int
	StartTime time.Time

	kill   func() error
	exited chan struct{}
}

// Outstanding is the number of requests awaiting a response.
func (h *RunnerHandle) Outstanding() int { return h.Conn.Pending() }

// Kill forcibly terminates the runner process.
func (h *RunnerHandle) Kill() error {
	if h.kill == nil {
		return nil
	}
	return h.kill()
}

// Exited is closed once the underlying process is gone.
func (h *RunnerHandle) Exited() <-chan struct{} { return h.exited }

// Spawner creates runner processes. The loader registers its handlers
// on the returned handle's Conn before calling Start, so no frame is
// lost. Tests substitute an in-process spawner over net.Pipe.
type Spawner interface {
	Spawn(modName string) (*RunnerHandle, error)
}

// ProcessSpawner launches the host binary again with the hidden runner
// subcommand and speaks the protocol over its stdio.
type ProcessSpawner struct {
	// ExecPath is the runner binary; empty means os.Executable().
	ExecPath string
	// Args precede no other arguments; defaults to ["runner"].
	Args   []string
	Logger *zap.Logger
}

// Spawn starts one runner process for modName.
func (s *ProcessSpawner) Spawn(modName string) (*RunnerHandle, error) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	execPath := s.ExecPath
	if execPath == "" {
		var err error
		execPath, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve runner binary: %w", err)
		}
	}
	args := s.Args
	if args == nil {
		args = []string{"runner"}
	}

	cmd := exec.Command(execPath, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start runner for %s: %w", modName, err)
	}

	// Runner stderr carries its own zap output; relay it host-side.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Debug("runner stderr",
				zap.String("mod", modName), zap.String("line", scanner.Text()))
		}
	}()

	conn := protocol.NewConn(&stdioTransport{stdin: stdin, stdout: stdout}, logger)

	handle := &RunnerHandle{
		Conn:      conn,
		PID:       cmd.Process.Pid,
		StartTime: time.Now(),
		kill:      func() error { return cmd.Process.Kill() },
		exited:    make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		if err != nil {
			logger.Debug("runner process exited",
				zap.String("mod", modName), zap.Error(err))
		}
		close(handle.exited)
	}()

	return handle, nil
}

// stdioTransport fuses a child process's stdin and stdout pipes into
// the single ReadWriteCloser the protocol layer expects.
type stdioTransport struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (t *stdioTransport) Read(p []byte) (int, error)  { return t.stdout.Read(p) }
func (t *stdioTransport) Write(p []byte) (int, error) { return t.stdin.Write(p) }

func (t *stdioTransport) Close() error {
	errIn := t.stdin.Close()
	errOut := t.stdout.Close()
	if errIn != nil {
		return errIn
	}
	return errOut
}
