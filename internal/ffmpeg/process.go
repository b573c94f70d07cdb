package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const maxStderrLines = 50

// ProcessStats is a resource usage sample of a running ffmpeg process.
type ProcessStats struct {
	PID        int
	CPUPercent float64
	RSSBytes   uint64
}

// Process is a running ffmpeg subprocess with piped stdin/stdout.
type Process struct {
	cmd    *exec.Cmd
	logger *slog.Logger

	stdin  io.WriteCloser
	stdout io.ReadCloser

	stderrW     *io.PipeWriter
	stderrMu    sync.Mutex
	stderrLines []string

	waitOnce sync.Once
	waitErr  error
	done     chan struct{}

	ps *process.Process
}

// StartProcess launches the command. When withStdin is false the child's stdin
// is left unconnected.
func StartProcess(ctx context.Context, c *Command, withStdin bool, logger *slog.Logger) (*Process, error) {
	cmd := c.Exec(ctx)
	p := &Process{
		cmd:    cmd,
		logger: logger,
		done:   make(chan struct{}),
	}

	var err error
	if withStdin {
		if p.stdin, err = cmd.StdinPipe(); err != nil {
			return nil, fmt.Errorf("creating stdin pipe: %w", err)
		}
	}
	if p.stdout, err = cmd.StdoutPipe(); err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	// exec copies stderr into the pipe, so Wait returns only after every
	// stderr byte has been handed to readStderr.
	stderr, stderrW := io.Pipe()
	cmd.Stderr = stderrW
	p.stderrW = stderrW

	logger.Debug("starting ffmpeg", slog.String("command", c.String()))
	if err := cmd.Start(); err != nil {
		_ = stderrW.Close()
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}

	// Stats are optional; a nil handle just disables sampling.
	if ps, err := process.NewProcess(int32(cmd.Process.Pid)); err == nil { //nolint:gosec // pids fit in int32
		p.ps = ps
	}

	go p.readStderr(stderr)
	return p, nil
}

// Stdin returns the write end of the child's stdin, or nil.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the read end of the child's stdout.
func (p *Process) Stdout() io.Reader { return p.stdout }

// PID returns the process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }


func (p *Process) startWaiter() {
	p.waitOnce.Do(func() {
		go func() {
			p.waitErr = p.cmd.Wait()
			_ = p.stderrW.Close()
			close(p.done)
		}()
	})
}

// Wait waits for the process to exit. After timeout it sends an interrupt, and
// after a second timeout it kills the process.
func (p *Process) Wait(timeout time.Duration) error {
	p.startWaiter()

	select {
	case <-p.done:
		return p.waitErr
	case <-time.After(timeout):
		p.logger.Warn("ffmpeg did not exit in time, sending interrupt", slog.Int("pid", p.PID()))
		_ = p.cmd.Process.Signal(os.Interrupt)
	}

	select {
	case <-p.done:
		return p.waitErr
	case <-time.After(timeout):
		p.logger.Warn("ffmpeg did not exit after interrupt, killing", slog.Int("pid", p.PID()))
		_ = p.cmd.Process.Kill()
	}

	<-p.done
	return p.waitErr
}

// Kill terminates the process immediately and reaps it.
func (p *Process) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		err = nil
	}
	p.startWaiter()
	<-p.done
	return err
}

// Stats samples CPU and memory usage of the process.
func (p *Process) Stats() (ProcessStats, error) {
	if p.ps == nil {
		return ProcessStats{}, errors.New("process stats unavailable")
	}
	stats := ProcessStats{PID: p.PID()}

	cpu, err := p.ps.CPUPercent()
	if err != nil {
		return stats, fmt.Errorf("reading cpu usage: %w", err)
	}
	stats.CPUPercent = cpu

	mem, err := p.ps.MemoryInfo()
	if err != nil {
		return stats, fmt.Errorf("reading memory usage: %w", err)
	}
	stats.RSSBytes = mem.RSS

	return stats, nil
}

// StderrTail returns the most recent stderr lines.
func (p *Process) StderrTail() []string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	out := make([]string, len(p.stderrLines))
	copy(out, p.stderrLines)
	return out
}

func (p *Process) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Split(scanLinesWithCR)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "frame=") {
			continue
		}

		p.stderrMu.Lock()
		p.stderrLines = append(p.stderrLines, line)
		if len(p.stderrLines) > maxStderrLines {
			p.stderrLines = p.stderrLines[1:]
		}
		p.stderrMu.Unlock()

		p.logger.Warn("ffmpeg stderr", slog.String("line", line))
	}
}

// scanLinesWithCR handles both \r and \n as line delimiters.
func scanLinesWithCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	for i := 0; i < len(data); i++ {
		if data[i] == '\r' || data[i] == '\n' {
			advance = i + 1
			for advance < len(data) && (data[advance] == '\r' || data[advance] == '\n') {
				advance++
			}
			return advance, data[0:i], nil
		}
	}

	if atEOF {
		return len(data), data, nil
	}

	return 0, nil, nil
}
