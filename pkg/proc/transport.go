package proc

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrTimeout is returned by Recv when no line arrived within the requested
// timeout.
var ErrTimeout = errors.New("timed out waiting for line")

// ExitGrace is how long Close waits for a signaled process before killing it.
var ExitGrace = 2 * time.Second

// Transport is a line-oriented connection to an external program. Send writes
// exactly one newline-terminated line; Recv blocks until a full line is
// available, the stream closes (io.EOF), the timeout expires or ctx is done.
// A zero timeout waits forever.
type Transport interface {
	io.Closer

	Send(msg string) error
	Recv(ctx context.Context, timeout time.Duration) (string, error)
}

// Launcher starts a program and returns a transport connected to it. source
// is a short tag ("referee", "p1") used when logging the program's stderr.
type Launcher func(argv []string, source string) (Transport, error)

type lineResult struct {
	line string
	err  error
}

type popenTransport struct {
	process *exec.Cmd
	in      io.WriteCloser
	out     *os.File
	stderr  io.Closer
	lines   <-chan lineResult

	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

// Close sends the termination signal and reaps the process. Only the first
// call signals; later calls return the same result.
func (p *popenTransport) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.in.Close()
		if err := p.process.Process.Signal(syscall.SIGTERM); err != nil {
			// Already exited, or no SIGTERM on this platform.
			p.process.Process.Kill()
		}

		select {
		case <-p.exited:
		case <-time.After(ExitGrace):
			log.WithField("pid", p.process.Process.Pid).Warn("process ignored termination, killing")
			p.process.Process.Kill()
			<-p.exited
		}
		p.out.Close()
		p.stderr.Close()
	})
	return nil
}

func (p *popenTransport) Send(msg string) error {
	_, err := io.WriteString(p.in, msg+"\n")
	return err
}

func (p *popenTransport) Recv(ctx context.Context, timeout time.Duration) (string, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case res, ok := <-p.lines:
		if !ok {
			return "", io.EOF
		}
		return res.line, res.err
	case <-expired:
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// readLines pumps r into a channel so that Recv can select on it. The channel
// is closed at end of stream or once done is closed.
func readLines(r io.Reader, done <-chan struct{}) <-chan lineResult {
	lines := make(chan lineResult)
	go func() {
		defer close(lines)
		send := func(res lineResult) bool {
			select {
			case lines <- res:
				return true
			case <-done:
				return false
			}
		}

		reader := bufio.NewReader(r)
		for {
			line, err := reader.ReadString('\n')
			if len(line) > 0 {
				// A final unterminated line still counts as a line.
				if !send(lineResult{line: trimNewline(line)}) {
					return
				}
			}
			if err != nil {
				if err != io.EOF && !errors.Is(err, os.ErrClosed) {
					send(lineResult{err: err})
				}
				return
			}
		}
	}()
	return lines
}

func trimNewline(line string) string {
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line
}

// NewProgramTransport launches argv[0] with the remaining arguments.
func NewProgramTransport(argv []string, source string) (Transport, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}

	log.WithFields(log.Fields{
		"program": argv[0],
		"source":  source,
	}).Debug("launching new program")
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	cmd.WaitDelay = ExitGrace
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "while opening stdin")
	}

	// stdout is a plain pipe rather than StdoutPipe so that reaping the
	// process never discards lines the reader has not consumed yet.
	out, outWriter, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, errors.Wrap(err, "while opening stdout")
	}
	cmd.Stdout = outWriter

	stderr := log.WithField("source", source).WriterLevel(log.DebugLevel)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		out.Close()
		outWriter.Close()
		stderr.Close()
		return nil, errors.Wrapf(err, "failed to launch %s", argv[0])
	}
	outWriter.Close()

	trans := &popenTransport{
		process: cmd,
		in:      stdin,
		out:     out,
		stderr:  stderr,
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	trans.lines = readLines(out, trans.done)
	go func() {
		err := cmd.Wait()
		log.WithFields(log.Fields{
			"source": source,
			"pid":    cmd.Process.Pid,
		}).WithError(err).Debug("program exited")
		close(trans.exited)
	}()
	return trans, nil
}
