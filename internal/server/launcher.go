package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"sync"

	defaults "github.com/xtxerr/acqbuf/config"
	"github.com/xtxerr/acqbuf/internal/logging"
)

// Host is a running isolated execution context serving one buffer.
type Host interface {
	// Conn is the request/response stream to the hosted loop.
	Conn() io.ReadWriteCloser

	// PID identifies the process running the host.
	PID() int

	// Done is closed once the host has exited.
	Done() <-chan struct{}

	// Err returns the exit error after Done is closed.
	Err() error

	// Kill forces the host to exit.
	Kill() error
}

// Launcher creates execution contexts for hosted buffers.
type Launcher interface {
	Launch(ctx context.Context) (Host, error)
}

// =============================================================================
// Process Launcher
// =============================================================================

// ProcessLauncher hosts each buffer in a child process. The child reads
// requests from its stdin and writes replies to its stdout.
//
// With an empty Path the current executable is started again with
// ACQBUF_HOST set; its main must call RunHostIfChild first.
type ProcessLauncher struct {
	// Path of the host binary, e.g. bufferd. Empty re-executes the current binary.
	Path string

	// Args are passed to the host binary.
	Args []string

	// Env is added to the inherited environment.
	Env []string

	// Stderr receives the child's logs. Nil means os.Stderr.
	Stderr io.Writer
}

// Launch starts the child process.
func (l *ProcessLauncher) Launch(ctx context.Context) (Host, error) {
	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		path = exe
	}

	// The child gets its own pipe ends so that Wait never closes ours.
	childIn, parentOut, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	parentIn, childOut, err := os.Pipe()
	if err != nil {
		childIn.Close()
		parentOut.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	cmd := exec.Command(path, l.Args...)
	cmd.Env = append(os.Environ(), defaults.HostEnvVar+"=1")
	cmd.Env = append(cmd.Env, l.Env...)
	cmd.Stdin = childIn
	cmd.Stdout = childOut
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	err = cmd.Start()
	childIn.Close()
	childOut.Close()
	if err != nil {
		parentIn.Close()
		parentOut.Close()
		return nil, fmt.Errorf("start host %s: %w", path, err)
	}

	h := &processHost{
		cmd:  cmd,
		conn: &pipeConn{r: parentIn, w: parentOut},
		done: make(chan struct{}),
	}
	go func() {
		h.err = cmd.Wait()
		close(h.done)
	}()

	log.Debug("host process started", "path", path, "pid", cmd.Process.Pid)
	return h, nil
}

type processHost struct {
	cmd  *exec.Cmd
	conn *pipeConn
	done chan struct{}
	err  error
}

func (h *processHost) Conn() io.ReadWriteCloser { return h.conn }
func (h *processHost) PID() int                 { return h.cmd.Process.Pid }
func (h *processHost) Done() <-chan struct{}    { return h.done }

func (h *processHost) Err() error {
	<-h.done
	return h.err
}

func (h *processHost) Kill() error {
	select {
	case <-h.done:
		return nil
	default:
	}
	if err := h.cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

// pipeConn joins the read end of one pipe and the write end of another.
type pipeConn struct {
	r    *os.File
	w    *os.File
	once sync.Once
	err  error
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *pipeConn) Close() error {
	p.once.Do(func() {
		werr := p.w.Close()
		rerr := p.r.Close()
		if werr != nil {
			p.err = werr
		} else {
			p.err = rerr
		}
	})
	return p.err
}

// =============================================================================
// In-Process Launcher
// =============================================================================

// InProcessLauncher runs each hosted loop on a goroutine behind net.Pipe.
// The contract is the same as for ProcessLauncher without crash isolation.
type InProcessLauncher struct{}

// Launch starts Serve on a new goroutine.
func (InProcessLauncher) Launch(ctx context.Context) (Host, error) {
	near, far := net.Pipe()

	h := &goroutineHost{
		conn: near,
		far:  far,
		done: make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		h.err = Serve(context.WithoutCancel(ctx), far)
		far.Close()
	}()
	return h, nil
}

type goroutineHost struct {
	conn net.Conn
	far  net.Conn
	done chan struct{}
	err  error
}

func (h *goroutineHost) Conn() io.ReadWriteCloser { return h.conn }
func (h *goroutineHost) PID() int                 { return os.Getpid() }
func (h *goroutineHost) Done() <-chan struct{}    { return h.done }

func (h *goroutineHost) Err() error {
	<-h.done
	return h.err
}

// Kill closes the host's end of the pipe. The loop cleans its buffer up and
// exits.
func (h *goroutineHost) Kill() error {
	return h.far.Close()
}

// =============================================================================
// Child Process Entry
// =============================================================================

// RunHostIfChild runs the hosted loop and exits if the process was started
// by ProcessLauncher. It returns immediately otherwise.
func RunHostIfChild() {
	if os.Getenv(defaults.HostEnvVar) == "" {
		return
	}
	os.Exit(RunHost())
}

// RunHost serves one buffer over stdin and stdout and returns the process
// exit code. Logs go to stderr.
func RunHost() int {
	logging.InitAuto(logging.ParseLevel(os.Getenv(defaults.LogLevelEnvVar)))

	// Ctrl-C reaches the whole process group. The parent decides when the
	// host stops.
	signal.Ignore(os.Interrupt)

	conn := &pipeConn{r: os.Stdin, w: os.Stdout}
	if err := Serve(context.Background(), conn); err != nil {
		log.Error("host failed", "pid", os.Getpid(), "error", err)
		return 1
	}
	return 0
}
