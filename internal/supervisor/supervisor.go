package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Config configures a top-level supervisor run.
type Config struct {
	Host string
	Port int

	WorkerCount int

	DCPReadyTimeout time.Duration

	// ExtraArgs are the flags the supervisor was invoked with, minus
	// --role, forwarded verbatim to both the dcp and worker children so
	// they see the same --data-dir/--model/--db-type/etc.
	ExtraArgs []string
}

// DefaultDCPReadyTimeout bounds how long the supervisor waits for the DCP
// child to report readiness (index handle open) over its pipe before
// giving up.
const DefaultDCPReadyTimeout = 30 * time.Second

// Run binds the listening socket first, starts the DCP, waits for it to
// report that its index handle is open, then starts the N worker processes
// sharing that listener. The workers must not start earlier (a write could
// race the DCP's channel setup) nor can the DCP wait for more than the
// index before reporting: its next startup step blocks on the roster the
// workers publish. Run then waits for the DCP to exit before cleaning up
// stale locks.
func Run(ctx context.Context, cfg Config, log zerolog.Logger) error {
	if err := ResetWorkerIdentities(); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return fmt.Errorf("supervisor: bind %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	defer listener.Close()

	log.Info().Str("addr", listener.Addr().String()).Msg("supervisor: listening")

	shutdown := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}
		close(shutdown)
	}()

	dcpCmd, dcpReady, err := startDCP(cfg, log)
	if err != nil {
		return fmt.Errorf("supervisor: start dcp: %w", err)
	}

	if err := waitReady(dcpReady, cfg.readyTimeout(), shutdown); err != nil {
		_ = dcpCmd.Process.Kill()
		return fmt.Errorf("supervisor: dcp readiness: %w", err)
	}

	log.Info().Int("pid", dcpCmd.Process.Pid).Msg("supervisor: dcp ready")

	listenerFile, err := listenerFile(listener)
	if err != nil {
		_ = dcpCmd.Process.Kill()
		return fmt.Errorf("supervisor: duplicate listener fd: %w", err)
	}
	defer listenerFile.Close()

	workers := make([]*exec.Cmd, 0, cfg.WorkerCount)

	for i := 0; i < cfg.WorkerCount; i++ {
		cmd, err := startWorker(cfg, listenerFile, log)
		if err != nil {
			killAll(workers, dcpCmd)
			return fmt.Errorf("supervisor: start worker %d: %w", i, err)
		}

		workers = append(workers, cmd)
	}

	log.Info().Int("count", len(workers)).Msg("supervisor: workers started")

	dcpExited := make(chan error, 1)
	go func() { dcpExited <- dcpCmd.Wait() }()

	select {
	case <-shutdown:
		log.Info().Msg("supervisor: shutdown requested")
		_ = dcpCmd.Process.Signal(syscall.SIGTERM)
		<-dcpExited
	case err := <-dcpExited:
		if err != nil {
			log.Error().Err(err).Msg("supervisor: dcp exited with error")
		}
	}

	killAll(workers, nil)

	if err := CleanStaleLocks(); err != nil {
		log.Error().Err(err).Msg("supervisor: cleanup failed")
	}

	return nil
}

func (c Config) readyTimeout() time.Duration {
	if c.DCPReadyTimeout <= 0 {
		return DefaultDCPReadyTimeout
	}

	return c.DCPReadyTimeout
}

// startDCP re-execs the current binary with --role=dcp, wired to a pipe the
// child uses solely to report readiness (a single byte).
func startDCP(cfg Config, log zerolog.Logger) (*exec.Cmd, *os.File, error) {
	readPipe, writePipe, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("create readiness pipe: %w", err)
	}

	self, err := os.Executable()
	if err != nil {
		writePipe.Close()
		readPipe.Close()

		return nil, nil, fmt.Errorf("resolve executable: %w", err)
	}

	args := append([]string{"--role=dcp", "--dcp-fd=3"}, cfg.ExtraArgs...)

	cmd := exec.Command(self, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{writePipe}

	if err := cmd.Start(); err != nil {
		writePipe.Close()
		readPipe.Close()

		return nil, nil, fmt.Errorf("exec dcp child: %w", err)
	}

	writePipe.Close()

	log.Info().Int("pid", cmd.Process.Pid).Msg("supervisor: dcp started")

	return cmd, readPipe, nil
}

// startWorker re-execs the current binary with --role=worker, sharing the
// already-bound listener via ExtraFiles (the Go pre-fork pattern).
func startWorker(cfg Config, listenerFile *os.File, log zerolog.Logger) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}

	args := append([]string{"--role=worker", "--listen-fd=3"}, cfg.ExtraArgs...)

	cmd := exec.Command(self, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{listenerFile}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("exec worker child: %w", err)
	}

	log.Info().Int("pid", cmd.Process.Pid).Msg("supervisor: worker started")

	return cmd, nil
}

// waitReady blocks until readyPipe delivers a byte, shutdown closes, or
// timeout elapses.
func waitReady(readyPipe *os.File, timeout time.Duration, shutdown <-chan struct{}) error {
	defer readyPipe.Close()

	done := make(chan error, 1)

	go func() {
		buf := make([]byte, 1)
		_, err := readyPipe.Read(buf)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-shutdown:
		return fmt.Errorf("shutdown requested before readiness")
	case <-time.After(timeout):
		return fmt.Errorf("timed out after %s", timeout)
	}
}

// listenerFile duplicates listener's underlying fd so it can be handed to a
// child via exec.Cmd.ExtraFiles (which takes ownership of the *os.File it is
// given, whereas the original listener keeps serving in the supervisor's own
// process too -- the pre-fork pattern needs both).
func listenerFile(listener net.Listener) (*os.File, error) {
	type filer interface {
		File() (*os.File, error)
	}

	tl, ok := listener.(filer)
	if !ok {
		return nil, fmt.Errorf("listener does not support File()")
	}

	return tl.File()
}

func killAll(cmds []*exec.Cmd, extra *exec.Cmd) {
	for _, c := range cmds {
		if c.Process != nil {
			_ = c.Process.Kill()
		}
	}

	if extra != nil && extra.Process != nil {
		_ = extra.Process.Kill()
	}
}

// ReportReady writes a single readiness byte to the inherited fd (used by
// the dcp role on startup: it reports ready once the index handle is open,
// before waiting for the worker roster).
func ReportReady(fd uintptr) error {
	f := os.NewFile(fd, "dcp-ready")
	if f == nil {
		return fmt.Errorf("supervisor: invalid readiness fd %d", fd)
	}
	defer f.Close()

	_, err := f.Write([]byte{1})

	return err
}
