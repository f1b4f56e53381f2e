// runner.go abstracts the guard process registry so the reconcile loop can
// be tested without spawning real processes.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Runner starts and stops guard processes.
type Runner interface {
	// Start launches a guard for the market with MARKET and PROM_PORT set.
	Start(ctx context.Context, market string, port int) error
	// Stop terminates the market's guard; a no-op when none runs.
	Stop(market string) error
	// Running returns the currently-running markets.
	Running() map[string]bool
}

type proc struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// ExecRunner runs guards as child processes of the reconciler. Exited guards
// disappear from Running() and the next reconcile loop restarts them.
type ExecRunner struct {
	binary string
	logger *slog.Logger

	mu    sync.Mutex
	procs map[string]*proc
}

// NewExecRunner creates a runner spawning the given guard binary.
func NewExecRunner(binary string, logger *slog.Logger) *ExecRunner {
	return &ExecRunner{
		binary: binary,
		logger: logger.With("component", "guard_runner"),
		procs:  make(map[string]*proc),
	}
}

func (r *ExecRunner) Start(ctx context.Context, market string, port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, running := r.procs[market]; running {
		return fmt.Errorf("guard for %s already running", market)
	}

	cmd := exec.CommandContext(ctx, r.binary)
	cmd.Env = append(os.Environ(),
		"MARKET="+market,
		fmt.Sprintf("PROM_PORT=%d", port),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start guard %s: %w", market, err)
	}
	p := &proc{cmd: cmd, done: make(chan struct{})}
	r.procs[market] = p
	r.logger.Info("guard started", "market", market, "port", port, "pid", cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		close(p.done)
		r.mu.Lock()
		if r.procs[market] == p {
			delete(r.procs, market)
		}
		r.mu.Unlock()
		r.logger.Warn("guard exited", "market", market, "error", err)
	}()
	return nil
}

func (r *ExecRunner) Stop(market string) error {
	r.mu.Lock()
	p, running := r.procs[market]
	delete(r.procs, market)
	r.mu.Unlock()
	if !running {
		return nil
	}

	// SIGTERM first; the guard finishes its iteration and releases its
	// lease. Escalate only if it lingers.
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		r.logger.Warn("guard did not exit, killing", "market", market)
		_ = p.cmd.Process.Kill()
		<-p.done
	}
	r.logger.Info("guard stopped", "market", market)
	return nil
}

func (r *ExecRunner) Running() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.procs))
	for m := range r.procs {
		out[m] = true
	}
	return out
}
