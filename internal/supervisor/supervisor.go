// Package supervisor spawns and babysits the worker pool when the
// server runs with more than one worker. The leader binds the listener,
// hands its descriptor to each worker and respawns workers as they die.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"example.com/staticserve/internal/config"
	"example.com/staticserve/internal/logger"
	"example.com/staticserve/internal/util"
)

const (
	// listenerChildFD is where the shared listener lands in a worker,
	// right after stdin, stdout and stderr.
	listenerChildFD = 3

	// A worker dying this soon after starting counts toward the
	// crash-loop limit.
	rapidExitWindow = time.Second
	maxRapidExits   = 5
)

// proc is one running worker as the supervision loop sees it.
type proc struct {
	slot    int
	pid     int
	started time.Time
	signal  func(os.Signal) error
	done    <-chan error
}

type exit struct {
	slot   int
	pid    int
	uptime time.Duration
	err    error
}

// Supervisor owns the worker pool.
type Supervisor struct {
	cfg    *config.Config
	log    *logger.Logger
	lnFile *os.File

	// start is swapped out in tests.
	start func(slot int) (*proc, error)

	procs map[int]*proc
	exits chan exit

	rapidWindow time.Duration
}

// New builds a Supervisor that hands lnFile to each worker it spawns.
// lnFile must already have FD_CLOEXEC cleared; it stays open for the
// supervisor's whole life so respawned workers can inherit it.
func New(cfg *config.Config, log *logger.Logger, lnFile *os.File) *Supervisor {
	s := &Supervisor{
		cfg:         cfg,
		log:         log,
		lnFile:      lnFile,
		procs:       make(map[int]*proc),
		exits:       make(chan exit),
		rapidWindow: rapidExitWindow,
	}
	s.start = s.startWorker
	return s
}

// Run spawns the pool and supervises it until ctx is cancelled or the
// pool is declared unhealthy. It returns with no workers left running.
func (s *Supervisor) Run(ctx context.Context) error {
	for slot := 0; slot < s.cfg.Server.Workers; slot++ {
		if err := s.spawn(slot); err != nil {
			s.terminate()
			return err
		}
	}
	s.log.Info("worker pool running", logger.LogFields{
		"workers": s.cfg.Server.Workers,
		"pid":     os.Getpid(),
	})

	rapid := 0
	for {
		select {
		case <-ctx.Done():
			s.log.Info("stopping worker pool", nil)
			s.terminate()
			return nil
		case e := <-s.exits:
			delete(s.procs, e.slot)
			fields := logger.LogFields{
				"slot":      e.slot,
				"pid":       e.pid,
				"uptime_ms": e.uptime.Milliseconds(),
			}
			if e.err != nil {
				fields["error"] = e.err.Error()
			}
			s.log.Warn("worker exited", fields)

			if e.uptime < s.rapidWindow {
				rapid++
				if rapid >= maxRapidExits {
					s.log.Error("worker pool is crash-looping, giving up", logger.LogFields{
						"consecutive_rapid_exits": rapid,
					})
					s.terminate()
					return fmt.Errorf("%d consecutive workers died within %v of starting", rapid, s.rapidWindow)
				}
			} else {
				rapid = 0
			}

			if err := s.spawn(e.slot); err != nil {
				s.terminate()
				return err
			}
		}
	}
}

func (s *Supervisor) spawn(slot int) error {
	p, err := s.start(slot)
	if err != nil {
		return fmt.Errorf("spawning worker %d: %w", slot, err)
	}
	s.procs[slot] = p
	s.log.Info("worker started", logger.LogFields{"slot": slot, "pid": p.pid})

	go func() {
		err := <-p.done
		s.exits <- exit{slot: p.slot, pid: p.pid, uptime: time.Since(p.started), err: err}
	}()
	return nil
}

// startWorker re-executes this binary with the listener attached as
// listenerChildFD and the handoff environment set.
func (s *Supervisor) startWorker(slot int) (*proc, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving executable: %w", err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{s.lnFile}
	cmd.Env = util.WorkerEnv(os.Environ(), listenerChildFD, slot)
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	return &proc{
		slot:    slot,
		pid:     cmd.Process.Pid,
		started: time.Now(),
		signal:  cmd.Process.Signal,
		done:    done,
	}, nil
}

// terminate signals every worker and reaps them, escalating to SIGKILL
// when the shutdown timeout runs out.
func (s *Supervisor) terminate() {
	if len(s.procs) == 0 {
		return
	}
	for _, p := range s.procs {
		if err := p.signal(syscall.SIGTERM); err != nil {
			s.log.Warn("signaling worker", logger.LogFields{
				"slot": p.slot, "pid": p.pid, "error": err.Error(),
			})
		}
	}

	deadline := time.NewTimer(s.cfg.Server.ShutdownTimeout())
	defer deadline.Stop()
	for len(s.procs) > 0 {
		select {
		case e := <-s.exits:
			delete(s.procs, e.slot)
		case <-deadline.C:
			for _, p := range s.procs {
				s.log.Warn("killing unresponsive worker", logger.LogFields{
					"slot": p.slot, "pid": p.pid,
				})
				p.signal(syscall.SIGKILL)
			}
			for len(s.procs) > 0 {
				e := <-s.exits
				delete(s.procs, e.slot)
			}
			return
		}
	}
}
