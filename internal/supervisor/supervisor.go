// Package supervisor implements component G: local process lifecycle
// management, generalizing original_source/process_manager.rs's
// per-app-type spawn functions (NodeJs/Python/Tomcat/PhpFpm/Static)
// into one SpawnSpec-driven spawner with an app-type env-injection
// table, and replacing its `Instant`-based "assume still alive" health
// check with a lifecycle state machine. No readiness probe runs: a
// spawned process passes from Probing straight to Running.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/astracat2022/edged/internal/config"
)

type State int

const (
	NotStarted State = iota
	Starting
	Probing
	Running
	Failing
	Restarting
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Probing:
		return "probing"
	case Running:
		return "running"
	case Failing:
		return "failing"
	case Restarting:
		return "restarting"
	case Stopped:
		return "stopped"
	default:
		return "not_started"
	}
}

// appTypeEnv mirrors the original's per-framework env injection
// (PORT, FLASK_RUN_PORT, DJANGO_PORT, CATALINA_OPTS) generalized from
// five hardcoded start_* functions into one small table keyed by
// SpawnSpec.AppType.
func appTypeEnv(appType string, port int) map[string]string {
	env := map[string]string{"PORT": fmt.Sprintf("%d", port)}
	switch appType {
	case "python":
		env["FLASK_RUN_PORT"] = fmt.Sprintf("%d", port)
		env["DJANGO_PORT"] = fmt.Sprintf("%d", port)
	case "tomcat":
		env["CATALINA_OPTS"] = fmt.Sprintf("-Dserver.port=%d", port)
	}
	return env
}

// StdioLine is one captured line from a managed process's stdout or
// stderr, tagged per spec §4.G.
type StdioLine struct {
	Process   string
	Stream    string
	Timestamp time.Time
	Text      string
}

// Process supervises one child process through the NotStarted →
// Starting → Probing → Running → Failing → Restarting state machine.
type Process struct {
	Name string
	spec config.SpawnSpec
	port int

	mu       sync.Mutex
	state    State
	cmd      *exec.Cmd
	restarts int
	windowStart time.Time

	log    *zap.Logger
	stdio  chan StdioLine
	events chan StateEvent

	cancel context.CancelFunc
}

type StateEvent struct {
	Process string
	From    State
	To      State
	At      time.Time
}

func New(name string, spec config.SpawnSpec, port int, log *zap.Logger) *Process {
	return &Process{
		Name:   name,
		spec:   spec,
		port:   port,
		log:    log,
		stdio:  make(chan StdioLine, 256),
		events: make(chan StateEvent, 16),
	}
}

func (p *Process) Stdio() <-chan StdioLine    { return p.stdio }
func (p *Process) Events() <-chan StateEvent  { return p.events }
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) transition(to State) {
	p.mu.Lock()
	from := p.state
	p.state = to
	p.mu.Unlock()
	if from == to {
		return
	}
	if p.log != nil {
		p.log.Info("process state transition", zap.String("process", p.Name), zap.String("from", from.String()), zap.String("to", to.String()))
	}
	select {
	case p.events <- StateEvent{Process: p.Name, From: from, To: to, At: time.Now()}:
	default:
	}
}

// Start spawns the process and runs it until ctx is cancelled or the
// restart budget is exhausted, retrying on failure with exponential
// backoff, exactly as spec §4.G's state diagram describes.
func (p *Process) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.windowStart = time.Now()

	go func() {
		backoff := time.Second
		for {
			p.transition(Starting)
			p.runOnce(runCtx)
			if runCtx.Err() != nil {
				p.transition(Stopped)
				return
			}
			// Any exit not caused by our own cancellation is a failure,
			// whether the process crashed or exited 0 — spec §4.G treats
			// unexpected termination of a managed backend uniformly.
			p.transition(Failing)

			if time.Since(p.windowStart) > p.spec.RestartWindow && p.spec.RestartWindow > 0 {
				p.mu.Lock()
				p.restarts = 0
				p.windowStart = time.Now()
				p.mu.Unlock()
			}
			p.mu.Lock()
			p.restarts++
			exhausted := p.spec.MaxRestarts > 0 && p.restarts > p.spec.MaxRestarts
			p.mu.Unlock()
			if exhausted {
				p.transition(Stopped)
				if p.log != nil {
					p.log.Error("restart budget exhausted", zap.String("process", p.Name))
				}
				return
			}

			p.transition(Restarting)
			select {
			case <-runCtx.Done():
				p.transition(Stopped)
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
		}
	}()
}

// runOnce spawns the process, captures stdio, and blocks until it
// exits or ctx is cancelled (in which case it escalates SIGTERM→grace
// →SIGKILL). Returns whether the process exited on its own.
func (p *Process) runOnce(ctx context.Context) (exited bool, probeOK bool) {
	env := appTypeEnv(p.spec.AppType, p.port)
	for k, v := range p.spec.Env {
		env[k] = v
	}
	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	cmd := exec.Command(p.spec.Command, p.spec.Args...)
	cmd.Dir = p.spec.WorkingDir
	cmd.Env = envList

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		if p.log != nil {
			p.log.Error("stdout pipe", zap.Error(err))
		}
		return true, false
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		if p.log != nil {
			p.log.Error("stderr pipe", zap.Error(err))
		}
		return true, false
	}

	if err := cmd.Start(); err != nil {
		if p.log != nil {
			p.log.Error("process start failed", zap.String("process", p.Name), zap.Error(err))
		}
		return true, false
	}
	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()

	go p.captureStream(stdout, "stdout")
	go p.captureStream(stderr, "stderr")

	p.transition(Probing)
	p.transition(Running)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		p.stopGraceful(cmd, done)
		return false, false
	case err := <-done:
		return true, err == nil
	}
}

func (p *Process) captureStream(r io.Reader, stream string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := StdioLine{Process: p.Name, Stream: stream, Timestamp: time.Now(), Text: scanner.Text()}
		select {
		case p.stdio <- line:
		default:
		}
	}
}

// stopGraceful implements the SIGTERM → grace period → SIGKILL
// escalation from spec §4.G, matching original_source's
// signal::kill(SIGTERM) then sleep then force-kill sequence. done
// receives cmd.Wait()'s result once the process actually exits,
// whether from SIGTERM or the follow-up SIGKILL.
func (p *Process) stopGraceful(cmd *exec.Cmd, done <-chan error) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)

	grace := p.spec.StopGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-timer.C:
		_ = cmd.Process.Kill()
		<-done
	case <-done:
	}
}

// Stop requests a graceful shutdown; the run loop's ctx cancellation
// triggers stopGraceful.
func (p *Process) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}
