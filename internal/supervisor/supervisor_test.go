package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/astracat2022/edged/internal/config"
)

func TestProcessReachesRunningThenStopsGracefully(t *testing.T) {
	spec := config.SpawnSpec{
		Command:   "sh",
		Args:      []string{"-c", "sleep 5"},
		StopGrace: 200 * time.Millisecond,
	}
	p := New("test-proc", spec, 8080, nil)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	deadline := time.After(2 * time.Second)
	for p.State() != Running {
		select {
		case <-deadline:
			t.Fatalf("process never reached Running, stuck at %v", p.State())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	deadline = time.After(2 * time.Second)
	for p.State() != Stopped {
		select {
		case <-deadline:
			t.Fatalf("process never reached Stopped, stuck at %v", p.State())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestProcessExhaustsRestartBudget(t *testing.T) {
	spec := config.SpawnSpec{
		Command:       "sh",
		Args:          []string{"-c", "exit 1"},
		MaxRestarts:   2,
		RestartWindow: time.Minute,
		StopGrace:     50 * time.Millisecond,
	}
	p := New("failing-proc", spec, 8081, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	deadline := time.After(10 * time.Second)
	for p.State() != Stopped {
		select {
		case <-deadline:
			t.Fatalf("expected process to stop after exhausting restart budget, stuck at %v", p.State())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
