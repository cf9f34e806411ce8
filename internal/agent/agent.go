package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/geocoder89/fleetrunner/internal/domain/job"
)

// ErrTimeout is the per-attempt timeout; the runner converts it into a
// TIMEOUT terminal state once retries exhaust.
var ErrTimeout = errors.New("agent timeout")

type Result struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

func (r Result) String() string {
	return fmt.Sprintf("exit_code=%d stdout=%q stderr=%q", r.ExitCode, r.Stdout, r.Stderr)
}

// Agent executes one command on one host. The real executor lives outside
// this system; the runner only sees this contract.
type Agent interface {
	Run(ctx context.Context, hostID string, cmd job.CommandType, payload json.RawMessage) (Result, error)
}

// Simulated is the stand-in executor used by the worker binary: it times
// out roughly half the time, errors occasionally, and otherwise takes up to
// 1.5s to succeed. Enough to exercise every runner path.
type Simulated struct{}

func NewSimulated() *Simulated {
	return &Simulated{}
}

func (s *Simulated) Run(ctx context.Context, hostID string, cmd job.CommandType, payload json.RawMessage) (Result, error) {
	p := rand.Float64()

	if p > 0.5 {
		sleep(ctx, 500*time.Millisecond)
		return Result{}, ErrTimeout
	}

	if p < 0.15 {
		return Result{}, errors.New("agent error")
	}

	sleep(ctx, time.Duration(100+rand.Intn(1400))*time.Millisecond)

	return Result{ExitCode: 0, Stdout: "ok", Stderr: ""}, nil
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
