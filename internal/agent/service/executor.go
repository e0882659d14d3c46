package service

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/applydesk/dispatch/internal/agent/core"
)

// SimulatedExecutor walks a fixed application flow without touching a real
// browser. It exists for local runs and load simulation; swap in a real
// automation engine by implementing core.TaskExecutor.
type SimulatedExecutor struct {
	// StepDelay is the pause between progress steps. Zero runs the whole
	// flow without sleeping, which is what tests want.
	StepDelay time.Duration

	// FailureRate injects a retriable network failure at the submit step
	// with the given probability. Zero never fails.
	FailureRate float64
}

var applicationSteps = []struct {
	progress int
	step     string
}{
	{10, "navigating to listing"},
	{40, "filling application form"},
	{60, "uploading resume"},
	{85, "submitting application"},
}

func (e *SimulatedExecutor) Execute(ctx context.Context, job core.Job, report core.ProgressFunc) (*core.Result, error) {
	for _, s := range applicationSteps {
		if err := e.pause(ctx); err != nil {
			return nil, err
		}
		report(s.progress, s.step)
	}

	if e.FailureRate > 0 && rand.Float64() < e.FailureRate {
		return nil, &core.Failure{
			Classification: "NETWORK",
			Message:        fmt.Sprintf("connection reset while submitting application to %s", job.Target.Company),
		}
	}

	if err := e.pause(ctx); err != nil {
		return nil, err
	}
	report(100, "confirming submission")

	return &core.Result{
		ConfirmationNumber: "SIM-" + strings.ToUpper(uuid.NewString()[:8]),
		Message:            fmt.Sprintf("application submitted to %s for %s", job.Target.Company, job.Target.Title),
	}, nil
}

func (e *SimulatedExecutor) pause(ctx context.Context) error {
	if e.StepDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(e.StepDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
