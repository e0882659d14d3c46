package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/applydesk/dispatch/internal/agent/core"
)

func sampleJob() core.Job {
	return core.Job{
		TaskID:  "task-1",
		OwnerID: "owner-1",
		Target: core.Target{
			ListingID: "gh-42",
			Title:     "Backend Engineer",
			Company:   "Hooli",
			ApplyURL:  "https://boards.greenhouse.io/hooli/jobs/42",
		},
		Priority: "NORMAL",
	}
}

func TestSimulatedExecutor_WalksApplicationSteps(t *testing.T) {
	executor := &SimulatedExecutor{}

	var progress []int
	var steps []string
	result, err := executor.Execute(context.Background(), sampleJob(), func(p int, step string) {
		progress = append(progress, p)
		steps = append(steps, step)
	})

	require.NoError(t, err)
	require.NotNil(t, result)
	require.True(t, strings.HasPrefix(result.ConfirmationNumber, "SIM-"))
	require.Contains(t, result.Message, "Hooli")
	require.Equal(t, []int{10, 40, 60, 85, 100}, progress)
	require.Equal(t, "confirming submission", steps[len(steps)-1])
}

func TestSimulatedExecutor_FailureInjection(t *testing.T) {
	executor := &SimulatedExecutor{FailureRate: 1}

	var progress []int
	result, err := executor.Execute(context.Background(), sampleJob(), func(p int, step string) {
		progress = append(progress, p)
	})

	require.Nil(t, result)
	var failure *core.Failure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, "NETWORK", failure.Classification)
	// The injected failure hits at the submit step, before confirmation.
	require.Equal(t, []int{10, 40, 60, 85}, progress)
}

func TestSimulatedExecutor_Cancellation(t *testing.T) {
	executor := &SimulatedExecutor{StepDelay: 50 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reported := 0
	result, err := executor.Execute(ctx, sampleJob(), func(int, string) { reported++ })

	require.Nil(t, result)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, reported)
}
