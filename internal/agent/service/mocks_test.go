package service

import (
	"context"
	"sync"
	"testing"
	"time"

	protocol "github.com/applydesk/dispatch/internal/dispatcher/api/ws"

	"github.com/applydesk/dispatch/internal/agent/core"
)

type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}
func (noopLogger) Fatal(msg string, args ...any) {}

// stubExecutor returns canned outcomes. With block set it parks until the
// run context is cancelled, which is how disconnect handling is exercised.
type stubExecutor struct {
	result *core.Result
	err    error
	block  bool
}

func (s *stubExecutor) Execute(ctx context.Context, job core.Job, report core.ProgressFunc) (*core.Result, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &core.Result{ConfirmationNumber: "STUB-1", Message: "submitted"}, nil
}

// fakeClient records outbound frames instead of dialing anything.
type fakeClient struct {
	mu         sync.Mutex
	caps       []protocol.CapabilitiesPayload
	subscribes int
	claims     []string
	progress   []protocol.ProgressPayload
	results    []protocol.ResultPayload
	jobErrors  []protocol.JobErrorPayload
	claimErr   error
}

func (f *fakeClient) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeClient) Capabilities(caps protocol.CapabilitiesPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.caps = append(f.caps, caps)
	return nil
}

func (f *fakeClient) SubscribeQueue() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	return nil
}

func (f *fakeClient) ClaimJob(taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return f.claimErr
	}
	f.claims = append(f.claims, taskID)
	return nil
}

func (f *fakeClient) ReportProgress(taskID string, progress int, step string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, protocol.ProgressPayload{TaskID: taskID, Progress: progress, Step: step})
	return nil
}

func (f *fakeClient) ReportResult(taskID, confirmationNumber, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, protocol.ResultPayload{
		TaskID: taskID,
		Result: protocol.ResultDTO{ConfirmationNumber: confirmationNumber, Message: message},
	})
	return nil
}

func (f *fakeClient) ReportError(taskID, message, classification string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobErrors = append(f.jobErrors, protocol.JobErrorPayload{
		TaskID:         taskID,
		Error:          message,
		Classification: classification,
	})
	return nil
}

func (f *fakeClient) claimed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.claims))
	copy(out, f.claims)
	return out
}

func (f *fakeClient) resultCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

func (f *fakeClient) errorCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobErrors)
}

func (f *fakeClient) lastResult() protocol.ResultPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results[len(f.results)-1]
}

func (f *fakeClient) lastError() protocol.JobErrorPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobErrors[len(f.jobErrors)-1]
}

func (f *fakeClient) progressSteps() []protocol.ProgressPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.ProgressPayload, len(f.progress))
	copy(out, f.progress)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
