package ws

// mockLogger discards everything. Gateway tests assert on observable state,
// not log output.
type mockLogger struct{}

func newMockLogger() *mockLogger { return &mockLogger{} }

func (m *mockLogger) Debug(msg string, args ...any) {}
func (m *mockLogger) Info(msg string, args ...any)  {}
func (m *mockLogger) Warn(msg string, args ...any)  {}
func (m *mockLogger) Error(msg string, args ...any) {}
func (m *mockLogger) Fatal(msg string, args ...any) {}
