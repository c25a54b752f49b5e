package project

import (
	"context"
	"sync"
)

// MockCommandRunner records every command and answers with RunFunc.
type MockCommandRunner struct {
	RunFunc func(ctx context.Context, name string, args []string, workDir string) ([]byte, error)

	mu    sync.Mutex
	Calls []MockRunCall
}

type MockRunCall struct {
	Name    string
	Args    []string
	WorkDir string
}

func NewMockCommandRunner() *MockCommandRunner {
	return &MockCommandRunner{
		Calls: make([]MockRunCall, 0),
	}
}

func (m *MockCommandRunner) Run(ctx context.Context, name string, args []string, workDir string) ([]byte, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, MockRunCall{
		Name:    name,
		Args:    append([]string(nil), args...),
		WorkDir: workDir,
	})
	m.mu.Unlock()

	if m.RunFunc != nil {
		return m.RunFunc(ctx, name, args, workDir)
	}

	return nil, nil
}

// Subcommands returns the first argument of every recorded call.
func (m *MockCommandRunner) Subcommands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.Calls))
	for _, call := range m.Calls {
		if len(call.Args) > 0 {
			out = append(out, call.Args[0])
		}
	}
	return out
}
