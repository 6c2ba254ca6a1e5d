// Package mocks provides mock implementations for testing
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/ziyixi/chatrelay/llm"
)

// MockCompleter is a mock implementation of llm.Completer
type MockCompleter struct {
	mock.Mock
}

// Complete returns the configured completion for the request
func (m *MockCompleter) Complete(ctx context.Context, req llm.Request) (llm.Completion, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(llm.Completion), args.Error(1)
}
