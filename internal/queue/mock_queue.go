package queue

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
)

// MockQueue is a mock implementation of Queue for testing.
type MockQueue struct {
	mock.Mock
}

// Enqueue is the mock implementation of the Enqueue method.
func (m *MockQueue) Enqueue(ctx context.Context, req feedback.RunRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

// Dequeue is the mock implementation of the Dequeue method.
func (m *MockQueue) Dequeue(ctx context.Context) (feedback.Delivery, error) {
	args := m.Called(ctx)
	return args.Get(0).(feedback.Delivery), args.Error(1)
}

// Close is the mock implementation of the Close method.
func (m *MockQueue) Close() error {
	args := m.Called()
	return args.Error(0)
}
