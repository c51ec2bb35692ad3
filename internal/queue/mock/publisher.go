// Package mock provides an in-memory queue publisher for tests.
package mock

import (
	"context"
	"sync"

	"github.com/kawacukennedy/polygot-sub000/internal/domain"
	"github.com/kawacukennedy/polygot-sub000/internal/queue"
)

// MockPublisher records published jobs in memory.
type MockPublisher struct {
	mu        sync.Mutex
	Published []*domain.Job

	// PublishFunc overrides Publish when set.
	PublishFunc func(ctx context.Context, job *domain.Job) error
}

var _ queue.Publisher = (*MockPublisher)(nil)

// NewMockPublisher creates a new MockPublisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) Publish(ctx context.Context, job *domain.Job) error {
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, job)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Published = append(m.Published, job)
	return nil
}

func (m *MockPublisher) Close() error {
	return nil
}

// Count returns how many jobs were published.
func (m *MockPublisher) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Published)
}

// Last returns the most recently published job, or nil.
func (m *MockPublisher) Last() *domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Published) == 0 {
		return nil
	}
	return m.Published[len(m.Published)-1]
}
