package messaging

import (
	"fmt"
	"strings"
	"sync"
)

// MockBroker is an in-process Broker for tests. Handlers run synchronously
// on the publisher's goroutine.
type MockBroker struct {
	mu       sync.Mutex
	handlers map[string][]func(data []byte)

	// Published records every publish for assertions, keyed by subject.
	Published map[string][][]byte
}

// NewMockBroker creates an empty MockBroker.
func NewMockBroker() *MockBroker {
	return &MockBroker{
		handlers:  make(map[string][]func(data []byte)),
		Published: make(map[string][][]byte),
	}
}

// Publish records the message and invokes any registered handlers,
// honoring the NATS ">" tail wildcard.
func (m *MockBroker) Publish(subject string, data []byte) error {
	m.mu.Lock()
	m.Published[subject] = append(m.Published[subject], data)
	var handlers []func([]byte)
	for pattern, hs := range m.handlers {
		if subjectMatches(pattern, subject) {
			handlers = append(handlers, hs...)
		}
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".>"); ok {
		return strings.HasPrefix(subject, prefix+".")
	}
	return false
}

// Subscribe registers a handler for the subject.
func (m *MockBroker) Subscribe(subject string, handler func(data []byte)) error {
	m.mu.Lock()
	m.handlers[subject] = append(m.handlers[subject], handler)
	m.mu.Unlock()
	return nil
}

// Unsubscribe drops every handler for the subject.
func (m *MockBroker) Unsubscribe(subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[subject]; !ok {
		return fmt.Errorf("mock broker: no subscription for subject %s", subject)
	}
	delete(m.handlers, subject)
	return nil
}
