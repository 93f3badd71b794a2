package testutils

import (
	"encoding/json"
	"errors"
	"sync"
)

var ErrMockSend = errors.New("mock send failure")

// MockSubscriber records every payload it is sent.
type MockSubscriber struct {
	IDVal    string
	Messages []string
	Closed   bool
	FailSend bool
	Mu       sync.Mutex
}

func NewMockSubscriber(id string) *MockSubscriber {
	return &MockSubscriber{IDVal: id}
}

func (m *MockSubscriber) ID() string { return m.IDVal }

func (m *MockSubscriber) IsOpen() bool {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return !m.Closed
}

func (m *MockSubscriber) Send(b []byte) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.FailSend {
		return ErrMockSend
	}
	m.Messages = append(m.Messages, string(b))
	return nil
}

func (m *MockSubscriber) Close() {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
}

func (m *MockSubscriber) Count() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return len(m.Messages)
}

func (m *MockSubscriber) Last() string {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if len(m.Messages) == 0 {
		return ""
	}
	return m.Messages[len(m.Messages)-1]
}

// LastType decodes the "type" field of the most recent message.
func (m *MockSubscriber) LastType() string {
	var msg struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal([]byte(m.Last()), &msg)
	return msg.Type
}
