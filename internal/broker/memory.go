package broker

import (
	"context"
	"sync"
)

// Memory is an in-process bus. It keeps every published message and fans
// them out to subscribers; used when no cluster is configured and in tests.
type Memory struct {
	mu       sync.Mutex
	messages []Message
	subs     map[string][]chan Message
	closed   bool
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]chan Message)}
}

func (m *Memory) Publish(ctx context.Context, topic string, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	msg := Message{Topic: topic, Key: key, Value: append([]byte(nil), value...)}
	m.messages = append(m.messages, msg)
	for _, ch := range m.subs[topic] {
		select {
		case ch <- msg:
		default:
			// Slow subscribers miss messages; Messages still has them.
		}
	}
	return nil
}

// Subscribe returns a buffered channel receiving messages published to topic
// after the call. The channel is closed by Close.
func (m *Memory) Subscribe(topic string, buffer int) <-chan Message {
	ch := make(chan Message, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		close(ch)
		return ch
	}
	m.subs[topic] = append(m.subs[topic], ch)
	return ch
}

// Messages returns a copy of every message published to topic.
func (m *Memory) Messages(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.messages {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	m.subs = nil
	return nil
}
