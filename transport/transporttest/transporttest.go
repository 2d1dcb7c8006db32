// Package transporttest provides recording publishers and subscribers for
// transport and protocol tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Publisher records every published message.
type Publisher struct {
	mu        sync.Mutex
	Published map[string][]*message.Message
	Err       error
	Closed    int
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	if p.Published == nil {
		p.Published = make(map[string][]*message.Message)
	}
	p.Published[topic] = append(p.Published[topic], messages...)
	return nil
}

// Messages returns a copy of what was published on topic.
func (p *Publisher) Messages(topic string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.Published[topic]...)
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed++
	return nil
}

// Subscriber hands out channels it controls. Feed pushes into every channel
// opened for a topic.
type Subscriber struct {
	mu       sync.Mutex
	channels map[string][]chan *message.Message
	Topics   []string
	Err      error
	Closed   int
}

func (s *Subscriber) Subscribe(_ context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if s.channels == nil {
		s.channels = make(map[string][]chan *message.Message)
	}
	ch := make(chan *message.Message, 16)
	s.channels[topic] = append(s.channels[topic], ch)
	s.Topics = append(s.Topics, topic)
	return ch, nil
}

// Feed delivers msg to every subscription on topic.
func (s *Subscriber) Feed(topic string, msg *message.Message) {
	s.mu.Lock()
	channels := append([]chan *message.Message(nil), s.channels[topic]...)
	s.mu.Unlock()
	for _, ch := range channels {
		ch <- msg
	}
}

// Sever closes every channel opened for topic, mimicking a broken transport.
func (s *Subscriber) Sever(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.channels[topic] {
		close(ch)
	}
	delete(s.channels, topic)
}

func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed++
	return nil
}

// ClosedCount is a race-free read of Closed.
func (s *Subscriber) ClosedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Closed
}
