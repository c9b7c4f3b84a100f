// Package realtime implements the WebSocket broadcast bus of spec §4.H:
// a BroadcastManager owning one multi-producer, multi-consumer channel
// per named topic, plus the three URL-distinguished WS protocols
// (/ws/bus, /ws/rtdb/<id>, /ws/crdt/<id>) that ride on it.
package realtime

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is the envelope shape of spec §4.H ("{ id:uuid, cmd, data:json,
// sender, timestamp }").
type Message struct {
	ID        string    `json:"id"`
	Cmd       string    `json:"cmd"`
	Data      []byte    `json:"data"`
	Sender    string    `json:"sender,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage builds a Message with a fresh id and the current time.
func NewMessage(cmd, sender string, data []byte) Message {
	return Message{ID: uuid.NewString(), Cmd: cmd, Data: data, Sender: sender, Timestamp: time.Now()}
}

// SendResult reports the outcome of a targeted send (spec §4.H
// "send_to_user(tenant, user, msg) -> {Delivered(n) | UserOffline}").
type SendResult struct {
	Delivered int
	Online    bool
}

// topic is one named multi-producer, multi-consumer channel. Each
// subscriber gets its own buffered receive channel; a slow consumer is
// disconnected rather than allowed to backpressure the manager (spec §5
// "slow consumer triggers disconnect rather than backpressuring the
// broadcast manager").
type topic struct {
	mu          sync.Mutex
	subscribers map[string]chan Message // keyed by subscriber id
}

func newTopic() *topic {
	return &topic{subscribers: make(map[string]chan Message)}
}

const subscriberBuffer = 64

func (t *topic) subscribe(subscriberID string) chan Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Message, subscriberBuffer)
	t.subscribers[subscriberID] = ch
	return ch
}

func (t *topic) unsubscribe(subscriberID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.subscribers[subscriberID]; ok {
		close(ch)
		delete(t.subscribers, subscriberID)
	}
}

// publish fans msg out to every subscriber; a full buffer drops the
// subscriber rather than blocking the publisher.
func (t *topic) publish(msg Message) (delivered int, dropped []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.subscribers {
		select {
		case ch <- msg:
			delivered++
		default:
			dropped = append(dropped, id)
		}
	}
	return delivered, dropped
}

func (t *topic) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribers)
}

// Fanout is the optional cross-node publish hook (backed by Redis
// pub/sub in production, spec's multi-node fanout requirement for the
// broadcast bus). A single-node deployment leaves this nil.
type Fanout interface {
	Publish(topicName string, msg Message) error
}

// Manager is the BroadcastManager of spec §4.H.
type Manager struct {
	mu          sync.Mutex
	topics      map[string]*topic
	maxChannels int
	fanout      Fanout
}

// NewManager creates a Manager bounded to maxChannels live topics (spec
// §4.H "refuses beyond max_channels"). fanout may be nil for a
// single-node deployment.
func NewManager(maxChannels int, fanout Fanout) *Manager {
	if maxChannels <= 0 {
		maxChannels = 100_000
	}
	return &Manager{topics: make(map[string]*topic), maxChannels: maxChannels, fanout: fanout}
}

// ErrTooManyChannels is returned by Subscribe when maxChannels would be
// exceeded by creating a new topic.
type ErrTooManyChannels struct{ Max int }

func (e *ErrTooManyChannels) Error() string {
	return fmt.Sprintf("realtime: topic limit of %d channels reached", e.Max)
}

// Subscribe creates topicName lazily on first subscribe (spec §4.H) and
// returns a receive channel for subscriberID plus an unsubscribe func.
func (m *Manager) Subscribe(topicName, subscriberID string) (<-chan Message, func(), error) {
	m.mu.Lock()
	t, ok := m.topics[topicName]
	if !ok {
		if len(m.topics) >= m.maxChannels {
			m.mu.Unlock()
			return nil, nil, &ErrTooManyChannels{Max: m.maxChannels}
		}
		t = newTopic()
		m.topics[topicName] = t
	}
	m.mu.Unlock()

	ch := t.subscribe(subscriberID)
	unsub := func() { t.unsubscribe(subscriberID) }
	return ch, unsub, nil
}

// Publish fans msg out to topicName's local subscribers and, if a Fanout
// is configured, to other nodes.
func (m *Manager) Publish(topicName string, msg Message) (delivered int) {
	m.mu.Lock()
	t, ok := m.topics[topicName]
	m.mu.Unlock()
	if ok {
		var dropped []string
		delivered, dropped = t.publish(msg)
		for _, id := range dropped {
			t.unsubscribe(id)
		}
	}
	if m.fanout != nil {
		_ = m.fanout.Publish(topicName, msg) // best-effort; local delivery already happened
	}
	return delivered
}

// publishLocalOnly delivers msg to topicName's local subscribers without
// re-publishing to Fanout, used by RedisFanout.Run to apply messages
// received from other nodes.
func (m *Manager) publishLocalOnly(topicName string, msg Message) {
	m.mu.Lock()
	t, ok := m.topics[topicName]
	m.mu.Unlock()
	if !ok {
		return
	}
	_, dropped := t.publish(msg)
	for _, id := range dropped {
		t.unsubscribe(id)
	}
}

// SendToUser targets the per-user topic directly, reporting whether the
// user has any live subscription (spec §4.H "send_to_user(tenant, user,
// msg) -> {Delivered(n) | UserOffline}").
func (m *Manager) SendToUser(tenant, user string, msg Message) SendResult {
	name := UserTopic(tenant, user)
	m.mu.Lock()
	t, ok := m.topics[name]
	m.mu.Unlock()
	if !ok {
		return SendResult{Online: false}
	}
	n, dropped := t.publish(msg)
	for _, id := range dropped {
		t.unsubscribe(id)
	}
	return SendResult{Delivered: n, Online: t.count() > 0}
}

// SweepEmptyTopics removes every topic with zero subscribers (spec §4.H
// "cleans topics with zero receivers on a schedule"). Intended to be
// called periodically by a scheduler task.
func (m *Manager) SweepEmptyTopics() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for name, t := range m.topics {
		if t.count() == 0 {
			delete(m.topics, name)
			removed++
		}
	}
	return removed
}

// Topic naming helpers (spec §4.H "topics derived from: the
// authenticated user id ..., the tenant id ..., and resource ids").

func UserTopic(tenant, user string) string   { return "user:" + tenant + ":" + user }
func TenantTopic(tenant string) string       { return "tenant:" + tenant }
func DocumentTopic(docID string) string      { return "crdt:" + docID }
func CollectionTopic(fileID string) string   { return "rtdb:" + fileID }
