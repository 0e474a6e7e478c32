package websocket

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

type topicSet struct {
	mu      sync.RWMutex
	members map[string]struct{}
	// dead is set once the set is emptied and is about to leave the map;
	// writers that grabbed it concurrently must retry with a fresh set.
	dead bool
}

// Registry maps role-model topics to the connections subscribed to them.
// A connection belongs to at most one topic. Each topic has its own lock, so
// a write to one topic never blocks a snapshot read of another; moves of the
// same connection are serialized on a striped lock keyed by connection id.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]*topicSet

	ownerMu sync.RWMutex
	owners  map[string]string // connID -> topic

	stripes [lockStripes]sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{
		topics: make(map[string]*topicSet),
		owners: make(map[string]string),
	}
}

func (r *Registry) stripe(connID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(connID))
	return &r.stripes[h.Sum32()%lockStripes]
}

// Subscribe adds connID to topic, first removing it from any other topic it
// held. It returns the previous topic, or "" if there was none.
func (r *Registry) Subscribe(topic, connID string) string {
	lock := r.stripe(connID)
	lock.Lock()
	defer lock.Unlock()

	prev := r.TopicOf(connID)
	if prev == topic {
		return prev
	}
	if prev != "" {
		r.removeMember(prev, connID)
	}
	r.addMember(topic, connID)

	r.ownerMu.Lock()
	r.owners[connID] = topic
	r.ownerMu.Unlock()
	return prev
}

// Unsubscribe removes connID from topic. It reports false when the
// connection was not a member of that topic.
func (r *Registry) Unsubscribe(topic, connID string) bool {
	lock := r.stripe(connID)
	lock.Lock()
	defer lock.Unlock()

	if r.TopicOf(connID) != topic {
		return false
	}
	r.removeMember(topic, connID)

	r.ownerMu.Lock()
	delete(r.owners, connID)
	r.ownerMu.Unlock()
	return true
}

// UnsubscribeAll removes connID from whatever topic it holds and returns that topic.
func (r *Registry) UnsubscribeAll(connID string) string {
	lock := r.stripe(connID)
	lock.Lock()
	defer lock.Unlock()

	prev := r.TopicOf(connID)
	if prev == "" {
		return ""
	}
	r.removeMember(prev, connID)

	r.ownerMu.Lock()
	delete(r.owners, connID)
	r.ownerMu.Unlock()
	return prev
}

// Members returns a snapshot of the connection ids subscribed to topic.
// The slice is owned by the caller.
func (r *Registry) Members(topic string) []string {
	r.mu.RLock()
	ts := r.topics[topic]
	r.mu.RUnlock()
	if ts == nil {
		return nil
	}

	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make([]string, 0, len(ts.members))
	for id := range ts.members {
		out = append(out, id)
	}
	return out
}

func (r *Registry) MemberCount(topic string) int {
	r.mu.RLock()
	ts := r.topics[topic]
	r.mu.RUnlock()
	if ts == nil {
		return 0
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.members)
}

func (r *Registry) TopicOf(connID string) string {
	r.ownerMu.RLock()
	defer r.ownerMu.RUnlock()
	return r.owners[connID]
}

func (r *Registry) TopicCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

func (r *Registry) addMember(topic, connID string) {
	for {
		r.mu.RLock()
		ts := r.topics[topic]
		r.mu.RUnlock()

		if ts == nil {
			r.mu.Lock()
			if ts = r.topics[topic]; ts == nil {
				ts = &topicSet{members: make(map[string]struct{})}
				r.topics[topic] = ts
			}
			r.mu.Unlock()
		}

		ts.mu.Lock()
		if ts.dead {
			ts.mu.Unlock()
			continue
		}
		ts.members[connID] = struct{}{}
		ts.mu.Unlock()
		return
	}
}

func (r *Registry) removeMember(topic, connID string) {
	r.mu.RLock()
	ts := r.topics[topic]
	r.mu.RUnlock()
	if ts == nil {
		return
	}

	ts.mu.Lock()
	delete(ts.members, connID)
	empty := len(ts.members) == 0
	if empty {
		ts.dead = true
	}
	ts.mu.Unlock()

	if empty {
		r.mu.Lock()
		if r.topics[topic] == ts {
			delete(r.topics, topic)
		}
		r.mu.Unlock()
	}
}
