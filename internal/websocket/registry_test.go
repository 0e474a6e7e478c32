package websocket

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	topicA = "11111111-1111-1111-1111-111111111111"
	topicB = "22222222-2222-2222-2222-222222222222"
)

func TestRegistrySubscribe(t *testing.T) {
	r := NewRegistry()

	assert.Equal(t, "", r.Subscribe(topicA, "c1"))
	r.Subscribe(topicA, "c2")

	assert.ElementsMatch(t, []string{"c1", "c2"}, r.Members(topicA))
	assert.Equal(t, 2, r.MemberCount(topicA))
	assert.Equal(t, topicA, r.TopicOf("c1"))
	assert.Equal(t, 1, r.TopicCount())
}

func TestRegistrySubscribeSameTopicTwice(t *testing.T) {
	r := NewRegistry()
	r.Subscribe(topicA, "c1")
	assert.Equal(t, topicA, r.Subscribe(topicA, "c1"))
	assert.Equal(t, []string{"c1"}, r.Members(topicA))
}

func TestRegistryMoveBetweenTopics(t *testing.T) {
	r := NewRegistry()
	r.Subscribe(topicA, "c1")
	r.Subscribe(topicA, "c2")

	prev := r.Subscribe(topicB, "c1")
	assert.Equal(t, topicA, prev)
	assert.Equal(t, []string{"c2"}, r.Members(topicA))
	assert.Equal(t, []string{"c1"}, r.Members(topicB))
	assert.Equal(t, topicB, r.TopicOf("c1"))
}

func TestRegistryUnsubscribe(t *testing.T) {
	r := NewRegistry()
	r.Subscribe(topicA, "c1")

	assert.False(t, r.Unsubscribe(topicB, "c1"), "not a member of topicB")
	assert.True(t, r.Unsubscribe(topicA, "c1"))
	assert.False(t, r.Unsubscribe(topicA, "c1"))
	assert.Equal(t, "", r.TopicOf("c1"))
}

func TestRegistryEmptyTopicIsCollected(t *testing.T) {
	r := NewRegistry()
	r.Subscribe(topicA, "c1")
	r.Subscribe(topicB, "c1")
	assert.Equal(t, 1, r.TopicCount())

	assert.Equal(t, topicB, r.UnsubscribeAll("c1"))
	assert.Equal(t, 0, r.TopicCount())
	assert.Empty(t, r.Members(topicB))
	assert.Equal(t, "", r.UnsubscribeAll("c1"))
}

func TestRegistryMembersIsSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Subscribe(topicA, "c1")

	snap := r.Members(topicA)
	r.Subscribe(topicA, "c2")
	r.UnsubscribeAll("c1")

	assert.Equal(t, []string{"c1"}, snap)
	assert.Equal(t, []string{"c2"}, r.Members(topicA))
}

func TestRegistryConcurrentMoves(t *testing.T) {
	r := NewRegistry()
	topics := []string{topicA, topicB, "33333333-3333-3333-3333-333333333333"}

	const conns = 50
	var wg sync.WaitGroup
	for i := 0; i < conns; i++ {
		id := fmt.Sprintf("c%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r.Subscribe(topics[j%len(topics)], id)
				if j%7 == 0 {
					r.UnsubscribeAll(id)
				}
				_ = r.Members(topics[(j+1)%len(topics)])
			}
		}()
	}
	wg.Wait()

	// Every connection ends in exactly one topic, and that topic agrees
	// with the owner index.
	seen := map[string]string{}
	for _, topic := range topics {
		for _, id := range r.Members(topic) {
			_, dup := seen[id]
			require.False(t, dup, "%s is in more than one topic", id)
			seen[id] = topic
		}
	}
	require.Len(t, seen, conns)
	for id, topic := range seen {
		assert.Equal(t, topic, r.TopicOf(id))
	}
}
