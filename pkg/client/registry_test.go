package client

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTopics(t *testing.T) {
	topics, err := normalizeTopics(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{WildcardTopic}, topics, "no topics means wildcard")

	topics, err = normalizeTopics([]string{"a", "b", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, topics, "duplicates dropped, order preserved")

	topics, err = normalizeTopics([]string{"a", WildcardTopic, "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{WildcardTopic}, topics, "wildcard collapses the call")

	_, err = normalizeTopics([]string{"a", ""})
	assert.Error(t, err)
}

func TestRegistrySnapshotOrder(t *testing.T) {
	r := newTopicRegistry()
	var calls []string
	mk := func(name string) MessageHandler {
		return func(Message) error {
			calls = append(calls, name)
			return nil
		}
	}

	r.add([]string{"orders"}, mk("specific-1"))
	r.add([]string{WildcardTopic}, mk("wild-1"))
	r.add([]string{"orders"}, mk("specific-2"))
	r.add([]string{WildcardTopic}, mk("wild-2"))

	for _, h := range r.snapshot("orders") {
		h(Message{})
	}
	assert.Equal(t, []string{"specific-1", "specific-2", "wild-1", "wild-2"}, calls,
		"specific registrations first in insertion order, then wildcard")
}

func TestRegistryEmptyTopicEntryDeleted(t *testing.T) {
	r := newTopicRegistry()
	h := func(Message) error { return nil }
	ids := r.add([]string{"orders"}, h)

	r.removeIDs([]string{"orders"}, ids)
	r.mu.Lock()
	_, exists := r.handlers["orders"]
	r.mu.Unlock()
	assert.False(t, exists, "emptied topic entry must be deleted, not kept empty")
}

func TestRegistryRemoveHandlerMatchesAllOccurrences(t *testing.T) {
	r := newTopicRegistry()
	var aCalls, bCalls int
	a := func(Message) error { aCalls++; return nil }
	b := func(Message) error { bCalls++; return nil }

	r.add([]string{"t"}, a)
	r.add([]string{"t"}, b)
	r.add([]string{"t"}, a) // duplicate registration by reference is allowed

	r.removeHandler("t", a)
	for _, h := range r.snapshot("t") {
		h(Message{})
	}
	assert.Equal(t, 0, aCalls)
	assert.Equal(t, 1, bCalls)
}

func TestRegistryRemoveUnknownIsNoOp(t *testing.T) {
	r := newTopicRegistry()
	h := func(Message) error { return nil }
	other := func(Message) error { return nil }

	// Neither an unknown topic nor an unregistered handler may panic or
	// change state.
	r.removeHandler("missing", h)
	r.removeTopic("missing")

	r.add([]string{"t"}, h)
	r.removeHandler("t", other)
	assert.Len(t, r.snapshot("t"), 1)
}

func TestRegistryUnsubscribeDuringDispatchDoesNotAffectPass(t *testing.T) {
	r := newTopicRegistry()
	var calls []string
	var second MessageHandler
	second = func(Message) error {
		calls = append(calls, "second")
		return nil
	}
	first := func(Message) error {
		calls = append(calls, "first")
		r.removeHandler("t", second)
		return nil
	}
	r.add([]string{"t"}, first)
	r.add([]string{"t"}, second)

	snap := r.snapshot("t")
	for _, h := range snap {
		h(Message{})
	}
	assert.Equal(t, []string{"first", "second"}, calls,
		"snapshot taken before the pass is unaffected by mid-pass removal")

	assert.Len(t, r.snapshot("t"), 1, "removal takes effect for the next dispatch")
}

func TestRegistryConcurrentMutation(t *testing.T) {
	r := newTopicRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h := func(Message) error { return nil }
				ids := r.add([]string{"t", WildcardTopic}, h)
				r.snapshot("t")
				r.removeIDs([]string{"t", WildcardTopic}, ids)
			}
		}()
	}
	wg.Wait()
	assert.Nil(t, r.snapshot("t"))
}
