package context

import (
	gocontext "context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gifton/pipelinekit/events"
)

type capturingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturingEmitter) Publish(evt events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

var userIDKey = NewKey[string]("test.user_id")
var countKey = NewKey[int]("test.count")

func TestSetGetRoundTrip(t *testing.T) {
	c := New(gocontext.Background(), "", "")

	_, ok := Get(c, userIDKey)
	require.False(t, ok, "unset key must read absent, not panic or zero-value-true")

	Set(c, userIDKey, "alice")
	v, ok := Get(c, userIDKey)
	require.True(t, ok)
	require.Equal(t, "alice", v)

	// Set replaces.
	Set(c, userIDKey, "bob")
	v, ok = Get(c, userIDKey)
	require.True(t, ok)
	require.Equal(t, "bob", v)
}

func TestRemoveThenGetIsAbsent(t *testing.T) {
	c := New(gocontext.Background(), "", "")
	Set(c, countKey, 42)
	require.True(t, Contains(c, countKey))

	Remove(c, countKey)
	require.False(t, Contains(c, countKey))
	v, ok := Get(c, countKey)
	require.False(t, ok)
	require.Zero(t, v)
}

func TestRemoveAbsentKeyIsNoOp(t *testing.T) {
	c := New(gocontext.Background(), "", "")
	require.NotPanics(t, func() { Remove(c, countKey) })
	require.False(t, Contains(c, countKey))
}

func TestDistinctKeyTypesWithSameNameAreIndependent(t *testing.T) {
	c := New(gocontext.Background(), "", "")
	strKey := NewKey[string]("shared-name")
	intKey := NewKey[int]("shared-name")

	Set(c, strKey, "hello")
	Set(c, intKey, 7)

	sv, ok := Get(c, strKey)
	require.True(t, ok)
	require.Equal(t, "hello", sv)

	iv, ok := Get(c, intKey)
	require.True(t, ok)
	require.Equal(t, 7, iv)
}

func TestMetadataCorrelationIDInheritedWhenPresent(t *testing.T) {
	c := New(gocontext.Background(), "parent-correlation", "user-1")
	require.Equal(t, "parent-correlation", c.CorrelationID())
	require.Equal(t, "user-1", c.UserID())
	require.NotEmpty(t, c.RequestID())
}

func TestMetadataCorrelationIDGeneratedWhenAbsent(t *testing.T) {
	c := New(gocontext.Background(), "", "")
	require.NotEmpty(t, c.CorrelationID())
	require.NotEqual(t, c.RequestID(), c.CorrelationID())
}

func TestEmitForwardsToAttachedEmitter(t *testing.T) {
	c := New(gocontext.Background(), "", "")
	emitter := &capturingEmitter{}
	c.SetEmitter(emitter)

	c.Emit(events.Event{Name: "test.event"})
	require.Equal(t, 1, emitter.count())
}

func TestEmitWithNoEmitterAttachedIsSilentNoOp(t *testing.T) {
	c := New(gocontext.Background(), "", "")
	require.NotPanics(t, func() { c.Emit(events.Event{Name: "test.event"}) })
}

func TestResetClearsStorageButPreservesMetadataAndCapacity(t *testing.T) {
	c := New(gocontext.Background(), "", "")
	Set(c, countKey, 1)
	Set(c, userIDKey, "alice")
	c.Cancel()

	requestID := c.RequestID()
	c.Reset()

	require.False(t, Contains(c, countKey))
	require.False(t, Contains(c, userIDKey))
	require.False(t, c.Cancelled(), "Reset must clear the cancellation flag")
	require.Equal(t, requestID, c.RequestID(), "metadata survives Reset")
}

func TestCancelIsObservableViaCancelled(t *testing.T) {
	c := New(gocontext.Background(), "", "")
	require.False(t, c.Cancelled())
	c.Cancel()
	require.True(t, c.Cancelled())
}

func TestWithCurrentAndCurrentRoundTrip(t *testing.T) {
	c := New(gocontext.Background(), "", "")
	std := WithCurrent(gocontext.Background(), c)

	got, ok := Current(std)
	require.True(t, ok)
	require.Same(t, c, got)

	_, ok = Current(gocontext.Background())
	require.False(t, ok)
}
