package eventbus_test

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wostzone/wot-servient/pkg/eventbus"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	logrus.Infof("--- TestPublishDeliversToSubscriber ---")
	bus := eventbus.New(4)
	sub := bus.Subscribe("thing1/property/temperature")
	defer sub.Dispose()

	bus.Publish("thing1/property/temperature", eventbus.Item{Name: "temperature", Value: 21.5})

	select {
	case item := <-sub.Items():
		assert.Equal(t, "temperature", item.Name)
		assert.Equal(t, 21.5, item.Value)
		assert.Equal(t, "thing1/property/temperature", item.Topic)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for item")
	}
}

func TestLateSubscriberDoesNotSeePastItems(t *testing.T) {
	logrus.Infof("--- TestLateSubscriberDoesNotSeePastItems ---")
	bus := eventbus.New(4)
	bus.Publish("topic", eventbus.Item{Name: "before"})

	sub := bus.Subscribe("topic")
	defer sub.Dispose()

	select {
	case item := <-sub.Items():
		t.Fatalf("unexpected item delivered to late subscriber: %+v", item)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisposeStopsDelivery(t *testing.T) {
	logrus.Infof("--- TestDisposeStopsDelivery ---")
	bus := eventbus.New(4)
	sub := bus.Subscribe("topic")
	sub.Dispose()
	sub.Dispose() // idempotent

	bus.Publish("topic", eventbus.Item{Name: "ignored"})

	_, ok := <-sub.Items()
	assert.False(t, ok, "channel should be closed after Dispose")
	assert.Equal(t, 0, bus.SubscriberCount("topic"))
}

func TestOverflowDropsOldest(t *testing.T) {
	logrus.Infof("--- TestOverflowDropsOldest ---")
	bus := eventbus.New(2)
	sub := bus.Subscribe("topic")
	defer sub.Dispose()

	bus.Publish("topic", eventbus.Item{Name: "one"})
	bus.Publish("topic", eventbus.Item{Name: "two"})
	bus.Publish("topic", eventbus.Item{Name: "three"})

	first := <-sub.Items()
	second := <-sub.Items()
	assert.Equal(t, "two", first.Name)
	assert.Equal(t, "three", second.Name)
}

func TestSubscribeHandlerDetachesOnPanic(t *testing.T) {
	logrus.Infof("--- TestSubscribeHandlerDetachesOnPanic ---")
	bus := eventbus.New(4)

	received := make(chan eventbus.Item, 4)
	sub := bus.SubscribeHandler("topic", func(item eventbus.Item) {
		received <- item
		if item.Err == nil && item.Name == "boom" {
			panic("handler exploded")
		}
	})
	defer sub.Dispose()

	bus.Publish("topic", eventbus.Item{Name: "boom"})

	first := <-received
	require.Equal(t, "boom", first.Name)

	second := <-received
	require.Error(t, second.Err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, bus.SubscriberCount("topic"))
}

func TestIndependentSubscribersIsolated(t *testing.T) {
	logrus.Infof("--- TestIndependentSubscribersIsolated ---")
	bus := eventbus.New(4)
	subA := bus.Subscribe("topic")
	subB := bus.Subscribe("topic")
	defer subA.Dispose()
	defer subB.Dispose()

	bus.Publish("topic", eventbus.Item{Name: "shared"})

	itemA := <-subA.Items()
	itemB := <-subB.Items()
	assert.Equal(t, "shared", itemA.Name)
	assert.Equal(t, "shared", itemB.Name)
}
