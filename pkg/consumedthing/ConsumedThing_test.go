package consumedthing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wostzone/wot-servient/pkg/consumedthing"
	"github.com/wostzone/wot-servient/pkg/errs"
	"github.com/wostzone/wot-servient/pkg/eventbus"
	"github.com/wostzone/wot-servient/pkg/protocol"
	"github.com/wostzone/wot-servient/pkg/td"
	"github.com/wostzone/wot-servient/pkg/vocab"
)

// fakeClient is a minimal protocol.ClientBinding double used to exercise
// ConsumedThing without a real network binding.
type fakeClient struct {
	mu         sync.Mutex
	values     map[string]interface{}
	writes     []string
	actionErr  error
	actionResp interface{}
	bus        *eventbus.Bus
}

func newFakeClient() *fakeClient {
	return &fakeClient{values: map[string]interface{}{}, bus: eventbus.New(8)}
}

func (c *fakeClient) Protocol() protocol.Tag { return protocol.HTTP }

func (c *fakeClient) IsSupportedInteraction(tdoc *td.ThingTD, name string) bool { return true }

func (c *fakeClient) ReadProperty(ctx context.Context, tdoc *td.ThingTD, name string) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[name], nil
}

func (c *fakeClient) WriteProperty(ctx context.Context, tdoc *td.ThingTD, name string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[name] = value
	c.writes = append(c.writes, name)
	c.bus.Publish(name, eventbus.Item{Name: name, Value: value})
	return nil
}

func (c *fakeClient) InvokeAction(ctx context.Context, tdoc *td.ThingTD, name string, input interface{}) (interface{}, error) {
	return c.actionResp, c.actionErr
}

func (c *fakeClient) OnPropertyChange(ctx context.Context, tdoc *td.ThingTD, name string) (protocol.Stream, error) {
	return c.bus.Subscribe(name), nil
}

func (c *fakeClient) OnEvent(ctx context.Context, tdoc *td.ThingTD, name string) (protocol.Stream, error) {
	return c.bus.Subscribe(name), nil
}

func (c *fakeClient) OnTDChange(ctx context.Context, url string) (protocol.Stream, error) {
	return nil, errs.New(errs.NoHandler, "OnTDChange is not supported")
}

func testTD() *td.ThingTD {
	tdoc := td.CreateTD("urn:test:lamp1", "test lamp")
	prop := tdoc.AddProperty("brightness", "Brightness", vocab.WoTDataTypeNumber)
	prop.Writable = true
	prop.Observable = true
	tdoc.AddAction("toggle", "Toggle")
	tdoc.AddEvent("overheat", "Overheat", vocab.WoTDataTypeBoolean)
	return tdoc
}

func newTestConsumedThing(client protocol.ClientBinding) *consumedthing.ConsumedThing {
	return consumedthing.New(testTD(), func(tdoc *td.ThingTD, name string) (protocol.ClientBinding, error) {
		return client, nil
	})
}

func TestReadUnknownPropertyFails(t *testing.T) {
	logrus.Infof("--- TestReadUnknownPropertyFails ---")
	ct := newTestConsumedThing(newFakeClient())
	_, err := ct.ReadProperty(context.Background(), "doesnotexist")
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestWriteThenReadPropertyRoundTrips(t *testing.T) {
	logrus.Infof("--- TestWriteThenReadPropertyRoundTrips ---")
	client := newFakeClient()
	ct := newTestConsumedThing(client)

	require.NoError(t, ct.WriteProperty(context.Background(), "brightness", 75.0))
	value, err := ct.ReadProperty(context.Background(), "brightness")
	require.NoError(t, err)
	assert.Equal(t, 75.0, value)

	cached, found := ct.LastKnownValue("brightness")
	assert.True(t, found)
	assert.Equal(t, 75.0, cached)
}

func TestWriteReadOnlyPropertyFails(t *testing.T) {
	logrus.Infof("--- TestWriteReadOnlyPropertyFails ---")
	tdoc := testTD()
	tdoc.AddProperty("readonly", "Read only", vocab.WoTDataTypeString)
	client := newFakeClient()
	ct := consumedthing.New(tdoc, func(tdoc *td.ThingTD, name string) (protocol.ClientBinding, error) {
		return client, nil
	})

	err := ct.WriteProperty(context.Background(), "readonly", "x")
	require.Error(t, err)
	assert.Equal(t, errs.NotWritable, errs.KindOf(err))
}

func TestInvokeUnknownActionFails(t *testing.T) {
	logrus.Infof("--- TestInvokeUnknownActionFails ---")
	ct := newTestConsumedThing(newFakeClient())
	_, err := ct.InvokeAction(context.Background(), "doesnotexist", nil)
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestInvokeActionReturnsClientResult(t *testing.T) {
	logrus.Infof("--- TestInvokeActionReturnsClientResult ---")
	client := newFakeClient()
	client.actionResp = "done"
	ct := newTestConsumedThing(client)

	result, err := ct.InvokeAction(context.Background(), "toggle", nil)
	require.NoError(t, err)
	assert.Equal(t, "done", result)
}

func TestObservePropertyReceivesChanges(t *testing.T) {
	logrus.Infof("--- TestObservePropertyReceivesChanges ---")
	client := newFakeClient()
	ct := newTestConsumedThing(client)

	sub, err := ct.ObserveProperty(context.Background(), "brightness")
	require.NoError(t, err)
	defer sub.Dispose()

	require.NoError(t, ct.WriteProperty(context.Background(), "brightness", 33.0))

	select {
	case item := <-sub.Items():
		assert.Equal(t, 33.0, item.Value)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for property change notification")
	}
}

func TestStopDisposesSubscriptions(t *testing.T) {
	logrus.Infof("--- TestStopDisposesSubscriptions ---")
	client := newFakeClient()
	ct := newTestConsumedThing(client)

	sub, err := ct.SubscribeEvent(context.Background(), "overheat")
	require.NoError(t, err)

	ct.Stop()

	_, open := <-sub.Items()
	assert.False(t, open, "subscription channel should be closed after Stop")
}

func TestSelectClientErrorPropagates(t *testing.T) {
	logrus.Infof("--- TestSelectClientErrorPropagates ---")
	ct := consumedthing.New(testTD(), func(tdoc *td.ThingTD, name string) (protocol.ClientBinding, error) {
		return nil, errs.New(errs.NoClientForInteraction, "no client supports %q", name)
	})
	_, err := ct.ReadProperty(context.Background(), "brightness")
	require.Error(t, err)
	assert.Equal(t, errs.NoClientForInteraction, errs.KindOf(err))
}
