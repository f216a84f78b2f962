package exposedthing_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wostzone/wot-servient/pkg/errs"
	"github.com/wostzone/wot-servient/pkg/exposedthing"
	"github.com/wostzone/wot-servient/pkg/td"
	"github.com/wostzone/wot-servient/pkg/vocab"
)

func createTestTD() *td.ThingTD {
	tdoc := td.CreateTD("urn:test:lamp1", "test lamp")
	prop := tdoc.AddProperty("brightness", "Brightness", vocab.WoTDataTypeNumber)
	prop.Writable = true
	prop.Observable = true
	tdoc.AddAction("toggle", "Toggle")
	tdoc.AddEvent("overheat", "Overheat", vocab.WoTDataTypeBoolean)
	return tdoc
}

func TestNewExposedThing(t *testing.T) {
	logrus.Infof("--- TestNewExposedThing ---")
	et := exposedthing.New(createTestTD())
	require.NotNil(t, et)
	assert.Equal(t, "urn:test:lamp1", et.TD().ID)
	assert.False(t, et.IsExposed())
	et.Expose()
	assert.True(t, et.IsExposed())
}

func TestReadPropertyDefaultsToStoredValue(t *testing.T) {
	logrus.Infof("--- TestReadPropertyDefaultsToStoredValue ---")
	et := exposedthing.New(createTestTD())
	require.NoError(t, et.WriteProperty("brightness", 42.0))

	value, err := et.ReadProperty("brightness")
	require.NoError(t, err)
	assert.Equal(t, 42.0, value)
}

func TestReadUnknownPropertyFails(t *testing.T) {
	logrus.Infof("--- TestReadUnknownPropertyFails ---")
	et := exposedthing.New(createTestTD())
	_, err := et.ReadProperty("doesnotexist")
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestWriteReadOnlyPropertyFails(t *testing.T) {
	logrus.Infof("--- TestWriteReadOnlyPropertyFails ---")
	tdoc := createTestTD()
	tdoc.AddProperty("readonly", "Read only", vocab.WoTDataTypeString)
	et := exposedthing.New(tdoc)

	err := et.WriteProperty("readonly", "x")
	require.Error(t, err)
	assert.Equal(t, errs.NotWritable, errs.KindOf(err))
}

func TestWritePropertyEmitsChangeNotification(t *testing.T) {
	logrus.Infof("--- TestWritePropertyEmitsChangeNotification ---")
	et := exposedthing.New(createTestTD())
	sub, err := et.ObserveProperty("brightness")
	require.NoError(t, err)
	defer sub.Dispose()

	require.NoError(t, et.WriteProperty("brightness", 10.0))

	select {
	case item := <-sub.Items():
		assert.Equal(t, "brightness", item.Name)
		assert.Equal(t, 10.0, item.Value)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for property change notification")
	}
}

func TestConcurrentWritesToSamePropertyAreSerialized(t *testing.T) {
	logrus.Infof("--- TestConcurrentWritesToSamePropertyAreSerialized ---")
	et := exposedthing.New(createTestTD())

	var mu sync.Mutex
	order := make([]int, 0, 20)
	active, maxActive := 0, 0
	et.SetPropertyWriteHandler("brightness", func(name string, value interface{}) error {
		n := value.(int)
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		active--
		order = append(order, n)
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = et.WriteProperty("brightness", n)
		}(i)
	}
	wg.Wait()

	assert.Len(t, order, 20)
	assert.Equal(t, 1, maxActive, "write handlers for one property must not overlap")
}

func TestInvokeActionNoHandlerFails(t *testing.T) {
	logrus.Infof("--- TestInvokeActionNoHandlerFails ---")
	et := exposedthing.New(createTestTD())
	_, err := et.InvokeAction("toggle", nil)
	require.Error(t, err)
	assert.Equal(t, errs.NoHandler, errs.KindOf(err))
}

func TestInvokeUnknownActionFails(t *testing.T) {
	logrus.Infof("--- TestInvokeUnknownActionFails ---")
	et := exposedthing.New(createTestTD())
	_, err := et.InvokeAction("doesnotexist", nil)
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestInvokeActionReturnsResult(t *testing.T) {
	logrus.Infof("--- TestInvokeActionReturnsResult ---")
	et := exposedthing.New(createTestTD())
	et.SetActionHandler("toggle", func(name string, input interface{}) (interface{}, error) {
		return "toggled", nil
	})
	result, err := et.InvokeAction("toggle", nil)
	require.NoError(t, err)
	assert.Equal(t, "toggled", result)
}

func TestInvokeActionHandlerPanicSurfacesAsHandlerError(t *testing.T) {
	logrus.Infof("--- TestInvokeActionHandlerPanicSurfacesAsHandlerError ---")
	et := exposedthing.New(createTestTD())
	et.SetActionHandler("toggle", func(name string, input interface{}) (interface{}, error) {
		panic(fmt.Sprintf("boom for %v", input))
	})
	_, err := et.InvokeAction("toggle", 1)
	require.Error(t, err)
	assert.Equal(t, errs.HandlerError, errs.KindOf(err))
}

func TestEmitEventDeliversToSubscribers(t *testing.T) {
	logrus.Infof("--- TestEmitEventDeliversToSubscribers ---")
	et := exposedthing.New(createTestTD())
	sub, err := et.SubscribeEvent("overheat")
	require.NoError(t, err)
	defer sub.Dispose()

	require.NoError(t, et.EmitEvent("overheat", true))

	select {
	case item := <-sub.Items():
		assert.Equal(t, true, item.Value)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event emission")
	}
}

func TestEmitUnknownEventFails(t *testing.T) {
	logrus.Infof("--- TestEmitUnknownEventFails ---")
	et := exposedthing.New(createTestTD())
	err := et.EmitEvent("doesnotexist", nil)
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestDestroyClearsHandlers(t *testing.T) {
	logrus.Infof("--- TestDestroyClearsHandlers ---")
	et := exposedthing.New(createTestTD())
	called := false
	et.SetActionHandler("toggle", func(name string, input interface{}) (interface{}, error) {
		called = true
		return nil, nil
	})
	et.Expose()
	et.Destroy()
	assert.False(t, et.IsExposed())

	_, err := et.InvokeAction("toggle", nil)
	require.Error(t, err)
	assert.Equal(t, errs.NoHandler, errs.KindOf(err))
	assert.False(t, called)
}
