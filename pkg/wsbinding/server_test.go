package wsbinding_test

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wostzone/wot-servient/pkg/errs"
	"github.com/wostzone/wot-servient/pkg/exposedthing"
	"github.com/wostzone/wot-servient/pkg/protocol"
	"github.com/wostzone/wot-servient/pkg/td"
	"github.com/wostzone/wot-servient/pkg/wsbinding"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func buildLampTD() *td.ThingTD {
	tdoc := td.CreateTD("urn:test:ws-lamp", "Lamp")
	prop := tdoc.AddProperty("brightness", "Brightness", "number")
	prop.Writable = true
	prop.Observable = true
	tdoc.AddAction("toggle", "Toggle")
	tdoc.AddEvent("overheat", "Overheat", "string")
	return tdoc
}

func startServerAndAttachForms(t *testing.T, et *exposedthing.ExposedThing) (*wsbinding.Server, int) {
	t.Helper()
	port := freePort(t)
	srv := wsbinding.NewServer(port, nil)
	require.NoError(t, srv.AddExposedThing(et))
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	for i := 0; i < 50; i++ {
		if conn, err := net.Dial("tcp", fmt.Sprintf("localhost:%d", port)); err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	tdoc := et.TD()
	for _, name := range tdoc.InteractionNames() {
		tdoc.SetForms(name, srv.BuildForms("localhost", tdoc, name))
	}
	return srv, port
}

func TestWSProtocolTagIsPlainWithoutTLS(t *testing.T) {
	logrus.Infof("--- TestWSProtocolTagIsPlainWithoutTLS ---")
	srv := wsbinding.NewServer(freePort(t), nil)
	assert.Equal(t, protocol.WS, srv.Protocol())
}

func TestWSClientReadWriteInvoke(t *testing.T) {
	logrus.Infof("--- TestWSClientReadWriteInvoke ---")
	tdoc := buildLampTD()
	et := exposedthing.New(tdoc)
	et.SetActionHandler("toggle", func(name string, input interface{}) (interface{}, error) {
		return "toggled", nil
	})
	_, _ = startServerAndAttachForms(t, et)

	client := wsbinding.NewClient()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.WriteProperty(ctx, tdoc, "brightness", 11))
	value, err := client.ReadProperty(ctx, tdoc, "brightness")
	require.NoError(t, err)
	assert.EqualValues(t, 11, value)

	result, err := client.InvokeAction(ctx, tdoc, "toggle", nil)
	require.NoError(t, err)
	assert.Equal(t, "toggled", result)
}

func TestWSClientObservePropertyChange(t *testing.T) {
	logrus.Infof("--- TestWSClientObservePropertyChange ---")
	tdoc := buildLampTD()
	et := exposedthing.New(tdoc)
	startServerAndAttachForms(t, et)

	client := wsbinding.NewClient()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.OnPropertyChange(ctx, tdoc, "brightness")
	require.NoError(t, err)
	defer stream.Dispose()

	require.NoError(t, et.WriteProperty("brightness", 77))

	select {
	case item := <-stream.Items():
		assert.Equal(t, "brightness", item.Name)
		assert.EqualValues(t, 77, item.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for property change notification")
	}
}

func TestWSClientEventSubscriptionDispose(t *testing.T) {
	logrus.Infof("--- TestWSClientEventSubscriptionDispose ---")
	tdoc := buildLampTD()
	et := exposedthing.New(tdoc)
	startServerAndAttachForms(t, et)

	client := wsbinding.NewClient()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.OnEvent(ctx, tdoc, "overheat")
	require.NoError(t, err)

	require.NoError(t, et.EmitEvent("overheat", "too hot"))
	select {
	case item := <-stream.Items():
		assert.Equal(t, "too hot", item.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event emission")
	}

	stream.Dispose()
	// a second emission after dispose must not be observed; give the
	// dispose round trip time to land before asserting.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, et.EmitEvent("overheat", "again"))
	select {
	case _, ok := <-stream.Items():
		assert.False(t, ok, "channel should be closed after dispose")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWSActionHandlerErrorSurfacesAsHandlerError(t *testing.T) {
	logrus.Infof("--- TestWSActionHandlerErrorSurfacesAsHandlerError ---")
	tdoc := buildLampTD()
	et := exposedthing.New(tdoc)
	et.SetActionHandler("toggle", func(name string, input interface{}) (interface{}, error) {
		return nil, errs.New(errs.HandlerError, "boom")
	})
	startServerAndAttachForms(t, et)

	client := wsbinding.NewClient()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.InvokeAction(ctx, tdoc, "toggle", nil)
	require.Error(t, err)
	assert.Equal(t, errs.HandlerError, errs.KindOf(err))
}
