package coapbinding_test

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wostzone/wot-servient/pkg/coapbinding"
	"github.com/wostzone/wot-servient/pkg/errs"
	"github.com/wostzone/wot-servient/pkg/exposedthing"
	"github.com/wostzone/wot-servient/pkg/protocol"
	"github.com/wostzone/wot-servient/pkg/td"
)

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func buildLampTD() *td.ThingTD {
	tdoc := td.CreateTD("urn:test:coap-lamp", "Lamp")
	prop := tdoc.AddProperty("brightness", "Brightness", "number")
	prop.Writable = true
	prop.Observable = true
	tdoc.AddAction("toggle", "Toggle")
	tdoc.AddEvent("overheat", "Overheat", "string")
	return tdoc
}

func startServerAndAttachForms(t *testing.T, et *exposedthing.ExposedThing) (*coapbinding.Server, int) {
	t.Helper()
	port := freeUDPPort(t)
	srv := coapbinding.NewServer(port)
	require.NoError(t, srv.AddExposedThing(et))
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	time.Sleep(50 * time.Millisecond)

	tdoc := et.TD()
	for _, name := range tdoc.InteractionNames() {
		tdoc.SetForms(name, srv.BuildForms("localhost", tdoc, name))
	}
	return srv, port
}

func TestCoAPProtocolTag(t *testing.T) {
	logrus.Infof("--- TestCoAPProtocolTag ---")
	srv := coapbinding.NewServer(freeUDPPort(t))
	assert.Equal(t, protocol.COAP, srv.Protocol())
}

func TestCoAPBuildFormsIncludesWriteAndObserve(t *testing.T) {
	logrus.Infof("--- TestCoAPBuildFormsIncludesWriteAndObserve ---")
	srv := coapbinding.NewServer(5683)
	tdoc := buildLampTD()
	forms := srv.BuildForms("example.local", tdoc, "brightness")
	require.Len(t, forms, 3)
	rels := map[string]bool{}
	for _, f := range forms {
		rels[f.Rel] = true
	}
	assert.True(t, rels["readproperty"])
	assert.True(t, rels["writeproperty"])
	assert.True(t, rels["observeproperty"])
}

func TestCoAPClientReadWriteInvoke(t *testing.T) {
	logrus.Infof("--- TestCoAPClientReadWriteInvoke ---")
	tdoc := buildLampTD()
	et := exposedthing.New(tdoc)
	et.SetActionHandler("toggle", func(name string, input interface{}) (interface{}, error) {
		return "toggled", nil
	})
	startServerAndAttachForms(t, et)

	client := coapbinding.NewClient()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.WriteProperty(ctx, tdoc, "brightness", 13))
	value, err := client.ReadProperty(ctx, tdoc, "brightness")
	require.NoError(t, err)
	assert.EqualValues(t, 13, value)

	result, err := client.InvokeAction(ctx, tdoc, "toggle", nil)
	require.NoError(t, err)
	assert.Equal(t, "toggled", result)
}

func TestCoAPActionHandlerErrorSurfacesAsHandlerError(t *testing.T) {
	logrus.Infof("--- TestCoAPActionHandlerErrorSurfacesAsHandlerError ---")
	tdoc := buildLampTD()
	et := exposedthing.New(tdoc)
	et.SetActionHandler("toggle", func(name string, input interface{}) (interface{}, error) {
		return nil, errs.New(errs.HandlerError, "boom")
	})
	startServerAndAttachForms(t, et)

	client := coapbinding.NewClient()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.InvokeAction(ctx, tdoc, "toggle", nil)
	require.Error(t, err)
	assert.Equal(t, errs.HandlerError, errs.KindOf(err))
}

func TestCoAPClientObservePropertyChange(t *testing.T) {
	logrus.Infof("--- TestCoAPClientObservePropertyChange ---")
	tdoc := buildLampTD()
	et := exposedthing.New(tdoc)
	startServerAndAttachForms(t, et)

	client := coapbinding.NewClient()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.OnPropertyChange(ctx, tdoc, "brightness")
	require.NoError(t, err)
	defer stream.Dispose()

	require.NoError(t, et.WriteProperty("brightness", 88))

	select {
	case item := <-stream.Items():
		assert.Equal(t, "brightness", item.Name)
		assert.EqualValues(t, 88, item.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for property change notification")
	}
}

func TestCoAPUnknownThingReturnsError(t *testing.T) {
	logrus.Infof("--- TestCoAPUnknownThingReturnsError ---")
	tdoc := buildLampTD()
	et := exposedthing.New(tdoc)
	_, port := startServerAndAttachForms(t, et)

	other := td.CreateTD("urn:test:coap-missing", "Missing")
	prop := other.AddProperty("brightness", "Brightness", "number")
	prop.Observable = true
	other.SetForms("brightness", []*td.Form{
		td.NewForm(fmt.Sprintf("coap://localhost:%d/missing/property/brightness", port), "", "readproperty"),
	})

	client := coapbinding.NewClient()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.ReadProperty(ctx, other, "brightness")
	require.Error(t, err)
}
