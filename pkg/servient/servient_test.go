package servient_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wostzone/wot-servient/pkg/errs"
	"github.com/wostzone/wot-servient/pkg/exposedthing"
	"github.com/wostzone/wot-servient/pkg/httpbinding"
	"github.com/wostzone/wot-servient/pkg/servient"
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

func buildLampTD(id string) *td.ThingTD {
	tdoc := td.CreateTD(id, "Lamp")
	prop := tdoc.AddProperty("brightness", "Brightness", "number")
	prop.Writable = true
	prop.Observable = true
	tdoc.AddAction("toggle", "Toggle")
	tdoc.AddEvent("overheat", "Overheat", "string")
	return tdoc
}

func waitForPort(t *testing.T, port int) {
	t.Helper()
	for i := 0; i < 50; i++ {
		if conn, err := net.Dial("tcp", fmt.Sprintf("localhost:%d", port)); err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("port %d never accepted connections", port)
}

func TestSelectClientUnknownInteraction(t *testing.T) {
	logrus.Infof("--- TestSelectClientUnknownInteraction ---")
	s := servient.New("example.local")
	s.AddClient(httpbinding.NewClient(nil))
	tdoc := buildLampTD("urn:test:servient-unknown")

	_, err := s.SelectClient(tdoc, "no-such-interaction")
	require.Error(t, err)
	assert.Equal(t, errs.UnknownInteraction, errs.KindOf(err))
}

func TestSelectClientNoClientForInteraction(t *testing.T) {
	logrus.Infof("--- TestSelectClientNoClientForInteraction ---")
	s := servient.New("example.local")
	tdoc := buildLampTD("urn:test:servient-none")

	_, err := s.SelectClient(tdoc, "brightness")
	require.Error(t, err)
	assert.Equal(t, errs.NoClientForInteraction, errs.KindOf(err))
}

func TestSelectClientPrefersWebSocketForActions(t *testing.T) {
	logrus.Infof("--- TestSelectClientPrefersWebSocketForActions ---")
	httpPort := freePort(t)
	wsPort := freePort(t)

	s := servient.New("localhost")
	httpSrv := httpbinding.NewServer(httpPort, nil)
	wsSrv := wsbinding.NewServer(wsPort, nil)
	s.AddServer(httpSrv)
	s.AddServer(wsSrv)
	s.AddClient(httpbinding.NewClient(nil))
	s.AddClient(wsbinding.NewClient())

	require.NoError(t, httpSrv.Start(context.Background()))
	require.NoError(t, wsSrv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		httpSrv.Stop(ctx)
		wsSrv.Stop(ctx)
	})
	waitForPort(t, httpPort)
	waitForPort(t, wsPort)

	tdoc := buildLampTD("urn:test:servient-pref")
	et := exposedthing.New(tdoc)
	s.AddExposedThing(et)
	require.NoError(t, s.EnableExposedThing(tdoc.ID))

	client, err := s.SelectClient(tdoc, "toggle")
	require.NoError(t, err)
	assert.Equal(t, wsSrv.Protocol(), client.Protocol())

	s.RemoveServer(wsSrv.Protocol())
	s.RemoveClient(wsSrv.Protocol())
	s.RefreshForms()

	client, err = s.SelectClient(tdoc, "toggle")
	require.NoError(t, err)
	assert.Equal(t, httpSrv.Protocol(), client.Protocol())
}

func TestRefreshFormsIsIdempotentAndScopedToAttachedServers(t *testing.T) {
	logrus.Infof("--- TestRefreshFormsIsIdempotentAndScopedToAttachedServers ---")
	port := freePort(t)
	s := servient.New("localhost")
	srv := httpbinding.NewServer(port, nil)
	s.AddServer(srv)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	waitForPort(t, port)

	tdoc := buildLampTD("urn:test:servient-refresh")
	et := exposedthing.New(tdoc)
	s.AddExposedThing(et)
	require.NoError(t, s.EnableExposedThing(tdoc.ID))

	forms := tdoc.FormsOf("brightness")
	require.Len(t, forms, 3)

	s.RefreshForms()
	assert.Len(t, tdoc.FormsOf("brightness"), 3)

	require.NoError(t, s.DisableExposedThing(tdoc.ID))
	assert.Empty(t, tdoc.FormsOf("brightness"))
}

func TestCatalogueEndpoints(t *testing.T) {
	logrus.Infof("--- TestCatalogueEndpoints ---")
	httpPort := freePort(t)
	cataloguePort := freePort(t)

	s := servient.New("localhost")
	srv := httpbinding.NewServer(httpPort, nil)
	s.AddServer(srv)
	s.EnableTDCatalogue(cataloguePort)

	tdocA := buildLampTD("urn:a")
	tdocB := buildLampTD("urn:b")
	etA := exposedthing.New(tdocA)
	etB := exposedthing.New(tdocB)
	s.AddExposedThing(etA)
	s.AddExposedThing(etB)

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	require.NoError(t, s.EnableExposedThing(tdocA.ID))
	require.NoError(t, s.EnableExposedThing(tdocB.ID))
	waitForPort(t, cataloguePort)

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/", cataloguePort))
	require.NoError(t, err)
	defer resp.Body.Close()
	var brief map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&brief))
	assert.Equal(t, "/a", brief["urn:a"])
	assert.Equal(t, "/b", brief["urn:b"])

	resp2, err := http.Get(fmt.Sprintf("http://localhost:%d/a", cataloguePort))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, 200, resp2.StatusCode)
	var full map[string]interface{}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&full))
	assert.NotEmpty(t, full["base"])

	resp3, err := http.Get(fmt.Sprintf("http://localhost:%d/no-such-thing", cataloguePort))
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, 404, resp3.StatusCode)

	require.NoError(t, s.RemoveExposedThing(tdocA.ID))
	resp4, err := http.Get(fmt.Sprintf("http://localhost:%d/a", cataloguePort))
	require.NoError(t, err)
	defer resp4.Body.Close()
	assert.Equal(t, 404, resp4.StatusCode)
}
