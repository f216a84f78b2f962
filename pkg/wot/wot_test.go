package wot_test

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wostzone/wot-servient/pkg/httpbinding"
	"github.com/wostzone/wot-servient/pkg/servient"
	"github.com/wostzone/wot-servient/pkg/wot"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
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

const lampTD = `{
	"@context": ["https://www.w3.org/2019/wot/td/v1"],
	"id": "urn:test:wot-lamp",
	"title": "Lamp",
	"properties": {
		"brightness": {"type": "number", "readOnly": false, "writable": true, "observable": true}
	},
	"actions": {
		"toggle": {}
	}
}`

func TestProduceAndConsumeRoundTrip(t *testing.T) {
	logrus.Infof("--- TestProduceAndConsumeRoundTrip ---")
	port := freePort(t)
	s := servient.New("localhost")
	s.AddServer(httpbinding.NewServer(port, nil))
	s.AddClient(httpbinding.NewClient(nil))

	w := wot.New(s)
	_, err := w.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		w.Shutdown(ctx)
	})
	waitForPort(t, port)

	et, err := w.Produce(lampTD)
	require.NoError(t, err)
	require.NoError(t, s.EnableExposedThing(et.TD().ID))

	tdJSON, err := et.TD().MarshalJSON()
	require.NoError(t, err)

	ct, err := w.Consume(string(tdJSON))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, ct.WriteProperty(ctx, "brightness", 50))
	value, err := ct.ReadProperty(ctx, "brightness")
	require.NoError(t, err)
	assert.EqualValues(t, 50, value)
}

func TestFetchReturnsBody(t *testing.T) {
	logrus.Infof("--- TestFetchReturnsBody ---")
	mux := http.NewServeMux()
	mux.HandleFunc("/td", func(rw http.ResponseWriter, r *http.Request) {
		rw.Write([]byte(lampTD))
	})
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	w := wot.New(servient.New("localhost"))
	body, err := w.Fetch(context.Background(), fmt.Sprintf("http://%s/td", ln.Addr().String()))
	require.NoError(t, err)
	assert.Contains(t, body, "urn:test:wot-lamp")
}
