package wsbinding

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wostzone/wot-servient/pkg/errs"
	"github.com/wostzone/wot-servient/pkg/eventbus"
	"github.com/wostzone/wot-servient/pkg/protocol"
	"github.com/wostzone/wot-servient/pkg/td"
)

var _ protocol.ClientBinding = (*Client)(nil)

// Client drives a remote Thing's WebSocket form on behalf of a
// ConsumedThing, lazily opening one connection per distinct endpoint and
// multiplexing every request and subscription over it.
type Client struct {
	mu    sync.Mutex
	conns map[string]*clientConn
}

// NewClient builds a WebSocket client with no open connections yet.
func NewClient() *Client {
	return &Client{conns: make(map[string]*clientConn)}
}

func (c *Client) Protocol() protocol.Tag { return protocol.WS }

func formsOf(tdoc *td.ThingTD, name string) []*td.Form {
	return tdoc.FormsOf(name)
}

// IsSupportedInteraction reports whether any form of the named interaction
// uses a ws or wss scheme.
func (c *Client) IsSupportedInteraction(tdoc *td.ThingTD, name string) bool {
	return protocol.FormFor(formsOf(tdoc, name), protocol.WS, "") != nil
}

type pendingCall struct {
	resultCh chan jsonrpcMessage
}

// clientConn is one live WebSocket connection shared by every interaction on
// a single Thing.
type clientConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	subsMu sync.Mutex
	subs   map[string]*clientSub

	closeOnce sync.Once
	closed    chan struct{}
}

// clientSub pairs a subscription's delivery channel with how to decode the
// "data" payload of its emit notifications: property changes carry
// {"name","value"}, events carry the bare value.
type clientSub struct {
	ch         chan eventbus.Item
	isProperty bool
}

func (c *Client) connFor(ctx context.Context, href string) (*clientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cc, ok := c.conns[href]; ok {
		select {
		case <-cc.closed:
			delete(c.conns, href)
		default:
			return cc, nil
		}
	}

	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, href, nil)
	if err != nil {
		return nil, errs.New(errs.ProtocolClientError, "dialing %s: %s", href, err)
	}

	cc := &clientConn{
		conn:    conn,
		pending: make(map[string]*pendingCall),
		subs:    make(map[string]*clientSub),
		closed:  make(chan struct{}),
	}
	c.conns[href] = cc
	go cc.readLoop()
	return cc, nil
}

func (cc *clientConn) readLoop() {
	defer cc.shutdown()
	for {
		_, data, err := cc.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg jsonrpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Method == "emit" {
			cc.handleEmit(msg)
			continue
		}
		cc.pendingMu.Lock()
		call, ok := cc.pending[msg.ID]
		if ok {
			delete(cc.pending, msg.ID)
		}
		cc.pendingMu.Unlock()
		if ok {
			call.resultCh <- msg
		}
	}
}

func (cc *clientConn) handleEmit(msg jsonrpcMessage) {
	var params emitParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return
	}
	cc.subsMu.Lock()
	sub, ok := cc.subs[params.Subscription]
	cc.subsMu.Unlock()
	if !ok {
		return
	}

	var item eventbus.Item
	if sub.isProperty {
		var data propertyChangeData
		json.Unmarshal(params.Data, &data)
		item = eventbus.Item{Name: data.Name, Value: data.Value}
	} else {
		var value interface{}
		json.Unmarshal(params.Data, &value)
		item = eventbus.Item{Value: value}
	}

	select {
	case sub.ch <- item:
	default:
	}
}

func (cc *clientConn) shutdown() {
	cc.closeOnce.Do(func() {
		close(cc.closed)
		cc.pendingMu.Lock()
		for _, call := range cc.pending {
			close(call.resultCh)
		}
		cc.pending = map[string]*pendingCall{}
		cc.pendingMu.Unlock()
		cc.subsMu.Lock()
		for _, sub := range cc.subs {
			close(sub.ch)
		}
		cc.subs = map[string]*clientSub{}
		cc.subsMu.Unlock()
		cc.conn.Close()
	})
}

func (cc *clientConn) call(ctx context.Context, method string, params interface{}) (jsonrpcMessage, error) {
	id := uuid.NewString()
	data, err := json.Marshal(params)
	if err != nil {
		return jsonrpcMessage{}, errs.New(errs.InvalidInput, "encoding params: %s", err)
	}
	req := jsonrpcRequest{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: data}
	payload, err := json.Marshal(req)
	if err != nil {
		return jsonrpcMessage{}, errs.New(errs.InvalidInput, "encoding request: %s", err)
	}

	call := &pendingCall{resultCh: make(chan jsonrpcMessage, 1)}
	cc.pendingMu.Lock()
	cc.pending[id] = call
	cc.pendingMu.Unlock()

	cc.writeMu.Lock()
	err = cc.conn.WriteMessage(websocket.TextMessage, payload)
	cc.writeMu.Unlock()
	if err != nil {
		cc.pendingMu.Lock()
		delete(cc.pending, id)
		cc.pendingMu.Unlock()
		return jsonrpcMessage{}, errs.New(errs.ProtocolClientError, "writing request: %s", err)
	}

	select {
	case <-ctx.Done():
		cc.pendingMu.Lock()
		delete(cc.pending, id)
		cc.pendingMu.Unlock()
		return jsonrpcMessage{}, errs.New(errs.Cancelled, "request %s cancelled", method)
	case resp, ok := <-call.resultCh:
		if !ok {
			return jsonrpcMessage{}, errs.New(errs.ProtocolClientError, "connection closed before response")
		}
		if resp.Error != nil {
			kind := errs.NotFound
			if resp.Error.Data != nil {
				kind = errs.Kind(resp.Error.Data["kind"])
			}
			return jsonrpcMessage{}, errs.New(kind, "%s", resp.Error.Message)
		}
		return resp, nil
	}
}

func (c *Client) ReadProperty(ctx context.Context, tdoc *td.ThingTD, name string) (interface{}, error) {
	form := protocol.FormFor(formsOf(tdoc, name), protocol.WS, "")
	if form == nil {
		return nil, errs.New(errs.FormNotFound, "no ws form for property %q", name)
	}
	cc, err := c.connFor(ctx, form.Href)
	if err != nil {
		return nil, err
	}
	resp, err := cc.call(ctx, "read_property", nameParams{Name: name})
	if err != nil {
		return nil, err
	}
	var result valueResult
	json.Unmarshal(resp.Result, &result)
	return result.Value, nil
}

func (c *Client) WriteProperty(ctx context.Context, tdoc *td.ThingTD, name string, value interface{}) error {
	form := protocol.FormFor(formsOf(tdoc, name), protocol.WS, "")
	if form == nil {
		return errs.New(errs.FormNotFound, "no ws form for property %q", name)
	}
	cc, err := c.connFor(ctx, form.Href)
	if err != nil {
		return err
	}
	_, err = cc.call(ctx, "write_property", writeParams{Name: name, Value: value})
	return err
}

func (c *Client) InvokeAction(ctx context.Context, tdoc *td.ThingTD, name string, input interface{}) (interface{}, error) {
	form := protocol.FormFor(formsOf(tdoc, name), protocol.WS, "")
	if form == nil {
		return nil, errs.New(errs.FormNotFound, "no ws form for action %q", name)
	}
	cc, err := c.connFor(ctx, form.Href)
	if err != nil {
		return nil, err
	}
	resp, err := cc.call(ctx, "invoke_action", invokeParams{Name: name, Input: input})
	if err != nil {
		return nil, err
	}
	var result resultResult
	json.Unmarshal(resp.Result, &result)
	return result.Result, nil
}

// wsStream bridges a subscription channel multiplexed over a clientConn into
// a protocol.Stream.
type wsStream struct {
	items chan eventbus.Item
	cc    *clientConn
	id    string
}

func (s *wsStream) Items() <-chan eventbus.Item { return s.items }

func (s *wsStream) Dispose() {
	s.cc.subsMu.Lock()
	delete(s.cc.subs, s.id)
	s.cc.subsMu.Unlock()
	_, _ = s.cc.call(context.Background(), "dispose", disposeParams{Subscription: s.id})
}

func (c *Client) subscribe(ctx context.Context, tdoc *td.ThingTD, name, method string, isProperty bool) (protocol.Stream, error) {
	form := protocol.FormFor(formsOf(tdoc, name), protocol.WS, "")
	if form == nil {
		return nil, errs.New(errs.FormNotFound, "no ws form for %q", name)
	}
	cc, err := c.connFor(ctx, form.Href)
	if err != nil {
		return nil, err
	}
	resp, err := cc.call(ctx, method, nameParams{Name: name})
	if err != nil {
		return nil, err
	}
	var result subscriptionResult
	json.Unmarshal(resp.Result, &result)

	sub := &clientSub{ch: make(chan eventbus.Item, eventbus.DefaultBound), isProperty: isProperty}
	cc.subsMu.Lock()
	cc.subs[result.Subscription] = sub
	cc.subsMu.Unlock()

	return &wsStream{items: sub.ch, cc: cc, id: result.Subscription}, nil
}

func (c *Client) OnPropertyChange(ctx context.Context, tdoc *td.ThingTD, name string) (protocol.Stream, error) {
	return c.subscribe(ctx, tdoc, name, "on_property_change", true)
}

func (c *Client) OnEvent(ctx context.Context, tdoc *td.ThingTD, name string) (protocol.Stream, error) {
	return c.subscribe(ctx, tdoc, name, "on_event", false)
}

// OnTDChange is not implemented by the WebSocket binding.
func (c *Client) OnTDChange(ctx context.Context, url string) (protocol.Stream, error) {
	return nil, errs.New(errs.NoHandler, "ws binding does not support TD change notifications")
}
