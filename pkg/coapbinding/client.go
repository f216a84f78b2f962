package coapbinding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/matrix-org/go-coap/v2/message"
	"github.com/matrix-org/go-coap/v2/message/codes"
	"github.com/matrix-org/go-coap/v2/message/pool"
	"github.com/matrix-org/go-coap/v2/udp"
	udpClient "github.com/matrix-org/go-coap/v2/udp/client"

	"github.com/wostzone/wot-servient/pkg/errs"
	"github.com/wostzone/wot-servient/pkg/eventbus"
	"github.com/wostzone/wot-servient/pkg/protocol"
	"github.com/wostzone/wot-servient/pkg/td"
)

var _ protocol.ClientBinding = (*Client)(nil)

// Client drives a remote Thing's CoAP forms on behalf of a ConsumedThing,
// dialing one connection per distinct host:port and reusing it across
// interactions.
type Client struct {
	mu    sync.Mutex
	conns map[string]*udpClient.ClientConn
}

func NewClient() *Client {
	return &Client{conns: make(map[string]*udpClient.ClientConn)}
}

func (c *Client) Protocol() protocol.Tag { return protocol.COAP }

func (c *Client) IsSupportedInteraction(tdoc *td.ThingTD, name string) bool {
	return protocol.FormFor(tdoc.FormsOf(name), protocol.COAP, "") != nil
}

// target splits a coap:// form href into its dial address and request path.
type target struct {
	addr string
	path string
}

func parseHref(href string) (target, error) {
	rest := strings.TrimPrefix(strings.TrimPrefix(href, "coap://"), "coaps://")
	idx := strings.Index(rest, "/")
	if idx < 0 {
		return target{addr: rest, path: "/"}, nil
	}
	return target{addr: rest[:idx], path: rest[idx:]}, nil
}

func (c *Client) connFor(addr string) (*udpClient.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok := c.conns[addr]; ok {
		return cc, nil
	}
	cc, err := udp.Dial(addr)
	if err != nil {
		return nil, errs.New(errs.ProtocolClientError, "dialing %s: %s", addr, err)
	}
	c.conns[addr] = cc
	return cc, nil
}

func (c *Client) resolve(tdoc *td.ThingTD, name string) (*udpClient.ClientConn, target, error) {
	form := protocol.FormFor(tdoc.FormsOf(name), protocol.COAP, "")
	if form == nil {
		return nil, target{}, errs.New(errs.FormNotFound, "no coap form for %q", name)
	}
	tgt, err := parseHref(form.Href)
	if err != nil {
		return nil, target{}, errs.New(errs.FormNotFound, "malformed coap href %q: %s", form.Href, err)
	}
	cc, err := c.connFor(tgt.addr)
	if err != nil {
		return nil, target{}, err
	}
	return cc, tgt, nil
}

func readResponse(resp *pool.Message) ([]byte, error) {
	if resp.Body() == nil {
		return nil, nil
	}
	return io.ReadAll(resp.Body())
}

func responseError(resp *pool.Message) error {
	data, _ := readResponse(resp)
	var body errorBody
	if len(data) > 0 && json.Unmarshal(data, &body) == nil && body.Kind != "" {
		return errs.New(errs.Kind(body.Kind), "%s", body.Message)
	}
	return errs.New(errs.ProtocolClientError, "coap request failed with code %s", resp.Code())
}

func (c *Client) ReadProperty(ctx context.Context, tdoc *td.ThingTD, name string) (interface{}, error) {
	cc, tgt, err := c.resolve(tdoc, name)
	if err != nil {
		return nil, err
	}
	resp, err := cc.Get(ctx, tgt.path)
	if err != nil {
		return nil, errs.New(errs.ProtocolClientError, "coap get %s: %s", tgt.path, err)
	}
	if resp.Code() != codes.Content {
		return nil, responseError(resp)
	}
	data, err := readResponse(resp)
	if err != nil {
		return nil, errs.New(errs.ProtocolClientError, "reading coap response: %s", err)
	}
	var body valuePayload
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, errs.New(errs.ProtocolClientError, "decoding coap response: %s", err)
	}
	return body.Value, nil
}

func (c *Client) WriteProperty(ctx context.Context, tdoc *td.ThingTD, name string, value interface{}) error {
	cc, tgt, err := c.resolve(tdoc, name)
	if err != nil {
		return err
	}
	data, err := json.Marshal(valuePayload{Value: value})
	if err != nil {
		return errs.New(errs.InvalidInput, "encoding value: %s", err)
	}
	resp, err := cc.Put(ctx, tgt.path, message.AppJSON, bytes.NewReader(data))
	if err != nil {
		return errs.New(errs.ProtocolClientError, "coap put %s: %s", tgt.path, err)
	}
	if resp.Code() != codes.Changed {
		return responseError(resp)
	}
	return nil
}

func (c *Client) InvokeAction(ctx context.Context, tdoc *td.ThingTD, name string, input interface{}) (interface{}, error) {
	cc, tgt, err := c.resolve(tdoc, name)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(struct {
		Input interface{} `json:"input"`
	}{Input: input})
	if err != nil {
		return nil, errs.New(errs.InvalidInput, "encoding input: %s", err)
	}
	resp, err := cc.Post(ctx, tgt.path, message.AppJSON, bytes.NewReader(data))
	if err != nil {
		return nil, errs.New(errs.ProtocolClientError, "coap post %s: %s", tgt.path, err)
	}
	if resp.Code() != codes.Created {
		return nil, responseError(resp)
	}
	body, err := readResponse(resp)
	if err != nil {
		return nil, errs.New(errs.ProtocolClientError, "reading coap response: %s", err)
	}
	var accepted actionAccepted
	if err := json.Unmarshal(body, &accepted); err != nil {
		return nil, errs.New(errs.ProtocolClientError, "decoding coap response: %s", err)
	}

	pollPath := fmt.Sprintf("%s/%s", tgt.path, accepted.ID)
	pollResp, err := cc.Get(ctx, pollPath)
	if err != nil {
		return nil, errs.New(errs.ProtocolClientError, "polling action result: %s", err)
	}
	if pollResp.Code() != codes.Content {
		return nil, responseError(pollResp)
	}
	pollBody, err := readResponse(pollResp)
	if err != nil {
		return nil, errs.New(errs.ProtocolClientError, "reading action result: %s", err)
	}
	var poll actionPollResult
	if err := json.Unmarshal(pollBody, &poll); err != nil {
		return nil, errs.New(errs.ProtocolClientError, "decoding action result: %s", err)
	}
	if poll.Error != nil {
		return nil, errs.New(errs.Kind(poll.Error.Kind), "%s", poll.Error.Message)
	}
	return poll.Result, nil
}

// coapStream bridges an Observe registration into a protocol.Stream.
type coapStream struct {
	items  chan eventbus.Item
	cancel func()
	once   sync.Once
}

func (s *coapStream) Items() <-chan eventbus.Item { return s.items }

func (s *coapStream) Dispose() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func (c *Client) observe(ctx context.Context, tdoc *td.ThingTD, name string, isProperty bool) (protocol.Stream, error) {
	cc, tgt, err := c.resolve(tdoc, name)
	if err != nil {
		return nil, err
	}
	items := make(chan eventbus.Item, eventbus.DefaultBound)
	obs, err := cc.Observe(ctx, tgt.path, func(notification *pool.Message) {
		data, derr := readResponse(notification)
		if derr != nil || len(data) == 0 {
			return
		}
		var item eventbus.Item
		if isProperty {
			var body valuePayload
			if json.Unmarshal(data, &body) != nil {
				return
			}
			item = eventbus.Item{Name: name, Value: body.Value}
		} else {
			var body eventPayload
			if json.Unmarshal(data, &body) != nil {
				return
			}
			item = eventbus.Item{Value: body.Data}
		}
		select {
		case items <- item:
		default:
		}
	})
	if err != nil {
		return nil, errs.New(errs.ProtocolClientError, "coap observe %s: %s", tgt.path, err)
	}
	return &coapStream{items: items, cancel: func() {
		_ = obs.Cancel(context.Background())
		close(items)
	}}, nil
}

func (c *Client) OnPropertyChange(ctx context.Context, tdoc *td.ThingTD, name string) (protocol.Stream, error) {
	return c.observe(ctx, tdoc, name, true)
}

func (c *Client) OnEvent(ctx context.Context, tdoc *td.ThingTD, name string) (protocol.Stream, error) {
	return c.observe(ctx, tdoc, name, false)
}

// OnTDChange is not implemented by the CoAP binding.
func (c *Client) OnTDChange(ctx context.Context, url string) (protocol.Stream, error) {
	return nil, errs.New(errs.NoHandler, "coap binding does not support TD change notifications")
}
