package httpbinding

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/wostzone/wot-servient/pkg/errs"
	"github.com/wostzone/wot-servient/pkg/eventbus"
	"github.com/wostzone/wot-servient/pkg/protocol"
	"github.com/wostzone/wot-servient/pkg/td"
	"github.com/wostzone/wot-servient/pkg/vocab"
)

// Client drives a remote Thing's HTTP forms on behalf of a ConsumedThing.
type Client struct {
	httpClient *http.Client
}

// NewClient builds an HTTP client. httpClient may be nil to use a default
// *http.Client{}.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{httpClient: httpClient}
}

// Protocol reports "http"; this client also reaches "https" forms, see
// IsSupportedInteraction.
func (c *Client) Protocol() protocol.Tag { return protocol.HTTP }

func formsOf(tdoc *td.ThingTD, name string) []*td.Form {
	return tdoc.FormsOf(name)
}

// IsSupportedInteraction reports whether any form of the named interaction
// uses an http or https scheme.
func (c *Client) IsSupportedInteraction(tdoc *td.ThingTD, name string) bool {
	return protocol.FormFor(formsOf(tdoc, name), protocol.HTTP, "") != nil
}

func (c *Client) do(ctx context.Context, method, url string, body interface{}) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errs.New(errs.InvalidInput, "encoding request body: %s", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errs.New(errs.ProtocolClientError, "building request: %s", err)
	}
	req.Header.Set("Content-Type", vocab.DefaultContentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.New(errs.Cancelled, "request to %s cancelled: %s", url, err)
		}
		return nil, errs.New(errs.ProtocolClientError, "request to %s failed: %s", url, err)
	}
	return resp, nil
}

// ReadProperty issues GET against the property's readproperty form.
func (c *Client) ReadProperty(ctx context.Context, tdoc *td.ThingTD, name string) (interface{}, error) {
	form := protocol.FormFor(formsOf(tdoc, name), protocol.HTTP, vocab.RelReadProperty)
	if form == nil {
		return nil, errs.New(errs.FormNotFound, "no http form for reading property %q", name)
	}
	resp, err := c.do(ctx, http.MethodGet, form.Href, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, errorFromResponse(resp)
	}
	var body valueBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errs.New(errs.ProtocolClientError, "decoding response: %s", err)
	}
	return body.Value, nil
}

// WriteProperty issues PUT against the property's writeproperty form.
func (c *Client) WriteProperty(ctx context.Context, tdoc *td.ThingTD, name string, value interface{}) error {
	form := protocol.FormFor(formsOf(tdoc, name), protocol.HTTP, vocab.RelWriteProperty)
	if form == nil {
		return errs.New(errs.FormNotFound, "no http form for writing property %q", name)
	}
	resp, err := c.do(ctx, http.MethodPut, form.Href, valueBody{Value: value})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errorFromResponse(resp)
	}
	return nil
}

// InvokeAction issues POST against the action's invokeaction form.
func (c *Client) InvokeAction(ctx context.Context, tdoc *td.ThingTD, name string, input interface{}) (interface{}, error) {
	form := protocol.FormFor(formsOf(tdoc, name), protocol.HTTP, vocab.RelInvokeAction)
	if form == nil {
		return nil, errs.New(errs.FormNotFound, "no http form for invoking action %q", name)
	}
	resp, err := c.do(ctx, http.MethodPost, form.Href, inputBody{Input: input})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, errorFromResponse(resp)
	}
	var body resultBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errs.New(errs.ProtocolClientError, "decoding response: %s", err)
	}
	return body.Result, nil
}

func errorFromResponse(resp *http.Response) error {
	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error.Kind != "" {
		return errs.New(errs.Kind(body.Error.Kind), "%s", body.Error.Message)
	}
	return errs.New(errs.ProtocolClientError, "unexpected status %d", resp.StatusCode)
}

// OnPropertyChange opens an SSE stream against the property's observable form.
func (c *Client) OnPropertyChange(ctx context.Context, tdoc *td.ThingTD, name string) (protocol.Stream, error) {
	form := protocol.FormFor(formsOf(tdoc, name), protocol.HTTP, vocab.RelObserveProperty)
	if form == nil {
		return nil, errs.New(errs.FormNotFound, "no http form for observing property %q", name)
	}
	return c.openSSEStream(ctx, form.Href, name, func(raw json.RawMessage) eventbus.Item {
		var payload struct {
			Name  string      `json:"name"`
			Value interface{} `json:"value"`
		}
		json.Unmarshal(raw, &payload)
		return eventbus.Item{Name: payload.Name, Value: payload.Value}
	})
}

// OnEvent opens an SSE stream against the event's subscribeevent form.
func (c *Client) OnEvent(ctx context.Context, tdoc *td.ThingTD, name string) (protocol.Stream, error) {
	form := protocol.FormFor(formsOf(tdoc, name), protocol.HTTP, vocab.RelSubscribeEvent)
	if form == nil {
		return nil, errs.New(errs.FormNotFound, "no http form for subscribing to event %q", name)
	}
	return c.openSSEStream(ctx, form.Href, name, func(raw json.RawMessage) eventbus.Item {
		var payload struct {
			Data interface{} `json:"data"`
		}
		json.Unmarshal(raw, &payload)
		return eventbus.Item{Name: name, Value: payload.Data}
	})
}

// OnTDChange is not implemented by the HTTP binding.
func (c *Client) OnTDChange(ctx context.Context, url string) (protocol.Stream, error) {
	return nil, errs.New(errs.NoHandler, "http binding does not support TD change notifications")
}

// sseStream bridges an HTTP SSE response into a protocol.Stream backed by
// an eventbus channel, so callers never see the wire-level framing.
type sseStream struct {
	items  chan eventbus.Item
	cancel context.CancelFunc
}

func (s *sseStream) Items() <-chan eventbus.Item { return s.items }

func (s *sseStream) Dispose() {
	s.cancel()
}

func (c *Client) openSSEStream(ctx context.Context, url, name string, decode func(json.RawMessage) eventbus.Item) (protocol.Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, errs.New(errs.ProtocolClientError, "building request: %s", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, errs.New(errs.ProtocolClientError, "opening stream to %s: %s", url, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		cancel()
		return nil, errorFromResponse(resp)
	}

	stream := &sseStream{items: make(chan eventbus.Item, eventbus.DefaultBound), cancel: cancel}
	go func() {
		defer resp.Body.Close()
		defer close(stream.items)
		readSSE(resp.Body, func(data string) {
			item := decode(json.RawMessage(data))
			select {
			case stream.items <- item:
			case <-streamCtx.Done():
			}
		})
	}()
	return stream, nil
}

// readSSE scans an SSE body line by line, invoking onData with the payload
// of every "data:" line once a blank line terminates the event. The scan
// ends on its own once Dispose cancels the request context and the
// transport closes body.
func readSSE(body io.Reader, onData func(string)) {
	scanner := bufio.NewScanner(body)
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(line, "data:"))
		case line == "":
			if len(dataLines) > 0 {
				onData(strings.TrimSpace(strings.Join(dataLines, "\n")))
				dataLines = nil
			}
		}
	}
}
