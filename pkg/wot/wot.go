// Package wot is the top-level entry point scripts use to produce and
// consume Things: a thin facade in front of a Servient.
package wot

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/wostzone/wot-servient/pkg/consumedthing"
	"github.com/wostzone/wot-servient/pkg/exposedthing"
	"github.com/wostzone/wot-servient/pkg/servient"
	"github.com/wostzone/wot-servient/pkg/td"
)

// WoT wraps a Servient with the produce/consume/fetch surface scripts use.
type WoT struct {
	servient   *servient.Servient
	httpClient *http.Client
}

// New builds a WoT facade over an already-configured Servient. The
// Servient's servers and clients should be attached before calling Start.
func New(s *servient.Servient) *WoT {
	return &WoT{servient: s, httpClient: &http.Client{}}
}

// Servient returns the underlying Servient, for callers that need to attach
// servers/clients or call servient-level operations directly.
func (w *WoT) Servient() *servient.Servient {
	return w.servient
}

// Produce parses tdJSON, constructs an ExposedThing and registers it with
// the servient. The Thing starts disabled: use Servient().EnableExposedThing
// to start answering requests for it.
func (w *WoT) Produce(tdJSON string) (*exposedthing.ExposedThing, error) {
	tdoc, err := td.ParseTD([]byte(tdJSON))
	if err != nil {
		return nil, fmt.Errorf("producing thing: %w", err)
	}
	et := exposedthing.New(tdoc)
	w.servient.AddExposedThing(et)
	return et, nil
}

// Consume parses tdJSON and constructs a ConsumedThing whose calls are
// routed through the servient's client selection.
func (w *WoT) Consume(tdJSON string) (*consumedthing.ConsumedThing, error) {
	tdoc, err := td.ParseTD([]byte(tdJSON))
	if err != nil {
		return nil, fmt.Errorf("consuming thing: %w", err)
	}
	return consumedthing.New(tdoc, w.servient.SelectClient), nil
}

// Fetch retrieves the document at url and returns its body as a string,
// typically a Thing Description to pass to Consume.
func (w *WoT) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", url, err)
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching %s: unexpected status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response from %s: %w", url, err)
	}
	return string(body), nil
}

// Start starts the underlying servient (every attached server, then the
// catalogue if enabled) and returns this WoT facade ready for use.
func (w *WoT) Start(ctx context.Context) (*WoT, error) {
	if err := w.servient.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// Shutdown stops the underlying servient.
func (w *WoT) Shutdown(ctx context.Context) error {
	return w.servient.Shutdown(ctx)
}
