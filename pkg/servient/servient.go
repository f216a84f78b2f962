// Package servient is the root object of a running WoT host: it owns the
// set of ExposedThings, the attached protocol servers and clients, client
// selection for ConsumedThings, and the optional TD catalogue.
package servient

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/wostzone/wot-servient/pkg/errs"
	"github.com/wostzone/wot-servient/pkg/exposedthing"
	"github.com/wostzone/wot-servient/pkg/protocol"
	"github.com/wostzone/wot-servient/pkg/td"
)

// kindPreference lists, per interaction kind, the protocols a client
// selection should prefer over any other supported client.
var kindPreference = map[string][]protocol.Tag{
	"property": {},
	"action":   {protocol.WS},
	"event":    {protocol.WS},
}

// Servient hosts ExposedThings behind zero or more protocol servers, and
// resolves protocol clients for ConsumedThings. It is both a WoT server and
// client at once.
type Servient struct {
	hostname string

	mu            sync.RWMutex
	exposedThings map[string]*exposedthing.ExposedThing
	servers       map[protocol.Tag]protocol.ServerBinding
	serverOrder   []protocol.Tag
	clients       map[protocol.Tag]protocol.ClientBinding
	clientOrder   []protocol.Tag
	enabled       map[string]bool // thing id -> currently attached to servers

	cataloguePort int
	catalogue     *catalogue
}

// New builds a Servient. An empty hostname defaults to the system's FQDN.
func New(hostname string) *Servient {
	if hostname == "" {
		if fqdn, err := os.Hostname(); err == nil {
			hostname = fqdn
		}
	}
	return &Servient{
		hostname:      hostname,
		exposedThings: make(map[string]*exposedthing.ExposedThing),
		servers:       make(map[protocol.Tag]protocol.ServerBinding),
		clients:       make(map[protocol.Tag]protocol.ClientBinding),
		enabled:       make(map[string]bool),
	}
}

func (s *Servient) Hostname() string { return s.hostname }

// AddServer attaches a protocol server. It does not start it and does not
// attach any currently exposed Things -- see EnableExposedThing.
func (s *Servient) AddServer(server protocol.ServerBinding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.servers[server.Protocol()]; !exists {
		s.serverOrder = append(s.serverOrder, server.Protocol())
	}
	s.servers[server.Protocol()] = server
}

// RemoveServer detaches a protocol server by tag.
func (s *Servient) RemoveServer(tag protocol.Tag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.servers, tag)
	s.serverOrder = removeTag(s.serverOrder, tag)
}

// AddClient attaches a protocol client available for client selection.
func (s *Servient) AddClient(client protocol.ClientBinding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.clients[client.Protocol()]; !exists {
		s.clientOrder = append(s.clientOrder, client.Protocol())
	}
	s.clients[client.Protocol()] = client
}

// RemoveClient detaches a protocol client by tag.
func (s *Servient) RemoveClient(tag protocol.Tag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, tag)
	s.clientOrder = removeTag(s.clientOrder, tag)
}

func removeTag(order []protocol.Tag, tag protocol.Tag) []protocol.Tag {
	out := order[:0]
	for _, t := range order {
		if t != tag {
			out = append(out, t)
		}
	}
	return out
}

// AddExposedThing registers a Thing with the servient. It starts disabled:
// no server will answer requests for it until EnableExposedThing is called.
func (s *Servient) AddExposedThing(et *exposedthing.ExposedThing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exposedThings[et.TD().ID] = et
}

// RemoveExposedThing disables and unregisters a Thing.
func (s *Servient) RemoveExposedThing(thingID string) error {
	if err := s.DisableExposedThing(thingID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.exposedThings, thingID)
	delete(s.enabled, thingID)
	return nil
}

// GetExposedThing returns the ExposedThing registered under thingID.
func (s *Servient) GetExposedThing(thingID string) (*exposedthing.ExposedThing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	et, ok := s.exposedThings[thingID]
	if !ok {
		return nil, errs.New(errs.NotFound, "unknown exposed thing %q", thingID)
	}
	return et, nil
}

// EnableExposedThing attaches thingID to every registered server and
// regenerates its forms, so that it starts answering requests.
func (s *Servient) EnableExposedThing(thingID string) error {
	et, err := s.GetExposedThing(thingID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	servers := s.serversSnapshot()
	s.enabled[thingID] = true
	s.mu.Unlock()

	for _, server := range servers {
		if err := server.AddExposedThing(et); err != nil {
			return err
		}
	}
	s.RefreshForms()
	et.Expose()
	return nil
}

// DisableExposedThing detaches thingID from every server and regenerates
// forms, so that no server answers requests for it any longer.
func (s *Servient) DisableExposedThing(thingID string) error {
	et, err := s.GetExposedThing(thingID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	servers := s.serversSnapshot()
	delete(s.enabled, thingID)
	s.mu.Unlock()

	et.Destroy()
	for _, server := range servers {
		if err := server.RemoveExposedThing(et.TD().ID); err != nil {
			return err
		}
	}
	s.RefreshForms()
	return nil
}

func (s *Servient) serversSnapshot() []protocol.ServerBinding {
	out := make([]protocol.ServerBinding, 0, len(s.serverOrder))
	for _, tag := range s.serverOrder {
		out = append(out, s.servers[tag])
	}
	return out
}

func (s *Servient) isEnabled(thingID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled[thingID]
}

// RefreshForms cleans and regenerates every server's forms on every
// ExposedThing currently attached to it. Idempotent.
func (s *Servient) RefreshForms() {
	s.mu.RLock()
	servers := s.serversSnapshot()
	things := make([]*exposedthing.ExposedThing, 0, len(s.exposedThings))
	for _, et := range s.exposedThings {
		things = append(things, et)
	}
	hostname := s.hostname
	s.mu.RUnlock()

	for _, et := range things {
		tdoc := et.TD()
		enabled := s.isEnabled(tdoc.ID)
		for _, name := range tdoc.InteractionNames() {
			kept := keepOtherSchemeForms(tdoc.FormsOf(name), servers)
			if enabled {
				for _, server := range servers {
					kept = append(kept, server.BuildForms(hostname, tdoc, name)...)
				}
			}
			tdoc.SetForms(name, kept)
		}
	}
}

func keepOtherSchemeForms(forms []*td.Form, servers []protocol.ServerBinding) []*td.Form {
	removeScheme := make(map[string]bool, len(servers))
	for _, server := range servers {
		removeScheme[string(server.Protocol())] = true
	}
	kept := make([]*td.Form, 0, len(forms))
	for _, f := range forms {
		if !removeScheme[td.SchemeOf(f.Href)] {
			kept = append(kept, f)
		}
	}
	return kept
}

// ThingBaseURL returns the base URL handed out for thingID, derived from
// whichever attached server sorts first by protocol tag.
func (s *Servient) ThingBaseURL(thingID string) (string, error) {
	et, err := s.GetExposedThing(thingID)
	if err != nil {
		return "", err
	}
	s.mu.RLock()
	tags := make([]string, 0, len(s.servers))
	for tag := range s.servers {
		tags = append(tags, string(tag))
	}
	sort.Strings(tags)
	var server protocol.ServerBinding
	if len(tags) > 0 {
		server = s.servers[protocol.Tag(tags[0])]
	}
	hostname := s.hostname
	s.mu.RUnlock()

	if server == nil {
		return "", nil
	}
	return server.BuildBaseURL(hostname, et.TD()), nil
}

// interactionKind classifies name as "property", "action" or "event" by
// searching the TD's affordance maps in that order.
func interactionKind(tdoc *td.ThingTD, name string) (string, error) {
	if tdoc.GetProperty(name) != nil {
		return "property", nil
	}
	if tdoc.GetAction(name) != nil {
		return "action", nil
	}
	if tdoc.GetEvent(name) != nil {
		return "event", nil
	}
	return "", errs.New(errs.UnknownInteraction, "unknown interaction %q on thing %q", name, tdoc.ID)
}

// SelectClient implements the servient's client-selection algorithm: the
// interaction's kind determines a preference list of protocols, and the
// first supported client matching a preferred protocol wins; with no
// preferred protocol supported, the first supported client by insertion
// order is used.
func (s *Servient) SelectClient(tdoc *td.ThingTD, name string) (protocol.ClientBinding, error) {
	kind, err := interactionKind(tdoc, name)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	var supported []protocol.ClientBinding
	for _, tag := range s.clientOrder {
		client := s.clients[tag]
		if client.IsSupportedInteraction(tdoc, name) {
			supported = append(supported, client)
		}
	}
	s.mu.RUnlock()

	if len(supported) == 0 {
		return nil, errs.New(errs.NoClientForInteraction, "no attached client supports interaction %q", name)
	}

	for _, preferred := range kindPreference[kind] {
		for _, client := range supported {
			if client.Protocol() == preferred {
				return client, nil
			}
		}
	}
	return supported[0], nil
}

// EnableTDCatalogue sets the port the TD catalogue will listen on once
// Start is called.
func (s *Servient) EnableTDCatalogue(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cataloguePort = port
}

// DisableTDCatalogue clears the catalogue port; it will not be started.
func (s *Servient) DisableTDCatalogue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cataloguePort = 0
}

// Start begins listening on every attached server concurrently, returning
// once all are listening, then starts the TD catalogue if enabled.
func (s *Servient) Start(ctx context.Context) error {
	s.mu.RLock()
	servers := s.serversSnapshot()
	port := s.cataloguePort
	s.mu.RUnlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(servers))
	for _, server := range servers {
		wg.Add(1)
		go func(server protocol.ServerBinding) {
			defer wg.Done()
			if err := server.Start(ctx); err != nil {
				errCh <- fmt.Errorf("starting %s server: %w", server.Protocol(), err)
			}
		}(server)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		return err
	}

	if port != 0 {
		cat := newCatalogue(s)
		if err := cat.start(port); err != nil {
			return fmt.Errorf("starting td catalogue: %w", err)
		}
		s.mu.Lock()
		s.catalogue = cat
		s.mu.Unlock()
	}
	return nil
}

// Shutdown stops the TD catalogue, then every server concurrently,
// best-effort: a server's stop failure is logged but does not prevent
// others from stopping.
func (s *Servient) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cat := s.catalogue
	s.catalogue = nil
	servers := s.serversSnapshot()
	s.mu.Unlock()

	if cat != nil {
		if err := cat.stop(ctx); err != nil {
			logrus.Warnf("servient: stopping td catalogue: %s", err)
		}
	}

	var wg sync.WaitGroup
	for _, server := range servers {
		wg.Add(1)
		go func(server protocol.ServerBinding) {
			defer wg.Done()
			if err := server.Stop(ctx); err != nil {
				logrus.Warnf("servient: stopping %s server: %s", server.Protocol(), err)
			}
		}(server)
	}
	wg.Wait()
	return nil
}
