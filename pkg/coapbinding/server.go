package coapbinding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/matrix-org/go-coap/v2/message"
	"github.com/matrix-org/go-coap/v2/message/codes"
	coapmux "github.com/matrix-org/go-coap/v2/mux"
	coapnet "github.com/matrix-org/go-coap/v2/net"
	"github.com/matrix-org/go-coap/v2/udp"
	"github.com/sirupsen/logrus"

	"github.com/wostzone/wot-servient/pkg/errs"
	"github.com/wostzone/wot-servient/pkg/eventbus"
	"github.com/wostzone/wot-servient/pkg/exposedthing"
	"github.com/wostzone/wot-servient/pkg/protocol"
	"github.com/wostzone/wot-servient/pkg/td"
)

var _ protocol.ServerBinding = (*Server)(nil)

// Server is the CoAP protocol server. Every Thing is served over the same
// UDP port, routed by the thing's url name as the first path segment.
type Server struct {
	port int

	mu     sync.RWMutex
	things map[string]*exposedthing.ExposedThing

	jobsMu sync.Mutex
	jobs   map[string]actionPollResult

	obsMu sync.Mutex
	obs   map[string]*observation // registration id -> observation

	router *coapmux.Router
	listen *coapnet.ListenUDP
	srv    *udp.Server
}

// observation tracks one client's Observe registration on a property or
// event resource, forwarding eventbus items as CoAP notifications.
type observation struct {
	client coapmux.Client
	token  []byte
	seq    uint32
	kind   string // "property" or "event"
	sub    *eventbus.Subscription
	cancel context.CancelFunc
}

// NewServer builds a CoAP server listening on port. CoAP has no native TLS
// variant wired here; coaps (DTLS) is left to a future binding.
func NewServer(port int) *Server {
	s := &Server{
		port:   port,
		things: make(map[string]*exposedthing.ExposedThing),
		jobs:   make(map[string]actionPollResult),
		obs:    make(map[string]*observation),
		router: coapmux.NewRouter(),
	}
	s.router.DefaultHandle(coapmux.HandlerFunc(s.handle))
	return s
}

func (s *Server) Protocol() protocol.Tag { return protocol.COAP }

// Start begins listening on the configured UDP port.
func (s *Server) Start(ctx context.Context) error {
	l, err := coapnet.NewListenUDP("udp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("coapbinding: listen on port %d: %w", s.port, err)
	}
	s.listen = l
	s.srv = udp.NewServer(udp.WithMux(s.router))

	go func() {
		if err := s.srv.Serve(l); err != nil {
			logrus.Warnf("coapbinding: server on port %d stopped: %s", s.port, err)
		}
	}()
	return nil
}

// Stop shuts the server down, closing the listener and every live
// observation.
func (s *Server) Stop(ctx context.Context) error {
	s.obsMu.Lock()
	for id, ob := range s.obs {
		ob.cancel()
		delete(s.obs, id)
	}
	s.obsMu.Unlock()

	if s.srv != nil {
		s.srv.Stop()
	}
	if s.listen != nil {
		return s.listen.Close()
	}
	return nil
}

func (s *Server) AddExposedThing(et *exposedthing.ExposedThing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.things[td.UrlName(et.TD().ID)] = et
	return nil
}

func (s *Server) RemoveExposedThing(thingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.things, td.UrlName(thingID))
	return nil
}

func (s *Server) lookup(urlName string) *exposedthing.ExposedThing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.things[urlName]
}

// BuildBaseURL returns this server's base URL for tdoc, eg
// "coap://hostname:5683/lamp-1" for the Thing id "urn:dev:lamp-1".
func (s *Server) BuildBaseURL(hostname string, tdoc *td.ThingTD) string {
	return fmt.Sprintf("coap://%s:%d/%s", hostname, s.port, td.UrlName(tdoc.ID))
}

// BuildForms returns the CoAP forms for the named interaction: a
// readproperty/writeproperty/observeproperty resource for properties, an
// invokeaction resource for actions, a subscribeevent resource for events.
func (s *Server) BuildForms(hostname string, tdoc *td.ThingTD, interactionName string) []*td.Form {
	base := s.BuildBaseURL(hostname, tdoc)

	if prop := tdoc.GetProperty(interactionName); prop != nil {
		href := fmt.Sprintf("%s/property/%s", base, interactionName)
		var forms []*td.Form
		forms = append(forms, td.NewForm(href, "readproperty", "readproperty"))
		if prop.Writable {
			forms = append(forms, td.NewForm(href, "writeproperty", "writeproperty"))
		}
		if prop.Observable {
			forms = append(forms, td.NewForm(href, "observeproperty", "observeproperty"))
		}
		return forms
	}
	if tdoc.GetAction(interactionName) != nil {
		href := fmt.Sprintf("%s/action/%s", base, interactionName)
		return []*td.Form{td.NewForm(href, "invokeaction", "invokeaction")}
	}
	if tdoc.GetEvent(interactionName) != nil {
		href := fmt.Sprintf("%s/event/%s", base, interactionName)
		return []*td.Form{td.NewForm(href, "subscribeevent", "subscribeevent")}
	}
	return nil
}

// path is the parsed /{thing}/{kind}/{name}[/{extra}] request target.
type path struct {
	thing string
	kind  string // "property", "action", "event"
	name  string
	extra string
}

func parsePath(raw string) (path, bool) {
	segs := strings.Split(strings.Trim(raw, "/"), "/")
	if len(segs) < 3 {
		return path{}, false
	}
	p := path{thing: segs[0], kind: segs[1], name: segs[2]}
	if len(segs) > 3 {
		p.extra = segs[3]
	}
	return p, true
}

func (s *Server) handle(w coapmux.ResponseWriter, r *coapmux.Message) {
	raw, err := r.Options.Path()
	if err != nil {
		w.SetResponse(codes.BadRequest, message.TextPlain, nil)
		return
	}
	p, ok := parsePath(raw)
	if !ok {
		w.SetResponse(codes.NotFound, message.TextPlain, nil)
		return
	}
	et := s.lookup(p.thing)
	if et == nil {
		w.SetResponse(codes.NotFound, message.TextPlain, nil)
		return
	}

	switch p.kind {
	case "property":
		s.handleProperty(w, r, et, p)
	case "action":
		s.handleAction(w, r, et, p)
	case "event":
		s.handleEvent(w, r, et, p)
	default:
		w.SetResponse(codes.NotFound, message.TextPlain, nil)
	}
}

func observe(r *coapmux.Message) (register bool, isObserve bool) {
	v, err := r.Options.Observe()
	if err != nil {
		return false, false
	}
	return v == 0, true
}

func (s *Server) handleProperty(w coapmux.ResponseWriter, r *coapmux.Message, et *exposedthing.ExposedThing, p path) {
	switch r.Code {
	case codes.GET:
		if register, isObserve := observe(r); isObserve {
			if register {
				sub, err := observableFor(et, "property", p.name)
				s.registerObservation(w, r, "property", sub, err)
			} else {
				s.deregisterObservation(w, r)
			}
			return
		}
		value, err := et.ReadProperty(p.name)
		if err != nil {
			writeCoAPError(w, err)
			return
		}
		writeCoAPJSON(w, codes.Content, valuePayload{Value: value})

	case codes.PUT, codes.POST:
		var body valuePayload
		if err := decodeCoAPBody(r, &body); err != nil {
			w.SetResponse(codes.BadRequest, message.TextPlain, nil)
			return
		}
		if err := et.WriteProperty(p.name, body.Value); err != nil {
			writeCoAPError(w, err)
			return
		}
		w.SetResponse(codes.Changed, message.TextPlain, nil)

	default:
		w.SetResponse(codes.MethodNotAllowed, message.TextPlain, nil)
	}
}

func (s *Server) handleAction(w coapmux.ResponseWriter, r *coapmux.Message, et *exposedthing.ExposedThing, p path) {
	switch r.Code {
	case codes.POST:
		var body struct {
			Input interface{} `json:"input"`
		}
		if err := decodeCoAPBody(r, &body); err != nil {
			writeCoAPError(w, errs.New(errs.InvalidInput, "malformed request body: %s", err))
			return
		}

		result, err := et.InvokeAction(p.name, body.Input)
		id := uuid.NewString()
		poll := actionPollResult{Done: true}
		if err != nil {
			poll.Error = &errorBody{Kind: string(errs.KindOf(err)), Message: err.Error()}
		} else {
			poll.Result = result
		}
		s.jobsMu.Lock()
		s.jobs[id] = poll
		s.jobsMu.Unlock()
		writeCoAPJSON(w, codes.Created, actionAccepted{ID: id})

	case codes.GET:
		if p.extra == "" {
			w.SetResponse(codes.NotFound, message.TextPlain, nil)
			return
		}
		s.jobsMu.Lock()
		poll, ok := s.jobs[p.extra]
		s.jobsMu.Unlock()
		if !ok {
			w.SetResponse(codes.NotFound, message.TextPlain, nil)
			return
		}
		writeCoAPJSON(w, codes.Content, poll)

	default:
		w.SetResponse(codes.MethodNotAllowed, message.TextPlain, nil)
	}
}

func (s *Server) handleEvent(w coapmux.ResponseWriter, r *coapmux.Message, et *exposedthing.ExposedThing, p path) {
	if r.Code != codes.GET {
		w.SetResponse(codes.MethodNotAllowed, message.TextPlain, nil)
		return
	}
	register, isObserve := observe(r)
	if !isObserve {
		w.SetResponse(codes.BadRequest, message.TextPlain, nil)
		return
	}
	if register {
		sub, err := observableFor(et, "event", p.name)
		s.registerObservation(w, r, "event", sub, err)
	} else {
		s.deregisterObservation(w, r)
	}
}

// observableFor dispatches to ObserveProperty or SubscribeEvent by kind, so
// registerObservation can treat both resource types uniformly.
func observableFor(et *exposedthing.ExposedThing, kind, name string) (*eventbus.Subscription, error) {
	if kind == "property" {
		return et.ObserveProperty(name)
	}
	return et.SubscribeEvent(name)
}

func registrationID(client coapmux.Client, path string, token []byte) string {
	return client.RemoteAddr().String() + "/" + path + "@" + string(token)
}

func (s *Server) registerObservation(w coapmux.ResponseWriter, r *coapmux.Message, kind string, sub *eventbus.Subscription, err error) {
	if err != nil {
		writeCoAPError(w, err)
		return
	}
	raw, _ := r.Options.Path()
	id := registrationID(w.Client(), raw, r.Token)

	s.obsMu.Lock()
	if _, exists := s.obs[id]; exists {
		s.obsMu.Unlock()
		sub.Dispose()
		w.SetResponse(codes.Content, message.TextPlain, nil)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ob := &observation{client: w.Client(), token: r.Token, seq: 2, kind: kind, sub: sub, cancel: cancel}
	s.obs[id] = ob
	s.obsMu.Unlock()

	go s.pump(id, ob, ctx)
	w.SetResponse(codes.Content, message.TextPlain, nil)
}

func (s *Server) deregisterObservation(w coapmux.ResponseWriter, r *coapmux.Message) {
	raw, _ := r.Options.Path()
	id := registrationID(w.Client(), raw, r.Token)
	s.obsMu.Lock()
	ob, ok := s.obs[id]
	delete(s.obs, id)
	s.obsMu.Unlock()
	if ok {
		ob.cancel()
	}
	w.SetResponse(codes.Content, message.TextPlain, nil)
}

func (s *Server) pump(id string, ob *observation, ctx context.Context) {
	defer ob.sub.Dispose()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-ob.sub.Items():
			if !ok {
				return
			}
			var payload interface{}
			if ob.kind == "property" {
				payload = valuePayload{Value: item.Value}
			} else {
				payload = eventPayload{Data: item.Value}
			}
			data, merr := json.Marshal(payload)
			if merr != nil {
				continue
			}
			ob.seq++
			if err := sendNotification(ob.client, ob.token, ob.seq, data); err != nil {
				s.obsMu.Lock()
				delete(s.obs, id)
				s.obsMu.Unlock()
				return
			}
		}
	}
}

func sendNotification(client coapmux.Client, token []byte, seq uint32, data []byte) error {
	m := message.Message{
		Code:    codes.Content,
		Token:   token,
		Context: client.Context(),
		Body:    bytes.NewReader(data),
	}
	var opts message.Options
	var buf []byte
	opts, n, err := opts.SetContentFormat(buf, message.AppJSON)
	if err == message.ErrTooSmall {
		buf = append(buf, make([]byte, n)...)
		opts, n, err = opts.SetContentFormat(buf, message.AppJSON)
	}
	if err != nil {
		return err
	}
	opts, n, err = opts.SetObserve(buf, seq)
	if err == message.ErrTooSmall {
		buf = append(buf, make([]byte, n)...)
		opts, _, err = opts.SetObserve(buf, seq)
	}
	if err != nil {
		return err
	}
	m.Options = opts
	return client.WriteMessage(&m)
}

func decodeCoAPBody(r *coapmux.Message, target interface{}) error {
	if r.Body == nil {
		return nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, target)
}

func writeCoAPJSON(w coapmux.ResponseWriter, code codes.Code, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		w.SetResponse(codes.InternalServerError, message.TextPlain, nil)
		return
	}
	w.SetResponse(code, message.AppJSON, bytes.NewReader(data))
}

func writeCoAPError(w coapmux.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	class, detail := errs.CoAPCode(kind)
	code := codes.Code((class << 5) | detail)
	data, _ := json.Marshal(errorBody{Kind: string(kind), Message: err.Error()})
	w.SetResponse(code, message.AppJSON, bytes.NewReader(data))
}
