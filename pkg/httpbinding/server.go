// Package httpbinding implements the HTTP protocol binding: a server that
// exposes properties, actions and events over plain HTTP routes plus
// Server-Sent-Events streams, and a client that drives those same routes on
// behalf of a ConsumedThing.
package httpbinding

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/wostzone/wot-servient/pkg/errs"
	"github.com/wostzone/wot-servient/pkg/eventbus"
	"github.com/wostzone/wot-servient/pkg/exposedthing"
	"github.com/wostzone/wot-servient/pkg/protocol"
	"github.com/wostzone/wot-servient/pkg/td"
	"github.com/wostzone/wot-servient/pkg/vocab"
)

var _ protocol.ServerBinding = (*Server)(nil)
var _ protocol.ClientBinding = (*Client)(nil)

// corsMiddleware reproduces the header set the original WoTPy HTTP handlers
// sent on every response (WoTHttpBaseHandler.set_default_headers), rather
// than rs/cors's permissive default.
var corsMiddleware = cors.New(cors.Options{
	AllowedOrigins:   []string{"*"},
	AllowedMethods:   []string{"PUT", "GET", "POST", "OPTIONS", "DELETE"},
	AllowedHeaders:   []string{"Origin", "X-Requested-With", "Content-Type", "Accept", "X-PINGOTHER"},
	AllowCredentials: true,
})

// Server is the HTTP protocol server. It serves every ExposedThing attached
// to it under /<url_name>/... per the URL layout in the specification.
type Server struct {
	port      int
	tlsConfig *tls.Config

	mu     sync.RWMutex
	things map[string]*exposedthing.ExposedThing // keyed by td.UrlName(thing id)

	router *mux.Router
	srv    *http.Server
}

// NewServer builds an HTTP server listening on port. tlsConfig may be nil,
// in which case the server speaks plain HTTP and Protocol() reports "http".
func NewServer(port int, tlsConfig *tls.Config) *Server {
	s := &Server{
		port:      port,
		tlsConfig: tlsConfig,
		things:    make(map[string]*exposedthing.ExposedThing),
		router:    mux.NewRouter().StrictSlash(true),
	}
	s.router.HandleFunc("/{thing}/property/{name}/observable", s.handlePropertyObservable).Methods("GET")
	s.router.HandleFunc("/{thing}/property/{name}", s.handleProperty).Methods("GET", "PUT", "POST")
	s.router.HandleFunc("/{thing}/action/{name}", s.handleAction).Methods("POST")
	s.router.HandleFunc("/{thing}/event/{name}/subscription", s.handleEventSubscription).Methods("GET")
	return s
}

// Protocol reports "https" when TLS material was supplied, "http" otherwise.
func (s *Server) Protocol() protocol.Tag {
	if s.tlsConfig != nil {
		return protocol.HTTPS
	}
	return protocol.HTTP
}

// Start begins listening. Returns once the listener is bound; ListenAndServe
// runs in a background goroutine, logging (not panicking on) post-bind
// failures.
func (s *Server) Start(ctx context.Context) error {
	handler := corsMiddleware.Handler(s.router)
	s.srv = &http.Server{Handler: handler}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("httpbinding: listen on port %d: %w", s.port, err)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logrus.Errorf("httpbinding: server on port %d stopped: %s", s.port, err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// AddExposedThing registers a Thing's routes by its url name.
func (s *Server) AddExposedThing(et *exposedthing.ExposedThing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.things[td.UrlName(et.TD().ID)] = et
	return nil
}

// RemoveExposedThing unregisters a Thing previously added.
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
// "http://hostname:8080/lamp-1" for the Thing id "urn:dev:lamp-1".
func (s *Server) BuildBaseURL(hostname string, tdoc *td.ThingTD) string {
	scheme := "http"
	if s.tlsConfig != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d/%s", scheme, hostname, s.port, td.UrlName(tdoc.ID))
}

// BuildForms returns the HTTP forms this server contributes for the named
// property, action or event.
func (s *Server) BuildForms(hostname string, tdoc *td.ThingTD, interactionName string) []*td.Form {
	base := s.BuildBaseURL(hostname, tdoc)

	if prop := tdoc.GetProperty(interactionName); prop != nil {
		forms := []*td.Form{
			td.NewForm(base+"/property/"+interactionName, vocab.RelReadProperty, "readproperty"),
		}
		if prop.Writable {
			forms = append(forms, td.NewForm(base+"/property/"+interactionName, vocab.RelWriteProperty, "writeproperty"))
		}
		if prop.Observable {
			forms = append(forms, td.NewForm(base+"/property/"+interactionName+"/observable", vocab.RelObserveProperty, "observeproperty"))
		}
		return forms
	}
	if tdoc.GetAction(interactionName) != nil {
		return []*td.Form{td.NewForm(base+"/action/"+interactionName, vocab.RelInvokeAction, "invokeaction")}
	}
	if tdoc.GetEvent(interactionName) != nil {
		return []*td.Form{td.NewForm(base+"/event/"+interactionName+"/subscription", vocab.RelSubscribeEvent, "subscribeevent")}
	}
	return nil
}

type valueBody struct {
	Value interface{} `json:"value"`
}

type inputBody struct {
	Input interface{} `json:"input"`
}

type resultBody struct {
	Result interface{} `json:"result"`
}

type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// decodeBody decodes a JSON request body into target, treating a missing or
// empty body as an empty object rather than an error.
func decodeBody(r *http.Request, target interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(target); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	var resp errorBody
	resp.Error.Kind = string(kind)
	resp.Error.Message = err.Error()
	writeJSON(w, errs.HTTPStatus(kind), resp)
}

func (s *Server) handleProperty(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	et := s.lookup(vars["thing"])
	if et == nil {
		writeJSON(w, 404, nil)
		return
	}
	name := vars["name"]

	if r.Method == "GET" {
		value, err := et.ReadProperty(name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, 200, valueBody{Value: value})
		return
	}

	// PUT or POST writes.
	var body valueBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, errs.New(errs.InvalidInput, "malformed request body: %s", err))
		return
	}
	if err := et.WriteProperty(name, body.Value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 204, nil)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	et := s.lookup(vars["thing"])
	if et == nil {
		writeJSON(w, 404, nil)
		return
	}
	name := vars["name"]

	var body inputBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, errs.New(errs.InvalidInput, "malformed request body: %s", err))
		return
	}
	result, err := et.InvokeAction(name, body.Input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, resultBody{Result: result})
}

func (s *Server) handlePropertyObservable(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	et := s.lookup(vars["thing"])
	if et == nil {
		writeJSON(w, 404, nil)
		return
	}
	name := vars["name"]

	sub, err := et.ObserveProperty(name)
	if err != nil {
		writeError(w, err)
		return
	}
	streamSSE(w, r, sub, func(item eventbus.Item) interface{} {
		return map[string]interface{}{"name": item.Name, "value": item.Value}
	})
}

func (s *Server) handleEventSubscription(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	et := s.lookup(vars["thing"])
	if et == nil {
		writeJSON(w, 404, nil)
		return
	}
	name := vars["name"]

	sub, err := et.SubscribeEvent(name)
	if err != nil {
		writeError(w, err)
		return
	}
	streamSSE(w, r, sub, func(item eventbus.Item) interface{} {
		return map[string]interface{}{"data": item.Value}
	})
}

// streamSSE writes subscription items to w as Server-Sent Events until the
// request context is cancelled or the subscription is disposed elsewhere.
func streamSSE(w http.ResponseWriter, r *http.Request, sub *eventbus.Subscription, encode func(eventbus.Item) interface{}) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errs.New(errs.HandlerError, "streaming unsupported by this response writer"))
		sub.Dispose()
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	defer sub.Dispose()

	for {
		select {
		case <-r.Context().Done():
			return
		case item, ok := <-sub.Items():
			if !ok {
				return
			}
			payload, err := json.Marshal(encode(item))
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
