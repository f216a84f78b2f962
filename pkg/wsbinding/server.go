package wsbinding

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/wostzone/wot-servient/pkg/errs"
	"github.com/wostzone/wot-servient/pkg/eventbus"
	"github.com/wostzone/wot-servient/pkg/exposedthing"
	"github.com/wostzone/wot-servient/pkg/protocol"
	"github.com/wostzone/wot-servient/pkg/td"
)

var _ protocol.ServerBinding = (*Server)(nil)

const (
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
	pongWait      = 35 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the WebSocket protocol server: one connection per Thing carries
// every interaction with that Thing.
type Server struct {
	port      int
	tlsConfig *tls.Config

	mu     sync.RWMutex
	things map[string]*exposedthing.ExposedThing

	router *mux.Router
	srv    *http.Server
}

// NewServer builds a WebSocket server listening on port.
func NewServer(port int, tlsConfig *tls.Config) *Server {
	s := &Server{
		port:      port,
		tlsConfig: tlsConfig,
		things:    make(map[string]*exposedthing.ExposedThing),
		router:    mux.NewRouter().StrictSlash(true),
	}
	s.router.HandleFunc("/{thing}", s.handleConnect).Methods("GET")
	return s
}

// Protocol reports "wss" when TLS material was supplied, "ws" otherwise.
func (s *Server) Protocol() protocol.Tag {
	if s.tlsConfig != nil {
		return protocol.WSS
	}
	return protocol.WS
}

// Start begins listening.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{Handler: s.router}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("wsbinding: listen on port %d: %w", s.port, err)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logrus.Errorf("wsbinding: server on port %d stopped: %s", s.port, err)
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

// AddExposedThing registers a Thing under its url name.
func (s *Server) AddExposedThing(et *exposedthing.ExposedThing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.things[td.UrlName(et.TD().ID)] = et
	return nil
}

// RemoveExposedThing unregisters a Thing.
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
// "ws://hostname:8081/lamp-1" for the Thing id "urn:dev:lamp-1".
func (s *Server) BuildBaseURL(hostname string, tdoc *td.ThingTD) string {
	scheme := "ws"
	if s.tlsConfig != nil {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/%s", scheme, hostname, s.port, td.UrlName(tdoc.ID))
}

// BuildForms returns the single WebSocket form for the named interaction,
// listing every operation it supports; the same connection URL serves all
// of them, dispatched by JSON-RPC method name.
func (s *Server) BuildForms(hostname string, tdoc *td.ThingTD, interactionName string) []*td.Form {
	href := s.BuildBaseURL(hostname, tdoc)

	if prop := tdoc.GetProperty(interactionName); prop != nil {
		ops := []string{"readproperty"}
		if prop.Writable {
			ops = append(ops, "writeproperty")
		}
		if prop.Observable {
			ops = append(ops, "observeproperty")
		}
		return []*td.Form{td.NewForm(href, "", ops...)}
	}
	if tdoc.GetAction(interactionName) != nil {
		return []*td.Form{td.NewForm(href, "", "invokeaction")}
	}
	if tdoc.GetEvent(interactionName) != nil {
		return []*td.Form{td.NewForm(href, "", "subscribeevent")}
	}
	return nil
}

// session is one upgraded WebSocket connection bound to a single Thing.
type session struct {
	conn *websocket.Conn
	et   *exposedthing.ExposedThing
	send chan []byte

	subsMu sync.Mutex
	subs   map[string]*eventbus.Subscription
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	et := s.lookup(vars["thing"])
	if et == nil {
		http.NotFound(w, r)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Warnf("wsbinding: upgrade failed: %s", err)
		return
	}

	sess := &session{
		conn: conn,
		et:   et,
		send: make(chan []byte, 64),
		subs: make(map[string]*eventbus.Subscription),
	}
	go sess.writePump()
	sess.readPump()
}

func (sess *session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		sess.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-sess.send:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				_ = sess.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sess.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (sess *session) readPump() {
	defer sess.close()

	sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		var req jsonrpcRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		sess.dispatch(req)
	}
}

func (sess *session) close() {
	sess.subsMu.Lock()
	for _, sub := range sess.subs {
		sub.Dispose()
	}
	sess.subs = map[string]*eventbus.Subscription{}
	sess.subsMu.Unlock()
	close(sess.send)
}

func (sess *session) reply(id string, result interface{}) {
	payload, _ := json.Marshal(result)
	sess.emit(jsonrpcMessage{JSONRPC: jsonrpcVersion, ID: id, Result: payload})
}

func (sess *session) replyError(id string, err error) {
	kind := errs.KindOf(err)
	sess.emit(jsonrpcMessage{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error: &jsonrpcError{
			Code:    errs.JSONRPCCode(kind),
			Message: err.Error(),
			Data:    map[string]string{"kind": string(kind)},
		},
	})
}

func (sess *session) emit(msg jsonrpcMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case sess.send <- data:
	default:
		logrus.Warnf("wsbinding: send buffer full, dropping message")
	}
}

func (sess *session) dispatch(req jsonrpcRequest) {
	switch req.Method {
	case "read_property":
		var p nameParams
		json.Unmarshal(req.Params, &p)
		value, err := sess.et.ReadProperty(p.Name)
		if err != nil {
			sess.replyError(req.ID, err)
			return
		}
		sess.reply(req.ID, valueResult{Value: value})

	case "write_property":
		var p writeParams
		json.Unmarshal(req.Params, &p)
		if err := sess.et.WriteProperty(p.Name, p.Value); err != nil {
			sess.replyError(req.ID, err)
			return
		}
		sess.reply(req.ID, true)

	case "invoke_action":
		var p invokeParams
		json.Unmarshal(req.Params, &p)
		result, err := sess.et.InvokeAction(p.Name, p.Input)
		if err != nil {
			sess.replyError(req.ID, err)
			return
		}
		sess.reply(req.ID, resultResult{Result: result})

	case "on_property_change":
		var p nameParams
		json.Unmarshal(req.Params, &p)
		sub, err := sess.et.ObserveProperty(p.Name)
		if err != nil {
			sess.replyError(req.ID, err)
			return
		}
		subID := sess.track(sub)
		go sess.forward(subID, sub, func(item eventbus.Item) interface{} {
			return propertyChangeData{Name: item.Name, Value: item.Value}
		})
		sess.reply(req.ID, subscriptionResult{Subscription: subID})

	case "on_event":
		var p nameParams
		json.Unmarshal(req.Params, &p)
		sub, err := sess.et.SubscribeEvent(p.Name)
		if err != nil {
			sess.replyError(req.ID, err)
			return
		}
		subID := sess.track(sub)
		go sess.forward(subID, sub, func(item eventbus.Item) interface{} {
			return item.Value
		})
		sess.reply(req.ID, subscriptionResult{Subscription: subID})

	case "dispose":
		var p disposeParams
		json.Unmarshal(req.Params, &p)
		sess.disposeSub(p.Subscription)
		sess.reply(req.ID, true)

	default:
		sess.replyError(req.ID, errs.New(errs.InvalidInput, "unknown method %q", req.Method))
	}
}

func (sess *session) track(sub *eventbus.Subscription) string {
	id := uuid.NewString()
	sess.subsMu.Lock()
	sess.subs[id] = sub
	sess.subsMu.Unlock()
	return id
}

func (sess *session) disposeSub(id string) {
	sess.subsMu.Lock()
	sub, ok := sess.subs[id]
	delete(sess.subs, id)
	sess.subsMu.Unlock()
	if ok {
		sub.Dispose()
	}
}

func (sess *session) forward(subID string, sub *eventbus.Subscription, encode func(eventbus.Item) interface{}) {
	for item := range sub.Items() {
		data, err := json.Marshal(encode(item))
		if err != nil {
			continue
		}
		sess.emit(jsonrpcMessage{
			JSONRPC: jsonrpcVersion,
			Method:  "emit",
			Params:  mustMarshal(emitParams{Subscription: subID, Data: json.RawMessage(data)}),
		})
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
