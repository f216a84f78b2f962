package servient

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/wostzone/wot-servient/pkg/td"
)

// catalogue is the HTTP endpoint listing every Thing exposed by a servient:
// GET / for a brief or expanded index, GET /<url_name> for one full TD.
type catalogue struct {
	s      *Servient
	router *mux.Router
	srv    *http.Server
}

func newCatalogue(s *Servient) *catalogue {
	c := &catalogue{s: s, router: mux.NewRouter().StrictSlash(true)}
	c.router.HandleFunc("/", c.handleIndex).Methods(http.MethodGet)
	c.router.HandleFunc("/{urlName}", c.handleThing).Methods(http.MethodGet)
	return c
}

func (c *catalogue) start(port int) error {
	c.srv = &http.Server{Handler: c.router}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	go func() {
		if err := c.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logrus.Errorf("servient: td catalogue stopped: %s", err)
		}
	}()
	return nil
}

func (c *catalogue) stop(ctx context.Context) error {
	if c.srv == nil {
		return nil
	}
	return c.srv.Shutdown(ctx)
}

func isExpanded(r *http.Request) bool {
	switch r.URL.Query().Get("expanded") {
	case "true", "1":
		return true
	default:
		return false
	}
}

func (c *catalogue) handleIndex(w http.ResponseWriter, r *http.Request) {
	expanded := isExpanded(r)

	c.s.mu.RLock()
	things := make([]*td.ThingTD, 0, len(c.s.exposedThings))
	for _, et := range c.s.exposedThings {
		things = append(things, et.TD())
	}
	c.s.mu.RUnlock()

	response := make(map[string]interface{}, len(things))
	for _, tdoc := range things {
		if expanded {
			base, _ := c.s.ThingBaseURL(tdoc.ID)
			response[tdoc.ID] = tdoc.WithBase(base)
		} else {
			response[tdoc.ID] = "/" + td.UrlName(tdoc.ID)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (c *catalogue) handleThing(w http.ResponseWriter, r *http.Request) {
	urlName := mux.Vars(r)["urlName"]

	c.s.mu.RLock()
	var found *td.ThingTD
	for id, et := range c.s.exposedThings {
		if td.UrlName(id) == urlName {
			found = et.TD()
			break
		}
	}
	c.s.mu.RUnlock()

	if found == nil {
		http.NotFound(w, r)
		return
	}

	base, _ := c.s.ThingBaseURL(found.ID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(found.WithBase(base))
}
