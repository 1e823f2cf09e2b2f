// Package dispatch implements the stateless request-handler pipeline: a
// pure function of a RouteTable snapshot and an incoming request that
// resolves the request to a Route and writes the matching response.
//
// The dispatcher never mutates anything it is given. A ServerActor reads
// its current RouteTable snapshot once per request and passes it in; the
// dispatcher does not retain the snapshot beyond the single call.
package dispatch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/fleetd/fleetd/internal/config"
	"github.com/fleetd/fleetd/internal/routetable"
)

// PanicLogger receives a formatted line when the dispatcher recovers a
// panic. It is satisfied by *logging.Logger without dispatch importing the
// logging package's concrete type.
type PanicLogger interface {
	Errorf(format string, args ...any)
}

// Dispatcher resolves requests against a RouteTable snapshot and writes the
// matched Route's content. It holds no per-request state and is safe to
// share across every goroutine serving a given listener.
type Dispatcher struct {
	Logger PanicLogger
}

// New returns a Dispatcher that logs recovered panics through logger. A nil
// logger is fine; panics are still recovered, just not logged.
func New(logger PanicLogger) *Dispatcher {
	return &Dispatcher{Logger: logger}
}

// ServeRoute is the dispatcher's single entry point: look up req's path in
// rt, serve the match, or answer 404. Panics anywhere in the pipeline are
// recovered here and converted to a bodyless 500.
func (d *Dispatcher) ServeRoute(rt *routetable.RouteTable, w http.ResponseWriter, r *http.Request) {
	defer d.recoverPanic(w)

	match, ok := rt.Lookup(r.URL.Path)
	if !ok {
		notFound(w)
		return
	}

	route := match.Route

	if route.CORS {
		applyCORS(w)
	}
	for k, v := range route.Headers {
		w.Header().Set(k, v)
	}

	if r.Method == http.MethodOptions && route.CORS {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch route.Kind {
	case config.KindHTML:
		serveHTML(w, route)
	case config.KindJSON:
		serveJSON(w, route)
	case config.KindRaw:
		serveRaw(w, r, route)
	case config.KindDir:
		serveDir(w, r, route, match.Params["*"])
	default:
		notFound(w)
	}
}

func (d *Dispatcher) recoverPanic(w http.ResponseWriter) {
	rec := recover()
	if rec == nil {
		return
	}

	if d.Logger != nil {
		const stackSize = 4 << 10
		stack := make([]byte, stackSize)
		n := runtime.Stack(stack, false)
		d.Logger.Errorf("dispatch: recovered panic: %v\n%s", rec, stack[:n])
	}

	w.WriteHeader(http.StatusInternalServerError)
}

func serveHTML(w http.ResponseWriter, route config.Route) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", fmt.Sprint(len(route.HTML)))
	w.Write([]byte(route.HTML))
}

func serveJSON(w http.ResponseWriter, route config.Route) {
	b, err := json.Marshal(route.JSON)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}

func serveRaw(w http.ResponseWriter, r *http.Request, route config.Route) {
	w.Header().Set("Content-Type", guessMIME(r.URL.Path))
	w.Write([]byte(route.Raw))
}

func notFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte("not_found"))
}
