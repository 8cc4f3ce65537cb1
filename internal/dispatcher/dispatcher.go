// Package dispatcher is SessionDriver's HTTP front end: it classifies
// each request per spec.md §4.5, translates between the public_id and
// child_id namespaces, proxies to the right ChildDriver, and touches
// registry state on the way back out. Grounded on the teacher's
// api/server.go + api/handlers.go route wiring (gorilla/mux) and on the
// header/body handling of SessionDriver's original Rust proxy handler.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/sessiondriver/internal/childdriver"
	"github.com/shehryarbajwa/sessiondriver/internal/logging"
	"github.com/shehryarbajwa/sessiondriver/internal/portalloc"
	"github.com/shehryarbajwa/sessiondriver/internal/ratelimit"
	"github.com/shehryarbajwa/sessiondriver/internal/registry"
	"github.com/shehryarbajwa/sessiondriver/pkg/wire"
)

// Dispatcher holds everything a request handler needs.
type Dispatcher struct {
	Registry  *registry.Registry
	Client    *http.Client
	Logger    *logging.Logger
	RateLimit *ratelimit.Limiter

	// DefaultChildAddr, if set, is where unrecognized paths are proxied
	// verbatim (spec.md §4.5's "Other" row). Empty means 404.
	DefaultChildAddr string
}

// New builds a Dispatcher. client should carry no default timeout
// beyond what spec.md §5 allows (none, except the create path's own
// startup deadline enforced inside ChildDriver.Spawn).
func New(reg *registry.Registry, client *http.Client, logger *logging.Logger, limiter *ratelimit.Limiter) *Dispatcher {
	return &Dispatcher{Registry: reg, Client: client, Logger: logger, RateLimit: limiter}
}

// Router builds the gorilla/mux router. Registration order matters:
// mux tries routes in the order they were added, so the specific
// /session/driver/... extensions must come before the generic
// /session/{id}/... catch-all.
func (d *Dispatcher) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(d.rateLimitMiddleware)

	r.HandleFunc("/status", d.handleStatus).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/session", d.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/session/driver/{id}/status", d.handleDriverStatus).Methods(http.MethodGet)
	r.HandleFunc("/session/driver/{id}/tunnel", d.handleTunnel).Methods(http.MethodGet)
	r.HandleFunc("/session/{id}", d.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/session/{id}", d.handleSessionProxy)
	r.HandleFunc("/session/{id}/{rest:.*}", d.handleSessionProxy)
	// Router-level middleware only wraps matched routes, so the
	// not-found and method-not-allowed handlers are wrapped explicitly.
	r.NotFoundHandler = d.rateLimitMiddleware(http.HandlerFunc(d.handleFallback))
	r.MethodNotAllowedHandler = d.rateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))

	return r
}

func (d *Dispatcher) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !d.RateLimit.Allow() {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// handleStatus answers GET/HEAD /status with proxy-level health. It
// never reflects any child's health, per spec.md §4.5.
func (d *Dispatcher) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, wire.StatusValue{Value: wire.StatusPayload{Ready: true, Message: "sessiondriver ready"}})
}

// handleCreate implements POST /session: spawn a child, forward the
// client's create request to it, and rewrite the driver's chosen
// session id to the freshly-minted public id before relaying the
// response.
func (d *Dispatcher) handleCreate(w http.ResponseWriter, r *http.Request) {
	reqBody, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, wire.ErrorValue{Value: wire.ErrorPayload{Error: "invalid argument", Message: err.Error()}})
		return
	}
	reqHeader := r.Header.Clone()

	proxyCreate := func(ctx context.Context, cd *childdriver.ChildDriver) (string, int, map[string][]string, []byte, error) {
		up, err := forward(ctx, d.Client, cd.Host, cd.Port, http.MethodPost, "/session", reqHeader, reqBody)
		if err != nil {
			return "", 0, nil, nil, err
		}
		if up.Status < 200 || up.Status >= 300 {
			return "", 0, nil, nil, &registry.CreateRejectedError{Status: up.Status, Header: up.Header, Body: up.Body}
		}
		childID, err := detectSessionID(up.Body)
		if err != nil {
			return "", 0, nil, nil, &registry.MalformedCreateResponseError{Detail: err.Error()}
		}
		return childID, up.Status, up.Header, up.Body, nil
	}

	result, err := d.Registry.Create(r.Context(), proxyCreate)
	if err != nil {
		d.writeCreateError(w, err)
		return
	}

	rewritten, err := rewriteSessionID(result.Body, result.Session.PublicID)
	if err != nil {
		// Should not happen: proxyCreate already validated the shape.
		d.Logger.Errorf("create %s: re-rewrite failed: %v", result.Session.PublicID, err)
		rewritten = result.Body
	}

	up := &upstreamResponse{Status: result.Status, Header: http.Header(result.Header), Body: rewritten}
	writeResponse(w, up, rewritten)
}

func (d *Dispatcher) writeCreateError(w http.ResponseWriter, err error) {
	if errors.Is(err, portalloc.ErrNoPortAvailable) {
		writeJSON(w, http.StatusInternalServerError, wire.UnknownError(err.Error()))
		return
	}

	var rejected *registry.CreateRejectedError
	if errors.As(err, &rejected) {
		up := &upstreamResponse{Status: rejected.Status, Header: http.Header(rejected.Header), Body: rejected.Body}
		writeResponse(w, up, rejected.Body)
		return
	}

	var malformed *registry.MalformedCreateResponseError
	if errors.As(err, &malformed) {
		writeJSON(w, http.StatusBadGateway, wire.UnknownError(malformed.Error()))
		return
	}

	writeJSON(w, http.StatusInternalServerError, wire.UnknownError(err.Error()))
}

// handleDelete implements DELETE /session/{public_id}: forward the
// delete to the child (best effort), then unconditionally terminate the
// session regardless of what the child said, per spec.md §4.5.
func (d *Dispatcher) handleDelete(w http.ResponseWriter, r *http.Request) {
	publicID := mux.Vars(r)["id"]

	session, err := d.Registry.Lookup(publicID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, wire.InvalidSessionID())
		return
	}

	host, port := session.Endpoint()
	childPath := "/session/" + session.ChildID
	up, forwardErr := forward(r.Context(), d.Client, host, port, http.MethodDelete, childPath, r.Header, nil)

	_ = d.Registry.Terminate(r.Context(), publicID)

	if forwardErr != nil {
		d.Logger.Warnf("delete %s: forwarding to child failed: %v", publicID, forwardErr)
		writeJSON(w, http.StatusOK, wire.StatusValue{Value: wire.StatusPayload{Ready: true}})
		return
	}
	writeResponse(w, up, up.Body)
}

// handleDriverStatus implements the non-spec
// GET /session/driver/{public_id}/status introspection extension. Never
// forwarded to the child, per spec.md §4.5.
func (d *Dispatcher) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	publicID := mux.Vars(r)["id"]

	session, err := d.Registry.Lookup(publicID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, wire.InvalidSessionID())
		return
	}

	state := session.State()
	alive := session.Child.IsAlive() && state == childdriver.Ready
	msAgo := time.Since(session.LastActivity()).Milliseconds()

	writeJSON(w, http.StatusOK, wire.DriverStatus{
		Alive:             alive,
		LastActivityMsAgo: msAgo,
		State:             state.String(),
	})
}

// handleSessionProxy implements the generic
// "/session/{public_id}/..." row of spec.md §4.5: translate the id,
// proxy unchanged, touch last_activity only on a 2xx response.
func (d *Dispatcher) handleSessionProxy(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	publicID := vars["id"]
	rest := vars["rest"]

	session, err := d.Registry.Lookup(publicID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, wire.InvalidSessionID())
		return
	}
	if session.State() != childdriver.Ready {
		writeJSON(w, http.StatusNotFound, wire.InvalidSessionID())
		return
	}

	host, port := session.Endpoint()
	childPath := "/session/" + session.ChildID
	if rest != "" {
		childPath += "/" + rest
	}
	if q := r.URL.RawQuery; q != "" {
		childPath += "?" + q
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, wire.ErrorValue{Value: wire.ErrorPayload{Error: "invalid argument", Message: err.Error()}})
		return
	}

	up, err := forward(r.Context(), d.Client, host, port, r.Method, childPath, r.Header, body)
	if err != nil {
		d.Logger.Warnf("proxy %s: %v", publicID, err)
		writeJSON(w, http.StatusBadGateway, wire.ErrorValue{Value: wire.ErrorPayload{Error: "unknown error", Message: err.Error()}})
		return
	}

	if up.Status >= 200 && up.Status < 300 {
		session.Touch()
	}

	writeResponse(w, up, up.Body)
}

// handleFallback implements spec.md §4.5's "Other" row: proxy verbatim
// to a configured default child, else 404.
func (d *Dispatcher) handleFallback(w http.ResponseWriter, r *http.Request) {
	if d.DefaultChildAddr == "" {
		writeJSON(w, http.StatusNotFound, wire.InvalidSessionID())
		return
	}

	host, portStr, err := net.SplitHostPort(d.DefaultChildAddr)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, wire.UnknownError(err.Error()))
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, wire.UnknownError(err.Error()))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, wire.ErrorValue{Value: wire.ErrorPayload{Error: "invalid argument", Message: err.Error()}})
		return
	}

	path := r.URL.Path
	if q := r.URL.RawQuery; q != "" {
		path += "?" + q
	}

	up, err := forward(r.Context(), d.Client, host, port, r.Method, path, r.Header, body)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, wire.ErrorValue{Value: wire.ErrorPayload{Error: "unknown error", Message: err.Error()}})
		return
	}
	writeResponse(w, up, up.Body)
}
