// Package serveractor implements the per-listener actor: it owns exactly
// one bound TCP listener and HTTP server, embeds an atomically-swapped
// RouteTable snapshot, and answers Listen, PatchOne, and Stop requests
// through a single-threaded mailbox goroutine — grounded in the teacher
// framework's own Serve/Shutdown pair (air.go), generalized from "one
// process, one server" to "one actor, one server among many".
package serveractor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/fleetd/fleetd/internal/config"
	"github.com/fleetd/fleetd/internal/dispatch"
	"github.com/fleetd/fleetd/internal/logging"
	"github.com/fleetd/fleetd/internal/routetable"
)

// BindError is returned by Listen on port-in-use, permission-denied, or
// address-parse failures.
type BindError struct {
	Addr  string
	Cause error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("serveractor: failed to bind %q: %v", e.Addr, e.Cause)
}

func (e *BindError) Unwrap() error { return e.Cause }

// ErrMailboxClosed is returned when a message is sent to an Actor whose
// mailbox has already terminated (equivalent to the spec's "Mailbox"
// error kind: the actor is gone, treat it as stopped).
var ErrMailboxClosed = fmt.Errorf("serveractor: actor mailbox is closed")

type listenRequest struct {
	reply chan listenReply
}

type listenReply struct {
	addr string
	err  error
}

type patchRequest struct {
	serverConfig config.ServerConfig
	reply        chan error
}

type stopRequest struct {
	reply chan string
}

// Actor owns one listening socket. Its mailbox channels are unbuffered: a
// caller's send only completes once the actor's run loop has accepted the
// message, which is what gives "one message at a time, FIFO per sender"
// ordering.
type Actor struct {
	initial    config.ServerConfig
	logger     *logging.Logger
	dispatcher *dispatch.Dispatcher

	routes atomic.Pointer[routetable.RouteTable]

	listenCh chan listenRequest
	patchCh  chan patchRequest
	stopCh   chan stopRequest
	closed   chan struct{}

	boundAddr  string
	httpServer *http.Server
	serveDone  chan error
	drained    chan struct{}
	stopping   bool
}

// New returns an Actor for cfg. Call Run in its own goroutine before
// sending any message.
func New(cfg config.ServerConfig, logger *logging.Logger) *Actor {
	return &Actor{
		initial:    cfg,
		logger:     logger,
		dispatcher: dispatch.New(logger),
		listenCh:   make(chan listenRequest),
		patchCh:    make(chan patchRequest),
		stopCh:     make(chan stopRequest),
		closed:     make(chan struct{}),
	}
}

// Run is the actor's mailbox loop. It returns once the actor has fully
// stopped. Callers should spawn it with `go actor.Run()`.
func (a *Actor) Run() {
	defer close(a.closed)

	for {
		select {
		case req := <-a.listenCh:
			addr, err := a.doListen()
			req.reply <- listenReply{addr: addr, err: err}

		case req := <-a.patchCh:
			if a.stopping {
				a.logger.Warnf("serveractor[%s]: dropping PatchOne received after Stop began", a.boundAddr)
				req.reply <- ErrMailboxClosed
				continue
			}
			req.reply <- a.doPatch(req.serverConfig)

		case req := <-a.stopCh:
			if !a.stopping {
				a.stopping = true
				a.beginDrain()
			}
			go a.replyAfterDrain(req)

		case <-a.drainedSignal():
			return
		}
	}
}

// drainedSignal returns a channel that only ever fires after a drain has
// actually been started; until then it's nil, which a select simply never
// selects, so Run doesn't exit before Stop is ever called.
func (a *Actor) drainedSignal() <-chan struct{} {
	if a.drained == nil {
		return nil
	}
	return a.drained
}

// Listen parses the configured bind address (or picks an ephemeral
// loopback port), builds the initial RouteTable, binds the listener, and
// spawns the serve loop. It replies with the concrete bound address before
// the first connection is accepted.
func (a *Actor) Listen(ctx context.Context) (string, error) {
	req := listenRequest{reply: make(chan listenReply, 1)}
	select {
	case a.listenCh <- req:
	case <-a.closed:
		return "", ErrMailboxClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case rep := <-req.reply:
		return rep.addr, rep.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// PatchOne rebuilds the RouteTable from serverConfig.Routes and, on
// success, atomically installs it. On failure the current snapshot is
// retained untouched and the build error is returned. bind_address in
// serverConfig is ignored.
func (a *Actor) PatchOne(ctx context.Context, serverConfig config.ServerConfig) error {
	req := patchRequest{serverConfig: serverConfig, reply: make(chan error, 1)}
	select {
	case a.patchCh <- req:
	case <-a.closed:
		return ErrMailboxClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop triggers the shutdown token (an http.Server.Shutdown), which stops
// accepting new connections and drains in-flight ones, then replies with
// the bound address. Stop is idempotent: a second call after the drain has
// completed returns the same address and is a no-op on the listener.
func (a *Actor) Stop(ctx context.Context) (string, error) {
	req := stopRequest{reply: make(chan string, 1)}
	select {
	case a.stopCh <- req:
	case <-a.closed:
		return a.boundAddr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case addr := <-req.reply:
		return addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (a *Actor) doListen() (string, error) {
	addr := a.initial.BindAddress
	if addr == "" {
		addr = "127.0.0.1:0"
	}

	rt, err := routetable.Build(a.initial.Routes)
	if err != nil {
		return "", err
	}
	for _, w := range rt.Warnings() {
		a.logger.Warn(w)
	}
	a.routes.Store(rt)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", &BindError{Addr: addr, Cause: err}
	}

	a.boundAddr = ln.Addr().String()
	a.httpServer = &http.Server{
		Handler: http.HandlerFunc(a.serveHTTP),
	}

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- a.httpServer.Serve(ln)
	}()
	a.serveDone = serveDone

	a.logger.Infof("serveractor[%s]: listening", a.boundAddr)

	return a.boundAddr, nil
}

func (a *Actor) doPatch(serverConfig config.ServerConfig) error {
	rt, err := routetable.Build(serverConfig.Routes)
	if err != nil {
		return err
	}
	for _, w := range rt.Warnings() {
		a.logger.Warn(w)
	}

	a.routes.Store(rt)
	a.logger.Infof("serveractor[%s]: patched route table, hash=%x", a.boundAddr, rt.RouteHash())

	return nil
}

// beginDrain kicks off the shutdown token trigger-and-await in the
// background so the mailbox loop stays responsive to further (dropped)
// PatchOne messages and to concurrent Stop calls while the drain runs.
func (a *Actor) beginDrain() {
	a.drained = make(chan struct{})

	go func() {
		defer close(a.drained)

		if a.httpServer == nil {
			return
		}

		if err := a.httpServer.Shutdown(context.Background()); err != nil {
			a.logger.Errorf("serveractor[%s]: shutdown error: %v", a.boundAddr, err)
		}

		if a.serveDone != nil {
			<-a.serveDone
		}

		a.logger.Infof("serveractor[%s]: stopped", a.boundAddr)
	}()
}

func (a *Actor) replyAfterDrain(req stopRequest) {
	<-a.drained
	req.reply <- a.boundAddr
}

func (a *Actor) serveHTTP(w http.ResponseWriter, r *http.Request) {
	rt := a.routes.Load()
	a.dispatcher.ServeRoute(rt, w, r)
}
