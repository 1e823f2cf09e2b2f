// Package supervisor implements the reconciliation core: it holds the set
// of live ServerActors, computes the delta against a freshly parsed
// Config, and applies start/stop/patch messages concurrently while
// serialising anything that collides on a literal bind address.
//
// The Supervisor is itself an actor (its own single-threaded mailbox),
// grounded the same way serveractor.Actor is: a goroutine selecting over
// typed request channels, generalising the teacher's per-process
// sync.WaitGroup shutdown coordination (air.go's AddShutdownJob) into a
// fan-out/fan-in join built on golang.org/x/sync/errgroup, the structured
// concurrency idiom the wider example pack favours over raw WaitGroups.
package supervisor

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fleetd/fleetd/internal/config"
	"github.com/fleetd/fleetd/internal/fswatch"
	"github.com/fleetd/fleetd/internal/logging"
	"github.com/fleetd/fleetd/internal/serveractor"
)

// handle is the supervisor's private bookkeeping for one live ServerActor,
// corresponding to the spec's ServerHandle.
type handle struct {
	bindKey      string // the configured bind_address; empty for ephemeral
	ephemeral    bool
	ephemeralPos int // identity for entries with no bind_address, by order
	actor        *serveractor.Actor
	boundAddr    string
	cfg          config.ServerConfig
}

type startRequest struct {
	configs []config.ServerConfig
	reply   chan error
}

type fsEventRequest struct {
	path string
}

type stopAllRequest struct {
	reply chan struct{}
}

// Supervisor reconciles desired Config state against the live fleet of
// ServerActors. Construct with New and run its mailbox loop with Run.
type Supervisor struct {
	logger *logging.Logger

	startCh   chan startRequest
	fsEventCh chan fsEventRequest
	stopAllCh chan stopAllRequest
	closed    chan struct{}

	// mu guards handlers: computeDelta's result sets are applied by
	// concurrent per-address-group goroutines (see applyFsWatchEvent),
	// so adopt/removeStopped/stopHandler's bookkeeping writes need it
	// even though the mailbox loop itself is single-threaded.
	mu       sync.Mutex
	handlers []*handle
	terminal bool
}

// New returns a Supervisor with an empty fleet.
func New(logger *logging.Logger) *Supervisor {
	return &Supervisor{
		logger:    logger,
		startCh:   make(chan startRequest),
		fsEventCh: make(chan fsEventRequest),
		stopAllCh: make(chan stopAllRequest),
		closed:    make(chan struct{}),
	}
}

// Run is the supervisor's mailbox loop. It returns once StopAll has been
// processed and every child has acknowledged its stop.
func (s *Supervisor) Run(ctx context.Context) {
	defer close(s.closed)

	for {
		select {
		case <-ctx.Done():
			return

		case req := <-s.startCh:
			if s.terminal {
				req.reply <- fmt.Errorf("supervisor: Start received after StopAll")
				continue
			}
			s.applyStart(ctx, req.configs)
			req.reply <- nil

		case req := <-s.fsEventCh:
			if s.terminal {
				continue
			}
			s.applyFsWatchEvent(ctx, req.path)

		case req := <-s.stopAllCh:
			s.applyStopAll(ctx)
			s.terminal = true
			close(req.reply)
			return
		}
	}
}

// Start spawns one ServerActor per config and awaits every Listen reply.
// Failed binds are logged and discarded; successful ones are appended
// under I1 (a duplicate bind_key replaces and stops the earlier handler).
func (s *Supervisor) Start(ctx context.Context, configs []config.ServerConfig) error {
	reply := make(chan error, 1)
	select {
	case s.startCh <- startRequest{configs: configs, reply: reply}:
	case <-s.closed:
		return fmt.Errorf("supervisor: mailbox closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotifyFsWatchEvent implements fswatch.Recipient: the supervisor
// re-parses the changed file and reconciles.
func (s *Supervisor) NotifyFsWatchEvent(e fswatch.Event) {
	select {
	case s.fsEventCh <- fsEventRequest{path: e.AbsolutePath}:
	case <-s.closed:
	}
}

// StopAll stops every live handler via a fan-in join and marks the
// supervisor terminal: no further Start or FsWatchEvent is accepted.
func (s *Supervisor) StopAll(ctx context.Context) {
	reply := make(chan struct{})
	select {
	case s.stopAllCh <- stopAllRequest{reply: reply}:
	case <-s.closed:
		return
	}
	<-reply
}

func (s *Supervisor) applyStart(ctx context.Context, configs []config.ServerConfig) {
	type result struct {
		h   *handle
		err error
	}

	results := make([]result, len(configs))

	g, gctx := errgroup.WithContext(ctx)
	for i, cfg := range configs {
		i, cfg := i, cfg
		g.Go(func() error {
			h := &handle{cfg: cfg}
			if key, ok := cfg.BindKey(); ok {
				h.bindKey = key
			} else {
				h.ephemeral = true
			}

			logger := s.logger
			if logger != nil && h.bindKey != "" {
				logger = logger.With(map[string]any{"bind_key": h.bindKey})
			}

			h.actor = serveractor.New(cfg, logger)
			go h.actor.Run()

			addr, err := h.actor.Listen(gctx)
			if err != nil {
				if s.logger != nil {
					s.logger.Warnf("supervisor: Listen failed for %q: %v", cfg.BindAddress, err)
				}
				results[i] = result{err: err}
				return nil
			}

			h.boundAddr = addr
			results[i] = result{h: h}
			return nil
		})
	}
	// errgroup.Go funcs never return non-nil error here; binds are
	// logged and swallowed so one failed listener can't abort the rest.
	_ = g.Wait()

	for _, r := range results {
		if r.h == nil {
			continue
		}
		s.adopt(r.h)
	}
}

// adopt inserts h into handlers, enforcing I1 for keyed handlers and
// assigning the next position for ephemeral ones.
func (s *Supervisor) adopt(h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !h.ephemeral {
		for i, existing := range s.handlers {
			if !existing.ephemeral && existing.bindKey == h.bindKey {
				s.handlers[i] = h
				go s.stopHandler(context.Background(), existing)
				return
			}
		}
		s.handlers = append(s.handlers, h)
		return
	}

	h.ephemeralPos = s.nextEphemeralPosLocked()
	s.handlers = append(s.handlers, h)
}

func (s *Supervisor) nextEphemeralPosLocked() int {
	max := -1
	for _, h := range s.handlers {
		if h.ephemeral && h.ephemeralPos > max {
			max = h.ephemeralPos
		}
	}
	return max + 1
}

func (s *Supervisor) applyFsWatchEvent(ctx context.Context, path string) {
	cfg, err := config.Load(path)
	if err != nil {
		if s.logger != nil {
			s.logger.Errorf("supervisor: reconciliation parse failed for %q: %v", path, err)
		}
		return
	}

	toStop, toStart, toPatch := s.computeDelta(cfg.Servers)

	groups := groupByAddress(toStop, toStart, toPatch)

	var g errgroup.Group
	for _, grp := range groups {
		grp := grp
		g.Go(func() error {
			for _, h := range grp.stop {
				s.stopHandler(ctx, h)
			}
			for _, pc := range grp.patch {
				if err := pc.handle.actor.PatchOne(ctx, pc.cfg); err != nil && s.logger != nil {
					s.logger.Warnf("supervisor: PatchOne failed for %q: %v", pc.handle.bindKey, err)
				} else if err == nil {
					pc.handle.cfg = pc.cfg
				}
			}
			if len(grp.start) > 0 {
				s.applyStart(ctx, grp.start)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.removeStopped()
}

type patchPair struct {
	handle *handle
	cfg    config.ServerConfig
}

type addressGroup struct {
	stop  []*handle
	patch []patchPair
	start []config.ServerConfig
}

// groupByAddress partitions the three reconciliation sets by literal
// configured bind address so that a stop and a start colliding on the
// same address are serialised (stop completes before the start for that
// address is attempted), while unrelated addresses proceed concurrently.
// Ephemeral entries never collide with anything and get their own group.
func groupByAddress(toStop []*handle, toStart []config.ServerConfig, toPatch []patchPair) []*addressGroup {
	byAddr := map[string]*addressGroup{}
	var ephemeral []*addressGroup

	group := func(addr string, ephemeral_ bool) *addressGroup {
		if ephemeral_ {
			g := &addressGroup{}
			return g
		}
		g, ok := byAddr[addr]
		if !ok {
			g = &addressGroup{}
			byAddr[addr] = g
		}
		return g
	}

	for _, h := range toStop {
		g := group(h.bindKey, h.ephemeral)
		g.stop = append(g.stop, h)
		if h.ephemeral {
			ephemeral = append(ephemeral, g)
		}
	}
	for _, p := range toPatch {
		g := group(p.handle.bindKey, p.handle.ephemeral)
		g.patch = append(g.patch, p)
		if p.handle.ephemeral {
			ephemeral = append(ephemeral, g)
		}
	}
	for _, cfg := range toStart {
		addr := cfg.BindAddress
		g := group(addr, addr == "")
		g.start = append(g.start, cfg)
		if addr == "" {
			ephemeral = append(ephemeral, g)
		}
	}

	groups := make([]*addressGroup, 0, len(byAddr)+len(ephemeral))
	for _, g := range byAddr {
		groups = append(groups, g)
	}
	groups = append(groups, ephemeral...)
	return groups
}

// computeDelta splits desired against current handlers into the three
// reconciliation sets described in §4.5: keyed entries match by bind_key,
// entries without a configured bind_address match by position among the
// ephemeral subset.
func (s *Supervisor) computeDelta(desired []config.ServerConfig) (toStop []*handle, toStart []config.ServerConfig, toPatch []patchPair) {
	currentKeyed := map[string]*handle{}
	var currentEphemeral []*handle
	for _, h := range s.handlers {
		if h.ephemeral {
			currentEphemeral = append(currentEphemeral, h)
		} else {
			currentKeyed[h.bindKey] = h
		}
	}

	desiredKeyed := map[string]config.ServerConfig{}
	var desiredEphemeral []config.ServerConfig
	for _, cfg := range desired {
		if key, ok := cfg.BindKey(); ok {
			desiredKeyed[key] = cfg
		} else {
			desiredEphemeral = append(desiredEphemeral, cfg)
		}
	}

	for key, h := range currentKeyed {
		if cfg, ok := desiredKeyed[key]; ok {
			toPatch = append(toPatch, patchPair{handle: h, cfg: cfg})
		} else {
			toStop = append(toStop, h)
		}
	}
	for key, cfg := range desiredKeyed {
		if _, ok := currentKeyed[key]; !ok {
			toStart = append(toStart, cfg)
		}
	}

	overlap := len(currentEphemeral)
	if len(desiredEphemeral) < overlap {
		overlap = len(desiredEphemeral)
	}
	for i := 0; i < overlap; i++ {
		toPatch = append(toPatch, patchPair{handle: currentEphemeral[i], cfg: desiredEphemeral[i]})
	}
	for i := overlap; i < len(currentEphemeral); i++ {
		toStop = append(toStop, currentEphemeral[i])
	}
	for i := overlap; i < len(desiredEphemeral); i++ {
		toStart = append(toStart, desiredEphemeral[i])
	}

	return toStop, toStart, toPatch
}

func (s *Supervisor) stopHandler(ctx context.Context, h *handle) {
	if _, err := h.actor.Stop(ctx); err != nil && s.logger != nil {
		s.logger.Warnf("supervisor: Stop failed for %q: %v", h.bindKey, err)
	}
	s.mu.Lock()
	h.boundAddr = ""
	s.mu.Unlock()
}

// removeStopped drops every handler whose actor has an empty bound
// address, i.e. those stopHandler has already drained.
func (s *Supervisor) removeStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.handlers[:0]
	for _, h := range s.handlers {
		if h.boundAddr == "" {
			continue
		}
		live = append(live, h)
	}
	s.handlers = live
}

func (s *Supervisor) applyStopAll(ctx context.Context) {
	var g errgroup.Group
	for _, h := range s.handlers {
		h := h
		g.Go(func() error {
			s.stopHandler(ctx, h)
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	s.handlers = nil
	s.mu.Unlock()
}

// Handlers returns a snapshot of the currently live bind addresses, for
// diagnostics and tests.
func (s *Supervisor) Handlers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs := make([]string, 0, len(s.handlers))
	for _, h := range s.handlers {
		addrs = append(addrs, h.boundAddr)
	}
	return addrs
}
