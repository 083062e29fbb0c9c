// Package l2switch is a MAC learning switch driven by PACKET_IN messages.
package l2switch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"sync/atomic"

	"zof/apps/datapaths"
	"zof/pkg/zof"
)

const (
	// AppName is the application name.
	AppName = "l2switch"
	// ServiceName is the service registry key of the Switch.
	ServiceName = "l2switch"

	lldpEthType = 0x88cc

	// PortFlood is the forwarding decision for unknown destinations.
	PortFlood = "FLOOD"
)

// Decision is the forwarding outcome of one learned packet.
type Decision struct {
	DatapathID string
	EthSrc     string
	EthDst     string
	InPort     any
	OutPort    any
}

// Switch holds one forwarding table per datapath. PACKET_IN learning runs as an
// asynchronous task, so the tables are guarded.
type Switch struct {
	logger   *slog.Logger
	tracker  *datapaths.Tracker
	decided  func(Decision)
	lldpSeen atomic.Uint64

	mu     sync.RWMutex
	tables map[string]map[string]any
	// down holds datapaths whose channel closed; learners scheduled before CHANNEL_DOWN
	// must not recreate their tables.
	down map[string]struct{}
}

// Option configures a Switch.
type Option func(*Switch)

// WithLogger sets the switch logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Switch) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDecisionHook observes every forwarding decision.
func WithDecisionHook(hook func(Decision)) Option {
	return func(s *Switch) {
		s.decided = hook
	}
}

// New creates a switch with empty tables.
func New(options ...Option) *Switch {
	s := &Switch{
		logger:  slog.Default(),
		decided: func(Decision) {},
		tables:  make(map[string]map[string]any),
		down:    make(map[string]struct{}),
	}
	for _, option := range options {
		option(s)
	}
	if s.decided == nil {
		s.decided = func(Decision) {}
	}

	return s
}

// Install registers the switch application on host. When the datapaths service is
// available, packets from untracked datapaths are ignored.
func Install(host zof.Host, switchOptions []Option, appOptions ...zof.AppOption) (*Switch, error) {
	s := New(switchOptions...)

	tracker, err := zof.ResolveAs[*datapaths.Tracker](host.Services(), datapaths.ServiceName)
	switch {
	case err == nil:
		s.tracker = tracker
	case errors.Is(err, zof.ErrServiceNotFound):
	default:
		return nil, fmt.Errorf("install %s: %w", AppName, err)
	}

	app, err := host.NewApplication(AppName, append([]zof.AppOption{
		zof.WithBind(func() any { return s }),
	}, appOptions...)...)
	if err != nil {
		return nil, fmt.Errorf("install %s: %w", AppName, err)
	}

	// LLDP must be registered before the learner: the first matching handler wins.
	if err := app.Message("PACKET_IN", (*Switch).dropLLDP, zof.Options{"eth_type": lldpEthType}); err != nil {
		return nil, fmt.Errorf("install %s: %w", AppName, err)
	}
	if err := app.Message("PACKET_IN", zof.Async((*Switch).learn), nil); err != nil {
		return nil, fmt.Errorf("install %s: %w", AppName, err)
	}
	if err := app.Message("CHANNEL_UP", (*Switch).connect, nil); err != nil {
		return nil, fmt.Errorf("install %s: %w", AppName, err)
	}
	if err := app.Message("CHANNEL_DOWN", (*Switch).forget, nil); err != nil {
		return nil, fmt.Errorf("install %s: %w", AppName, err)
	}

	if err := host.Services().Register(ServiceName, s); err != nil {
		return nil, fmt.Errorf("install %s: %w", AppName, err)
	}

	return s, nil
}

// Lookup returns the port mac was learned on for the datapath.
func (s *Switch) Lookup(datapathID any, mac string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	port, ok := s.tables[datapaths.Key(datapathID)][normalizeMAC(mac)]
	return port, ok
}

// Table returns a copy of the forwarding table of the datapath.
func (s *Switch) Table(datapathID any) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return maps.Clone(s.tables[datapaths.Key(datapathID)])
}

// LLDPSeen returns how many LLDP frames were dropped.
func (s *Switch) LLDPSeen() uint64 {
	return s.lldpSeen.Load()
}

func (s *Switch) dropLLDP(_ context.Context, _ zof.Event) error {
	s.lldpSeen.Add(1)
	return nil
}

// learn records the source address and decides the output port. It runs as a task; the
// datapath comes from the dispatch context.
func (s *Switch) learn(ctx context.Context, event zof.Event) error {
	info, ok := zof.DispatchInfoFromContext(ctx)
	if !ok || info.DatapathID == nil {
		return fmt.Errorf("l2switch learn: missing datapath in dispatch context")
	}

	msg := event.Msg()
	pkt := event.Pkt()
	inPort, hasPort := msg["in_port"]
	src, _ := pkt["eth_src"].(string)
	dst, _ := pkt["eth_dst"].(string)
	if !hasPort || src == "" || dst == "" {
		return fmt.Errorf("l2switch learn: incomplete packet_in: in_port=%v eth_src=%q eth_dst=%q", inPort, src, dst)
	}

	key := datapaths.Key(info.DatapathID)
	decision := Decision{
		DatapathID: key,
		EthSrc:     normalizeMAC(src),
		EthDst:     normalizeMAC(dst),
		InPort:     inPort,
		OutPort:    PortFlood,
	}

	s.mu.Lock()
	if !s.acceptsLocked(key, info.DatapathID) {
		s.mu.Unlock()
		s.logger.DebugContext(ctx, "l2switch packet from inactive datapath", "datapath_id", info.DatapathID)
		return nil
	}
	table, ok := s.tables[key]
	if !ok {
		table = make(map[string]any)
		s.tables[key] = table
	}
	table[decision.EthSrc] = inPort
	if port, known := table[decision.EthDst]; known {
		decision.OutPort = port
	}
	s.mu.Unlock()

	s.decided(decision)

	return nil
}

// acceptsLocked reports whether a learner may still write the table of key. The tracker,
// when installed, is checked under s.mu so a concurrent forget cannot slip in between.
func (s *Switch) acceptsLocked(key string, datapathID any) bool {
	if _, closed := s.down[key]; closed {
		return false
	}
	if s.tracker != nil {
		if _, tracked := s.tracker.Get(datapathID); !tracked {
			return false
		}
	}

	return true
}

func (s *Switch) connect(_ context.Context, event zof.Event) error {
	id, _ := event.DatapathID()

	s.mu.Lock()
	delete(s.down, datapaths.Key(id))
	s.mu.Unlock()

	return nil
}

func (s *Switch) forget(ctx context.Context, event zof.Event) error {
	id, _ := event.DatapathID()
	key := datapaths.Key(id)

	s.mu.Lock()
	delete(s.tables, key)
	s.down[key] = struct{}{}
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "l2switch table cleared", "datapath_id", id)

	return nil
}

func normalizeMAC(mac string) string {
	return strings.ToLower(mac)
}
