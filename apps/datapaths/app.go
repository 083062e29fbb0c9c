// Package datapaths tracks connected switches from channel and features messages and
// publishes the table to other applications as the "datapaths" service.
package datapaths

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"zof/pkg/zof"
)

const (
	// AppName is the application name.
	AppName = "datapaths"
	// ServiceName is the service registry key of the Tracker.
	ServiceName = "datapaths"
	// DefaultPrecedence runs the tracker ahead of applications that consult it.
	DefaultPrecedence = 1000
)

// Datapath is the tracked state of one switch.
type Datapath struct {
	// ID is the datapath_id as received.
	ID any
	// ConnID is the connection the switch was last seen on.
	ConnID any
	// Features holds the FEATURES_REPLY message fields, when received.
	Features map[string]any
}

// Tracker is the datapath table. Handlers are registered as method expressions and bound
// to the tracker through the application bind instance.
type Tracker struct {
	ready     atomic.Bool
	mu        sync.RWMutex
	datapaths map[string]Datapath
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{datapaths: make(map[string]Datapath)}
}

// Install registers the tracker application on host and publishes the tracker service.
func Install(host zof.Host, options ...zof.AppOption) (*Tracker, error) {
	tracker := NewTracker()

	appOptions := append([]zof.AppOption{
		zof.WithPrecedence(DefaultPrecedence),
		zof.WithBind(func() any { return tracker }),
	}, options...)
	app, err := host.NewApplication(AppName, appOptions...)
	if err != nil {
		return nil, fmt.Errorf("install %s: %w", AppName, err)
	}

	registrations := []struct {
		subtype  string
		callback any
	}{
		{subtype: "CHANNEL_UP", callback: (*Tracker).channelUp},
		{subtype: "FEATURES_REPLY", callback: (*Tracker).featuresReply},
		{subtype: "CHANNEL_DOWN", callback: (*Tracker).channelDown},
	}
	for _, registration := range registrations {
		if err := app.Message(registration.subtype, registration.callback, nil); err != nil {
			return nil, fmt.Errorf("install %s: %w", AppName, err)
		}
	}

	if err := app.Event(zof.EventStart, (*Tracker).markReady, nil); err != nil {
		return nil, fmt.Errorf("install %s: %w", AppName, err)
	}

	if err := host.Services().Register(ServiceName, tracker); err != nil {
		return nil, fmt.Errorf("install %s: %w", AppName, err)
	}

	return tracker, nil
}

// Get returns the datapath tracked under id.
func (t *Tracker) Get(id any) (Datapath, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	datapath, ok := t.datapaths[Key(id)]
	if !ok {
		return Datapath{}, false
	}

	return datapath.clone(), true
}

// List returns every tracked datapath ordered by key.
func (t *Tracker) List() []Datapath {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := slices.Sorted(maps.Keys(t.datapaths))
	list := make([]Datapath, 0, len(keys))
	for _, key := range keys {
		list = append(list, t.datapaths[key].clone())
	}

	return list
}

// Len returns how many datapaths are connected.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.datapaths)
}

// Ready reports whether the controller has started dispatching.
func (t *Tracker) Ready() bool {
	return t.ready.Load()
}

// Key normalizes a datapath_id value into the table key.
func Key(id any) string {
	return strings.ToUpper(fmt.Sprint(id))
}

func (t *Tracker) channelUp(_ context.Context, event zof.Event) error {
	id, _ := event.DatapathID()
	connID, _ := event.ConnID()

	t.mu.Lock()
	defer t.mu.Unlock()

	datapath := t.datapaths[Key(id)]
	datapath.ID = id
	datapath.ConnID = connID
	t.datapaths[Key(id)] = datapath

	return nil
}

func (t *Tracker) featuresReply(_ context.Context, event zof.Event) error {
	id, _ := event.DatapathID()
	connID, _ := event.ConnID()

	t.mu.Lock()
	defer t.mu.Unlock()

	datapath, ok := t.datapaths[Key(id)]
	if !ok {
		datapath = Datapath{ID: id, ConnID: connID}
	}
	datapath.Features = maps.Clone(event.Msg())
	t.datapaths[Key(id)] = datapath

	return nil
}

func (t *Tracker) channelDown(_ context.Context, event zof.Event) error {
	id, _ := event.DatapathID()

	t.mu.Lock()
	delete(t.datapaths, Key(id))
	t.mu.Unlock()

	return nil
}

func (t *Tracker) markReady(context.Context, zof.Event) {
	t.ready.Store(true)
}

func (d Datapath) clone() Datapath {
	d.Features = maps.Clone(d.Features)
	return d
}
