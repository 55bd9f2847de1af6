// Package observe delivers reconciled state to channel and query watchers.
package observe

import (
	"maps"
	"slices"
	"sync"

	"github.com/matheus3301/chatkit/internal/events"
	"github.com/matheus3301/chatkit/internal/models"
)

// ChannelUpdate is pushed to the observers of one channel after a batch.
type ChannelUpdate struct {
	CID      string
	Channel  *models.Channel
	Messages []*models.Message
	Events   []events.Event
}

// QueryUpdate is pushed to a query observer when its result set changes.
type QueryUpdate struct {
	Query    string
	Upserted []*models.Channel
	Removed  []string
}

// Filter decides whether a channel belongs to a query's results.
type Filter func(*models.Channel) bool

// Registry tracks active observers. Delivery never blocks the caller.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]map[int]*ChannelObserver
	queries  map[int]*QueryObserver
	next     int
	bufSize  int
	onDrop   func()
}

func NewRegistry(bufSize int) *Registry {
	return &Registry{
		channels: make(map[string]map[int]*ChannelObserver),
		queries:  make(map[int]*QueryObserver),
		bufSize:  bufSize,
	}
}

// OnDrop registers a callback invoked whenever an update is discarded.
func (r *Registry) OnDrop(fn func()) {
	r.mu.Lock()
	r.onDrop = fn
	r.mu.Unlock()
}

// WatchChannel starts observing cid. Close the observer to stop.
func (r *Registry) WatchChannel(cid string) *ChannelObserver {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	o := &ChannelObserver{cid: cid, box: newMailbox[ChannelUpdate](r.bufSize)}
	o.release = func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.channels[cid], id)
		if len(r.channels[cid]) == 0 {
			delete(r.channels, cid)
		}
	}
	if r.channels[cid] == nil {
		r.channels[cid] = make(map[int]*ChannelObserver)
	}
	r.channels[cid][id] = o
	return o
}

// WatchQuery starts observing the channels accepted by filter. initial
// seeds the result set.
func (r *Registry) WatchQuery(name string, filter Filter, initial []*models.Channel) *QueryObserver {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	o := &QueryObserver{
		name:    name,
		filter:  filter,
		members: make(map[string]*models.Channel),
		box:     newMailbox[QueryUpdate](r.bufSize),
	}
	for _, ch := range initial {
		if filter(ch) {
			o.members[ch.CID] = ch
		}
	}
	o.release = func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.queries, id)
	}
	r.queries[id] = o
	return o
}

// ActiveChannels returns the cids with at least one observer.
func (r *Registry) ActiveChannels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.channels))
}

// PublishChannel delivers upd to every observer of upd.CID.
func (r *Registry) PublishChannel(upd ChannelUpdate) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.channels[upd.CID] {
		o.set(upd.Channel)
		if o.box.offer(upd) && r.onDrop != nil {
			r.onDrop()
		}
	}
}

// PublishQueries applies touched channels and removals to every query.
func (r *Registry) PublishQueries(touched []*models.Channel, removed []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.queries {
		if upd, changed := o.apply(touched, removed); changed {
			if o.box.offer(upd) && r.onDrop != nil {
				r.onDrop()
			}
		}
	}
}

// ChannelObserver receives updates for one channel.
type ChannelObserver struct {
	cid     string
	box     *mailbox[ChannelUpdate]
	release func()
	once    sync.Once

	mu      sync.RWMutex
	current *models.Channel
}

func (o *ChannelObserver) CID() string { return o.cid }

// Updates is closed after Close.
func (o *ChannelObserver) Updates() <-chan ChannelUpdate { return o.box.ch }

// Current returns the latest channel snapshot, or nil before the first update.
func (o *ChannelObserver) Current() *models.Channel {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.current
}

func (o *ChannelObserver) set(ch *models.Channel) {
	if ch == nil {
		return
	}
	o.mu.Lock()
	o.current = ch
	o.mu.Unlock()
}

func (o *ChannelObserver) Close() {
	o.once.Do(func() {
		o.release()
		o.box.close()
	})
}

// QueryObserver receives changes to a filtered channel list.
type QueryObserver struct {
	name    string
	filter  Filter
	box     *mailbox[QueryUpdate]
	release func()
	once    sync.Once

	mu      sync.RWMutex
	members map[string]*models.Channel
}

func (o *QueryObserver) Name() string { return o.name }

// Updates is closed after Close.
func (o *QueryObserver) Updates() <-chan QueryUpdate { return o.box.ch }

// CIDs returns the current result set.
func (o *QueryObserver) CIDs() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Sorted(maps.Keys(o.members))
}

func (o *QueryObserver) apply(touched []*models.Channel, removed []string) (QueryUpdate, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	upd := QueryUpdate{Query: o.name}
	for _, cid := range removed {
		if _, ok := o.members[cid]; ok {
			delete(o.members, cid)
			upd.Removed = append(upd.Removed, cid)
		}
	}
	for _, ch := range touched {
		if slices.Contains(removed, ch.CID) {
			continue
		}
		if o.filter(ch) {
			o.members[ch.CID] = ch
			upd.Upserted = append(upd.Upserted, ch)
		} else if _, ok := o.members[ch.CID]; ok {
			delete(o.members, ch.CID)
			upd.Removed = append(upd.Removed, ch.CID)
		}
	}
	return upd, len(upd.Upserted) > 0 || len(upd.Removed) > 0
}

func (o *QueryObserver) Close() {
	o.once.Do(func() {
		o.release()
		o.box.close()
	})
}

// MemberOf accepts channels where userID is a member and which are neither
// hidden nor deleted.
func MemberOf(userID string) Filter {
	return func(ch *models.Channel) bool {
		if ch.Hidden || ch.DeletedAt != nil {
			return false
		}
		_, ok := ch.Members[userID]
		return ok
	}
}
