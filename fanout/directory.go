package fanout

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Directory tracks the set of live server instances and derives room
// ownership from it. Ownership is never stored as a live reference: it is
// recomputed from a deterministic rendezvous hash of (room id, instance id)
// over the current live set, so a vanished instance can never leave a
// dangling owner behind. Instances announce themselves periodically on the
// cluster control channel; an instance that stops announcing ages out after
// the ttl and its rooms migrate to the surviving instances.
type Directory struct {
	self string
	ttl  time.Duration
	now  func() time.Time

	mu       sync.RWMutex
	seen     map[string]time.Time
	onChange func()

	logger hclog.Logger
}

type announcement struct {
	Instance string `json:"instance"`
}

func NewDirectory(self string, ttl time.Duration, logger hclog.Logger) *Directory {
	d := &Directory{
		self:   self,
		ttl:    ttl,
		now:    time.Now,
		seen:   map[string]time.Time{},
		logger: logger.Named("directory"),
	}
	d.seen[self] = d.now()
	return d
}

// SetOnChange registers the callback invoked whenever the live set changes.
// The sequencer uses it to start and stop room owners.
func (d *Directory) SetOnChange(f func()) {
	d.mu.Lock()
	d.onChange = f
	d.mu.Unlock()
}

// Heartbeat records a liveness announcement for an instance.
func (d *Directory) Heartbeat(instance string) {
	if instance == "" {
		return
	}
	d.mu.Lock()
	_, known := d.seen[instance]
	d.seen[instance] = d.now()
	onChange := d.onChange
	d.mu.Unlock()
	if !known {
		d.logger.Info("instance joined", "instance", instance)
		if onChange != nil {
			onChange()
		}
	}
}

// Sweep ages out instances that have stopped announcing. It returns whether
// the live set changed. The local instance never ages out.
func (d *Directory) Sweep() bool {
	cutoff := d.now().Add(-d.ttl)
	d.mu.Lock()
	changed := false
	for instance, last := range d.seen {
		if instance != d.self && last.Before(cutoff) {
			delete(d.seen, instance)
			changed = true
			d.logger.Info("instance aged out", "instance", instance)
		}
	}
	onChange := d.onChange
	d.mu.Unlock()
	if changed && onChange != nil {
		onChange()
	}
	return changed
}

// Instances returns the sorted live instance set.
func (d *Directory) Instances() []string {
	d.mu.RLock()
	instances := make([]string, 0, len(d.seen))
	for instance := range d.seen {
		instances = append(instances, instance)
	}
	d.mu.RUnlock()
	sort.Strings(instances)
	return instances
}

// Owner returns the instance owning the room: the live instance with the
// highest rendezvous score. Every instance computes the same answer from the
// same live set, no coordination required.
func (d *Directory) Owner(roomId string) string {
	owner := ""
	var best uint64
	for _, instance := range d.Instances() {
		score := rendezvousScore(roomId, instance)
		if owner == "" || score > best || (score == best && instance < owner) {
			owner = instance
			best = score
		}
	}
	return owner
}

// Owns reports whether the local instance owns the room.
func (d *Directory) Owns(roomId string) bool {
	return d.Owner(roomId) == d.self
}

// Self returns the local instance id.
func (d *Directory) Self() string { return d.self }

func rendezvousScore(roomId, instance string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(roomId))
	h.Write([]byte{0})
	h.Write([]byte(instance))
	return h.Sum64()
}

// Announce publishes one liveness announcement for the local instance.
func (d *Directory) Announce(ctx context.Context, bus Bus, prefix string) {
	payload, err := json.Marshal(announcement{Instance: d.self})
	if err != nil {
		return
	}
	if err := bus.Publish(ctx, ClusterChannel(prefix), payload); err != nil {
		d.logger.Warn("could not announce instance", "error", err)
	}
}

// RunAnnouncer periodically announces the local instance until the context
// is cancelled.
func (d *Directory) RunAnnouncer(ctx context.Context, bus Bus, prefix string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	d.Announce(ctx, bus, prefix)
	for {
		select {
		case <-ticker.C:
			d.Announce(ctx, bus, prefix)
		case <-ctx.Done():
			return
		}
	}
}

// RunListener consumes cluster announcements and feeds them into the
// directory until the context is cancelled.
func (d *Directory) RunListener(ctx context.Context, bus Bus, prefix string) error {
	sub, err := bus.Subscribe(ctx, ClusterChannel(prefix))
	if err != nil {
		return err
	}
	go func() {
		defer sub.Close()
		for {
			select {
			case payload, ok := <-sub.C():
				if !ok {
					return
				}
				ann := announcement{}
				if err := json.Unmarshal(payload, &ann); err != nil {
					d.logger.Warn("malformed cluster announcement", "error", err)
					continue
				}
				d.Heartbeat(ann.Instance)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
