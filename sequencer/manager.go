package sequencer

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/studyhall/collab/cache"
	"github.com/studyhall/collab/fanout"
	"github.com/studyhall/collab/notify"
	"github.com/studyhall/collab/persistence"
	"github.com/studyhall/collab/types"
)

// Manager routes room writes to the owning instance. Locally owned rooms get
// a lazily started Owner worker; writes for rooms owned elsewhere are
// forwarded over the owning instance's forward channel on the bus. When the
// live instance set changes it stops the owners that migrated away, so at any
// point in time each room has at most one live owner in the cluster.
type Manager struct {
	bus       fanout.Bus
	directory *fanout.Directory
	persister persistence.Persister
	sink      *persistence.LogSink
	cache     *cache.RoomCache
	notifier  notify.Notifier

	prefix      string
	historySize int

	mu     sync.Mutex
	owners map[string]*Owner

	ctx    context.Context
	cancel context.CancelFunc
	logger hclog.Logger
}

func NewManager(bus fanout.Bus, directory *fanout.Directory, persister persistence.Persister, sink *persistence.LogSink, roomCache *cache.RoomCache, notifier notify.Notifier, prefix string, historySize int, logger hclog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		bus:         bus,
		directory:   directory,
		persister:   persister,
		sink:        sink,
		cache:       roomCache,
		notifier:    notifier,
		prefix:      prefix,
		historySize: historySize,
		owners:      map[string]*Owner{},
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.Named("sequencer"),
	}
	directory.SetOnChange(m.Rebalance)
	return m
}

// Submit routes a client frame into the room's total order. Frames for
// locally owned rooms go straight into the owner mailbox; everything else is
// forwarded to the owning instance. Submit never blocks on the room worker.
func (m *Manager) Submit(ctx context.Context, env *types.Envelope) error {
	if env.RoomId == "" {
		return types.ErrRoomNotFound
	}
	owner := m.directory.Owner(env.RoomId)
	if owner == "" {
		return types.ErrOwnerUnavailable
	}
	if owner == m.directory.Self() {
		m.localOwner(env.RoomId).submit(env)
		return nil
	}
	return fanout.PublishEnvelope(ctx, m.bus, fanout.InstanceChannel(m.prefix, owner), env)
}

// localOwner returns the running owner for the room, starting one on first
// use.
func (m *Manager) localOwner(roomId string) *Owner {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.owners[roomId]; ok {
		return o
	}
	o := newOwner(m, roomId)
	m.owners[roomId] = o
	go o.run(m.ctx)
	m.logger.Info("started room owner", "room_id", roomId)
	return o
}

// RunForwardListener consumes frames forwarded by other instances for rooms
// this instance owns. A frame that arrives during an ownership handover is
// re-submitted, which forwards it onward to the new owner.
func (m *Manager) RunForwardListener(ctx context.Context) error {
	sub, err := m.bus.Subscribe(ctx, fanout.InstanceChannel(m.prefix, m.directory.Self()))
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
				env, err := fanout.DecodeEnvelope(payload)
				if err != nil {
					m.logger.Warn("malformed forwarded frame", "error", err)
					continue
				}
				if err := m.Submit(ctx, env); err != nil {
					m.logger.Warn("could not route forwarded frame", "room_id", env.RoomId, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Rebalance stops the owners of rooms that migrated to another instance
// after a live-set change. Owners persist their document snapshot on stop,
// so the next owner recovers from the durable store.
func (m *Manager) Rebalance() {
	m.mu.Lock()
	var stopped []string
	for roomId, o := range m.owners {
		if !m.directory.Owns(roomId) {
			o.stop()
			delete(m.owners, roomId)
			stopped = append(stopped, roomId)
		}
	}
	m.mu.Unlock()
	for _, roomId := range stopped {
		m.logger.Info("room migrated away", "room_id", roomId, "new_owner", m.directory.Owner(roomId))
	}
}

// Stop shuts down all local owners.
func (m *Manager) Stop() {
	m.cancel()
	m.mu.Lock()
	for roomId, o := range m.owners {
		o.stop()
		delete(m.owners, roomId)
	}
	m.mu.Unlock()
}

// InvalidateRoom drops the cached metadata for the room, typically after a
// membership change.
func (m *Manager) InvalidateRoom(roomId string) {
	if m.cache != nil {
		m.cache.Invalidate(roomId)
	}
}

func (m *Manager) notify(event, roomId, userId string) {
	if m.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.notifier.RoomEvent(ctx, event, roomId, userId); err != nil {
			m.logger.Warn("room event notification failed", "event", event, "room_id", roomId, "error", err)
		}
	}()
}
