// Package sequencer assigns each room to exactly one owning worker at a
// time. The owner processes that room's writes strictly sequentially, which
// is what produces the per-room total order without locks or distributed
// consensus. Rooms are independent shards; nothing here contends across
// rooms.
package sequencer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/studyhall/collab/fanout"
	"github.com/studyhall/collab/history"
	"github.com/studyhall/collab/ot"
	"github.com/studyhall/collab/types"
)

const (
	mailboxSize   = 512
	snapshotEvery = 100
)

// Owner is the single live authority for one room: it assigns sequence
// numbers and document revisions, applies operations and publishes the
// sequenced results. All of its mutable state is confined to the run loop
// goroutine; other components talk to it only through the mailbox.
type Owner struct {
	roomId  string
	mailbox chan *types.Envelope
	done    chan struct{}

	m      *Manager
	log    *history.Log
	engine *ot.Engine

	// seq is the room's sequence counter. It resumes from the durable state
	// on takeover, even when the retained log window is empty.
	seq              uint64
	opsSinceSnapshot int

	logger hclog.Logger
}

func newOwner(m *Manager, roomId string) *Owner {
	return &Owner{
		roomId:  roomId,
		mailbox: make(chan *types.Envelope, mailboxSize),
		done:    make(chan struct{}),
		m:       m,
		log:     history.NewLog(m.historySize),
		engine:  ot.NewEngine("", 0),
		logger:  m.logger.Named("owner").With("room_id", roomId),
	}
}

// submit hands an envelope to the owner without blocking. A full mailbox
// drops the envelope; the client recovers via catch-up or resync.
func (o *Owner) submit(env *types.Envelope) {
	select {
	case o.mailbox <- env:
	case <-o.done:
		o.logger.Warn("submit to stopped owner", "type", env.Type)
	default:
		o.logger.Warn("mailbox full, dropping frame", "type", env.Type, "user_id", env.UserId)
	}
}

func (o *Owner) stop() {
	close(o.done)
}

// run is the owner loop. Before accepting any write it rebuilds the working
// state from the durable store, then announces a resync so clients refetch
// the authoritative state instead of trusting anything still in flight from
// a previous owner.
func (o *Owner) run(ctx context.Context) {
	o.recover(ctx)
	for {
		select {
		case env := <-o.mailbox:
			o.handle(ctx, env)
		case <-o.done:
			o.persistSnapshot()
			return
		case <-ctx.Done():
			o.persistSnapshot()
			return
		}
	}
}

func (o *Owner) recover(ctx context.Context) {
	if o.m.persister != nil {
		var sinceSeq uint64
		if snap, err := o.m.persister.GetSnapshot(o.roomId); err != nil {
			o.logger.Error("could not load snapshot", "error", err)
		} else if snap != nil {
			o.engine = ot.NewEngine(snap.Content, snap.Revision)
			sinceSeq = snap.Seq
			o.seq = snap.Seq
		}
		entries, err := o.m.persister.EntriesSince(o.roomId, sinceSeq, o.m.historySize)
		if err != nil {
			o.logger.Error("could not load log tail", "error", err)
		}
		o.log.Load(entries)
		for _, entry := range entries {
			if entry.Kind != types.EntryKindOp {
				continue
			}
			ap := ot.AppliedOp{}
			if err := json.Unmarshal(entry.Data, &ap); err != nil {
				o.logger.Error("corrupt op entry in durable log", "seq", entry.Seq, "error", err)
				continue
			}
			if ap.Revision > o.engine.Snapshot().Revision {
				if err := o.engine.Replay(ap); err != nil {
					o.logger.Error("could not replay op entry", "seq", entry.Seq, "error", err)
				}
			}
		}
	}
	if o.log.LastSeq() > o.seq {
		o.seq = o.log.LastSeq()
	}
	snap := o.engine.Snapshot()
	o.logger.Info("owner ready", "seq", o.seq, "revision", snap.Revision)
	o.publishResync(ctx, "")
}

func (o *Owner) handle(ctx context.Context, env *types.Envelope) {
	switch env.Type {
	case types.FrameTypeJoin:
		o.handleJoin(ctx, env)
	case types.FrameTypeLeave:
		o.handleLeave(ctx, env)
	case types.FrameTypeChat:
		o.handleChat(ctx, env)
	case types.FrameTypeOp:
		o.handleOp(ctx, env)
	case types.FrameTypeCatchup:
		o.handleCatchup(ctx, env)
	default:
		o.logger.Warn("unexpected frame type in owner", "type", env.Type)
	}
}

func (o *Owner) handleChat(ctx context.Context, env *types.Envelope) {
	chat := types.ChatPayload{}
	if err := json.Unmarshal(env.Data, &chat); err != nil || chat.Text == "" {
		o.publishError(ctx, env.UserId, types.ErrMalformedOperation)
		return
	}
	entry, err := o.appendEntry(types.EntryKindChat, env.UserId, 0, env.Data)
	if err != nil {
		o.logger.Error("could not sequence chat entry", "error", err)
		return
	}
	o.publish(ctx, &types.Envelope{
		Type:   types.FrameTypeChat,
		RoomId: o.roomId,
		UserId: env.UserId,
		Seq:    entry.Seq,
		Data:   json.RawMessage(entry.Data),
	})
}

func (o *Owner) handleOp(ctx context.Context, env *types.Envelope) {
	client := ot.ClientOp{}
	if err := json.Unmarshal(env.Data, &client); err != nil {
		o.publishError(ctx, env.UserId, types.ErrMalformedOperation)
		o.publishResync(ctx, env.UserId)
		return
	}
	if client.ClientId == "" {
		client.ClientId = env.UserId
	}

	concurrent, ok := o.concurrentSince(client.BaseRevision)
	if !ok {
		// base revision older than the retained window: the client must
		// refetch the authoritative state
		o.publishResync(ctx, env.UserId)
		return
	}
	applied, err := o.engine.Apply(client, concurrent)
	if err != nil {
		o.logger.Debug("rejecting operation", "user_id", env.UserId, "error", err)
		o.publishError(ctx, env.UserId, err)
		o.publishResync(ctx, env.UserId)
		return
	}

	data, err := json.Marshal(applied)
	if err != nil {
		o.logger.Error("could not marshal applied op", "error", err)
		return
	}
	entry, err := o.appendEntry(types.EntryKindOp, env.UserId, applied.Revision, data)
	if err != nil {
		o.logger.Error("could not sequence op entry", "error", err)
		return
	}
	o.publish(ctx, &types.Envelope{
		Type:     types.FrameTypeOp,
		RoomId:   o.roomId,
		UserId:   env.UserId,
		Seq:      entry.Seq,
		Revision: applied.Revision,
		Data:     data,
	})
	o.publishAck(ctx, env.UserId, applied, entry.Seq)

	o.opsSinceSnapshot++
	if o.opsSinceSnapshot >= snapshotEvery {
		o.persistSnapshot()
		o.opsSinceSnapshot = 0
	}
}

func (o *Owner) handleJoin(ctx context.Context, env *types.Envelope) {
	meta, err := o.m.cache.Get(o.roomId)
	if err != nil {
		o.publishError(ctx, env.UserId, err)
		return
	}
	sys, _ := json.Marshal(types.SystemPayload{Event: types.SystemEventJoined, UserId: env.UserId})
	if _, err := o.appendEntry(types.EntryKindSystem, env.UserId, 0, sys); err != nil {
		o.logger.Error("could not sequence join entry", "error", err)
	}
	o.publishPresence(ctx, env.UserId, "online")

	snap := o.engine.Snapshot()
	tail, _ := o.log.Since(0)
	joined, err := json.Marshal(types.JoinedPayload{
		Room:     meta.Room,
		Content:  snap.Content,
		Revision: snap.Revision,
		Seq:      o.seq,
		History:  tail,
	})
	if err != nil {
		o.logger.Error("could not marshal joined payload", "error", err)
		return
	}
	o.publish(ctx, &types.Envelope{
		Type:     types.FrameTypeJoined,
		RoomId:   o.roomId,
		UserId:   env.UserId,
		Seq:      o.seq,
		Revision: snap.Revision,
		Data:     joined,
	})
	o.m.notify(types.SystemEventJoined, o.roomId, env.UserId)
}

func (o *Owner) handleLeave(ctx context.Context, env *types.Envelope) {
	sys, _ := json.Marshal(types.SystemPayload{Event: types.SystemEventLeft, UserId: env.UserId})
	if _, err := o.appendEntry(types.EntryKindSystem, env.UserId, 0, sys); err != nil {
		o.logger.Error("could not sequence leave entry", "error", err)
	}
	o.publishPresence(ctx, env.UserId, "offline")
	o.m.notify(types.SystemEventLeft, o.roomId, env.UserId)
}

func (o *Owner) handleCatchup(ctx context.Context, env *types.Envelope) {
	req := types.CatchupPayload{}
	if err := json.Unmarshal(env.Data, &req); err != nil {
		o.publishError(ctx, env.UserId, types.ErrMalformedOperation)
		return
	}
	entries, ok := o.log.Since(req.Since)
	if ok {
		o.publishHistory(ctx, env.UserId, entries)
		return
	}
	if o.m.persister == nil {
		// the requested range is gone and there is no durable store behind
		// the window, the client has to rebuild from the current state
		o.publishResync(ctx, env.UserId)
		return
	}
	// fell out of the retained window, serve from the durable store outside
	// the owner loop
	userId := env.UserId
	since := req.Since
	go func() {
		stored, err := o.m.persister.EntriesSince(o.roomId, since, o.m.historySize)
		if err != nil {
			o.logger.Error("could not read durable log for catch-up", "error", err)
			return
		}
		o.publishHistory(ctx, userId, stored)
	}()
}

// appendEntry assigns the next sequence number, logs the entry and hands it
// to the asynchronous log sink.
func (o *Owner) appendEntry(kind, userId string, revision uint64, data []byte) (types.Entry, error) {
	entry := types.Entry{
		RoomId:    o.roomId,
		Seq:       o.seq + 1,
		Kind:      kind,
		UserId:    userId,
		Revision:  revision,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	if err := entry.CreateId(); err != nil {
		return entry, err
	}
	o.seq = entry.Seq
	o.log.Append(entry)
	if o.m.sink != nil {
		o.m.sink.Enqueue(entry)
	}
	return entry, nil
}

func (o *Owner) persistSnapshot() {
	if o.m.persister == nil {
		return
	}
	snap := o.engine.Snapshot()
	record := types.DocumentSnapshot{
		RoomId:   o.roomId,
		Content:  snap.Content,
		Revision: snap.Revision,
		Seq:      o.seq,
		SavedAt:  time.Now().UTC(),
	}
	// durable write off the live path
	go func() {
		if err := o.m.persister.StoreSnapshot(record); err != nil {
			o.logger.Error("could not persist snapshot", "error", err)
		}
	}()
}

// concurrentSince collects the applied ops with revisions above base from
// the retained log, in revision order. ok is false when part of that range
// has already fallen out of the window.
func (o *Owner) concurrentSince(base uint64) ([]ot.AppliedOp, bool) {
	current := o.engine.Snapshot().Revision
	if base > current {
		// a base revision the document has not reached yet cannot be rebased
		return nil, false
	}
	if base == current {
		return nil, true
	}
	entries, _ := o.log.Since(0)
	ops := make([]ot.AppliedOp, 0, current-base)
	for _, entry := range entries {
		if entry.Kind != types.EntryKindOp || entry.Revision <= base {
			continue
		}
		ap := ot.AppliedOp{}
		if err := json.Unmarshal(entry.Data, &ap); err != nil {
			o.logger.Error("corrupt op entry in log", "seq", entry.Seq, "error", err)
			return nil, false
		}
		ops = append(ops, ap)
	}
	if uint64(len(ops)) != current-base {
		return nil, false
	}
	return ops, true
}

func (o *Owner) publish(ctx context.Context, env *types.Envelope) {
	channel := fanout.RoomChannel(o.m.prefix, o.roomId)
	if err := fanout.PublishEnvelope(ctx, o.m.bus, channel, env); err != nil {
		// bus-level failures are logged, never fatal to the room
		o.logger.Error("could not publish envelope", "type", env.Type, "error", err)
	}
}

func (o *Owner) publishAck(ctx context.Context, userId string, applied ot.AppliedOp, seq uint64) {
	data, err := json.Marshal(types.AckPayload{OpId: applied.OpId, Seq: seq, Revision: applied.Revision})
	if err != nil {
		return
	}
	o.publish(ctx, &types.Envelope{
		Type:     types.FrameTypeAck,
		RoomId:   o.roomId,
		UserId:   userId,
		Seq:      seq,
		Revision: applied.Revision,
		Data:     data,
	})
}

func (o *Owner) publishPresence(ctx context.Context, userId, state string) {
	data, err := json.Marshal(types.PresencePayload{UserId: userId, State: state})
	if err != nil {
		return
	}
	o.publish(ctx, &types.Envelope{
		Type:   types.FrameTypePresenceUpdate,
		RoomId: o.roomId,
		Data:   data,
	})
}

func (o *Owner) publishHistory(ctx context.Context, userId string, entries []types.Entry) {
	data, err := json.Marshal(types.HistoryPayload{Entries: entries})
	if err != nil {
		return
	}
	o.publish(ctx, &types.Envelope{
		Type:   types.FrameTypeHistory,
		RoomId: o.roomId,
		UserId: userId,
		Seq:    o.seq,
		Data:   data,
	})
}

func (o *Owner) publishResync(ctx context.Context, userId string) {
	snap := o.engine.Snapshot()
	data, err := json.Marshal(types.ResyncPayload{
		Content:  snap.Content,
		Revision: snap.Revision,
		Seq:      o.seq,
	})
	if err != nil {
		return
	}
	o.publish(ctx, &types.Envelope{
		Type:     types.FrameTypeResync,
		RoomId:   o.roomId,
		UserId:   userId,
		Seq:      o.seq,
		Revision: snap.Revision,
		Data:     data,
	})
}

func (o *Owner) publishError(ctx context.Context, userId string, err error) {
	data, merr := json.Marshal(types.ErrorPayload{Code: types.ErrorCode(err), Message: err.Error()})
	if merr != nil {
		return
	}
	o.publish(ctx, &types.Envelope{
		Type:   types.FrameTypeError,
		RoomId: o.roomId,
		UserId: userId,
		Data:   data,
	})
}
