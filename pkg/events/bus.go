package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bosun-dev/bosun/pkg/config"
)

// Bus is the process-wide event fan-out. Published events land in a bounded
// ring (for catch-up queries) and are delivered to every live subscriber.
// Duplicate events of the same (type, task) inside the dedup window are
// suppressed so flapping detectors cannot flood consumers.
type Bus struct {
	cfg *config.BusConfig

	mu       sync.Mutex
	ring     []Event
	start    int
	seq      int64
	lastSeen map[dedupKey]time.Time
	subs     map[int64]chan Event
	nextSub  int64
	beats    map[string]heartbeat

	cancel context.CancelFunc
	done   chan struct{}

	now func() time.Time
}

// heartbeat records the last liveness signal from one agent attempt.
type heartbeat struct {
	taskID   string
	executor string
	last     time.Time
}

// NewBus creates a stopped bus. Call Start to run the stale sweeper.
func NewBus(cfg *config.BusConfig) *Bus {
	return &Bus{
		cfg:      cfg,
		ring:     make([]Event, 0, cfg.RingCapacity),
		lastSeen: make(map[dedupKey]time.Time),
		subs:     make(map[int64]chan Event),
		beats:    make(map[string]heartbeat),
		now:      time.Now,
	}
}

// Publish appends an event to the ring and fans it out. A publish that
// repeats the (type, task) of another inside the dedup window is dropped
// silently. Slow subscribers never block the publisher: a full subscriber
// buffer drops the event for that subscriber only.
func (b *Bus) Publish(eventType, taskID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", eventType, err)
	}

	b.mu.Lock()
	now := b.now()
	key := dedupKey{eventType: eventType, taskID: taskID}
	if last, ok := b.lastSeen[key]; ok && now.Sub(last) < b.cfg.DedupWindow {
		b.mu.Unlock()
		return nil
	}
	b.lastSeen[key] = now

	b.seq++
	evt := Event{
		ID:        b.seq,
		Type:      eventType,
		TaskID:    taskID,
		Timestamp: now,
		Payload:   data,
	}
	b.appendLocked(evt)

	// Snapshot subscriber channels so sends happen outside the lock.
	chans := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chans = append(chans, ch)
	}
	b.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- evt:
		default:
			slog.Debug("Dropping event for slow subscriber", "type", eventType, "task_id", taskID)
		}
	}
	return nil
}

// appendLocked writes into the ring, overwriting the oldest entry once full.
func (b *Bus) appendLocked(evt Event) {
	if len(b.ring) < b.cfg.RingCapacity {
		b.ring = append(b.ring, evt)
		return
	}
	b.ring[b.start] = evt
	b.start = (b.start + 1) % b.cfg.RingCapacity
}

// snapshotLocked returns the retained events oldest-first.
func (b *Bus) snapshotLocked() []Event {
	out := make([]Event, 0, len(b.ring))
	out = append(out, b.ring[b.start:]...)
	out = append(out, b.ring[:b.start]...)
	return out
}

// Recent returns up to limit retained events, oldest first. A non-positive
// limit returns everything retained.
func (b *Bus) Recent(limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	all := b.snapshotLocked()
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

// Since returns retained events with ID greater than id, oldest first.
// Clients reconnecting to the WebSocket use this to close their gap.
func (b *Bus) Since(id int64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	all := b.snapshotLocked()
	for i, evt := range all {
		if evt.ID > id {
			return all[i:]
		}
	}
	return nil
}

// EventFilter selects retained events. Zero fields match everything.
type EventFilter struct {
	Type   string
	TaskID string
	Limit  int
}

// Log returns retained events matching the filter, oldest first.
func (b *Bus) Log(filter EventFilter) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	all := b.snapshotLocked()
	out := make([]Event, 0, len(all))
	for _, evt := range all {
		if filter.Type != "" && evt.Type != filter.Type {
			continue
		}
		if filter.TaskID != "" && evt.TaskID != filter.TaskID {
			continue
		}
		out = append(out, evt)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// LivenessEntry describes one tracked agent heartbeat.
type LivenessEntry struct {
	AttemptID string    `json:"attempt_id"`
	TaskID    string    `json:"task_id"`
	Executor  string    `json:"executor,omitempty"`
	LastBeat  time.Time `json:"last_beat"`
}

// Liveness snapshots the heartbeat map, sorted by attempt ID.
func (b *Bus) Liveness() []LivenessEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]LivenessEntry, 0, len(b.beats))
	for id, hb := range b.beats {
		out = append(out, LivenessEntry{
			AttemptID: id,
			TaskID:    hb.taskID,
			Executor:  hb.executor,
			LastBeat:  hb.last,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptID < out[j].AttemptID })
	return out
}

// Subscribe registers a live event channel with the given buffer size.
// The returned cancel function must be called to release the subscription;
// it closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.nextSub++
	id := b.nextSub
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
}

// Beat records a liveness signal for an agent attempt. The work-stream
// writer's observer calls this on every appended event; the sweeper turns
// silence into an agent:stale event.
func (b *Bus) Beat(attemptID, taskID, executor string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.beats[attemptID] = heartbeat{taskID: taskID, executor: executor, last: b.now()}
}

// ClearBeat removes an attempt from heartbeat tracking, typically when the
// attempt finishes.
func (b *Bus) ClearBeat(attemptID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.beats, attemptID)
}

// TrackedBeats returns the number of attempts under heartbeat tracking.
func (b *Bus) TrackedBeats() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.beats)
}

// Start launches the stale sweeper. It checks every StaleCheckInterval for
// attempts whose last heartbeat is older than StaleThreshold, publishes
// agent:stale for each, and stops tracking them.
func (b *Bus) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})

	go func() {
		defer close(b.done)
		ticker := time.NewTicker(b.cfg.StaleCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.sweepStale()
			}
		}
	}()
	slog.Info("Event bus started",
		"ring_capacity", b.cfg.RingCapacity,
		"stale_threshold", b.cfg.StaleThreshold)
}

// Stop halts the stale sweeper and waits for it to exit. Safe to call
// without a prior Start.
func (b *Bus) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
}

// sweepStale publishes agent:stale for every silent attempt and drops it
// from tracking so the alert fires once per stall.
func (b *Bus) sweepStale() {
	b.mu.Lock()
	now := b.now()
	type stale struct {
		attemptID string
		hb        heartbeat
	}
	var expired []stale
	for id, hb := range b.beats {
		if now.Sub(hb.last) > b.cfg.StaleThreshold {
			expired = append(expired, stale{attemptID: id, hb: hb})
			delete(b.beats, id)
		}
	}
	// Dedup bookkeeping ages out alongside the sweep.
	for key, last := range b.lastSeen {
		if now.Sub(last) > b.cfg.DedupWindow {
			delete(b.lastSeen, key)
		}
	}
	b.mu.Unlock()

	for _, s := range expired {
		slog.Warn("Agent heartbeat stale",
			"attempt_id", s.attemptID, "task_id", s.hb.taskID, "last_beat", s.hb.last)
		payload := AgentStalePayload{
			Type:      EventTypeAgentStale,
			AttemptID: s.attemptID,
			TaskID:    s.hb.taskID,
			Executor:  s.hb.executor,
			LastBeat:  s.hb.last.Format(time.RFC3339Nano),
			Timestamp: now.Format(time.RFC3339Nano),
		}
		if err := b.Publish(EventTypeAgentStale, s.hb.taskID, payload); err != nil {
			slog.Error("Failed to publish stale event", "attempt_id", s.attemptID, "error", err)
		}
	}
}
