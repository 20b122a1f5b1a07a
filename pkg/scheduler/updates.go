package scheduler

import (
	"sync"

	"github.com/gridfarm/worker-agent/pkg/api"
	"github.com/gridfarm/worker-agent/pkg/session"
)

// maxProgressMessage caps outgoing progress and failure messages so one noisy
// job cannot blow the schedule request past the service payload limit.
const maxProgressMessage = 4096

// board accumulates session action updates between schedule syncs. Sessions
// write into it concurrently; the scheduler snapshots it for each call and
// commits what was delivered. A terminal update is never overwritten and
// never dropped: it stays on the board until a call carrying it succeeds.
type board struct {
	mu      sync.Mutex
	gen     uint64
	entries map[string]*boardEntry
	// lastSent remembers the progress last delivered per action so unchanged
	// progress is not re-sent on every heartbeat.
	lastSent map[string]progressKey
}

type boardEntry struct {
	update session.Update
	gen    uint64
}

type progressKey struct {
	percent float64
	message string
}

// boardSnapshot is one call's worth of updates plus the generation fence used
// to commit them after delivery.
type boardSnapshot struct {
	actions map[string]api.UpdatedSessionAction
	gens    map[string]uint64
}

func newBoard() *board {
	return &board{
		entries:  make(map[string]*boardEntry),
		lastSent: make(map[string]progressKey),
	}
}

// record merges one batch of updates into the board atomically, so a failure
// and the work it doomed can never be split across two calls. Progress over
// progress replaces; anything after a terminal is ignored.
func (b *board) record(batch []session.Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, u := range batch {
		if prev, ok := b.entries[u.ActionID]; ok && prev.update.Terminal {
			continue
		}
		b.gen++
		b.entries[u.ActionID] = &boardEntry{update: u, gen: b.gen}
	}
}

// snapshot assembles the updates worth sending right now. Non-terminal
// updates whose progress matches what was last delivered are dropped; every
// message is clipped to the schedule budget.
func (b *board) snapshot() boardSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := boardSnapshot{
		actions: make(map[string]api.UpdatedSessionAction),
		gens:    make(map[string]uint64),
	}
	for id, e := range b.entries {
		a := e.update.Action
		a.ProgressMessage = clipMessage(a.ProgressMessage)
		if !e.update.Terminal {
			key := progressKey{message: a.ProgressMessage}
			if a.ProgressPercent != nil {
				key.percent = *a.ProgressPercent
			}
			if last, ok := b.lastSent[id]; ok && last == key {
				delete(b.entries, id)
				continue
			}
		}
		snap.actions[id] = a
		snap.gens[id] = e.gen
	}
	return snap
}

// commit drops delivered updates. An entry rewritten while its snapshot was
// in flight stays on the board for the next call.
func (b *board) commit(snap boardSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, gen := range snap.gens {
		e, ok := b.entries[id]
		if !ok || e.gen != gen {
			continue
		}
		if e.update.Terminal {
			delete(b.lastSent, id)
		} else {
			a := snap.actions[id]
			key := progressKey{message: a.ProgressMessage}
			if a.ProgressPercent != nil {
				key.percent = *a.ProgressPercent
			}
			b.lastSent[id] = key
		}
		delete(b.entries, id)
	}
}

// empty reports whether anything reportable remains.
func (b *board) empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries) == 0
}

func clipMessage(msg string) string {
	if len(msg) <= maxProgressMessage {
		return msg
	}
	return msg[:maxProgressMessage]
}
