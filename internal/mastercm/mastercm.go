// Package mastercm implements the master side of the change-propagation
// protocol: slaves send fragmented commits, the master reassembles,
// orders and applies them, and hands each resulting version to the owning
// object through NotifyNewVersion. AddOldMaster sends a newly enrolled
// subscriber the current version.
package mastercm

import (
	"fmt"
	"sync"
	"time"

	"github.com/wangjia184/sortedset"
)

// dedupTTL is how long an applied commit ID is remembered, long enough to
// absorb a slave's retransmitted commit after a lost acknowledgement.
const dedupTTL = 10 * time.Minute

// CommitID identifies one slave commit in flight.
type CommitID uint32

// Version is the master object's monotonically increasing version number.
type Version uint64

// VersionNext and VersionHead name the two sync() targets spec §4.5
// describes: wait for the next version to arrive, or jump straight to
// whatever the head version currently is.
const (
	VersionNext Version = 0
	VersionHead Version = ^Version(0)
)

// maxPending is the bound on in-flight partial commits named in spec §9's
// Open Question. The original only asserts this never happens; this
// reimplementation returns ErrTooManyPendingCommits instead.
const maxPending = 100

// ErrTooManyPendingCommits is returned by AddFragment when accepting one
// more partial commit would exceed maxPending.
var ErrTooManyPendingCommits = fmt.Errorf("mastercm: too many pending commits, limit is %d", maxPending)

// ErrUnknownCommit names a reference to a CommitID the master has no
// record of. No function in this package returns it.
var ErrUnknownCommit = fmt.Errorf("mastercm: unknown commit id")

// Object is the seam the owning master object implements, matching spec
// §6's integration contract.
type Object interface {
	Unpack(data []byte) (interface{}, error)
	NotifyNewVersion(v Version, payload interface{})
	Send(to NodeID, data []byte) error
	GetLocalNode() NodeID
	GetInstanceID() uint32
	GetID() uint32
}

// NodeID identifies a slave or the master itself.
type NodeID uint32

// partial is one commit's reassembly state while its fragments are still
// arriving.
type partial struct {
	id     CommitID
	from   NodeID
	chunks [][]byte
	want   int
	got    int
}

func (p *partial) complete() bool { return p.got >= p.want }

func (p *partial) assemble() []byte {
	total := 0
	for _, c := range p.chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range p.chunks {
		out = append(out, c...)
	}
	return out
}

// MasterCM reassembles fragmented slave commits, orders them, applies them
// to obj and reports the resulting version to obj, per spec §4.5.
type MasterCM struct {
	obj Object

	mu      sync.Mutex
	pending map[CommitID]*partial
	order   *sortedset.SortedSet // arrival order, for bounded-eviction diagnostics

	queue *queue
	dedup *dedup

	version   Version
	oldMaster map[NodeID]bool

	subscribers   map[NodeID]uint32    // peer -> instanceID, de-duplicated
	subscriberIDs *sortedset.SortedSet // same peers, kept sorted by NodeID
}

// New creates a MasterCM applying commits to obj.
func New(obj Object) *MasterCM {
	return &MasterCM{
		obj:       obj,
		pending:   make(map[CommitID]*partial),
		order:     sortedset.New(),
		queue:         newQueue(),
		dedup:         newDedup(dedupTTL),
		oldMaster:     make(map[NodeID]bool),
		subscribers:   make(map[NodeID]uint32),
		subscriberIDs: sortedset.New(),
	}
}

// Close releases resources held by the dedup cache's background eviction.
func (m *MasterCM) Close() {
	m.dedup.close()
}

// AddFragment folds one fragment of a slave's commit into the reassembly
// buffer. nTotal is the total number of fragments this commit is split
// into, known from the first fragment's header. Once the last fragment
// arrives the commit is applied immediately — unpacked, versioned and
// handed to NotifyNewVersion — the same way the original's
// _cmdSlaveDelta applies a delta as soon as it is fully reassembled
// rather than waiting for a separate commit call; the queue only holds
// the resulting version for CommitNB/CommitSync/Sync(VersionNext) to
// drain in arrival order.
func (m *MasterCM) AddFragment(id CommitID, from NodeID, index, nTotal int, chunk []byte) error {
	if m.dedup.has(id) {
		return nil
	}

	m.mu.Lock()
	p, ok := m.pending[id]
	if !ok {
		if len(m.pending) >= maxPending {
			m.mu.Unlock()
			return ErrTooManyPendingCommits
		}
		p = &partial{id: id, from: from, chunks: make([][]byte, nTotal), want: nTotal}
		m.pending[id] = p
		m.order.AddOrUpdate(fmt.Sprint(id), sortedset.SCORE(len(m.pending)), id)
	}

	if index >= len(p.chunks) {
		m.mu.Unlock()
		return fmt.Errorf("mastercm: fragment index %d out of range for commit %d", index, id)
	}
	if p.chunks[index] == nil {
		p.chunks[index] = chunk
		p.got++
	}

	complete := p.complete()
	if complete {
		delete(m.pending, id)
		m.order.Remove(fmt.Sprint(id))
	}
	m.mu.Unlock()

	if complete {
		m.apply(p)
	}
	return nil
}

// PendingCount reports how many commits are mid-reassembly, part of the
// metrics surface exposed via Stats.
func (m *MasterCM) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// CommitNB drains the next already-applied version from the queue
// without blocking. If nothing is queued it returns (0, false).
func (m *MasterCM) CommitNB() (Version, bool) {
	entry, ok := m.queue.pop()
	if !ok {
		return 0, false
	}
	return entry.version, true
}

// CommitSync blocks until a commit has been applied and drains its
// version from the queue.
func (m *MasterCM) CommitSync() Version {
	return m.queue.popBlocking().version
}

// apply unpacks and applies one fully-reassembled commit, bumps the
// master's version and notifies the owning object, then queues the
// version for Sync/CommitNB/CommitSync to drain.
func (m *MasterCM) apply(p *partial) {
	m.dedup.mark(p.id)
	payload, err := m.obj.Unpack(p.assemble())

	m.mu.Lock()
	m.version++
	v := m.version
	m.mu.Unlock()

	if err != nil {
		return
	}
	m.obj.NotifyNewVersion(v, payload)
	m.queue.push(commitEntry{id: p.id, from: p.from, version: v})
}

// Sync waits for the version named by target (VersionNext or
// VersionHead) and returns it, per spec §4.5. VersionNext pops and
// returns the next applied commit's version directly off the queue,
// mirroring CommitSync's blocking pop — it does not require a separate
// CommitNB/CommitSync call to unblock. The unpack into the object already
// happened in apply() when the commit's last fragment arrived; by the
// time VersionNext pops an entry here there is nothing left to unpack,
// only the resulting version number to hand back.
func (m *MasterCM) Sync(target Version) Version {
	if target == VersionHead {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.version
	}
	return m.queue.popBlocking().version
}

// AddOldMaster records a previous master so its in-flight commits are
// still honored during a master handoff, and enrolls peer as a subscriber
// of this master's version stream (spec §4.5): peer joins the sorted,
// de-duplicated subscriber list and is sent a VersionAnnounce carrying the
// current version. The list is keyed by peer alone; instanceID is stored
// for peer and replaces any value recorded by an earlier call.
func (m *MasterCM) AddOldMaster(peer NodeID, instanceID uint32) error {
	m.mu.Lock()
	m.oldMaster[peer] = true
	if _, known := m.subscribers[peer]; !known {
		m.subscriberIDs.AddOrUpdate(fmt.Sprint(peer), sortedset.SCORE(peer), peer)
	}
	m.subscribers[peer] = instanceID
	v := m.version
	m.mu.Unlock()

	data, err := EncodeVersionAnnounce(v)
	if err != nil {
		return fmt.Errorf("mastercm: encode version announce for %d: %w", peer, err)
	}
	if err := m.obj.Send(peer, data); err != nil {
		return fmt.Errorf("mastercm: send version announce to %d: %w", peer, err)
	}
	return nil
}

// Subscribers returns the known subscriber NodeIDs in sorted order.
func (m *MasterCM) Subscribers() []NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()
	nodes := m.subscriberIDs.GetByRankRange(1, -1, false)
	out := make([]NodeID, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Value.(NodeID))
	}
	return out
}

// IsOldMaster reports whether n was a previous master.
func (m *MasterCM) IsOldMaster(n NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.oldMaster[n]
}

// Stats is the metrics surface SPEC_FULL.md's instrumentation section
// names: pending/queued depth and last-applied version.
type Stats struct {
	Pending     int
	Queued      int
	LastVersion Version
}

// Stats snapshots the current counters.
func (m *MasterCM) Stats() Stats {
	m.mu.Lock()
	v := m.version
	p := len(m.pending)
	m.mu.Unlock()
	return Stats{Pending: p, Queued: m.queue.len(), LastVersion: v}
}
