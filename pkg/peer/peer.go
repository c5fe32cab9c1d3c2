// Package peer tracks connected swarm peers: their chunk availability,
// throughput and reliability scores, and per-peer concurrency limits. The
// rarity index is an availability-bucket structure (dense per-rarity
// buckets with O(1) membership moves) adapted from a BitTorrent-style
// rarest-first piece picker.
package peer

import (
	"log/slog"
	"math/rand"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Info is everything the manager tracks about one connected peer.
// ActiveRequests mirrors the count of weights currently held from sem;
// it exists so callers (Select, diagnostics) can read the count without
// acquiring or releasing anything. sem is the actual concurrency gate:
// BeginRequest only admits a request when TryAcquire succeeds, so a
// caller that bypasses Select's pre-check can never push a peer over
// its MaxConcurrent cap.
type Info struct {
	ID             string
	Successful     int
	Failed         int
	Timeouts       int
	AvgSpeedMiBps  float64
	ActiveRequests int
	MaxConcurrent  int
	Banned         bool
	sem            *semaphore.Weighted
}

// score implements the §4.6 formula:
//
//	score = success_rate * (1 + min(avg_speed_MiB/s, 10)) * max(0, 1 - 0.1*timeouts)
func (p *Info) score() float64 {
	total := p.Successful + p.Failed
	successRate := 1.0 // no history yet: optimistic default
	if total > 0 {
		successRate = float64(p.Successful) / float64(total)
	}
	speedTerm := p.AvgSpeedMiBps
	if speedTerm > 10 {
		speedTerm = 10
	}
	timeoutTerm := 1 - 0.1*float64(p.Timeouts)
	if timeoutTerm < 0 {
		timeoutTerm = 0
	}
	return successRate * (1 + speedTerm) * timeoutTerm
}

// shouldBan implements the §4.6 banning rule: 10+ recorded outcomes with
// success rate below 50%, or more than 5 timeouts.
func (p *Info) shouldBan() bool {
	total := p.Successful + p.Failed
	if total >= 10 && float64(p.Successful)/float64(total) < 0.5 {
		return true
	}
	return p.Timeouts > 5
}

// availabilityBucket tracks, for each chunk index, how many known peers
// have it, via dense per-rarity buckets — O(1) membership updates and
// O(1)-ish access to the rarest non-empty bucket.
type availabilityBucket struct {
	buckets  [][]int // buckets[a] = dense list of chunk indices with availability a
	avail    []int
	pos      []int
	maxAvail int
}

func newAvailabilityBucket(chunkCount, maxAvail int) *availabilityBucket {
	b := &availabilityBucket{
		maxAvail: maxAvail,
		buckets:  make([][]int, maxAvail+1),
		avail:    make([]int, chunkCount),
		pos:      make([]int, chunkCount),
	}
	b.buckets[0] = make([]int, chunkCount)
	for i := 0; i < chunkCount; i++ {
		b.buckets[0][i] = i
		b.pos[i] = i
	}
	return b
}

func (b *availabilityBucket) move(i, delta int) {
	old := b.avail[i]
	next := old + delta
	if next < 0 {
		next = 0
	} else if next > b.maxAvail {
		next = b.maxAvail
	}
	if next == old {
		return
	}

	ob := b.buckets[old]
	p := b.pos[i]
	last := len(ob) - 1
	ob[p] = ob[last]
	b.pos[ob[p]] = p
	b.buckets[old] = ob[:last]

	nb := append(b.buckets[next], i)
	b.pos[i] = len(nb) - 1
	b.buckets[next] = nb

	b.avail[i] = next
}

// rarest returns chunk indices ordered from rarest (lowest nonzero
// availability) to most common, skipping chunks with zero availability
// (no known peer has them).
func (b *availabilityBucket) rarest() []int {
	var out []int
	for a := 1; a <= b.maxAvail; a++ {
		out = append(out, b.buckets[a]...)
	}
	return out
}

func (b *availabilityBucket) count(i int) int {
	if i < 0 || i >= len(b.avail) {
		return 0
	}
	return b.avail[i]
}

// Manager owns the availability index and per-peer state for a single
// download session. It is owned by the session, per the spec's ownership
// model — it never outlives or is shared across sessions.
type Manager struct {
	mu sync.Mutex

	chunkCount int
	avail      *availabilityBucket
	owners     []map[string]bool // owners[i] = set of peer ids that have chunk i
	peers      map[string]*Info
	rng        *rand.Rand
	log        *slog.Logger
}

// NewManager creates a peer manager for a swarm with the given chunk
// count. maxPeers bounds the availability index's bucket count.
func NewManager(chunkCount, maxPeers int) *Manager {
	if maxPeers < 1 {
		maxPeers = 1
	}
	owners := make([]map[string]bool, chunkCount)
	for i := range owners {
		owners[i] = make(map[string]bool)
	}
	return &Manager{
		chunkCount: chunkCount,
		avail:      newAvailabilityBucket(chunkCount, maxPeers),
		owners:     owners,
		peers:      make(map[string]*Info),
		rng:        rand.New(rand.NewSource(1)),
		log:        slog.Default(),
	}
}

// SetLogger overrides the manager's logger, used for ban decisions.
// Passing nil restores slog.Default().
func (m *Manager) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.Default()
	}
	m.mu.Lock()
	m.log = l
	m.mu.Unlock()
}

// AddPeer registers a newly connected peer.
func (m *Manager) AddPeer(id string, maxConcurrent int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[id]; ok {
		return
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	m.peers[id] = &Info{ID: id, MaxConcurrent: maxConcurrent, sem: semaphore.NewWeighted(int64(maxConcurrent))}
}

// RemovePeer evicts a disconnected peer from every availability entry and
// from the peer table.
func (m *Manager) RemovePeer(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(id)
}

func (m *Manager) evictLocked(id string) {
	if _, ok := m.peers[id]; !ok {
		return
	}
	for i, set := range m.owners {
		if set[id] {
			delete(set, id)
			m.avail.move(i, -1)
		}
	}
	delete(m.peers, id)
}

// SetBitfield replaces a peer's full availability record (BITFIELD
// message).
func (m *Manager) SetBitfield(id string, have []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, set := range m.owners {
		if set[id] {
			delete(set, id)
			m.avail.move(i, -1)
		}
	}
	for _, i := range have {
		if i < 0 || i >= m.chunkCount {
			continue
		}
		if !m.owners[i][id] {
			m.owners[i][id] = true
			m.avail.move(i, 1)
		}
	}
}

// MarkHave records a single newly-available chunk (HAVE message).
func (m *Manager) MarkHave(id string, chunkIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if chunkIndex < 0 || chunkIndex >= m.chunkCount {
		return
	}
	if !m.owners[chunkIndex][id] {
		m.owners[chunkIndex][id] = true
		m.avail.move(chunkIndex, 1)
	}
}

// Availability returns how many known peers have chunkIndex.
func (m *Manager) Availability(chunkIndex int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.avail.count(chunkIndex)
}

// RarestFirst returns chunk indices with at least one known holder,
// ordered from rarest to most common.
func (m *Manager) RarestFirst() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.avail.rarest()
}

// Select implements §4.6 peer selection for chunk i: candidates with the
// chunk (or any connected peer if none advertise it), filtered to those
// below their concurrency cap, ranked by score, picked uniformly among
// the top 3.
func (m *Manager) Select(chunkIndex int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cands []string
	if chunkIndex >= 0 && chunkIndex < m.chunkCount {
		for id := range m.owners[chunkIndex] {
			cands = append(cands, id)
		}
	}
	if len(cands) == 0 {
		for id := range m.peers {
			cands = append(cands, id)
		}
	}

	var eligible []string
	for _, id := range cands {
		info := m.peers[id]
		if info == nil || info.Banned {
			continue
		}
		if info.ActiveRequests >= info.MaxConcurrent {
			continue
		}
		eligible = append(eligible, id)
	}
	if len(eligible) == 0 {
		return "", false
	}

	sortByScoreDesc(eligible, m.peers)

	top := eligible
	if len(top) > 3 {
		top = top[:3]
	}
	return top[m.rng.Intn(len(top))], true
}

func sortByScoreDesc(ids []string, peers map[string]*Info) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && peers[ids[j]].score() > peers[ids[j-1]].score(); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

// Score reports the current score for a peer, or 0 if unknown.
func (m *Manager) Score(id string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := m.peers[id]
	if info == nil {
		return 0
	}
	return info.score()
}

// Outcome classifies the result RecordResult applies to a peer.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimeout
)

// RecordResult updates a peer's stats after one request outcome and a
// measured speed sample (MiB/s, ignored for non-success outcomes),
// evaluating the banning rule afterward. Banned peers are evicted from
// the availability index immediately so in-flight requests to them are
// forced to time out.
func (m *Manager) RecordResult(id string, outcome Outcome, speedMiBps float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := m.peers[id]
	if info == nil {
		return
	}
	switch outcome {
	case OutcomeSuccess:
		info.Successful++
		info.AvgSpeedMiBps = 0.3*speedMiBps + 0.7*info.AvgSpeedMiBps
	case OutcomeFailure:
		info.Failed++
	case OutcomeTimeout:
		info.Failed++
		info.Timeouts++
	}

	if info.shouldBan() {
		info.Banned = true
		m.log.Warn("peer: banned", "peer", id, "successful", info.Successful, "failed", info.Failed, "timeouts", info.Timeouts)
		m.evictLocked(id)
	}
}

// BeginRequest admits one more in-flight request for id, provided the
// peer's semaphore still has capacity. A peer already at MaxConcurrent
// (or unknown) is silently refused rather than oversubscribed.
func (m *Manager) BeginRequest(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := m.peers[id]
	if info == nil {
		return
	}
	if info.sem.TryAcquire(1) {
		info.ActiveRequests++
	}
}

// EndRequest releases one in-flight request slot for id.
func (m *Manager) EndRequest(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info := m.peers[id]; info != nil && info.ActiveRequests > 0 {
		info.ActiveRequests--
		info.sem.Release(1)
	}
}

// Get returns a copy of a peer's current Info, for diagnostics.
func (m *Manager) Get(id string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := m.peers[id]
	if info == nil {
		return Info{}, false
	}
	return *info, true
}

// Connected reports the number of currently tracked (non-evicted) peers.
func (m *Manager) Connected() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}
