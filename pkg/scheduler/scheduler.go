// Package scheduler implements rarest-first chunk selection and the
// endgame duplicate-request mode for a download session. It never owns
// chunk state itself — the session exclusively owns that — it only reads
// state through the ChunkStates accessor the session supplies, combined
// with the peer manager's rarity ordering.
package scheduler

import "github.com/swarmfs/swarmfs/pkg/peer"

// ChunkState is the lifecycle stage of one chunk within a download
// session.
type ChunkState int

const (
	Missing ChunkState = iota
	Requested
	Received
	Verified
	Failed
)

// ChunkStates is read by the scheduler to decide what still needs
// requesting. The session is the sole writer of this state.
type ChunkStates interface {
	State(chunkIndex int) ChunkState
	Total() int
}

// Config tunes endgame entry and duplicate requesting.
type Config struct {
	EndgameRatio              float64 // verified/total ratio that triggers endgame
	EndgameRemainingThreshold int     // or: remaining chunks at/below this triggers endgame
	EndgameDuplicatesPerChunk int
}

// DefaultConfig matches spec.md §4.5: endgame at 95% verified or ≤20
// chunks remaining, 2-way duplicate requests per missing chunk.
func DefaultConfig() Config {
	return Config{
		EndgameRatio:              0.95,
		EndgameRemainingThreshold: 20,
		EndgameDuplicatesPerChunk: 2,
	}
}

// Scheduler selects which chunks to request next, ordered rarest-first,
// and detects the endgame and stuck-swarm conditions.
type Scheduler struct {
	peers  *peer.Manager
	config Config
}

// New creates a scheduler over the given peer manager's availability
// index.
func New(peers *peer.Manager, config Config) *Scheduler {
	return &Scheduler{peers: peers, config: config}
}

// NextChunks returns up to `slots` chunk indices to request next, chosen
// rarest-first among chunks still in the Missing state.
func (s *Scheduler) NextChunks(states ChunkStates, slots int) []int {
	if slots <= 0 {
		return nil
	}
	var out []int
	for _, idx := range s.peers.RarestFirst() {
		if len(out) >= slots {
			break
		}
		if states.State(idx) == Missing {
			out = append(out, idx)
		}
	}
	return out
}

// Counts summarizes the session's chunk-state distribution, used for the
// endgame/stuck-swarm checks and for progress reporting.
type Counts struct {
	Total       int
	Verified    int
	Missing     int
	Unavailable int // Missing chunks with zero known holders
}

// Tally scans every chunk's state against the peer manager's
// availability index.
func (s *Scheduler) Tally(states ChunkStates) Counts {
	total := states.Total()
	c := Counts{Total: total}
	for i := 0; i < total; i++ {
		switch states.State(i) {
		case Verified:
			c.Verified++
		case Missing:
			c.Missing++
			if s.peers.Availability(i) == 0 {
				c.Unavailable++
			}
		}
	}
	return c
}

// InEndgame reports whether the session should switch to endgame
// duplicate requesting: verified ratio at or above the configured
// threshold, or few enough chunks remaining.
func (c Counts) InEndgame(cfg Config) bool {
	if c.Total == 0 {
		return false
	}
	ratio := float64(c.Verified) / float64(c.Total)
	remaining := c.Total - c.Verified
	return ratio >= cfg.EndgameRatio || remaining <= cfg.EndgameRemainingThreshold
}

// Stuck reports the stuck-swarm heuristic: every remaining missing chunk
// currently has no known holder.
func (c Counts) Stuck() bool {
	return c.Missing > 0 && c.Unavailable == c.Missing
}

// EndgameCandidates returns every chunk still Missing or Requested, as an
// unordered map from chunk index to how many duplicate requests it should
// receive (EndgameDuplicatesPerChunk, or fewer if fewer peers hold it).
func (s *Scheduler) EndgameCandidates(states ChunkStates) map[int]int {
	out := make(map[int]int)
	total := states.Total()
	for i := 0; i < total; i++ {
		st := states.State(i)
		if st != Missing && st != Requested {
			continue
		}
		holders := s.peers.Availability(i)
		n := s.config.EndgameDuplicatesPerChunk
		if holders < n {
			n = holders
		}
		if n > 0 {
			out[i] = n
		}
	}
	return out
}
