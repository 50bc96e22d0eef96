package santa

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rzbill/santa/internal/workflow"
)

// Pairer assigns every participant a gift recipient.
type Pairer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewPairer seeds a pairer; seed 0 uses the clock.
func NewPairer(seed int64) *Pairer {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Pairer{rng: rand.New(rand.NewSource(seed))}
}

// Pair shuffles participants and links them into one ring: each gives to
// the next, the last to the first. Every participant gives and receives
// exactly once and nobody draws themselves. Fewer than two participants
// yield no pairs. Duplicate ids are collapsed first.
func (p *Pairer) Pair(participants []string) []workflow.Pair {
	ring := unique(participants)
	if len(ring) < 2 {
		return nil
	}
	p.mu.Lock()
	p.rng.Shuffle(len(ring), func(i, j int) { ring[i], ring[j] = ring[j], ring[i] })
	p.mu.Unlock()

	pairs := make([]workflow.Pair, len(ring))
	for i := range ring {
		pairs[i] = workflow.Pair{Giver: ring[i], Receiver: ring[(i+1)%len(ring)]}
	}
	return pairs
}

func unique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
