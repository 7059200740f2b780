package cluster

import (
	"github.com/JakeFAU/leadflow/internal/hash/sha256"
)

// Ring assigns keys to runners by rendezvous hashing, so membership changes
// only move the keys of the runners that came or went.
type Ring struct {
	hasher *sha256.Hasher
}

// NewRing constructs a Ring.
func NewRing() *Ring {
	return &Ring{hasher: sha256.New()}
}

// Owner returns the runner responsible for key.
func (r *Ring) Owner(key string, runners []Runner) (Runner, bool) {
	var (
		best      Runner
		bestScore uint64
		found     bool
	)
	for _, runner := range runners {
		score := r.hasher.Score(runner.ID, key)
		if !found || score > bestScore || (score == bestScore && runner.ID < best.ID) {
			best, bestScore, found = runner, score, true
		}
	}
	return best, found
}
