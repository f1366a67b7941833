// Package abtest implements two-variant experiments over SMS campaigns:
// random assignment, lifecycle management, and the two-proportion
// significance analysis that picks a winner.
package abtest

import (
	"math/rand"

	"github.com/ignite/textpulse/internal/domain"
)

// SplitContacts randomly partitions contacts into the A and B groups.
//
// The split is deterministic for a given random source and input order:
// contacts are shuffled with rng, the first floor(N*split) go to A, the rest
// to B. Every contact lands in exactly one group. Returns
// InsufficientSampleError when the population is below minSample.
func SplitContacts(rng *rand.Rand, contacts []domain.Contact, split float64, minSample int) (groupA, groupB []domain.Contact, err error) {
	if len(contacts) < minSample {
		return nil, nil, &domain.InsufficientSampleError{Need: minSample, Have: len(contacts)}
	}

	shuffled := make([]domain.Contact, len(contacts))
	copy(shuffled, contacts)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	cut := int(float64(len(shuffled)) * split)
	return shuffled[:cut], shuffled[cut:], nil
}
