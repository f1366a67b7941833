package abtest

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/uuid"

	"github.com/ignite/textpulse/internal/domain"
)

func makeContacts(n int) []domain.Contact {
	contacts := make([]domain.Contact, n)
	for i := range contacts {
		contacts[i] = domain.Contact{ID: uuid.New(), Phone: "+15551230000"}
	}
	return contacts
}

func TestSplitContacts_ExactCounts(t *testing.T) {
	cases := []struct {
		n     int
		split float64
		wantA int
	}{
		{100, 0.5, 50},
		{100, 0.3, 30},
		{101, 0.5, 50}, // floor
		{10, 0.33, 3},
		{2, 0.5, 1},
	}
	for _, c := range cases {
		rng := rand.New(rand.NewSource(1))
		a, b, err := SplitContacts(rng, makeContacts(c.n), c.split, 2)
		if err != nil {
			t.Fatalf("SplitContacts(n=%d) error: %v", c.n, err)
		}
		if len(a) != c.wantA {
			t.Errorf("n=%d split=%.2f: |A| = %d, want %d", c.n, c.split, len(a), c.wantA)
		}
		if len(a)+len(b) != c.n {
			t.Errorf("n=%d: partition lost contacts: %d + %d", c.n, len(a), len(b))
		}
	}
}

func TestSplitContacts_Partition(t *testing.T) {
	contacts := makeContacts(50)
	rng := rand.New(rand.NewSource(42))
	a, b, err := SplitContacts(rng, contacts, 0.5, 2)
	if err != nil {
		t.Fatalf("SplitContacts() error: %v", err)
	}

	seen := make(map[uuid.UUID]int)
	for _, c := range a {
		seen[c.ID]++
	}
	for _, c := range b {
		seen[c.ID]++
	}
	if len(seen) != 50 {
		t.Fatalf("partition covers %d contacts, want 50", len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("contact %s appears %d times", id, count)
		}
	}
}

func TestSplitContacts_Deterministic(t *testing.T) {
	contacts := makeContacts(30)

	a1, _, _ := SplitContacts(rand.New(rand.NewSource(7)), contacts, 0.5, 2)
	a2, _, _ := SplitContacts(rand.New(rand.NewSource(7)), contacts, 0.5, 2)

	for i := range a1 {
		if a1[i].ID != a2[i].ID {
			t.Fatal("same seed produced different partitions")
		}
	}

	// Input slice must not be mutated by the shuffle
	a3, _, _ := SplitContacts(rand.New(rand.NewSource(7)), contacts, 0.5, 2)
	for i := range a1 {
		if a1[i].ID != a3[i].ID {
			t.Fatal("shuffle mutated the input slice")
		}
	}
}

func TestSplitContacts_InsufficientSample(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	_, _, err := SplitContacts(rng, makeContacts(40), 0.5, 100)

	var ise *domain.InsufficientSampleError
	if !errors.As(err, &ise) {
		t.Fatalf("want InsufficientSampleError, got %v", err)
	}
	if ise.Need != 100 || ise.Have != 40 {
		t.Errorf("error carries need=%d have=%d, want 100/40", ise.Need, ise.Have)
	}
}
