package repostate

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestNewIDIsTwentySixChars(t *testing.T) {
	s := &Store{entropy: ulid.Monotonic(rand.Reader, 0)}
	id := s.NewID()
	if len(id) != 26 {
		t.Errorf("expected 26-character id, got %d: %q", len(id), id)
	}
}

func TestNewIDIsSortable(t *testing.T) {
	s := &Store{entropy: ulid.Monotonic(rand.Reader, 0)}
	a := s.NewID()
	time.Sleep(time.Millisecond)
	b := s.NewID()
	if a >= b {
		t.Errorf("expected ids to sort in generation order, got %q then %q", a, b)
	}
}
