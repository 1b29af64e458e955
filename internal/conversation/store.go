package conversation

import (
	"sync"
	"time"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Turn is one utterance in a session's history. Insertion order is the
// conversation order.
type Turn struct {
	Speaker   Speaker
	Text      string
	Timestamp time.Time
}

// estimatedTokens approximates token count at four characters per token,
// rounding up.
func estimatedTokens(text string) int {
	return (len(text) + 3) / 4
}

// Store keeps per-session turn history bounded by a token budget. The oldest
// turns are evicted first, but the two most recent always survive so the
// model keeps the current exchange.
type Store struct {
	budget int
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string][]Turn
}

// NewStore creates a store with the given token budget (defaults to 2048).
func NewStore(tokenBudget int) *Store {
	if tokenBudget <= 0 {
		tokenBudget = 2048
	}
	return &Store{
		budget:   tokenBudget,
		now:      time.Now,
		sessions: make(map[string][]Turn),
	}
}

// AppendTurn records a turn and evicts the oldest history while the session
// exceeds the token budget and holds more than two turns.
func (s *Store) AppendTurn(sessionID string, speaker Speaker, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := append(s.sessions[sessionID], Turn{
		Speaker:   speaker,
		Text:      text,
		Timestamp: s.now(),
	})

	total := 0
	for _, t := range history {
		total += estimatedTokens(t.Text)
	}
	for total > s.budget && len(history) > 2 {
		total -= estimatedTokens(history[0].Text)
		history = history[1:]
	}

	s.sessions[sessionID] = history
}

// Context returns the session's turns in order, newest last. The slice is a
// copy; callers may range over it repeatedly or mutate it freely.
func (s *Store) Context(sessionID string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.sessions[sessionID]
	out := make([]Turn, len(history))
	copy(out, history)
	return out
}

// Tokens reports the estimated token total for a session's history.
func (s *Store) Tokens(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, t := range s.sessions[sessionID] {
		total += estimatedTokens(t.Text)
	}
	return total
}

// Drop removes a session's history entirely.
func (s *Store) Drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}
