package message

import (
	"fmt"
	"sync"

	"github.com/stepwise-graph/stepwise/pkg/graph"
)

// Envelope is a message in transit between workers: destination vertex id
// plus a codec-encoded payload, tagged with the superstep it was produced
// in.
type Envelope struct {
	Dest      graph.VertexID
	Superstep int
	Data      []byte
}

// Batch is everything flushed to one remote worker in a single round
// trip: message envelopes plus codec-encoded graph mutations whose target
// ids that worker owns.
type Batch struct {
	From      string
	Superstep int
	Envelopes []Envelope
	Mutations [][]byte
}

// ErrSealed is returned when a message arrives for a superstep whose
// batches have already been sealed.
var ErrSealed = fmt.Errorf("message store: superstep already sealed")

// Store buffers messages per superstep per destination vertex. Messages
// enqueued with tag S are delivered as the input of S+1 after Seal(S).
type Store struct {
	mu       sync.Mutex
	combiner Combiner
	spiller  *Spiller

	queues map[int]map[graph.VertexID][]any
	sealed map[int]bool
	sent   map[int]int
}

// NewStore creates a message store. combiner may be nil; spiller may be nil
// to disable spilling.
func NewStore(combiner Combiner, spiller *Spiller) *Store {
	return &Store{
		combiner: combiner,
		spiller:  spiller,
		queues:   make(map[int]map[graph.VertexID][]any),
		sealed:   make(map[int]bool),
		sent:     make(map[int]int),
	}
}

// Enqueue buffers a payload for dest, produced during the given superstep.
// Rejected once the superstep is sealed.
func (s *Store) Enqueue(dest graph.VertexID, payload any, producedIn int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed[producedIn] {
		return fmt.Errorf("%w (superstep %d, dest %s)", ErrSealed, producedIn, dest)
	}
	if err := s.enqueueLocked(dest, payload, producedIn); err != nil {
		return err
	}
	s.sent[producedIn]++

	if s.spiller != nil && s.spiller.shouldSpill(s.queues[producedIn]) {
		if err := s.spiller.spill(producedIn, s.queues[producedIn]); err != nil {
			return fmt.Errorf("spill superstep %d: %w", producedIn, err)
		}
		s.queues[producedIn] = make(map[graph.VertexID][]any)
	}
	return nil
}

func (s *Store) enqueueLocked(dest graph.VertexID, payload any, producedIn int) error {
	q := s.queues[producedIn]
	if q == nil {
		q = make(map[graph.VertexID][]any)
		s.queues[producedIn] = q
	}
	return s.mergeLocked(q, dest, payload)
}

// mergeLocked appends one payload to a per-destination batch, folding it
// into the existing entry when a combiner is configured.
func (s *Store) mergeLocked(q map[graph.VertexID][]any, dest graph.VertexID, payload any) error {
	if s.combiner != nil && len(q[dest]) == 1 {
		combined, err := s.combiner.Combine(q[dest][0], payload)
		if err != nil {
			return fmt.Errorf("combine message for %s: %w", dest, err)
		}
		q[dest][0] = combined
		return nil
	}
	q[dest] = append(q[dest], payload)
	return nil
}

// Receive merges a batch of already-decoded remote payloads. The receiving
// store applies its own combiner, so the global result matches local
// delivery regardless of arrival order.
func (s *Store) Receive(producedIn int, byDest map[graph.VertexID][]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed[producedIn] {
		return fmt.Errorf("%w (remote batch for superstep %d)", ErrSealed, producedIn)
	}
	for dest, payloads := range byDest {
		for _, p := range payloads {
			if err := s.enqueueLocked(dest, p, producedIn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Seal marks superstep S complete: no further enqueues tagged S are
// accepted, and the batches become deliverable as S+1 input.
func (s *Store) Seal(superstep int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed[superstep] = true
}

// Deliver returns the sealed per-destination batches produced during
// superstep-1, removing them from the store. Spilled batches are reloaded
// and merged first so spilling never changes what compute observes.
func (s *Store) Deliver(superstep int) (map[graph.VertexID][]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	producedIn := superstep - 1
	out := make(map[graph.VertexID][]any)

	if s.spiller != nil {
		spilled, err := s.spiller.reload(producedIn)
		if err != nil {
			return nil, fmt.Errorf("reload spilled batches for superstep %d: %w", producedIn, err)
		}
		for dest, payloads := range spilled {
			for _, p := range payloads {
				if err := s.mergeLocked(out, dest, p); err != nil {
					return nil, err
				}
			}
		}
	}

	for dest, payloads := range s.queues[producedIn] {
		for _, p := range payloads {
			if err := s.mergeLocked(out, dest, p); err != nil {
				return nil, err
			}
		}
	}
	delete(s.queues, producedIn)
	delete(s.sent, producedIn)
	return out, nil
}

// SentCount reports how many messages were enqueued with the given tag,
// before combining. The master sums these to detect global quiescence.
func (s *Store) SentCount(superstep int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[superstep]
}

// Pending snapshots every undelivered queue for checkpointing, keyed by the
// superstep the messages were produced in. Batches already spilled to
// secondary storage are read back in, so a checkpoint taken while spill
// files exist still captures every message.
func (s *Store) Pending() (map[int]map[graph.VertexID][]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int]map[graph.VertexID][]any, len(s.queues))
	if s.spiller != nil {
		spilled, err := s.spiller.pending()
		if err != nil {
			return nil, fmt.Errorf("read spilled batches: %w", err)
		}
		for step, q := range spilled {
			cp := make(map[graph.VertexID][]any, len(q))
			for dest, payloads := range q {
				cp[dest] = append([]any(nil), payloads...)
			}
			out[step] = cp
		}
	}
	for step, q := range s.queues {
		cp := out[step]
		if cp == nil {
			cp = make(map[graph.VertexID][]any, len(q))
			out[step] = cp
		}
		for dest, payloads := range q {
			cp[dest] = append(cp[dest], payloads...)
		}
	}
	return out, nil
}

// Reset discards all state, spill files included. Used when rolling back
// to a checkpoint: queues produced after the checkpointed superstep must
// be regenerated by replay, and stale spill files must not resurface
// through a later delivery.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spiller != nil {
		s.spiller.discard()
	}
	s.queues = make(map[int]map[graph.VertexID][]any)
	s.sealed = make(map[int]bool)
	s.sent = make(map[int]int)
}

// Restore loads checkpointed pending queues.
func (s *Store) Restore(pending map[int]map[graph.VertexID][]any, sent map[int]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues = make(map[int]map[graph.VertexID][]any, len(pending))
	for step, q := range pending {
		cp := make(map[graph.VertexID][]any, len(q))
		for dest, payloads := range q {
			cp[dest] = append([]any(nil), payloads...)
		}
		s.queues[step] = cp
	}
	s.sealed = make(map[int]bool)
	s.sent = make(map[int]int, len(sent))
	for step, n := range sent {
		s.sent[step] = n
	}
}

// SentCounts snapshots the per-superstep enqueue counters for
// checkpointing.
func (s *Store) SentCounts() map[int]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]int, len(s.sent))
	for step, n := range s.sent {
		out[step] = n
	}
	return out
}
