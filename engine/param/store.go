package param

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnknownNode  = errors.New("param: unknown node")
	ErrUnknownIndex = errors.New("param: unknown parameter index")
)

// Key addresses one parameter.
type Key struct {
	Node  uint32
	Index int
}

func (k Key) String() string { return fmt.Sprintf("%d/%d", k.Node, k.Index) }

// Store maps node ids to their banks. Registration and writes happen on the
// control side and are serialized by mu; the audio thread never touches the
// map and reads banks through pointers held by the graph snapshot.
type Store struct {
	mu    sync.Mutex
	banks map[uint32]*Bank
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{banks: make(map[uint32]*Bank)}
}

// Register creates the bank for a node. Registering an existing node
// replaces its bank.
func (s *Store) Register(node uint32, infos []Info) *Bank {
	b := NewBank(infos)
	s.mu.Lock()
	s.banks[node] = b
	s.mu.Unlock()
	return b
}

// Unregister forgets a node's bank.
func (s *Store) Unregister(node uint32) {
	s.mu.Lock()
	delete(s.banks, node)
	s.mu.Unlock()
}

// Bank returns the bank for node, or nil.
func (s *Store) Bank(node uint32) *Bank {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.banks[node]
}

// Set writes a parameter and returns the clamped value that was stored.
func (s *Store) Set(k Key, v float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.banks[k.Node]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownNode, k.Node)
	}
	if k.Index < 0 || k.Index >= b.Len() {
		return 0, fmt.Errorf("%w: %s", ErrUnknownIndex, k)
	}
	return b.set(k.Index, v), nil
}

// Get reads a parameter.
func (s *Store) Get(k Key) (float64, error) {
	b := s.Bank(k.Node)
	if b == nil {
		return 0, fmt.Errorf("%w: %d", ErrUnknownNode, k.Node)
	}
	if k.Index < 0 || k.Index >= b.Len() {
		return 0, fmt.Errorf("%w: %s", ErrUnknownIndex, k)
	}
	return b.Value(k.Index), nil
}

// Values returns every value of a node in index order.
func (s *Store) Values(node uint32) []float64 {
	b := s.Bank(node)
	if b == nil {
		return nil
	}
	out := make([]float64, b.Len())
	for i := range out {
		out[i] = b.Value(i)
	}
	return out
}

// Restore writes values in index order; extra values are ignored.
func (s *Store) Restore(node uint32, values []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.banks[node]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownNode, node)
	}
	for i, v := range values {
		if i >= b.Len() {
			break
		}
		b.set(i, v)
	}
	return nil
}

// Nodes returns the number of registered banks.
func (s *Store) Nodes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.banks)
}
