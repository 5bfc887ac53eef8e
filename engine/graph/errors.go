package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNodeNotFound        = errors.New("graph: node not found")
	ErrNoSuchPort          = errors.New("graph: no such port")
	ErrDuplicateConnection = errors.New("graph: connection already exists")
	ErrNotConnected        = errors.New("graph: connection does not exist")
	ErrIDInUse             = errors.New("graph: node id already in use")
)

// CycleError rejects an edit that would close a loop. Path lists the
// existing route from the destination back to the source.
type CycleError struct {
	From NodeID
	To   NodeID
	Path []NodeID
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, id := range e.Path {
		parts[i] = fmt.Sprint(id)
	}
	return fmt.Sprintf("graph: connecting %d -> %d creates a cycle (%s -> %d)", e.From, e.To, strings.Join(parts, " -> "), e.To)
}

// PortTypeMismatch rejects a connection whose port exists only with the
// other signal type.
type PortTypeMismatch struct {
	Conn Connection
	End  Endpoint
}

func (e *PortTypeMismatch) Error() string {
	return fmt.Sprintf("graph: port %d of node %d is not an %s port", e.End.Port, e.End.Node, e.Conn.Type)
}
