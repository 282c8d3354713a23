package streamcc

import (
	"errors"
	"fmt"

	"github.com/hupe1980/streamcc/core"
	"github.com/hupe1980/streamcc/stream"
)

var (
	// ErrClosed is returned when the graph has been closed.
	ErrClosed = errors.New("graph is closed")

	// ErrUpdateLocked is returned when Update is called after a terminal
	// connected-components run has started.
	ErrUpdateLocked = errors.New("graph cannot be updated: connected components algorithm has already started")

	// ErrMultipleGraphs is returned when a second graph is constructed
	// while another is still open. Only one graph may exist at a time;
	// close the other graph first.
	ErrMultipleGraphs = errors.New("only one graph may be open at a time")

	// ErrBadStream is returned when a stream file cannot be opened or its
	// header is unreadable.
	ErrBadStream = stream.ErrBadStream

	// ErrStreamFailed is returned when a mid-file stream read fails.
	ErrStreamFailed = stream.ErrStreamFailed
)

// CCFailureError indicates that the sketches exhausted their independent
// samplers during a connected-components run. When the run was started with
// cont=true the pre-run sketch state has been rolled back; otherwise the
// graph is terminal.
type CCFailureError struct {
	// Round is the Borůvka round in which sampling failed.
	Round int
}

func (e *CCFailureError) Error() string {
	return fmt.Sprintf("connected components failed: sketch samplers exhausted in round %d", e.Round)
}

// NodeRangeError indicates a vertex id outside the graph's [0, Nodes) range.
type NodeRangeError struct {
	Node  core.NodeID
	Nodes uint32
}

func (e *NodeRangeError) Error() string {
	return fmt.Sprintf("node %d out of range [0, %d)", e.Node, e.Nodes)
}
