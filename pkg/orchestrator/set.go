package orchestrator

import (
	"sync"

	"github.com/fly-io/vmimport/pkg/storage"
	"github.com/fly-io/vmimport/pkg/workflow"
)

// handle tracks one running group workflow. done is closed after the
// outcome fields are set.
type handle struct {
	partition storage.Partition
	done      chan struct{}
	outcome   workflow.Outcome
	err       error
}

func newHandle(p storage.Partition) *handle {
	return &handle{partition: p, done: make(chan struct{})}
}

func (h *handle) finish(outcome workflow.Outcome, err error) {
	h.outcome = outcome
	h.err = err
	close(h.done)
}

func (h *handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// workflowSet is the set of in-flight workflows. Handles leave it only
// through reap, and only once their workflow has terminated.
type workflowSet struct {
	mu      sync.Mutex
	handles map[*handle]struct{}
}

func newWorkflowSet() *workflowSet {
	return &workflowSet{handles: make(map[*handle]struct{})}
}

func (s *workflowSet) add(h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[h] = struct{}{}
}

// reap removes and returns every terminated handle.
func (s *workflowSet) reap() []*handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*handle
	for h := range s.handles {
		if h.finished() {
			delete(s.handles, h)
			out = append(out, h)
		}
	}
	return out
}

func (s *workflowSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}
