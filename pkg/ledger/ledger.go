// Package ledger holds the image and instance IDs produced by a run.
package ledger

import "sync"

// Snapshot is a point-in-time copy of a Ledger.
type Snapshot struct {
	Images    []string
	Instances []string
}

// Ledger is an append-only record of produced image and instance IDs,
// safe for concurrent use. Each import job contributes at most one image
// and one instance.
type Ledger struct {
	mu        sync.RWMutex
	images    []string
	instances []string
	imageJobs map[string]struct{}
	instJobs  map[string]struct{}
}

// New returns an empty ledger
func New() *Ledger {
	return &Ledger{
		imageJobs: make(map[string]struct{}),
		instJobs:  make(map[string]struct{}),
	}
}

// AddImage records the image produced by jobID. It reports false if the
// job already has an image recorded.
func (l *Ledger) AddImage(jobID, imageID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.imageJobs[jobID]; ok {
		return false
	}
	l.imageJobs[jobID] = struct{}{}
	l.images = append(l.images, imageID)
	return true
}

// AddInstance records the instance launched for jobID. It reports false if
// the job already has an instance recorded.
func (l *Ledger) AddInstance(jobID, instanceID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.instJobs[jobID]; ok {
		return false
	}
	l.instJobs[jobID] = struct{}{}
	l.instances = append(l.instances, instanceID)
	return true
}

// Snapshot copies the current contents, in completion order.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return Snapshot{
		Images:    append([]string(nil), l.images...),
		Instances: append([]string(nil), l.instances...),
	}
}
