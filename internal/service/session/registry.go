package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	domainErrors "github.com/davidleathers/txsession/internal/domain/errors"
	"github.com/davidleathers/txsession/internal/infrastructure/database"
)

// entry is one open transaction. The registry owns it: the driver transaction,
// and in dedicated mode the backend connection it runs on, stay valid for
// exactly as long as the entry is reachable through its id.
type entry struct {
	id  uuid.UUID
	seq uint64

	// mu serializes statements and finalization on this transaction.
	mu   sync.Mutex
	tx   database.Tx
	conn database.Conn // dedicated connection; nil when the tx runs on the session connection
	done bool
}

// registry maps transaction ids to open entries. Its mutex only guards the key
// set; statement execution happens under each entry's own mutex.
type registry struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	issued  map[uuid.UUID]struct{}
	pending int
	nextSeq uint64
	newID   func() (uuid.UUID, error)
}

func newRegistry(newID func() (uuid.UUID, error)) *registry {
	if newID == nil {
		newID = uuid.NewRandom
	}
	return &registry{
		entries: make(map[uuid.UUID]*entry),
		issued:  make(map[uuid.UUID]struct{}),
		newID:   newID,
	}
}

// maxIDAttempts bounds regeneration when the generator repeats an issued id.
const maxIDAttempts = 8

// reserve issues a never-before-seen id and holds a slot for it until insert
// or cancel. limit caps open plus pending entries; zero means unlimited.
func (r *registry) reserve(limit int) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit > 0 && len(r.entries)+r.pending >= limit {
		return uuid.Nil, domainErrors.NewConflictError("TOO_MANY_TRANSACTIONS",
			fmt.Sprintf("open transaction limit of %d reached", limit))
	}

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := r.newID()
		if err != nil {
			return uuid.Nil, domainErrors.NewInternalError("failed to generate transaction id").WithCause(err)
		}
		if _, seen := r.issued[id]; seen || id == uuid.Nil {
			continue
		}
		r.issued[id] = struct{}{}
		r.pending++
		return id, nil
	}
	return uuid.Nil, domainErrors.NewInternalError("failed to generate a unique transaction id")
}

// cancel releases a slot taken by reserve whose transaction never opened.
func (r *registry) cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending--
}

// insert stores an entry for a reserved id and returns the open count.
func (r *registry) insert(e *entry) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending--
	r.nextSeq++
	e.seq = r.nextSeq
	r.entries[e.id] = e
	return len(r.entries)
}

// acquire returns the entry for id with its mutex held. The caller must
// unlock it. Unknown and finalized ids yield NotFound.
func (r *registry) acquire(id uuid.UUID) (*entry, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return nil, notFound(id)
	}

	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return nil, notFound(id)
	}
	return e, nil
}

// remove detaches the entry for id. The caller finalizes it.
func (r *registry) remove(id uuid.UUID) (*entry, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, len(r.entries), false
	}
	delete(r.entries, id)
	return e, len(r.entries), true
}

// snapshot returns the open entries in the order they were opened.
func (r *registry) snapshot() []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})
	return entries
}

// drain detaches every entry, in open order.
func (r *registry) drain() []*entry {
	entries := r.snapshot()

	r.mu.Lock()
	defer r.mu.Unlock()

	drained := entries[:0]
	for _, e := range entries {
		if _, ok := r.entries[e.id]; ok {
			delete(r.entries, e.id)
			drained = append(drained, e)
		}
	}
	return drained
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func notFound(id uuid.UUID) error {
	return domainErrors.NewNotFoundError("transaction").WithDetails(map[string]interface{}{
		"transaction_id": id.String(),
	})
}
