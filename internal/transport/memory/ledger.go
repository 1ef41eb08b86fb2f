package memory

import "sync"

// Status is the delivery state of a message.
type Status string

const (
	// StatusPending means the message is queued or waiting for redelivery.
	StatusPending Status = "pending"
	// StatusInFlight means the message was handed to a receiver and not yet settled.
	StatusInFlight Status = "in_flight"
	// StatusAcked means a receiver acknowledged the message.
	StatusAcked Status = "acked"
	// StatusDead means the message ran out of delivery attempts.
	StatusDead Status = "dead"
)

// Record is the ledger entry for one published message.
type Record struct {
	ID         string
	Data       []byte
	Attributes map[string]string
	Status     Status
	Deliveries int
}

// Ledger tracks every message the broker has seen. It is safe for concurrent use.
type Ledger struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{records: make(map[string]*Record)}
}

func (l *Ledger) save(r Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[r.ID]; !ok {
		l.order = append(l.order, r.ID)
	}
	l.records[r.ID] = &r
}

func (l *Ledger) remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

func (l *Ledger) markDelivered(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.records[id]; ok {
		r.Deliveries++
		r.Status = StatusInFlight
	}
}

func (l *Ledger) setStatus(id string, s Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.records[id]; ok {
		r.Status = s
	}
}

// Get returns a copy of the record for id.
func (l *Ledger) Get(id string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// List returns copies of all records in publish order. An empty status
// matches every record.
func (l *Ledger) List(status Status) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Record
	for _, id := range l.order {
		r := l.records[id]
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, *r)
	}
	return out
}

// Counts returns the number of records per status.
func (l *Ledger) Counts() map[Status]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[Status]int)
	for _, r := range l.records {
		out[r.Status]++
	}
	return out
}
