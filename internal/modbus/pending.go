package modbus

import "time"

type pendingKind int

const (
	pendingRead pendingKind = iota
	pendingWrite
	pendingKeepAlive
)

// pending is a PendingTransaction: the request a transaction id was
// issued for, until its response or timeout.
type pending struct {
	kind     pendingKind
	function byte
	address  uint16
	quantity uint16
	values   []uint16
	tag      any
	issuedAt time.Time
	deadline time.Time
	attempt  int
	call     *Call
}

// pendingTable allocates transaction ids and correlates responses. It is
// owned by the link's actor goroutine and is not safe for concurrent use.
type pendingTable struct {
	last    uint16
	entries map[uint16]*pending
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[uint16]*pending)}
}

// allocate returns the next free id after the last one issued, wrapping
// 65535 to 1 and skipping 0 and ids still pending.
func (t *pendingTable) allocate() (uint16, error) {
	if len(t.entries) >= 0xFFFF {
		return 0, ErrNoTransactionID
	}
	id := t.last
	for {
		id++
		if id == 0 {
			id = 1
		}
		if _, live := t.entries[id]; !live {
			t.last = id
			return id, nil
		}
	}
}

func (t *pendingTable) put(id uint16, p *pending) { t.entries[id] = p }

func (t *pendingTable) take(id uint16) (*pending, bool) {
	p, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return p, ok
}

func (t *pendingTable) len() int { return len(t.entries) }

// expired removes and returns every entry whose deadline is not after now.
func (t *pendingTable) expired(now time.Time) map[uint16]*pending {
	var out map[uint16]*pending
	for id, p := range t.entries {
		if !p.deadline.After(now) {
			if out == nil {
				out = make(map[uint16]*pending)
			}
			out[id] = p
			delete(t.entries, id)
		}
	}
	return out
}

// drain removes and returns all entries.
func (t *pendingTable) drain() map[uint16]*pending {
	out := t.entries
	t.entries = make(map[uint16]*pending)
	return out
}
