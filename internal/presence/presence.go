// Package presence tracks ephemeral per-client state (cursors, online
// indicators) for a room. A Map is not safe for concurrent use; the owning
// room serializes access.
package presence

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"

	"github.com/manpreetbhatti/livelist/internal/protocol"
)

var null = []byte("null")

// Change is a single client's state at a clock. A nil State is a removal.
type Change struct {
	ClientID uint64
	Clock    uint64
	State    json.RawMessage
}

type Map struct {
	states map[uint64]json.RawMessage
	clocks map[uint64]uint64
	// client ids announced through each connection
	owners map[string]map[uint64]struct{}
}

func NewMap() *Map {
	return &Map{
		states: make(map[uint64]json.RawMessage),
		clocks: make(map[uint64]uint64),
		owners: make(map[string]map[uint64]struct{}),
	}
}

// Len returns the number of clients with a live state.
func (m *Map) Len() int { return len(m.states) }

// Apply merges an encoded update sent by owner and returns the encoding of
// the entries that actually changed, or nil if nothing did.
func (m *Map) Apply(update []byte, owner string) ([]byte, error) {
	changes, err := Decode(update)
	if err != nil {
		return nil, err
	}

	var applied []Change
	for _, c := range changes {
		cur, known := m.clocks[c.ClientID]
		_, live := m.states[c.ClientID]
		removing := c.State == nil

		if known && c.Clock < cur {
			continue
		}
		if known && c.Clock == cur && !(removing && live) {
			continue
		}

		m.clocks[c.ClientID] = c.Clock
		if removing {
			delete(m.states, c.ClientID)
		} else {
			m.states[c.ClientID] = c.State
		}
		m.own(owner, c.ClientID)
		applied = append(applied, c)
	}

	if len(applied) == 0 {
		return nil, nil
	}
	return Encode(applied), nil
}

// Retract removes every state owner announced and returns the encoded
// removals, or nil if owner had nothing live.
func (m *Map) Retract(owner string) []byte {
	ids := m.owners[owner]
	delete(m.owners, owner)

	var removed []Change
	for id := range ids {
		if _, live := m.states[id]; !live {
			continue
		}
		delete(m.states, id)
		m.clocks[id]++
		removed = append(removed, Change{ClientID: id, Clock: m.clocks[id]})
	}
	if len(removed) == 0 {
		return nil
	}
	sortChanges(removed)
	return Encode(removed)
}

// Snapshot encodes every live state, for peers that just joined.
func (m *Map) Snapshot() []byte {
	all := make([]Change, 0, len(m.states))
	for id, state := range m.states {
		all = append(all, Change{ClientID: id, Clock: m.clocks[id], State: state})
	}
	sortChanges(all)
	return Encode(all)
}

func (m *Map) own(owner string, id uint64) {
	set, ok := m.owners[owner]
	if !ok {
		set = make(map[uint64]struct{})
		m.owners[owner] = set
	}
	set[id] = struct{}{}
}

func sortChanges(c []Change) {
	sort.Slice(c, func(i, j int) bool { return c[i].ClientID < c[j].ClientID })
}

// Encode writes changes as: count, then per change client id, clock and the
// JSON state ("null" for removals).
func Encode(changes []Change) []byte {
	buf := protocol.AppendUvarint(nil, uint64(len(changes)))
	for _, c := range changes {
		buf = protocol.AppendUvarint(buf, c.ClientID)
		buf = protocol.AppendUvarint(buf, c.Clock)
		state := []byte(c.State)
		if state == nil {
			state = null
		}
		buf = protocol.AppendBytes(buf, state)
	}
	return buf
}

// Decode parses an encoded update.
func Decode(update []byte) ([]Change, error) {
	r := protocol.NewReader(update)
	n, err := r.Uvarint()
	if err != nil {
		return nil, errors.WithMessage(err, "presence count")
	}
	if n > uint64(r.Remaining()) {
		return nil, protocol.ErrTruncated
	}

	out := make([]Change, 0, n)
	for i := uint64(0); i < n; i++ {
		var c Change
		if c.ClientID, err = r.Uvarint(); err != nil {
			return nil, errors.WithMessage(err, "presence client id")
		}
		if c.Clock, err = r.Uvarint(); err != nil {
			return nil, errors.WithMessage(err, "presence clock")
		}
		state, err := r.Bytes()
		if err != nil {
			return nil, errors.WithMessage(err, "presence state")
		}
		if !bytes.Equal(bytes.TrimSpace(state), null) {
			if !json.Valid(state) {
				return nil, errors.Errorf("presence state for client %d is not JSON", c.ClientID)
			}
			c.State = append(json.RawMessage(nil), state...)
		}
		out = append(out, c)
	}
	return out, nil
}
