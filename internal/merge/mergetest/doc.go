// Package mergetest provides a deterministic merge.Document for tests. Its
// "merge" is last-writer-wins on the whole text, which is enough to observe
// relay and persistence behaviour without a real CRDT.
package mergetest

import (
	"strings"

	"github.com/manpreetbhatti/livelist/internal/merge"
)

// SummaryPrefix marks session messages which only describe state.
const SummaryPrefix = "state:"

type Doc struct {
	content   string
	pending   []byte
	listeners []func()
}

var _ merge.Document = (*Doc)(nil)

// New returns an empty Doc, usable as a merge.Factory.
func New() merge.Document { return &Doc{} }

func (d *Doc) ApplyRemote(update []byte) error {
	if string(update) == d.content {
		return nil
	}
	d.content = string(update)
	d.pending = append([]byte(nil), update...)
	for _, fn := range d.listeners {
		fn()
	}
	return nil
}

func (d *Doc) EncodeDelta() []byte {
	p := d.pending
	d.pending = nil
	return p
}

func (d *Doc) OnChange(fn func()) { d.listeners = append(d.listeners, fn) }

// Merge keeps live content when there is any, so edits made while a room
// was loading win over the older snapshot.
func (d *Doc) Merge(snapshot []byte) error {
	if d.content != "" || len(snapshot) == 0 {
		return nil
	}
	return d.ApplyRemote(snapshot)
}

func (d *Doc) Save() []byte { return []byte(d.content) }

func (d *Doc) Text() string { return d.content }

func (d *Doc) NewSession() merge.Session { return &session{doc: d, due: true} }

type session struct {
	doc *Doc
	due bool
}

func (s *session) Receive(msg []byte) error {
	s.due = true
	if strings.HasPrefix(string(msg), SummaryPrefix) {
		return nil
	}
	return s.doc.ApplyRemote(msg)
}

func (s *session) Generate() []byte {
	if !s.due {
		return nil
	}
	s.due = false
	return []byte(SummaryPrefix + s.doc.content)
}
