package merge

import (
	"github.com/automerge/automerge-go"
	"github.com/pkg/errors"
)

// ContentPath is the document key holding the rendered text.
const ContentPath = "content"

// Automerge adapts an automerge document to the Document interface.
type Automerge struct {
	doc       *automerge.Doc
	listeners []func()
}

var _ Document = (*Automerge)(nil)

func NewAutomerge() Document {
	return &Automerge{doc: automerge.New()}
}

func (a *Automerge) ApplyRemote(update []byte) error {
	before := a.doc.Heads()
	if err := a.doc.LoadIncremental(update); err != nil {
		return errors.WithMessage(err, "automerge load incremental")
	}
	a.notifyIfMoved(before)
	return nil
}

func (a *Automerge) EncodeDelta() []byte {
	delta := a.doc.SaveIncremental()
	if len(delta) == 0 {
		return nil
	}
	return delta
}

func (a *Automerge) OnChange(fn func()) { a.listeners = append(a.listeners, fn) }

func (a *Automerge) Merge(snapshot []byte) error {
	if len(snapshot) == 0 {
		return nil
	}
	loaded, err := automerge.Load(snapshot)
	if err != nil {
		return errors.WithMessage(err, "automerge load")
	}
	changes, err := loaded.Changes()
	if err != nil {
		return errors.WithMessage(err, "automerge changes")
	}

	before := a.doc.Heads()
	if err := a.doc.Apply(changes...); err != nil {
		return errors.WithMessage(err, "automerge apply")
	}
	a.notifyIfMoved(before)
	return nil
}

func (a *Automerge) Save() []byte { return a.doc.Save() }

func (a *Automerge) Text() string {
	s, err := a.doc.Path(ContentPath).Text().Get()
	if err != nil {
		return ""
	}
	return s
}

func (a *Automerge) NewSession() Session {
	return &automergeSession{owner: a, state: automerge.NewSyncState(a.doc)}
}

func (a *Automerge) notifyIfMoved(before []automerge.ChangeHash) {
	if sameHeads(before, a.doc.Heads()) {
		return
	}
	for _, fn := range a.listeners {
		fn()
	}
}

func sameHeads(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type automergeSession struct {
	owner *Automerge
	state *automerge.SyncState
}

func (s *automergeSession) Receive(msg []byte) error {
	before := s.owner.doc.Heads()
	if _, err := s.state.ReceiveMessage(msg); err != nil {
		return errors.WithMessage(err, "automerge sync receive")
	}
	s.owner.notifyIfMoved(before)
	return nil
}

func (s *automergeSession) Generate() []byte {
	msg, valid := s.state.GenerateMessage()
	if !valid || msg == nil {
		return nil
	}
	return msg.Bytes()
}
