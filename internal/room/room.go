// Package room holds the live state of each open room and relays document
// and presence messages between the peers joined to it.
package room

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/livelist/internal/access"
	"github.com/manpreetbhatti/livelist/internal/merge"
	"github.com/manpreetbhatti/livelist/internal/metrics"
	"github.com/manpreetbhatti/livelist/internal/presence"
	"github.com/manpreetbhatti/livelist/internal/protocol"
)

// ErrClosed is returned by Join on a room which was evicted from its
// registry. Callers should fetch the room again.
var ErrClosed = errors.New("room closed")

// Close codes for disconnects not caused by an access decision.
const (
	CloseGoingAway = 1001
	CloseSlow      = 1008
)

// MaxTitleLen is the longest title in bytes.
const MaxTitleLen = 200

// TruncateTitle cuts title to at most MaxTitleLen bytes without splitting
// a multibyte rune.
func TruncateTitle(title string) string {
	if len(title) <= MaxTitleLen {
		return title
	}
	n := MaxTitleLen
	for n > 0 && !utf8.RuneStart(title[n]) {
		n--
	}
	return title[:n]
}

// Peer is one connection joined to a room.
type Peer interface {
	ID() string
	Admin() bool
	// Send queues a frame, returning false if the peer's buffer is full.
	Send(frame []byte) bool
	// Close disconnects the peer. It must not block on the room.
	Close(code int, reason string)
}

// Meta is the room metadata shown to peers.
type Meta struct {
	Title      string
	AdminTitle string
	Public     bool
}

// metaFrame is the JSON body of a metadata frame.
type metaFrame struct {
	Type       string  `json:"type"`
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Public     bool    `json:"public"`
	Content    *string `json:"content,omitempty"`
	AdminTitle string  `json:"adminTitle,omitempty"`
}

// titleChange is the metadata message peers send to rename a room.
type titleChange struct {
	Title *string `json:"title"`
}

// Snapshot is the state handed to the write-behind flush.
type Snapshot struct {
	Content []byte
	Text    string
	Meta    Meta
}

type member struct {
	peer    Peer
	session merge.Session
}

// A collaborative editing session
type Room struct {
	id    string
	hooks *Hooks
	now   func() time.Time

	mu        sync.Mutex
	doc       merge.Document
	meta      Meta
	members   map[string]*member
	presence  *presence.Map
	loading   bool
	restoring bool
	// set when the document changed before loading finished
	dirty      bool
	closed     bool
	lastActive time.Time

	loaded chan struct{}
}

func newRoom(id string, doc merge.Document, meta Meta, hooks *Hooks, now func() time.Time) *Room {
	r := &Room{
		id:         id,
		hooks:      hooks,
		now:        now,
		doc:        doc,
		meta:       meta,
		members:    make(map[string]*member),
		presence:   presence.NewMap(),
		loading:    true,
		lastActive: now(),
		loaded:     make(chan struct{}),
	}
	doc.OnChange(r.changed)
	return r
}

func (r *Room) ID() string { return r.id }

// Loaded is closed once the persisted snapshot has been merged.
func (r *Room) Loaded() <-chan struct{} { return r.loaded }

// changed runs synchronously under r.mu whenever the document changes.
func (r *Room) changed() {
	if r.restoring {
		return
	}
	if r.loading {
		r.dirty = true
		return
	}
	if r.hooks.Dirty != nil {
		r.hooks.Dirty(r.id)
	}
}

func (r *Room) load(ctx context.Context) {
	defer close(r.loaded)

	var snapshot []byte
	if r.hooks.Load != nil {
		var err error
		if snapshot, err = r.hooks.Load(ctx, r.id); err != nil {
			log.WithFields(log.Fields{"room": r.id, "err": err}).Warn("loading room snapshot")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(snapshot) != 0 {
		r.restoring = true
		err := r.doc.Merge(snapshot)
		r.restoring = false
		if err != nil {
			log.WithFields(log.Fields{"room": r.id, "err": err}).Error("merging room snapshot")
		}
		if delta := r.doc.EncodeDelta(); delta != nil {
			r.broadcastLocked(protocol.EncodeSync(protocol.SyncUpdate, delta), "")
		}
	}
	r.loading = false
	if r.dirty {
		r.dirty = false
		if r.hooks.Dirty != nil {
			r.hooks.Dirty(r.id)
		}
	}
}

// Join registers peer and sends it the sync summary, the current presence
// states and the room metadata, in that order.
func (r *Room) Join(peer Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	m := &member{peer: peer, session: r.doc.NewSession()}
	r.members[peer.ID()] = m
	r.lastActive = r.now()
	metrics.PeersConnected.Inc()

	if msg := m.session.Generate(); msg != nil {
		r.sendLocked(m, protocol.EncodeSync(protocol.SyncStep1, msg))
	}
	if r.presence.Len() > 0 {
		r.sendLocked(m, protocol.EncodeAwareness(r.presence.Snapshot()))
	}
	content := r.doc.Text()
	r.sendLocked(m, r.metaFrame("init", peer.Admin(), &content))

	log.WithFields(log.Fields{
		"room":  r.id,
		"peer":  peer.ID(),
		"total": len(r.members),
	}).Info("peer joined room")
	return nil
}

// Leave removes peer and retracts its presence before returning. Calling it
// for a peer which already left is a no-op.
func (r *Room) Leave(peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dropLocked(peer.ID()) {
		log.WithFields(log.Fields{
			"room":      r.id,
			"peer":      peer.ID(),
			"remaining": len(r.members),
		}).Info("peer left room")
	}
}

// Handle processes one frame from peer. A returned error means the frame
// could not be decoded and the connection should be closed.
func (r *Room) Handle(peer Peer, data []byte) error {
	frame, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	metrics.FramesTotal.WithLabelValues(frame.Type.String()).Inc()

	r.mu.Lock()
	m, ok := r.members[peer.ID()]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	r.lastActive = r.now()

	var rename *string
	switch frame.Type {
	case protocol.MessageSync:
		err = r.handleSyncLocked(m, frame)
	case protocol.MessageAwareness:
		err = r.handlePresenceLocked(m, frame.Payload)
	case protocol.MessageMeta:
		rename, err = r.handleMetaLocked(m, frame.Payload)
	}
	r.mu.Unlock()

	if rename != nil && r.hooks.Title != nil {
		r.hooks.Title(r.id, *rename)
	}
	return err
}

func (r *Room) permitted(m *member, kind protocol.MessageType) bool {
	if err := access.Check(r.meta.Public, m.peer.Admin()); err != nil {
		metrics.FramesDeniedTotal.Inc()
		log.WithFields(log.Fields{
			"room": r.id,
			"peer": m.peer.ID(),
			"type": kind,
		}).Warn("dropping frame from peer without write access")
		return false
	}
	return true
}

func (r *Room) handleSyncLocked(m *member, frame protocol.Frame) error {
	if !r.permitted(m, frame.Type) {
		return nil
	}

	switch frame.Step {
	case protocol.SyncStep1, protocol.SyncStep2:
		if err := m.session.Receive(frame.Payload); err != nil {
			return errors.WithMessage(err, "sync message")
		}
		if reply := m.session.Generate(); reply != nil {
			r.sendLocked(m, protocol.EncodeSync(protocol.SyncStep2, reply))
		}
	case protocol.SyncUpdate:
		if err := r.doc.ApplyRemote(frame.Payload); err != nil {
			return errors.WithMessage(err, "applying update")
		}
	}

	if delta := r.doc.EncodeDelta(); delta != nil {
		r.broadcastLocked(protocol.EncodeSync(protocol.SyncUpdate, delta), m.peer.ID())
	}
	return nil
}

func (r *Room) handlePresenceLocked(m *member, payload []byte) error {
	changed, err := r.presence.Apply(payload, m.peer.ID())
	if err != nil {
		return errors.WithMessage(err, "presence update")
	}
	if changed != nil {
		r.broadcastLocked(protocol.EncodeAwareness(changed), "")
	}
	return nil
}

func (r *Room) handleMetaLocked(m *member, payload []byte) (*string, error) {
	if !r.permitted(m, protocol.MessageMeta) {
		return nil, nil
	}
	var msg titleChange
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, errors.WithMessage(err, "metadata message")
	}
	if msg.Title == nil {
		return nil, nil
	}
	title := strings.TrimSpace(*msg.Title)
	if title == "" || title == r.meta.Title {
		return nil, nil
	}
	title = TruncateTitle(title)
	r.meta.Title = title
	r.broadcastMetaLocked()
	return &title, nil
}

// SetMeta replaces the room metadata and notifies peers. Making a room
// private disconnects every peer which is not an admin.
func (r *Room) SetMeta(meta Meta) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.meta = meta
	if !meta.Public {
		for id, m := range r.members {
			if m.peer.Admin() {
				continue
			}
			r.dropLocked(id)
			m.peer.Close(access.CloseDenied, "Access denied")
		}
	}
	r.broadcastMetaLocked()
}

func (r *Room) Meta() Meta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta
}

// Snapshot captures the document for persistence.
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Content: r.doc.Save(),
		Text:    r.doc.Text(),
		Meta:    r.meta,
	}
}

// Len returns the number of joined peers.
func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// idleSince reports whether the room has no peers and has seen no activity
// since cutoff.
func (r *Room) idleSince(cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members) == 0 && !r.loading && !r.lastActive.After(cutoff)
}

// close disconnects every peer and refuses further joins.
func (r *Room) close(code int, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for id, m := range r.members {
		delete(r.members, id)
		metrics.PeersConnected.Dec()
		m.peer.Close(code, reason)
	}
}

func (r *Room) metaFrame(kind string, admin bool, content *string) []byte {
	f := metaFrame{
		Type:    kind,
		ID:      r.id,
		Title:   r.meta.Title,
		Public:  r.meta.Public,
		Content: content,
	}
	if admin {
		f.AdminTitle = r.meta.AdminTitle
	}
	data, err := json.Marshal(f)
	if err != nil {
		// Only strings and bools; cannot fail.
		panic(err)
	}
	return protocol.EncodeMeta(data)
}

func (r *Room) broadcastMetaLocked() {
	var plain, admin []byte
	for _, m := range r.members {
		if m.peer.Admin() {
			if admin == nil {
				admin = r.metaFrame("meta", true, nil)
			}
			r.sendLocked(m, admin)
		} else {
			if plain == nil {
				plain = r.metaFrame("meta", false, nil)
			}
			r.sendLocked(m, plain)
		}
	}
}

// broadcastLocked sends frame to every member except the one with id
// except. Members whose buffers are full are dropped afterwards.
func (r *Room) broadcastLocked(frame []byte, except string) {
	var slow []*member
	for id, m := range r.members {
		if id == except {
			continue
		}
		if !m.peer.Send(frame) {
			slow = append(slow, m)
		}
	}
	for _, m := range slow {
		if r.dropLocked(m.peer.ID()) {
			log.WithFields(log.Fields{"room": r.id, "peer": m.peer.ID()}).Warn("dropping slow peer")
			m.peer.Close(CloseSlow, "send buffer full")
		}
	}
}

func (r *Room) sendLocked(m *member, frame []byte) {
	if !m.peer.Send(frame) && r.dropLocked(m.peer.ID()) {
		log.WithFields(log.Fields{"room": r.id, "peer": m.peer.ID()}).Warn("dropping slow peer")
		m.peer.Close(CloseSlow, "send buffer full")
	}
}

// dropLocked removes a member and broadcasts the retraction of its
// presence. It reports whether the member was present.
func (r *Room) dropLocked(id string) bool {
	if _, ok := r.members[id]; !ok {
		return false
	}
	delete(r.members, id)
	metrics.PeersConnected.Dec()
	r.lastActive = r.now()

	if removed := r.presence.Retract(id); removed != nil {
		r.broadcastLocked(protocol.EncodeAwareness(removed), "")
	}
	return true
}
