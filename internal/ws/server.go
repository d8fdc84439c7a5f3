// Package ws carries room traffic over websockets.
package ws

import (
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/livelist/internal/access"
	"github.com/manpreetbhatti/livelist/internal/room"
)

// Joiner admits peers to rooms; implemented by *engine.Engine.
type Joiner interface {
	Join(id string, peer room.Peer) (*room.Room, error)
}

// Server upgrades requests for /yjs/{id} and joins the connection to room id.
type Server struct {
	rooms    Joiner
	admin    func(*http.Request) bool
	upgrader websocket.Upgrader
}

// NewServer returns a Server. admin reports whether a request carries an
// admin session.
func NewServer(rooms Joiner, admin func(*http.Request) bool) *Server {
	if admin == nil {
		admin = func(*http.Request) bool { return false }
	}
	return &Server{
		rooms: rooms,
		admin: admin,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// RoomID extracts the room id: the {id} route variable, or else the last
// segment of the path.
func RoomID(r *http.Request) string {
	if id, ok := mux.Vars(r)["id"]; ok {
		return id
	}
	return path.Base(strings.TrimSuffix(r.URL.Path, "/"))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := RoomID(r)
	admin := s.admin(r)

	// Browsers cannot see the status of a failed upgrade, so join
	// failures are reported with a close code after upgrading.
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("err", err).Info("websocket upgrade")
		return
	}

	client := newClient(uuid.NewString(), admin, conn)
	logger := log.WithFields(log.Fields{"peer": client.id, "room": roomID})

	rm, err := s.rooms.Join(roomID, client)
	if err != nil {
		code, reason, ok := access.CloseCode(err)
		if !ok {
			code, reason = websocket.CloseInternalServerErr, "Internal error"
			logger.WithField("err", err).Error("joining room")
		} else {
			logger.WithField("reason", reason).Info("join refused")
		}
		writeClose(conn, code, reason)
		// Give the close frame a moment to reach the peer.
		conn.SetReadDeadline(time.Now().Add(time.Second))
		conn.ReadMessage()
		conn.Close()
		return
	}
	client.room = rm

	go client.writePump()
	go client.readPump()
}
