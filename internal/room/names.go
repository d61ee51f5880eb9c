package room

import (
	"path"
	"strings"

	"github.com/pelusa-v/pelusa-mesh/internal/rendezvous"
)

// NormalizeID trims a room id and folds it into one path segment.
// "" means the id is unusable.
func NormalizeID(room string) string {
	r := strings.TrimSpace(room)
	if r == "" {
		return ""
	}
	r = path.Clean("/" + r) // merge slashes, resolve . and ..
	r = strings.TrimPrefix(r, "/")
	return strings.ReplaceAll(r, "/", "-")
}

const publicRooms = "public_rooms"

func messagesPath(roomID string) string {
	return rendezvous.Doc("rooms", roomID, "messages")
}

func participantsPath(roomID string) string {
	return rendezvous.Doc("rooms", roomID, "participants")
}

func participantPath(roomID, identity string) string {
	return rendezvous.Doc("rooms", roomID, "participants", identity)
}

func publicRoomPath(roomID string) string {
	return rendezvous.Doc(publicRooms, roomID)
}
