// Package relay is the chat core: sessions, the live registry, routing,
// broadcast and the hub that ties their lifecycle together.
package relay

// SystemRoom is the chatRoomId carried by relay-generated connect and
// disconnect announcements.
const SystemRoom = "%%system%%"

const (
	// ConnectedContent is the content of the announcement broadcast when a
	// session is admitted.
	ConnectedContent = "Connected!"
	// DisconnectedContent is the content of the announcement broadcast when a
	// session leaves the registry.
	DisconnectedContent = "Disconnected!"
)

// Message is the JSON envelope exchanged over a session. An empty ToUserID
// addresses every connected session.
type Message struct {
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId,omitempty"`
	ChatRoomID string `json:"chatRoomId"`
	Content    string `json:"content"`
}

// IsBroadcast reports whether the message has no single recipient.
func (m Message) IsBroadcast() bool {
	return m.ToUserID == ""
}

// IsSystem reports whether the message is a relay-generated event.
func (m Message) IsSystem() bool {
	return m.ChatRoomID == SystemRoom
}

func systemEvent(userID, content string) Message {
	return Message{
		FromUserID: userID,
		ChatRoomID: SystemRoom,
		Content:    content,
	}
}
