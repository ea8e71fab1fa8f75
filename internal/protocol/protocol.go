// Package protocol defines the wire format for all client-server communication.
// Every WebSocket text frame carries one JSON object whose "event_type" field
// selects the event variant.
package protocol

import "time"

// Kind identifies an event variant on the wire.
type Kind string

const (
	// Handshake
	KindConnectionRequest  Kind = "connection_request"
	KindConnectionResponse Kind = "connection_response"
	KindConnectionReject   Kind = "connection_reject"

	// Chat
	KindMessage        Kind = "message"
	KindMessageHistory Kind = "message_history"
	KindTyping         Kind = "typing"
	KindSystem         Kind = "system"

	// Presence
	KindUsersOnline Kind = "users_online"
	KindUserJoin    Kind = "user_join"
	KindUserLeave   Kind = "user_leave"

	// Rooms
	KindAllRooms           Kind = "all_rooms"
	KindRoomCreate         Kind = "room_create"
	KindRoomCreateReject   Kind = "room_create_reject"
	KindRoomChatClear      Kind = "room_chat_clear"
	KindRoomSwitchRequest  Kind = "room_switch_request"
	KindRoomSwitchResponse Kind = "room_switch_response"
	KindRoomSwitchReject   Kind = "room_switch_reject"
)

// Subscription names accepted in ConnectionRequest.SubscribeForEvents.
const (
	SubscribePastChats = "past_chats"
	SubscribeTyping    = "typing"
	SubscribeUserEvent = "user_event"
)

// Severity grades a SystemNotice for display.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is implemented by every wire variant. The set is closed: only types in
// this package satisfy it.
type Event interface {
	Kind() Kind
	isEvent()
}

// ConnectionRequest is the handshake frame a client sends first.
type ConnectionRequest struct {
	Username           string   `json:"username"`
	SubscribeForEvents []string `json:"subscribe_for_events,omitempty"`
}

// ConnectionResponse accepts a handshake.
type ConnectionResponse struct {
	Username     string `json:"username"`
	ConnectionID string `json:"connection_id"`
}

// ConnectionReject refuses a handshake.
type ConnectionReject struct {
	Reason string `json:"reason"`
}

// ChatMessage is a chat line. Clients may omit Username and Timestamp; the
// server fills both in before broadcasting.
type ChatMessage struct {
	Username  string    `json:"username,omitempty"`
	Text      string    `json:"message"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// HistoryEntry is one replayed chat line.
type HistoryEntry struct {
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageHistory replays past chat lines, oldest first.
type MessageHistory struct {
	Messages []HistoryEntry `json:"messages"`
}

// Typing reports that a user started or stopped typing.
type Typing struct {
	Username string `json:"username,omitempty"`
	IsTyping bool   `json:"is_typing"`
}

// SystemNotice is a server message addressed to a single connection.
type SystemNotice struct {
	Text     string   `json:"message"`
	Severity Severity `json:"severity"`
}

// UserPresence describes one connected user.
type UserPresence struct {
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joined_at"`
}

// UsersOnline lists the users connected to a room.
type UsersOnline struct {
	Users []UserPresence `json:"users"`
}

// UserJoined announces a new connection.
type UserJoined struct {
	Username string `json:"username"`
}

// UserLeft announces a departed connection.
type UserLeft struct {
	Username string `json:"username"`
}

// RoomInfo names a room.
type RoomInfo struct {
	RoomName string `json:"room_name"`
}

// RoomList lists every known room. Clients send it with no rooms to ask for
// the list.
type RoomList struct {
	Rooms []RoomInfo `json:"rooms"`
}

// RoomCreated requests a room (client) or announces one (server).
type RoomCreated struct {
	Room     RoomInfo `json:"room"`
	Username string   `json:"username,omitempty"`
}

// RoomCreateReject refuses a room creation request.
type RoomCreateReject struct {
	Reason string `json:"reason"`
}

// RoomChatCleared requests (client) or announces (server) that a room's
// history was emptied.
type RoomChatCleared struct {
	RoomName string `json:"room_name"`
	Username string `json:"username,omitempty"`
}

// RoomSwitchRequest asks to move to another room.
type RoomSwitchRequest struct {
	RoomName string `json:"room_name"`
}

// RoomSwitchResponse confirms a room switch; the client reconnects to the
// room's endpoint.
type RoomSwitchResponse struct {
	RoomName string `json:"room_name"`
}

// RoomSwitchReject refuses a room switch.
type RoomSwitchReject struct {
	Reason string `json:"reason"`
}

func (ConnectionRequest) Kind() Kind  { return KindConnectionRequest }
func (ConnectionResponse) Kind() Kind { return KindConnectionResponse }
func (ConnectionReject) Kind() Kind   { return KindConnectionReject }
func (ChatMessage) Kind() Kind        { return KindMessage }
func (MessageHistory) Kind() Kind     { return KindMessageHistory }
func (Typing) Kind() Kind             { return KindTyping }
func (SystemNotice) Kind() Kind       { return KindSystem }
func (UsersOnline) Kind() Kind        { return KindUsersOnline }
func (UserJoined) Kind() Kind         { return KindUserJoin }
func (UserLeft) Kind() Kind           { return KindUserLeave }
func (RoomList) Kind() Kind           { return KindAllRooms }
func (RoomCreated) Kind() Kind        { return KindRoomCreate }
func (RoomCreateReject) Kind() Kind   { return KindRoomCreateReject }
func (RoomChatCleared) Kind() Kind    { return KindRoomChatClear }
func (RoomSwitchRequest) Kind() Kind  { return KindRoomSwitchRequest }
func (RoomSwitchResponse) Kind() Kind { return KindRoomSwitchResponse }
func (RoomSwitchReject) Kind() Kind   { return KindRoomSwitchReject }

func (ConnectionRequest) isEvent()  {}
func (ConnectionResponse) isEvent() {}
func (ConnectionReject) isEvent()   {}
func (ChatMessage) isEvent()        {}
func (MessageHistory) isEvent()     {}
func (Typing) isEvent()             {}
func (SystemNotice) isEvent()       {}
func (UsersOnline) isEvent()        {}
func (UserJoined) isEvent()         {}
func (UserLeft) isEvent()           {}
func (RoomList) isEvent()           {}
func (RoomCreated) isEvent()        {}
func (RoomCreateReject) isEvent()   {}
func (RoomChatCleared) isEvent()    {}
func (RoomSwitchRequest) isEvent()  {}
func (RoomSwitchResponse) isEvent() {}
func (RoomSwitchReject) isEvent()   {}
