package ws

import (
	"encoding/json"
	"strings"
)

// Frame commands.
const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdSend        = "SEND"
	CmdMessage     = "MESSAGE"
	CmdError       = "ERROR"
)

// Frame is one JSON text frame on the push connection.
type Frame struct {
	Command     string          `json:"command"`
	ID          string          `json:"id,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// AlertQueue is the per-member private destination.
const AlertQueue = "/user/queue/alerts"

const (
	topicPrefix = "/topic/rooms/"
	appPrefix   = "/app/rooms/"
)

// RoomTopic carries MESSAGE and COUNT envelopes for a room.
func RoomTopic(room string) string { return topicPrefix + room }

// PresenceTopic carries presence-changed signals for a room.
func PresenceTopic(room string) string { return topicPrefix + room + "/presence" }

// SendDestination is where clients publish chat lines for a room.
func SendDestination(room string) string { return appPrefix + room + "/messages" }

// RoomFromSendDestination extracts the room id from a SendDestination.
func RoomFromSendDestination(dest string) (string, bool) {
	if !strings.HasPrefix(dest, appPrefix) || !strings.HasSuffix(dest, "/messages") {
		return "", false
	}
	room := strings.TrimSuffix(strings.TrimPrefix(dest, appPrefix), "/messages")
	if room == "" || strings.Contains(room, "/") {
		return "", false
	}
	return room, true
}
