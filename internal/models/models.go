package models

import (
	"strings"
	"time"
)

// Message is one chat line in a room. ID is assigned by the server; a message
// that has not been acknowledged yet has ID 0 and is identified by ClientID.
type Message struct {
	ID             int64     `json:"messageId,omitempty"`
	ClientID       string    `json:"clientId,omitempty"`
	RoomID         string    `json:"roomId,omitempty"`
	AuthorNickname string    `json:"authorNickname"`
	Content        string    `json:"content"`
	FileName       string    `json:"fileName,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Provisional reports whether the message is still waiting for its server echo.
func (m *Message) Provisional() bool {
	return m.ID == 0
}

// IsAttachment reports whether the content is a storage URL under prefix.
func (m *Message) IsAttachment(prefix string) bool {
	if m.FileName != "" {
		return true
	}
	return prefix != "" && strings.HasPrefix(m.Content, prefix)
}

// Before orders messages by (timestamp, id). Provisional messages sort after
// confirmed ones with the same timestamp, then by client id.
func (m *Message) Before(o *Message) bool {
	if !m.Timestamp.Equal(o.Timestamp) {
		return m.Timestamp.Before(o.Timestamp)
	}
	mp, op := m.Provisional(), o.Provisional()
	switch {
	case !mp && !op:
		return m.ID < o.ID
	case mp != op:
		return op
	default:
		return m.ClientID < o.ClientID
	}
}

// Page describes one server-paginated slice of history.
type Page struct {
	Number     int `json:"number"`
	Size       int `json:"size"`
	TotalPages int `json:"totalPages"`
}

// PageResult is the body of the history and search endpoints.
type PageResult struct {
	Items []*Message `json:"items"`
	Page  Page       `json:"page"`
}

// HasMore applies the pagination rule: more pages exist while number < totalPages-1,
// and a short page always ends pagination.
func (r *PageResult) HasMore(size int) bool {
	if len(r.Items) == 0 {
		return false
	}
	if size > 0 && len(r.Items) < size {
		return false
	}
	return r.Page.Number < r.Page.TotalPages-1
}

// ReadCount is the number of members who have read up to MessageID.
type ReadCount struct {
	MessageID int64 `json:"messageId"`
	Count     int   `json:"count"`
}

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "ONLINE"
	StatusOffline PresenceStatus = "OFFLINE"
)

type PresenceEntry struct {
	Nickname string         `json:"nickname"`
	Status   PresenceStatus `json:"status"`
}

// SearchFilter narrows the rendered view. The zero value is inactive.
type SearchFilter struct {
	Keyword  string `json:"keyword,omitempty"`
	Nickname string `json:"nickname,omitempty"`
}

func (f SearchFilter) Active() bool {
	return strings.TrimSpace(f.Keyword) != "" || strings.TrimSpace(f.Nickname) != ""
}

// Matches is the client-side predicate applied to live messages in search mode.
func (f SearchFilter) Matches(m *Message) bool {
	if n := strings.TrimSpace(f.Nickname); n != "" && !strings.EqualFold(m.AuthorNickname, n) {
		return false
	}
	if k := strings.TrimSpace(f.Keyword); k != "" && !strings.Contains(strings.ToLower(m.Content), strings.ToLower(k)) {
		return false
	}
	return true
}

// Envelope types on the room topic.
const (
	EnvelopeMessage  = "MESSAGE"
	EnvelopeCount    = "COUNT"
	EnvelopePresence = "PRESENCE"
)

// Envelope is the payload published on room topics.
type Envelope struct {
	Type    string          `json:"type"`
	Message *Message        `json:"message,omitempty"`
	Counts  []ReadCount     `json:"counts,omitempty"`
	Members []PresenceEntry `json:"members,omitempty"`
}

// OutgoingMessage is the SEND body for a chat line.
type OutgoingMessage struct {
	ClientID string `json:"clientId"`
	Content  string `json:"content"`
	FileName string `json:"fileName,omitempty"`
}

// Member is a registered account on the development backend.
type Member struct {
	ID        int       `json:"id"`
	Nickname  string    `json:"nickname"`
	CreatedAt time.Time `json:"created_at"`
}

// File is an uploaded attachment record.
type File struct {
	ID             int       `json:"id"`
	RoomID         string    `json:"room_id"`
	StoredName     string    `json:"stored_name"`
	FileName       string    `json:"file_name"`
	FilePath       string    `json:"-"`
	FileSize       int64     `json:"file_size"`
	ContentType    string    `json:"content_type"`
	AuthorNickname string    `json:"author_nickname"`
	CreatedAt      time.Time `json:"created_at"`
}
