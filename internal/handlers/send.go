package handlers

import (
	"database/sql"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/4xmen/jashn/internal/apperr"
	"github.com/4xmen/jashn/internal/models"
	"github.com/4xmen/jashn/internal/ws"
)

// Alert is delivered on a member's private queue when someone mentions them.
type Alert struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	MessageID int64  `json:"messageId"`
	From      string `json:"from"`
}

var mentionPattern = regexp.MustCompile(`@([^\s@]{2,32})`)

// HandleSend persists a chat line published to a room's send destination and
// echoes it to the room topic with its server id and the sender's client id.
// A repeated client id from the same author re-echoes the stored line.
func (h *RoomHandler) HandleSend(from ws.Identity, destination string, body json.RawMessage) error {
	room, ok := ws.RoomFromSendDestination(destination)
	if !ok {
		return errors.Errorf("unknown destination %q", destination)
	}

	var out models.OutgoingMessage
	if err := json.Unmarshal(body, &out); err != nil {
		return errors.New("invalid request")
	}
	content := strings.TrimSpace(out.Content)
	if content == "" {
		return apperr.ErrEmptyMessage
	}

	msg, err := h.storeMessage(room, from, content, strings.TrimSpace(out.FileName), out.ClientID)
	if err != nil {
		log.WithError(err).WithField("room", room).Error("failed to store message")
		return errors.New("failed to send message")
	}

	if err := h.broadcaster.Broadcast(ws.RoomTopic(room), models.EnvelopeMessage, models.Envelope{Type: models.EnvelopeMessage, Message: msg}); err != nil {
		return errors.Wrap(err, "broadcast message")
	}
	h.alertMentions(room, msg)
	return nil
}

func (h *RoomHandler) storeMessage(room string, from ws.Identity, content, fileName, clientID string) (*models.Message, error) {
	if clientID != "" {
		existing, err := h.messageByClientID(room, from.MemberID, clientID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	now := time.Now().UTC()
	res, err := h.db.Exec(`
		INSERT INTO messages (room_id, author_id, content, file_name, client_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, room, from.MemberID, content, fileName, clientID, now)
	if err != nil {
		return nil, errors.Wrap(err, "insert message")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "message id")
	}

	// Speaking in a room makes the author a member of it.
	_, err = h.db.Exec(`INSERT OR IGNORE INTO room_members (room_id, member_id, status) VALUES (?, ?, ?)`,
		room, from.MemberID, string(models.StatusOnline))
	if err != nil {
		log.WithError(err).WithField("room", room).Warn("failed to record room member")
	}

	return &models.Message{
		ID:             id,
		ClientID:       clientID,
		RoomID:         room,
		AuthorNickname: from.Nickname,
		Content:        content,
		FileName:       fileName,
		Timestamp:      now,
	}, nil
}

func (h *RoomHandler) messageByClientID(room string, authorID int, clientID string) (*models.Message, error) {
	rows, err := h.db.Query(`
		SELECT `+messageColumns+`
		FROM messages m
		JOIN members u ON u.id = m.author_id
		WHERE m.room_id = ? AND m.author_id = ? AND m.client_id = ?
		LIMIT 1
	`, room, authorID, clientID)
	if err != nil {
		return nil, errors.Wrap(err, "query message by client id")
	}
	items, err := scanMessages(rows)
	if err != nil {
		return nil, errors.Wrap(err, "scan message")
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

func (h *RoomHandler) alertMentions(room string, msg *models.Message) {
	seen := make(map[string]bool)
	for _, match := range mentionPattern.FindAllStringSubmatch(msg.Content, -1) {
		nickname := match[1]
		if seen[nickname] || nickname == msg.AuthorNickname {
			continue
		}
		seen[nickname] = true

		var id int
		err := h.db.QueryRow(`SELECT id FROM members WHERE nickname = ?`, nickname).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			log.WithError(err).Warn("mention lookup failed")
			continue
		}

		alert := Alert{Type: "MENTION", RoomID: room, MessageID: msg.ID, From: msg.AuthorNickname}
		if err := h.broadcaster.SendToMember(nickname, ws.AlertQueue, alert); err != nil {
			log.WithError(err).WithField("member", nickname).Warn("mention alert failed")
		}
	}
}
