package handlers

import (
	"database/sql"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/4xmen/jashn/internal/models"
	"github.com/4xmen/jashn/internal/ws"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// Broadcaster publishes on broker topics.
type Broadcaster interface {
	Broadcast(topic, kind string, payload any) error
	SendToMember(nickname, destination string, payload any) error
}

// RoomHandler serves the per-room REST endpoints and the broker send hook.
type RoomHandler struct {
	db          *sql.DB
	broadcaster Broadcaster
	storagePath string
	maxUpload   int64
}

func NewRoomHandler(db *sql.DB, broadcaster Broadcaster, storagePath string, maxUpload int64) *RoomHandler {
	return &RoomHandler{db: db, broadcaster: broadcaster, storagePath: storagePath, maxUpload: maxUpload}
}

func currentMember(c *gin.Context) (int, string, bool) {
	id, ok := c.Get("member_id")
	if !ok {
		return 0, "", false
	}
	memberID, ok := id.(int)
	return memberID, c.GetString("nickname"), ok
}

func pageParams(c *gin.Context) (int, int, bool) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "0"))
	if err != nil || page < 0 {
		return 0, 0, false
	}
	size, err := strconv.Atoi(c.DefaultQuery("size", strconv.Itoa(defaultPageSize)))
	if err != nil || size <= 0 {
		return 0, 0, false
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size, true
}

const messageColumns = `m.id, m.client_id, m.room_id, u.nickname, m.content, m.file_name, m.created_at`

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	defer rows.Close()
	items := make([]*models.Message, 0)
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ClientID, &m.RoomID, &m.AuthorNickname, &m.Content, &m.FileName, &m.Timestamp); err != nil {
			return nil, err
		}
		items = append(items, &m)
	}
	return items, rows.Err()
}

// queryPage runs a newest-first page over messages matching where.
func (h *RoomHandler) queryPage(where string, args []any, page, size int) (*models.PageResult, error) {
	var total int
	err := h.db.QueryRow(`SELECT COUNT(*) FROM messages m JOIN members u ON u.id = m.author_id WHERE `+where, args...).Scan(&total)
	if err != nil {
		return nil, errors.Wrap(err, "count messages")
	}

	rows, err := h.db.Query(`
		SELECT `+messageColumns+`
		FROM messages m
		JOIN members u ON u.id = m.author_id
		WHERE `+where+`
		ORDER BY m.id DESC
		LIMIT ? OFFSET ?
	`, append(args, size, page*size)...)
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	items, err := scanMessages(rows)
	if err != nil {
		return nil, errors.Wrap(err, "scan messages")
	}

	return &models.PageResult{
		Items: items,
		Page:  models.Page{Number: page, Size: size, TotalPages: (total + size - 1) / size},
	}, nil
}

// GetMessages returns one page of room history, newest first.
func (h *RoomHandler) GetMessages(c *gin.Context) {
	page, size, ok := pageParams(c)
	if !ok {
		fail(c, http.StatusBadRequest, "invalid page")
		return
	}

	res, err := h.queryPage("m.room_id = ?", []any{c.Param("room")}, page, size)
	if err != nil {
		c.Error(err)
		fail(c, http.StatusInternalServerError, "failed to fetch messages")
		return
	}
	c.JSON(http.StatusOK, res)
}

// SearchMessages filters by a case-insensitive keyword and an exact nickname.
func (h *RoomHandler) SearchMessages(c *gin.Context) {
	page, size, ok := pageParams(c)
	if !ok {
		fail(c, http.StatusBadRequest, "invalid page")
		return
	}

	where := []string{"m.room_id = ?"}
	args := []any{c.Param("room")}
	if keyword := strings.TrimSpace(c.Query("keyword")); keyword != "" {
		where = append(where, "m.content LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(keyword)+"%")
	}
	if nickname := strings.TrimSpace(c.Query("nickname")); nickname != "" {
		where = append(where, "u.nickname = ? COLLATE NOCASE")
		args = append(args, nickname)
	}

	res, err := h.queryPage(strings.Join(where, " AND "), args, page, size)
	if err != nil {
		c.Error(err)
		fail(c, http.StatusInternalServerError, "failed to fetch messages")
		return
	}
	c.JSON(http.StatusOK, res)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

type readStatusRequest struct {
	MessageID int64 `json:"messageId"`
}

// UpdateReadStatus records that the caller has read up to a message and
// broadcasts the room's new counts.
func (h *RoomHandler) UpdateReadStatus(c *gin.Context) {
	memberID, _, ok := currentMember(c)
	if !ok {
		fail(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req readStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.MessageID <= 0 {
		fail(c, http.StatusBadRequest, "invalid message id")
		return
	}
	room := c.Param("room")

	var exists bool
	if err := h.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM messages WHERE id = ? AND room_id = ?)`, req.MessageID, room).Scan(&exists); err != nil {
		c.Error(err)
		fail(c, http.StatusInternalServerError, "failed to update read status")
		return
	}
	if !exists {
		fail(c, http.StatusBadRequest, "invalid message id")
		return
	}

	// Read positions only move forward.
	_, err := h.db.Exec(`
		INSERT INTO read_status (room_id, member_id, message_id) VALUES (?, ?, ?)
		ON CONFLICT(room_id, member_id) DO UPDATE SET
			message_id = MAX(message_id, excluded.message_id),
			updated_at = CURRENT_TIMESTAMP
	`, room, memberID, req.MessageID)
	if err != nil {
		c.Error(err)
		fail(c, http.StatusInternalServerError, "failed to update read status")
		return
	}

	counts, err := h.readCounts(room)
	if err != nil {
		c.Error(err)
		fail(c, http.StatusInternalServerError, "failed to fetch counts")
		return
	}
	if err := h.broadcaster.Broadcast(ws.RoomTopic(room), models.EnvelopeCount, models.Envelope{Type: models.EnvelopeCount, Counts: counts}); err != nil {
		log.WithError(err).WithField("room", room).Warn("count broadcast failed")
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// readCounts is a full snapshot: for every message someone has read, the
// number of members whose read position is at or past it.
func (h *RoomHandler) readCounts(room string) ([]models.ReadCount, error) {
	rows, err := h.db.Query(`
		SELECT m.id, COUNT(r.member_id)
		FROM messages m
		JOIN read_status r ON r.room_id = m.room_id AND r.message_id >= m.id
		WHERE m.room_id = ?
		GROUP BY m.id
		ORDER BY m.id
	`, room)
	if err != nil {
		return nil, errors.Wrap(err, "query read counts")
	}
	defer rows.Close()

	counts := make([]models.ReadCount, 0)
	for rows.Next() {
		var rc models.ReadCount
		if err := rows.Scan(&rc.MessageID, &rc.Count); err != nil {
			return nil, errors.Wrap(err, "scan read count")
		}
		counts = append(counts, rc)
	}
	return counts, rows.Err()
}

func (h *RoomHandler) GetReadCounts(c *gin.Context) {
	counts, err := h.readCounts(c.Param("room"))
	if err != nil {
		c.Error(err)
		fail(c, http.StatusInternalServerError, "failed to fetch counts")
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (h *RoomHandler) members(room string) ([]models.PresenceEntry, error) {
	rows, err := h.db.Query(`
		SELECT u.nickname, rm.status
		FROM room_members rm
		JOIN members u ON u.id = rm.member_id
		WHERE rm.room_id = ?
		ORDER BY CASE rm.status WHEN 'ONLINE' THEN 0 ELSE 1 END, u.nickname
	`, room)
	if err != nil {
		return nil, errors.Wrap(err, "query members")
	}
	defer rows.Close()

	entries := make([]models.PresenceEntry, 0)
	for rows.Next() {
		var e models.PresenceEntry
		if err := rows.Scan(&e.Nickname, &e.Status); err != nil {
			return nil, errors.Wrap(err, "scan member")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (h *RoomHandler) GetMembers(c *gin.Context) {
	entries, err := h.members(c.Param("room"))
	if err != nil {
		c.Error(err)
		fail(c, http.StatusInternalServerError, "failed to fetch members")
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *RoomHandler) setStatus(room string, memberID int, status models.PresenceStatus) error {
	_, err := h.db.Exec(`
		INSERT INTO room_members (room_id, member_id, status) VALUES (?, ?, ?)
		ON CONFLICT(room_id, member_id) DO UPDATE SET
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP
	`, room, memberID, string(status))
	return errors.Wrap(err, "update presence")
}

// broadcastPresence pushes the full member list so subscribers can skip the
// REST refresh.
func (h *RoomHandler) broadcastPresence(room string) {
	entries, err := h.members(room)
	if err != nil {
		log.WithError(err).WithField("room", room).Warn("presence snapshot failed")
		entries = nil
	}
	env := models.Envelope{Type: models.EnvelopePresence, Members: entries}
	if err := h.broadcaster.Broadcast(ws.PresenceTopic(room), models.EnvelopePresence, env); err != nil {
		log.WithError(err).WithField("room", room).Warn("presence broadcast failed")
	}
}

func (h *RoomHandler) announce(c *gin.Context, status models.PresenceStatus) {
	memberID, _, ok := currentMember(c)
	if !ok {
		fail(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	room := c.Param("room")
	if err := h.setStatus(room, memberID, status); err != nil {
		c.Error(err)
		fail(c, http.StatusInternalServerError, "failed to update presence")
		return
	}
	h.broadcastPresence(room)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *RoomHandler) MemberLogin(c *gin.Context) {
	h.announce(c, models.StatusOnline)
}

func (h *RoomHandler) MemberLogout(c *gin.Context) {
	h.announce(c, models.StatusOffline)
}

// MemberDisconnected marks a member offline in every room they were online in
// once their last broker connection is gone.
func (h *RoomHandler) MemberDisconnected(id ws.Identity) {
	rows, err := h.db.Query(`SELECT room_id FROM room_members WHERE member_id = ? AND status = ?`, id.MemberID, string(models.StatusOnline))
	if err != nil {
		log.WithError(err).WithField("member", id.Nickname).Warn("disconnect lookup failed")
		return
	}
	var rooms []string
	for rows.Next() {
		var room string
		if err := rows.Scan(&room); err == nil {
			rooms = append(rooms, room)
		}
	}
	rows.Close()

	for _, room := range rooms {
		if err := h.setStatus(room, id.MemberID, models.StatusOffline); err != nil {
			log.WithError(err).WithField("room", room).Warn("disconnect presence update failed")
			continue
		}
		h.broadcastPresence(room)
	}
}
