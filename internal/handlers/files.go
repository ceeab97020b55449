package handlers

import (
	"database/sql"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// StoragePrefix is the URL path uploaded files are served under.
const StoragePrefix = "/api/files/"

var safeExt = regexp.MustCompile(`^\.[a-z0-9]{1,10}$`)

func storedNameFor(original string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(original)))
	if !safeExt.MatchString(ext) {
		ext = ""
	}
	return uuid.NewString() + ext
}

// UploadFile stores a room attachment and returns its storage URL. The
// caller publishes that URL as a chat line.
func (h *RoomHandler) UploadFile(c *gin.Context) {
	memberID, nickname, ok := currentMember(c)
	if !ok {
		fail(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	// Leave room for multipart framing around the file itself.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+64<<10)
	header, err := c.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			fail(c, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		fail(c, http.StatusBadRequest, "file is required")
		return
	}
	if header.Size > h.maxUpload {
		fail(c, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	if header.Size == 0 {
		fail(c, http.StatusBadRequest, "file is empty")
		return
	}

	room := c.Param("room")
	stored := storedNameFor(header.Filename)
	dst := filepath.Join(h.storagePath, stored)
	if err := c.SaveUploadedFile(header, dst); err != nil {
		c.Error(err)
		fail(c, http.StatusInternalServerError, "failed to save file")
		return
	}

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(dst); err == nil {
		contentType = mt.String()
	}

	_, err = h.db.Exec(`
		INSERT INTO files (room_id, stored_name, file_name, file_path, file_size, content_type, author_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, room, stored, header.Filename, dst, header.Size, contentType, memberID)
	if err != nil {
		os.Remove(dst)
		c.Error(err)
		fail(c, http.StatusInternalServerError, "failed to save file record")
		return
	}

	log.WithFields(log.Fields{"room": room, "member": nickname, "file": stored, "type": contentType}).Info("file uploaded")
	c.JSON(http.StatusCreated, gin.H{
		"storageUrl": StoragePrefix + stored,
		"fileName":   header.Filename,
	})
}

// DeleteFile removes an attachment, its stored bytes, and the chat lines that
// referenced it. Only the uploader may delete.
func (h *RoomHandler) DeleteFile(c *gin.Context) {
	memberID, _, ok := currentMember(c)
	if !ok {
		fail(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	stored := filepath.Base(strings.TrimSpace(c.Query("fileName")))
	if stored == "" || stored == "." || stored == "/" {
		fail(c, http.StatusBadRequest, "invalid request")
		return
	}
	room := c.Param("room")

	var authorID int
	var path string
	err := h.db.QueryRow(`SELECT author_id, file_path FROM files WHERE stored_name = ? AND room_id = ?`, stored, room).Scan(&authorID, &path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			fail(c, http.StatusNotFound, "file not found")
			return
		}
		c.Error(err)
		fail(c, http.StatusInternalServerError, "failed to delete file")
		return
	}
	if authorID != memberID {
		fail(c, http.StatusForbidden, "only the author can delete this file")
		return
	}

	tx, err := h.db.Begin()
	if err != nil {
		c.Error(err)
		fail(c, http.StatusInternalServerError, "failed to delete file")
		return
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM files WHERE stored_name = ?`, stored); err != nil {
		c.Error(err)
		fail(c, http.StatusInternalServerError, "failed to delete file")
		return
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE room_id = ? AND content = ?`, room, StoragePrefix+stored); err != nil {
		c.Error(err)
		fail(c, http.StatusInternalServerError, "failed to delete file")
		return
	}
	if err := tx.Commit(); err != nil {
		c.Error(err)
		fail(c, http.StatusInternalServerError, "failed to delete file")
		return
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.WithError(err).WithField("file", stored).Warn("failed to remove stored file")
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
