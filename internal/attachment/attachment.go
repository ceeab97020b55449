// Package attachment uploads files into a room and deletes them again.
package attachment

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/4xmen/jashn/internal/api"
	"github.com/4xmen/jashn/internal/apperr"
	"github.com/4xmen/jashn/internal/models"
)

const DefaultLimit int64 = 5 << 20

// File is a local file to upload. Size is checked against the limit before
// Reader is touched.
type File struct {
	Name   string
	Size   int64
	Reader io.Reader
}

// Open stats and opens the file at p. The caller closes the returned closer.
func Open(p string) (File, io.Closer, error) {
	f, err := os.Open(p)
	if err != nil {
		return File{}, nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return File{}, nil, err
	}
	return File{Name: filepath.Base(p), Size: st.Size(), Reader: f}, f, nil
}

// TooLargeError is the Validation error for files over the limit.
type TooLargeError struct {
	Size  int64
	Limit int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("file too large: %s exceeds the %s limit",
		humanize.IBytes(uint64(e.Size)), humanize.IBytes(uint64(e.Limit)))
}

func (e *TooLargeError) Unwrap() error { return apperr.ErrFileTooLarge }

// Store is the REST side of attachments.
type Store interface {
	Upload(ctx context.Context, room, fileName, contentType string, data []byte) (*api.UploadResult, error)
	DeleteFile(ctx context.Context, room, storedName string) error
}

// Sender publishes a chat line, tracking it as provisional until echoed.
type Sender interface {
	Send(ctx context.Context, content, fileName string) error
}

// Messages is the part of the message log attachments touch.
type Messages interface {
	FindByContent(content string) (models.Message, bool)
	RemoveByContent(content string) int
}

type Manager struct {
	room   string
	self   string
	limit  int64
	store  Store
	sender Sender
	log    Messages
}

func NewManager(room, self string, limit int64, store Store, sender Sender, messages Messages) *Manager {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Manager{room: room, self: self, limit: limit, store: store, sender: sender, log: messages}
}

func (m *Manager) Limit() int64 { return m.limit }

// Upload sends f to the server and publishes a message carrying its storage
// URL. Oversized and empty files fail before any network call.
func (m *Manager) Upload(ctx context.Context, f File) (*api.UploadResult, error) {
	if f.Size > m.limit {
		return nil, &TooLargeError{Size: f.Size, Limit: m.limit}
	}
	if f.Size <= 0 || f.Reader == nil {
		return nil, apperr.ErrEmptyFile
	}

	data, err := io.ReadAll(io.LimitReader(f.Reader, m.limit+1))
	if err != nil {
		return nil, apperr.Wrap(apperr.TransientNetwork, "read file", err)
	}
	switch {
	case int64(len(data)) > m.limit:
		return nil, &TooLargeError{Size: int64(len(data)), Limit: m.limit}
	case len(data) == 0:
		return nil, apperr.ErrEmptyFile
	}

	contentType := mimetype.Detect(data).String()
	res, err := m.store.Upload(ctx, m.room, f.Name, contentType, data)
	if err != nil {
		return nil, errors.Wrap(err, "upload")
	}
	fileName := res.FileName
	if fileName == "" {
		fileName = f.Name
	}
	if err := m.sender.Send(ctx, res.StorageURL, fileName); err != nil {
		m.discard(ctx, res.StorageURL)
		return nil, err
	}
	return res, nil
}

// discard removes an uploaded file no message points to.
func (m *Manager) discard(ctx context.Context, storageURL string) {
	name := StoredName(storageURL)
	if name == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := m.store.DeleteFile(ctx, m.room, name); err != nil {
		log.WithError(err).WithFields(log.Fields{"room": m.room, "file": name}).Warn("orphaned upload not removed")
	}
}

// Delete removes the attachment at storageURL. Only its author may delete it;
// the message log changes only after the server confirms.
func (m *Manager) Delete(ctx context.Context, storageURL string) error {
	msg, ok := m.log.FindByContent(storageURL)
	if !ok {
		return apperr.ErrAttachmentNotFound
	}
	if msg.AuthorNickname != m.self {
		return apperr.ErrNotAuthor
	}
	name := StoredName(storageURL)
	if name == "" {
		return apperr.ErrAttachmentNotFound
	}
	if err := m.store.DeleteFile(ctx, m.room, name); err != nil {
		return errors.Wrap(err, "delete file")
	}
	m.log.RemoveByContent(storageURL)
	return nil
}

// StoredName extracts the server-side file name from a storage URL.
func StoredName(storageURL string) string {
	p := storageURL
	if u, err := url.Parse(storageURL); err == nil {
		p = u.Path
	}
	name := path.Base(p)
	if name == "." || name == "/" {
		return ""
	}
	return name
}
