package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/4xmen/jashn/internal/apperr"
	"github.com/4xmen/jashn/internal/models"
)

func newServer(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", "tok")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestMessagesSendsPageAndToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/rooms/{room}/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" || r.PathValue("room") != "tehran-fest" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.Equal(t, "1", r.URL.Query().Get("page"))
		require.Equal(t, "10", r.URL.Query().Get("size"))
		writeJSON(w, http.StatusOK, models.PageResult{
			Items: []*models.Message{{ID: 11, AuthorNickname: "ali", Content: "salam", Timestamp: time.Unix(100, 0).UTC()}},
			Page:  models.Page{Number: 1, Size: 10, TotalPages: 2},
		})
	})
	c := newServer(t, mux)

	res, err := c.Messages(context.Background(), "tehran-fest", 1, 10)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, int64(11), res.Items[0].ID)
	require.Equal(t, 2, res.Page.TotalPages)
}

func TestSearchSendsFilter(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/rooms/r1/messages/search", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Equal(t, "concert", q.Get("keyword"))
		require.Equal(t, "mina", q.Get("nickname"))
		require.Equal(t, "0", q.Get("page"))
		writeJSON(w, http.StatusOK, models.PageResult{Page: models.Page{Size: 10}})
	})
	c := newServer(t, mux)

	res, err := c.Search(context.Background(), "r1", models.SearchFilter{Keyword: "concert", Nickname: "mina"}, 0, 10)
	require.NoError(t, err)
	require.Empty(t, res.Items)
}

func TestMarkReadAndCounts(t *testing.T) {
	var marked int64
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /api/rooms/r1/messages/readStatus", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			MessageID int64 `json:"messageId"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		marked = body.MessageID
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /api/rooms/r1/messages/count", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []models.ReadCount{{MessageID: 42, Count: 3}})
	})
	c := newServer(t, mux)
	ctx := context.Background()

	require.NoError(t, c.MarkRead(ctx, "r1", 42))
	require.Equal(t, int64(42), marked)

	counts, err := c.ReadCounts(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, []models.ReadCount{{MessageID: 42, Count: 3}}, counts)
}

func TestPresenceCalls(t *testing.T) {
	var calls []string
	mux := http.NewServeMux()
	mux.HandleFunc("PATCH /api/rooms/r1/members/{action}", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.PathValue("action"))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /api/rooms/r1/members", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []models.PresenceEntry{{Nickname: "A", Status: models.StatusOnline}})
	})
	c := newServer(t, mux)
	ctx := context.Background()

	require.NoError(t, c.AnnounceOnline(ctx, "r1"))
	require.NoError(t, c.AnnounceOffline(ctx, "r1"))
	require.Equal(t, []string{"login", "logout"}, calls)

	entries, err := c.Members(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, []models.PresenceEntry{{Nickname: "A", Status: models.StatusOnline}}, entries)
}

func TestUploadMultipart(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/rooms/r1/files/upload", func(w http.ResponseWriter, r *http.Request) {
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, err := io.ReadAll(f)
		require.NoError(t, err)
		require.Equal(t, "poster.png", hdr.Filename)
		require.Equal(t, "image/png", hdr.Header.Get("Content-Type"))
		require.Equal(t, []byte("png bytes"), data)
		writeJSON(w, http.StatusCreated, UploadResult{StorageURL: "/api/files/abc.png", FileName: hdr.Filename})
	})
	c := newServer(t, mux)

	res, err := c.Upload(context.Background(), "r1", "poster.png", "image/png", []byte("png bytes"))
	require.NoError(t, err)
	require.Equal(t, "/api/files/abc.png", res.StorageURL)
	require.Equal(t, "poster.png", res.FileName)
}

func TestStatusErrorIsServerRejection(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/rooms/r1/files/delete", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "abc.png", r.URL.Query().Get("fileName"))
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "only the author can delete this file"})
	})
	c := newServer(t, mux)

	err := c.DeleteFile(context.Background(), "r1", "abc.png")
	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusForbidden, se.Status)
	require.Equal(t, "only the author can delete this file", se.Message)
	require.Equal(t, apperr.ServerRejection, apperr.KindOf(err))
}

func TestLoginStoresToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "sadegh", body["nickname"])
		writeJSON(w, http.StatusOK, AuthResult{Token: "fresh", Nickname: "sadegh"})
	})
	c := newServer(t, mux)

	res, err := c.Login(context.Background(), "sadegh", "secret")
	require.NoError(t, err)
	require.Equal(t, "fresh", res.Token)
	require.Equal(t, "fresh", c.Token())
}

func TestCanceledContextSkipsRequest(t *testing.T) {
	hit := false
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { hit = true })
	c := newServer(t, mux)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Members(ctx, "r1")
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, hit)
	require.Equal(t, apperr.TransientNetwork, apperr.KindOf(err))
}
