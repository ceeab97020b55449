// Package api is the REST client for the room backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"

	"github.com/4xmen/jashn/internal/models"
)

const defaultTimeout = 15 * time.Second

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.Status)
	}
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
}

// Rejected marks the error as a server rejection.
func (e *StatusError) Rejected() bool { return e.Status >= 400 }

// UploadResult is the answer to a file upload.
type UploadResult struct {
	StorageURL string `json:"storageUrl"`
	FileName   string `json:"fileName"`
}

// AuthResult is the answer to register and login.
type AuthResult struct {
	Token    string `json:"token"`
	Nickname string `json:"nickname"`
}

type Client struct {
	base    string
	http    *fasthttp.Client
	timeout time.Duration

	mu    sync.RWMutex
	token string
}

func New(baseURL, token string) *Client {
	return &Client{
		base:    strings.TrimRight(baseURL, "/"),
		token:   token,
		timeout: defaultTimeout,
		http: &fasthttp.Client{
			Name:                "jashn",
			ReadTimeout:         defaultTimeout,
			WriteTimeout:        defaultTimeout,
			MaxIdleConnDuration: time.Minute,
		},
	}
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) roomPath(room, suffix string) string {
	return "/api/rooms/" + url.PathEscape(room) + suffix
}

// do sends one request and decodes a JSON answer into out when out is not nil.
// fasthttp has no context support, so the context contributes its deadline and
// is checked on both sides of the call.
func (c *Client) do(ctx context.Context, method, path string, query map[string]string, contentType string, body []byte, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.base + path)
	req.Header.SetMethod(method)
	for k, v := range query {
		req.URI().QueryArgs().Set(k, v)
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.SetContentType(contentType)
		req.SetBody(body)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		return statusError(status, resp.Body())
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return errors.Wrapf(err, "decode %s %s", method, path)
	}
	return nil
}

func statusError(status int, body []byte) *StatusError {
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &StatusError{Status: status, Message: msg}
}

func (c *Client) doJSON(ctx context.Context, method, path string, query map[string]string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return errors.Wrap(err, "encode request")
		}
	}
	return c.do(ctx, method, path, query, "application/json", body, out)
}

func pageQuery(page, size int) map[string]string {
	return map[string]string{
		"page": strconv.Itoa(page),
		"size": strconv.Itoa(size),
	}
}

// Messages fetches one page of room history, newest first.
func (c *Client) Messages(ctx context.Context, room string, page, size int) (*models.PageResult, error) {
	var res models.PageResult
	if err := c.doJSON(ctx, fasthttp.MethodGet, c.roomPath(room, "/messages"), pageQuery(page, size), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Search fetches one page of messages matching filter.
func (c *Client) Search(ctx context.Context, room string, filter models.SearchFilter, page, size int) (*models.PageResult, error) {
	q := pageQuery(page, size)
	if filter.Keyword != "" {
		q["keyword"] = filter.Keyword
	}
	if filter.Nickname != "" {
		q["nickname"] = filter.Nickname
	}
	var res models.PageResult
	if err := c.doJSON(ctx, fasthttp.MethodGet, c.roomPath(room, "/messages/search"), q, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) MarkRead(ctx context.Context, room string, messageID int64) error {
	body := map[string]int64{"messageId": messageID}
	return c.doJSON(ctx, fasthttp.MethodPut, c.roomPath(room, "/messages/readStatus"), nil, body, nil)
}

func (c *Client) ReadCounts(ctx context.Context, room string) ([]models.ReadCount, error) {
	var counts []models.ReadCount
	if err := c.doJSON(ctx, fasthttp.MethodGet, c.roomPath(room, "/messages/count"), nil, nil, &counts); err != nil {
		return nil, err
	}
	return counts, nil
}

func (c *Client) Members(ctx context.Context, room string) ([]models.PresenceEntry, error) {
	var entries []models.PresenceEntry
	if err := c.doJSON(ctx, fasthttp.MethodGet, c.roomPath(room, "/members"), nil, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// AnnounceOnline marks the member online in room.
func (c *Client) AnnounceOnline(ctx context.Context, room string) error {
	return c.doJSON(ctx, fasthttp.MethodPatch, c.roomPath(room, "/members/login"), nil, nil, nil)
}

// AnnounceOffline marks the member offline in room.
func (c *Client) AnnounceOffline(ctx context.Context, room string) error {
	return c.doJSON(ctx, fasthttp.MethodPatch, c.roomPath(room, "/members/logout"), nil, nil, nil)
}

// Upload sends data as the multipart field "file".
func (c *Client) Upload(ctx context.Context, room, fileName, contentType string, data []byte) (*UploadResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(fileName)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, errors.Wrap(err, "create multipart part")
	}
	if _, err := part.Write(data); err != nil {
		return nil, errors.Wrap(err, "write multipart part")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "close multipart writer")
	}

	var res UploadResult
	if err := c.do(ctx, fasthttp.MethodPost, c.roomPath(room, "/files/upload"), nil, w.FormDataContentType(), buf.Bytes(), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// DeleteFile removes the stored file named storedName.
func (c *Client) DeleteFile(ctx context.Context, room, storedName string) error {
	q := map[string]string{"fileName": storedName}
	return c.doJSON(ctx, fasthttp.MethodDelete, c.roomPath(room, "/files/delete"), q, nil, nil)
}

func (c *Client) Register(ctx context.Context, nickname, password string) (*AuthResult, error) {
	return c.auth(ctx, "/api/auth/register", nickname, password)
}

func (c *Client) Login(ctx context.Context, nickname, password string) (*AuthResult, error) {
	return c.auth(ctx, "/api/auth/login", nickname, password)
}

func (c *Client) auth(ctx context.Context, path, nickname, password string) (*AuthResult, error) {
	body := map[string]string{"nickname": nickname, "password": password}
	var res AuthResult
	if err := c.doJSON(ctx, fasthttp.MethodPost, path, nil, body, &res); err != nil {
		return nil, err
	}
	c.SetToken(res.Token)
	return &res, nil
}
