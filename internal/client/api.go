package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chat-sync/internal/models"
)

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api: status %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// API is a thin REST client for the chat service.
type API struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewAPI builds a client for baseURL authenticating with token. httpClient
// may be nil.
func NewAPI(baseURL, token string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &API{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: httpClient}
}

// WithToken returns a copy of the client using token.
func (a *API) WithToken(token string) *API {
	copied := *a
	copied.token = token
	return &copied
}

// CreateSession registers this device and returns its session with a
// session scoped access token.
func (a *API) CreateSession(ctx context.Context, deviceName, platform string) (models.DeviceSession, error) {
	var session models.DeviceSession
	body := map[string]string{"deviceName": deviceName, "platform": platform}
	err := a.do(ctx, http.MethodPost, "/sessions", body, nil, &session)
	return session, err
}

// DeleteSession ends a device session.
func (a *API) DeleteSession(ctx context.Context, sessionID string) error {
	return a.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(sessionID), nil, nil, nil)
}

// ListChats returns the caller's chat summaries.
func (a *API) ListChats(ctx context.Context) ([]models.ChatSummary, error) {
	var resp struct {
		Chats []models.ChatSummary `json:"chats"`
	}
	err := a.do(ctx, http.MethodGet, "/chats", nil, nil, &resp)
	return resp.Chats, err
}

// ListMessages returns a newest-first page. before is the oldest id already
// held, or 0 for the latest page.
func (a *API) ListMessages(ctx context.Context, chatID, count, before int) ([]models.MessageInfo, error) {
	q := url.Values{}
	if count > 0 {
		q.Set("count", strconv.Itoa(count))
	}
	if before > 0 {
		q.Set("before", strconv.Itoa(before))
	}
	path := fmt.Sprintf("/chats/%d/messages", chatID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Messages []models.MessageInfo `json:"messages"`
	}
	err := a.do(ctx, http.MethodGet, path, nil, nil, &resp)
	return resp.Messages, err
}

// PostMessage stores msg. progress, if set, is told how many request body
// bytes were written.
func (a *API) PostMessage(ctx context.Context, chatID int, msg models.NewMessage, progress func(written, total int64)) (models.MessageInfo, error) {
	var info models.MessageInfo
	err := a.do(ctx, http.MethodPost, fmt.Sprintf("/chats/%d/messages", chatID), msg, progress, &info)
	return info, err
}

// MarkRead adds the caller's read mark.
func (a *API) MarkRead(ctx context.Context, chatID, messageID int) (models.MessageInfo, error) {
	var info models.MessageInfo
	err := a.do(ctx, http.MethodPost, fmt.Sprintf("/chats/%d/messages/%d/read", chatID, messageID), nil, nil, &info)
	return info, err
}

// DeleteChat deletes a chat for everyone.
func (a *API) DeleteChat(ctx context.Context, chatID int) error {
	return a.do(ctx, http.MethodDelete, fmt.Sprintf("/chats/%d", chatID), nil, nil, nil)
}

func (a *API) do(ctx context.Context, method, path string, in any, progress func(written, total int64), out any) error {
	var (
		body   io.Reader
		length int64
	)
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		length = int64(len(raw))
		body = bytes.NewReader(raw)
		if progress != nil {
			body = &countingReader{r: body, total: length, report: progress}
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if in != nil {
		req.ContentLength = length
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: string(raw)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

type countingReader struct {
	r       io.Reader
	total   int64
	written int64
	report  func(written, total int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.written += int64(n)
		c.report(c.written, c.total)
	}
	return n, err
}
