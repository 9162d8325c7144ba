// Package client is the HTTP client for the ReviewSync API. It maps status
// codes back onto the same domain errors the server produced them from, and
// adds the two failures only a client can observe: the server being
// unreachable and a request whose outcome is unknown.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/lalith-99/reviewsync/internal/models"
	"github.com/lalith-99/reviewsync/internal/project"
	"go.uber.org/zap"
)

var (
	// ErrOffline means the request certainly did not reach the store: the
	// connection could not be made, the server answered 503, or a read
	// failed in transit.
	ErrOffline = errors.New("service offline")

	// ErrUnknownOutcome means the request timed out or lost its connection
	// after it may have been applied. The caller must re-fetch instead of
	// assuming either outcome.
	ErrUnknownOutcome = errors.New("request outcome unknown")
)

// Client talks to one ReviewSync server as one identity.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

func New(baseURL, token string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: timeout},
		Logger:     logger,
	}
}

type patchBody struct {
	Updates         map[string]json.RawMessage `json:"updates"`
	ExpectedVersion int64                      `json:"expectedVersion"`
}

type errorBody struct {
	Error         string `json:"error"`
	ProjectID     string `json:"projectId"`
	ServerVersion int64  `json:"serverVersion"`
	ClientVersion int64  `json:"clientVersion"`
}

// ListProjects returns the projects of orgID, or the caller's personal
// projects when orgID is empty.
func (c *Client) ListProjects(ctx context.Context, orgID string) ([]models.Project, error) {
	path := "/v1/projects"
	if orgID != "" {
		path += "?orgId=" + url.QueryEscape(orgID)
	}
	var out []models.Project
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Normalize()
	}
	return out, nil
}

func (c *Client) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var out models.Project
	if err := c.do(ctx, http.MethodGet, "/v1/projects/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	out.Normalize()
	return &out, nil
}

// SaveProjects sends a batch create-or-replace.
func (c *Client) SaveProjects(ctx context.Context, docs []models.Project) (*project.SaveResult, error) {
	var out project.SaveResult
	if err := c.do(ctx, http.MethodPost, "/v1/projects", docs, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PatchProject(ctx context.Context, id string, updates map[string]json.RawMessage, expectedVersion int64) (*models.Project, error) {
	var out models.Project
	body := patchBody{Updates: updates, ExpectedVersion: expectedVersion}
	if err := c.do(ctx, http.MethodPatch, "/v1/projects/"+url.PathEscape(id), body, &out); err != nil {
		return nil, err
	}
	out.Normalize()
	return &out, nil
}

func (c *Client) DeleteProject(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/projects/"+url.PathEscape(id), nil, nil)
}

func (c *Client) JoinProject(ctx context.Context, id string) (*models.Project, error) {
	var out models.Project
	if err := c.do(ctx, http.MethodPost, "/v1/projects/"+url.PathEscape(id)+"/join", nil, &out); err != nil {
		return nil, err
	}
	out.Normalize()
	return &out, nil
}

func commentsPath(ref models.CommentRef) string {
	return fmt.Sprintf("/v1/projects/%s/assets/%s/versions/%s/comments",
		url.PathEscape(ref.ProjectID), url.PathEscape(ref.AssetID), url.PathEscape(ref.VersionID))
}

func (c *Client) CreateComment(ctx context.Context, ref models.CommentRef, in project.CommentInput) (*models.Comment, error) {
	var out models.Comment
	if err := c.do(ctx, http.MethodPost, commentsPath(ref), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateComment(ctx context.Context, ref models.CommentRef, commentID string, upd project.CommentUpdate) (*models.Comment, error) {
	var out models.Comment
	if err := c.do(ctx, http.MethodPatch, commentsPath(ref)+"/"+url.PathEscape(commentID), upd, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteComment(ctx context.Context, ref models.CommentRef, commentID string) error {
	return c.do(ctx, http.MethodDelete, commentsPath(ref)+"/"+url.PathEscape(commentID), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return classifyTransport(ctx, method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response body: %v", ErrUnknownOutcome, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(respBody) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
		return nil
	}

	statusErr := decodeStatus(resp.StatusCode, respBody)
	c.Logger.Debug("request failed",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status_code", resp.StatusCode),
		zap.Error(statusErr))
	return statusErr
}

// classifyTransport separates "never arrived" from "may have arrived". A
// write whose connection broke after it was dialed may have been applied.
func classifyTransport(ctx context.Context, method, path string, err error) error {
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
		return fmt.Errorf("%s %s: %w", method, path, ctxErr)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%s %s: %w: %v", method, path, ErrUnknownOutcome, err)
	}
	if method != http.MethodGet && !neverSent(err) {
		return fmt.Errorf("%s %s: %w: %v", method, path, ErrUnknownOutcome, err)
	}
	return fmt.Errorf("%s %s: %w: %v", method, path, ErrOffline, err)
}

// neverSent reports whether err happened before a connection existed.
func neverSent(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func decodeStatus(status int, body []byte) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	msg := eb.Error
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch status {
	case http.StatusConflict:
		return &project.ConflictError{ProjectID: eb.ProjectID, ServerVersion: eb.ServerVersion, ClientVersion: eb.ClientVersion}
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", project.ErrUnauthenticated, msg)
	case http.StatusForbidden:
		if msg == project.ErrLocked.Error() {
			return project.ErrLocked
		}
		return fmt.Errorf("%w: %s", project.ErrForbidden, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", project.ErrNotFound, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", project.ErrInvalidDocument, msg)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", ErrOffline, msg)
	default:
		return fmt.Errorf("request failed with status %d: %s", status, msg)
	}
}
