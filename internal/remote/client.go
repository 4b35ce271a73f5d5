// Package remote implements the backend contracts against a claimdeck
// HTTP server.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ldi/claimdeck/pkg/models"
)

const apiPrefix = "/api/v1"

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  zerolog.Logger

	// ctx is cancelled by Close and ends every open feed.
	ctx  context.Context
	stop context.CancelFunc
}

type Option func(*Client)

// WithToken sets the bearer token sent on claim routes.
func WithToken(raw string) Option {
	return func(c *Client) { c.token = raw }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "remote").Logger()
	c.ctx, c.stop = context.WithCancel(context.Background())
	return c, nil
}

type apiError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
	TaskID  string `json:"task_id"`
}

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	taskID string
}

func (c *Client) newRequest(ctx context.Context, r request) (*http.Request, error) {
	u := c.baseURL + apiPrefix + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do sends r and decodes a 2xx body into out when out is non-nil.
func (c *Client) do(ctx context.Context, r request, out any) error {
	req, err := c.newRequest(ctx, r)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return models.Wrap(models.ErrNetwork, r.taskID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp, r.taskID)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return models.Wrap(models.ErrNetwork, r.taskID, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// decodeError turns an error response back into a typed error.
func decodeError(resp *http.Response, taskID string) error {
	var body apiError
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(data, &body)
	if body.TaskID != "" {
		taskID = body.TaskID
	}
	if body.Message == "" {
		body.Message = http.StatusText(resp.StatusCode)
	}

	kind := models.FromCode(body.Code)
	switch {
	case kind != nil:
	case resp.StatusCode == http.StatusUnauthorized:
		kind = models.ErrNotAuthenticated
	case resp.StatusCode >= http.StatusInternalServerError:
		kind = models.ErrNetwork
	default:
		return fmt.Errorf("request rejected with status %d: %s", resp.StatusCode, body.Message)
	}
	return &models.ClaimError{Kind: kind, TaskID: taskID, Msg: body.Message}
}

func (c *Client) FetchPreview(ctx context.Context, perType int) ([]models.Task, error) {
	var tasks []models.Task
	q := url.Values{"per_type": {strconv.Itoa(perType)}}
	if err := c.do(ctx, request{method: http.MethodGet, path: "/preview", query: q}, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *Client) FetchCounts(ctx context.Context) ([]models.TypeCount, error) {
	var counts []models.TypeCount
	if err := c.do(ctx, request{method: http.MethodGet, path: "/counts"}, &counts); err != nil {
		return nil, err
	}
	return counts, nil
}

type typePage struct {
	Tasks    []models.Task `json:"tasks"`
	NextPage int           `json:"next_page"`
}

// FetchByType follows next_page until the server reports the last page.
func (c *Client) FetchByType(ctx context.Context, taskType string) ([]models.Task, error) {
	var all []models.Task
	path := "/types/" + url.PathEscape(taskType) + "/tasks"
	for page := 1; ; {
		var p typePage
		q := url.Values{"page": {strconv.Itoa(page)}}
		if err := c.do(ctx, request{method: http.MethodGet, path: path, query: q}, &p); err != nil {
			return nil, err
		}
		all = append(all, p.Tasks...)

		if p.NextPage == 0 {
			return all, nil
		}
		if p.NextPage <= page {
			return nil, fmt.Errorf("server returned next page %d after page %d", p.NextPage, page)
		}
		page = p.NextPage
	}
}

func (c *Client) Search(ctx context.Context, query string, max int) ([]models.Task, error) {
	var tasks []models.Task
	q := url.Values{"q": {query}, "max": {strconv.Itoa(max)}}
	if err := c.do(ctx, request{method: http.MethodGet, path: "/search", query: q}, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *Client) FetchTask(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	r := request{method: http.MethodGet, path: "/tasks/" + url.PathEscape(id), taskID: id}
	if err := c.do(ctx, r, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// FetchClaims lists the claims of the token's subject. The server ignores
// any other user id.
func (c *Client) FetchClaims(ctx context.Context, userID string) ([]models.Claim, error) {
	var claims []models.Claim
	if err := c.do(ctx, request{method: http.MethodGet, path: "/claims"}, &claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (c *Client) InsertClaim(ctx context.Context, userID, taskID string) (*models.Claim, error) {
	var claim models.Claim
	r := request{method: http.MethodPost, path: "/claims/" + url.PathEscape(taskID), taskID: taskID}
	if err := c.do(ctx, r, &claim); err != nil {
		return nil, err
	}
	return &claim, nil
}

func (c *Client) DeleteClaim(ctx context.Context, userID, taskID string) error {
	r := request{method: http.MethodDelete, path: "/claims/" + url.PathEscape(taskID), taskID: taskID}
	return c.do(ctx, r, nil)
}

type updateClaimRequest struct {
	Status         models.ClaimStatus    `json:"status"`
	TimestampField models.TimestampField `json:"timestamp_field,omitempty"`
}

func (c *Client) UpdateClaimStatus(ctx context.Context, userID, taskID string, status models.ClaimStatus, field models.TimestampField) (*models.Claim, error) {
	var claim models.Claim
	r := request{
		method: http.MethodPatch,
		path:   "/claims/" + url.PathEscape(taskID),
		body:   updateClaimRequest{Status: status, TimestampField: field},
		taskID: taskID,
	}
	if err := c.do(ctx, r, &claim); err != nil {
		return nil, err
	}
	return &claim, nil
}

// Close ends every open feed subscription.
func (c *Client) Close() error {
	c.stop()
	c.http.CloseIdleConnections()
	return nil
}

var errClosed = errors.New("client closed")
