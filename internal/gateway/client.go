// Package gateway executes paginated, rate-limited calls against the
// external content API and classifies their failures.
package gateway

import (
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

	"go.uber.org/zap"

	"github.com/contentharvest/harvester/internal/harvest"
	"github.com/contentharvest/harvester/internal/ratelimit"
	"github.com/contentharvest/harvester/internal/telemetry"
)

// API method names on the external content service.
const (
	methodGroupsGet   = "groups.getById"
	methodPostsGet    = "wall.get"
	methodCommentsGet = "wall.getComments"
)

// Config holds gateway configuration.
type Config struct {
	BaseURL  string
	Version  string
	PageSize int
	// Timeout bounds any single HTTP call.
	Timeout time.Duration
}

// Client implements harvest.Gateway. Every call checks credential
// freshness, acquires a slot from the shared rate limiter, then issues
// the HTTP request. Failures are classified and retryable ones are
// retried with jittered backoff; exhausted retries surface a terminal
// error the orchestrator records against the specific item.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	tokens     *TokenManager
	retry      *harvest.ExponentialRetryPolicy
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Client.
func New(
	limiter *ratelimit.Limiter,
	tokens *TokenManager,
	retry *harvest.ExponentialRetryPolicy,
	cfg Config,
	logger *zap.Logger,
) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Version == "" {
		cfg.Version = "5.131"
	}
	if retry == nil {
		retry = harvest.NewExponentialRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		tokens:     tokens,
		retry:      retry,
		cfg:        cfg,
		logger:     logger,
	}
}

// PageSize returns the fixed page size used for paginated listings.
func (c *Client) PageSize() int { return c.cfg.PageSize }

// ListGroups fetches group metadata for the given external ids.
func (c *Client) ListGroups(ctx context.Context, owner int64, ids []int64) ([]harvest.Group, error) {
	params := url.Values{}
	params.Set("group_ids", joinIDs(ids))
	page, err := c.call(ctx, owner, methodGroupsGet, params)
	if err != nil {
		return nil, err
	}
	var wire []wireGroup
	if err := json.Unmarshal(page.Items, &wire); err != nil {
		return nil, fmt.Errorf("decode groups: %w", err)
	}
	groups := make([]harvest.Group, 0, len(wire))
	for _, g := range wire {
		groups = append(groups, harvest.Group{
			ID:           g.ID,
			Name:         g.Name,
			ScreenName:   g.ScreenName,
			MembersCount: g.MembersCount,
		})
	}
	return groups, nil
}

// ListPosts fetches one page of posts for a group.
func (c *Client) ListPosts(ctx context.Context, owner, groupID int64, offset int) (harvest.PostsPage, error) {
	params := url.Values{}
	params.Set("owner_id", strconv.FormatInt(groupID, 10))
	params.Set("count", strconv.Itoa(c.cfg.PageSize))
	params.Set("offset", strconv.Itoa(offset))
	page, err := c.call(ctx, owner, methodPostsGet, params)
	if err != nil {
		return harvest.PostsPage{}, err
	}
	var wire []wirePost
	if err := json.Unmarshal(page.Items, &wire); err != nil {
		return harvest.PostsPage{}, fmt.Errorf("decode posts: %w", err)
	}
	posts := make([]harvest.Post, 0, len(wire))
	for _, p := range wire {
		posts = append(posts, harvest.Post{
			ID:            p.ID,
			GroupID:       groupID,
			Text:          p.Text,
			CommentsCount: p.Comments.Count,
			PublishedAt:   time.Unix(p.Date, 0).UTC(),
		})
	}
	next := offset + len(posts)
	return harvest.PostsPage{
		Posts:      posts,
		Total:      page.Count,
		NextOffset: next,
		Done:       len(posts) < c.cfg.PageSize || int64(next) >= page.Count,
	}, nil
}

// ListComments fetches one page of comments for a post.
func (c *Client) ListComments(ctx context.Context, owner int64, post harvest.Post, offset int) (harvest.CommentsPage, error) {
	params := url.Values{}
	params.Set("owner_id", strconv.FormatInt(post.GroupID, 10))
	params.Set("post_id", strconv.FormatInt(post.ID, 10))
	params.Set("count", strconv.Itoa(c.cfg.PageSize))
	params.Set("offset", strconv.Itoa(offset))
	page, err := c.call(ctx, owner, methodCommentsGet, params)
	if err != nil {
		return harvest.CommentsPage{}, err
	}
	var wire []wireComment
	if err := json.Unmarshal(page.Items, &wire); err != nil {
		return harvest.CommentsPage{}, fmt.Errorf("decode comments: %w", err)
	}
	comments := make([]harvest.Comment, 0, len(wire))
	for _, cm := range wire {
		comments = append(comments, harvest.Comment{
			ID:          cm.ID,
			PostID:      post.ID,
			AuthorID:    cm.FromID,
			Text:        cm.Text,
			PublishedAt: time.Unix(cm.Date, 0).UTC(),
		})
	}
	next := offset + len(comments)
	return harvest.CommentsPage{
		Comments:   comments,
		Total:      page.Count,
		NextOffset: next,
		Done:       len(comments) < c.cfg.PageSize || int64(next) >= page.Count,
	}, nil
}

// call runs one logical API call through the full pipeline: token
// freshness, limiter slot, HTTP, classification, retries. An expired
// credential triggers one renewal and one more attempt on top of the
// regular retry budget.
func (c *Client) call(ctx context.Context, owner int64, method string, params url.Values) (itemsPage, error) {
	renewed := false
	for attempt := 0; ; attempt++ {
		token, err := c.tokens.Fresh(ctx, owner)
		if err != nil {
			return itemsPage{}, fmt.Errorf("fresh token for %s: %w", method, err)
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return itemsPage{}, err
		}

		start := time.Now()
		page, err := c.doCall(ctx, method, token, params)
		if err == nil {
			telemetry.ObserveAPICall(method, "success", time.Since(start))
			return page, nil
		}
		telemetry.ObserveAPICall(method, outcomeLabel(err), time.Since(start))

		var authErr *harvest.AuthExpiredError
		if errors.As(err, &authErr) {
			if renewed {
				return itemsPage{}, err
			}
			renewed = true
			if _, rerr := c.tokens.ForceRenew(ctx, owner); rerr != nil {
				return itemsPage{}, fmt.Errorf("renew token for %s: %w", method, rerr)
			}
			c.logger.Info("token renewed after auth rejection",
				zap.String("method", method), zap.Int64("owner_id", owner))
			continue
		}

		if !c.retry.ShouldRetry(err, attempt) {
			return itemsPage{}, err
		}
		wait := c.retry.Backoff(err, attempt)
		c.logger.Debug("retrying api call",
			zap.String("method", method), zap.Int("attempt", attempt), zap.Duration("wait", wait),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return itemsPage{}, fmt.Errorf("backoff wait: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
}

func (c *Client) doCall(ctx context.Context, method string, token harvest.Token, params url.Values) (itemsPage, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	q := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("access_token", token.Value)
	q.Set("v", c.cfg.Version)

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/method/" + method
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return itemsPage{}, fmt.Errorf("build request for %s: %w", method, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return itemsPage{}, &harvest.TransientError{Op: method, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return itemsPage{}, &harvest.TransientError{Op: method, Err: err}
	}

	if err := classifyHTTP(resp, token.OwnerID); err != nil {
		return itemsPage{}, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return itemsPage{}, &harvest.TransientError{Op: method, Err: fmt.Errorf("decode envelope: %w", err)}
	}
	if env.Error != nil {
		return itemsPage{}, classifyAPIError(*env.Error, token.OwnerID)
	}
	if len(env.Response) == 0 {
		return itemsPage{}, &harvest.FatalAPIError{Code: 0, Message: "response missing from envelope"}
	}

	var page itemsPage
	if err := json.Unmarshal(env.Response, &page); err != nil {
		return itemsPage{}, fmt.Errorf("decode %s response: %w", method, err)
	}
	return page, nil
}

const maxBodyBytes = 8 << 20

// envelope is the versioned response wrapper the API returns.
type envelope struct {
	Response json.RawMessage `json:"response"`
	Error    *apiError       `json:"error"`
}

type apiError struct {
	Code    int    `json:"error_code"`
	Message string `json:"error_msg"`
}

// itemsPage is the common shape of paginated list responses.
type itemsPage struct {
	Count int64           `json:"count"`
	Items json.RawMessage `json:"items"`
}

type wireGroup struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	ScreenName   string `json:"screen_name"`
	MembersCount int64  `json:"members_count"`
}

type wirePost struct {
	ID       int64  `json:"id"`
	Text     string `json:"text"`
	Date     int64  `json:"date"`
	Comments struct {
		Count int64 `json:"count"`
	} `json:"comments"`
}

type wireComment struct {
	ID     int64  `json:"id"`
	FromID int64  `json:"from_id"`
	Text   string `json:"text"`
	Date   int64  `json:"date"`
}

// API error codes with dedicated handling.
const (
	codeAuthExpired    = 5
	codeTooManyActions = 6
	codeServerError    = 10
	codeRateLimited    = 29
)

func classifyHTTP(resp *http.Response, owner int64) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &harvest.RateLimitError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode == http.StatusUnauthorized:
		return &harvest.AuthExpiredError{OwnerID: owner}
	case resp.StatusCode >= 500:
		return &harvest.TransientError{
			Op:  resp.Request.URL.Path,
			Err: fmt.Errorf("server returned %s", resp.Status),
		}
	default:
		return &harvest.FatalAPIError{Code: resp.StatusCode, Message: resp.Status}
	}
}

func classifyAPIError(e apiError, owner int64) error {
	switch e.Code {
	case codeTooManyActions, codeRateLimited:
		return &harvest.RateLimitError{}
	case codeAuthExpired:
		return &harvest.AuthExpiredError{OwnerID: owner}
	case codeServerError:
		return &harvest.TransientError{Op: "api", Err: fmt.Errorf("error %d: %s", e.Code, e.Message)}
	default:
		return &harvest.FatalAPIError{Code: e.Code, Message: e.Message}
	}
}

func retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func outcomeLabel(err error) string {
	switch {
	case errors.As(err, new(*harvest.RateLimitError)):
		return "rate_limited"
	case errors.As(err, new(*harvest.TransientError)):
		return "transient"
	case errors.As(err, new(*harvest.AuthExpiredError)):
		return "auth_expired"
	case errors.As(err, new(*harvest.FatalAPIError)):
		return "fatal"
	default:
		return "error"
	}
}

func joinIDs(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ",")
}
