// Package api is the HTTP client for the notification server: polling,
// mark-read, push token registration and remote preferences.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"notifd/internal/notification"
	logx "notifd/pkg/logx"
)

// PollLimit is the page size requested by FetchSince.
const PollLimit = 50

const maxBody = 4 << 20

type Config struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	UserAgent string
}

type Client struct {
	baseURL   string
	userAgent string
	token     atomic.Pointer[string]
	http      *http.Client
	log       logx.Logger
	now       func() time.Time
}

func New(cfg Config, log logx.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "notifd"
	}
	c := &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: ua,
		http:      &http.Client{Timeout: timeout},
		log:       log.With(logx.String("comp", "api")),
		now:       time.Now,
	}
	c.SetAuthToken(cfg.Token)
	return c
}

// SetAuthToken replaces the bearer token, e.g. after re-authentication.
func (c *Client) SetAuthToken(token string) {
	token = strings.TrimSpace(token)
	c.token.Store(&token)
}

func (c *Client) UserAgent() string { return c.userAgent }

// PollResult is the outcome of one successful poll request.
type PollResult struct {
	Records     []notification.Record
	Skipped     int
	NotModified bool
}

// FetchSince requests up to PollLimit notifications newer than cursor.
// A 304 yields NotModified; a body that is not a JSON list is a KindMalformed error.
func (c *Client) FetchSince(ctx context.Context, cursor int64) (PollResult, error) {
	const op = "fetch"
	q := url.Values{}
	q.Set("limit", strconv.Itoa(PollLimit))
	q.Set("since", strconv.FormatInt(cursor, 10))

	resp, err := c.send(ctx, op, http.MethodGet, "/notifications?"+q.Encode(), nil)
	if err != nil {
		return PollResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return PollResult{NotModified: true}, nil
	}
	if err := checkStatus(op, resp); err != nil {
		return PollResult{}, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return PollResult{}, transportError(ctx, op, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return PollResult{}, nil
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mt, _, _ := mime.ParseMediaType(ct)
		if mt != "application/json" && !strings.HasSuffix(mt, "+json") {
			return PollResult{}, &Error{Kind: KindMalformed, Status: resp.StatusCode, Op: op,
				Err: fmt.Errorf("unexpected content type %q", ct)}
		}
	}
	recs, skipped, err := notification.DecodeList(body, c.now())
	if err != nil {
		return PollResult{}, &Error{Kind: KindMalformed, Status: resp.StatusCode, Op: op, Err: err}
	}
	for _, e := range skipped {
		c.log.Debug("skipping invalid notification", logx.Err(e))
	}
	return PollResult{Records: recs, Skipped: len(skipped)}, nil
}

// MarkRead acknowledges id on the server.
func (c *Client) MarkRead(ctx context.Context, id string) error {
	return c.call(ctx, "mark_read", http.MethodPut, "/notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

// TokenRegistration is the body of a push token upsert.
type TokenRegistration struct {
	Token        string `json:"token"`
	DeviceType   string `json:"deviceType"`
	UserAgent    string `json:"userAgent"`
	ProviderType string `json:"providerType,omitempty"`
	Timestamp    int64  `json:"timestamp"`
	DeviceID     string `json:"deviceId,omitempty"`
}

// RegisterToken upserts the push token for reg.DeviceID.
func (c *Client) RegisterToken(ctx context.Context, reg TokenRegistration) error {
	if reg.Timestamp == 0 {
		reg.Timestamp = c.now().UnixMilli()
	}
	if reg.UserAgent == "" {
		reg.UserAgent = c.userAgent
	}
	return c.call(ctx, "register_token", http.MethodPost, "/notifications/fcm-token", reg, nil)
}

// DeleteToken asks the server to forget token.
func (c *Client) DeleteToken(ctx context.Context, token string) error {
	body := struct {
		Token string `json:"token"`
	}{Token: token}
	return c.call(ctx, "delete_token", http.MethodDelete, "/notifications/fcm-token", body, nil)
}

func (c *Client) GetPreferences(ctx context.Context) (notification.Preferences, error) {
	p := notification.DefaultPreferences()
	if err := c.call(ctx, "get_preferences", http.MethodGet, "/users/me/notifications/preferences", nil, &p); err != nil {
		return notification.Preferences{}, err
	}
	return p, nil
}

func (c *Client) PutPreferences(ctx context.Context, p notification.Preferences) error {
	return c.call(ctx, "put_preferences", http.MethodPut, "/users/me/notifications/preferences", p, nil)
}

func (c *Client) call(ctx context.Context, op, method, path string, body, result any) error {
	resp, err := c.send(ctx, op, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(op, resp); err != nil {
		return err
	}
	if result == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(result); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return &Error{Kind: KindMalformed, Status: resp.StatusCode, Op: op, Err: err}
	}
	return nil
}

func (c *Client) send(ctx context.Context, op, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if tok := *c.token.Load(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(ctx, op, err)
	}
	c.log.Trace("request",
		logx.String("op", op),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)
	return resp, nil
}

func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(snippet))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &Error{Kind: kindForStatus(resp.StatusCode), Status: resp.StatusCode, Op: op, Err: errors.New(msg)}
}
