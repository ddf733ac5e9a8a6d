// Package upstream relays chat requests to the agent server on behalf of a verified identity.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/sqlchat-gateway/internal/errs"
	"github.com/and161185/sqlchat-gateway/internal/model"
)

// Upstream endpoints relative to the base URL.
const (
	PathStream = "/api/vanna/v2/chat_sse"
	PathPoll   = "/api/vanna/v2/chat_poll"
	PathHealth = "/health"
)

const (
	readChunkSize = 32 * 1024
	maxPollBody   = 8 << 20
)

var errBodyTooLarge = errors.New("upstream response body too large")

// Options configure a Client. Zero durations fall back to defaults.
type Options struct {
	BaseURL     string
	CookieName  string
	AdminMarker string
	GuestMarker string

	ResponseHeaderTimeout time.Duration
	PollTimeout           time.Duration
	StreamIdleTimeout     time.Duration
	StreamMaxDuration     time.Duration
	HealthTimeout         time.Duration

	// MaxPollBody caps a buffered upstream response. Larger bodies are refused.
	MaxPollBody int64
}

func (o *Options) setDefaults() {
	if o.CookieName == "" {
		o.CookieName = "vanna_email"
	}
	if o.AdminMarker == "" {
		o.AdminMarker = "admin@example.com"
	}
	if o.GuestMarker == "" {
		o.GuestMarker = "guest@example.com"
	}
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&o.ResponseHeaderTimeout, 60*time.Second)
	def(&o.PollTimeout, 30*time.Second)
	def(&o.StreamIdleTimeout, 60*time.Second)
	def(&o.StreamMaxDuration, 10*time.Minute)
	def(&o.HealthTimeout, 5*time.Second)
	if o.MaxPollBody <= 0 {
		o.MaxPollBody = maxPollBody
	}
}

// PollResult is a successful upstream poll response.
type PollResult struct {
	Status      int
	ContentType string
	Body        []byte
}

// Client talks to the upstream agent server. Safe for concurrent use.
type Client struct {
	opts Options
	base string
	http *http.Client
	log  *zap.Logger
}

// New constructs a Client. The HTTP client has no overall timeout; every call bounds itself.
func New(opts Options, log *zap.Logger) *Client {
	opts.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = opts.ResponseHeaderTimeout
	return &Client{
		opts: opts,
		base: strings.TrimRight(opts.BaseURL, "/"),
		http: &http.Client{Transport: tr},
		log:  log,
	}
}

// IdentityMarker maps an identity to the value the upstream uses for scoping.
// Every admin shares one marker; users are scoped by their own email.
func (c *Client) IdentityMarker(id model.Identity) string {
	switch id.Class {
	case model.AccountAdmin:
		return c.opts.AdminMarker
	case model.AccountUser:
		if id.Email != "" {
			return id.Email
		}
		return c.opts.GuestMarker
	default:
		return c.opts.GuestMarker
	}
}

// ConversationID returns supplied when set, otherwise "<userID>_<uuid v4>".
func ConversationID(userID int64, supplied string) (string, error) {
	if supplied != "" {
		return supplied, nil
	}
	u, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("conversation id: %w", err)
	}
	return fmt.Sprintf("%d_%s", userID, u), nil
}

type outbound struct {
	Message        string         `json:"message"`
	ConversationID string         `json:"conversation_id"`
	Metadata       map[string]any `json:"metadata"`
}

func (c *Client) newRequest(ctx context.Context, path string, id model.Identity, req model.ChatRequest) (*http.Request, error) {
	body, err := json.Marshal(outbound{
		Message:        req.Message,
		ConversationID: req.ConversationID,
		Metadata:       map[string]any{},
	})
	if err != nil {
		return nil, err
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrUpstreamUnreachable, err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.AddCookie(&http.Cookie{Name: c.opts.CookieName, Value: c.IdentityMarker(id)})
	return r, nil
}

// Stream forwards req and passes every chunk read from the upstream body to emit, in order
// and without buffering. emit must not retain the slice. Stream returns nil when the upstream
// closes the stream cleanly, ctx.Err() when the caller went away, and an upstream error
// otherwise. The wait for headers, each gap between chunks and the whole stream are bounded.
func (c *Client) Stream(ctx context.Context, id model.Identity, req model.ChatRequest, emit func([]byte) error) error {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, c.opts.StreamMaxDuration)
	defer cancel()

	r, err := c.newRequest(ctx, PathStream, id, req)
	if err != nil {
		return err
	}
	r.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(r)
	if err != nil {
		return classify(parent, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.rejected(resp)
	}

	var idle atomic.Bool
	timer := time.AfterFunc(c.opts.StreamIdleTimeout, func() {
		idle.Store(true)
		cancel()
	})
	defer timer.Stop()

	buf := make([]byte, readChunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			timer.Reset(c.opts.StreamIdleTimeout)
			if err := emit(buf[:n]); err != nil {
				return err
			}
		}
		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF):
			return nil
		case idle.Load():
			return fmt.Errorf("%w: no data for %s", errs.ErrUpstreamTimeout, c.opts.StreamIdleTimeout)
		default:
			return classify(parent, rerr)
		}
	}
}

// Poll forwards req and returns the single upstream response, waiting at most the poll timeout.
func (c *Client) Poll(ctx context.Context, id model.Identity, req model.ChatRequest) (*PollResult, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, c.opts.PollTimeout)
	defer cancel()

	r, err := c.newRequest(ctx, PathPoll, id, req)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(r)
	if err != nil {
		return nil, classify(parent, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.rejected(resp)
	}
	body, err := c.readBody(resp.Body)
	if errors.Is(err, errBodyTooLarge) {
		return nil, fmt.Errorf("%w: %v", errs.ErrUpstreamUnreachable, err)
	}
	if err != nil {
		return nil, classify(parent, err)
	}
	return &PollResult{Status: resp.StatusCode, ContentType: resp.Header.Get("Content-Type"), Body: body}, nil
}

// Healthy probes the upstream health endpoint. Any error counts as unhealthy.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HealthTimeout)
	defer cancel()

	r, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+PathHealth, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(r)
	if err != nil {
		c.log.Debug("upstream health probe failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode == http.StatusOK
}

// readBody buffers r up to MaxPollBody bytes and fails on anything longer rather than truncating.
func (c *Client) readBody(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, c.opts.MaxPollBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > c.opts.MaxPollBody {
		return nil, fmt.Errorf("%w: over %d bytes", errBodyTooLarge, c.opts.MaxPollBody)
	}
	return body, nil
}

func (c *Client) rejected(resp *http.Response) error {
	body, err := c.readBody(resp.Body)
	if errors.Is(err, errBodyTooLarge) {
		return fmt.Errorf("%w: status %d: %v", errs.ErrUpstreamUnreachable, resp.StatusCode, err)
	}
	return &errs.UpstreamRejectedError{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}
}

// classify maps a transport error. parent is the caller's context: when it is done the
// caller went away and its error is returned as is.
func classify(parent context.Context, err error) error {
	if perr := parent.Err(); perr != nil && !errors.Is(perr, context.DeadlineExceeded) {
		return perr
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %v", errs.ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", errs.ErrUpstreamUnreachable, err)
}
