package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Gateway paths.
const (
	pathLogin  = "/api/auth/login"
	pathMe     = "/api/auth/me"
	pathStream = "/api/vanna/v2/chat_sse"
	pathPoll   = "/api/vanna/v2/chat_poll"
	pathHealth = "/health"

	headerConversationID = "X-Conversation-Id"
)

// apiError is a non-2xx answer from the gateway.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string { return fmt.Sprintf("gateway: status %d: %s", e.Status, e.Message) }

type client struct {
	base  string
	token string
	http  *http.Client
}

func newClient(base, token string, tlsCfg *tls.Config) *client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if tlsCfg != nil {
		tr.TLSClientConfig = tlsCfg
	}
	return &client{base: strings.TrimRight(base, "/"), token: token, http: &http.Client{Transport: tr}}
}

type loginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        struct {
		ID          int64    `json:"id"`
		Email       string   `json:"email"`
		Name        string   `json:"name"`
		Role        string   `json:"role"`
		Permissions []string `json:"permissions"`
	} `json:"user"`
}

type whoamiResponse struct {
	ID          int64    `json:"id"`
	Email       string   `json:"email"`
	Type        string   `json:"type"`
	Permissions []string `json:"permissions"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Upstream  string    `json:"upstream"`
	Timestamp time.Time `json:"timestamp"`
}

func (c *client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	return resp, nil
}

func readAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(b))
	var e struct {
		Error  string `json:"error"`
		Detail any    `json:"detail"`
	}
	if json.Unmarshal(b, &e) == nil {
		switch {
		case e.Error != "":
			msg = e.Error
		case e.Detail != nil:
			msg = fmt.Sprint(e.Detail)
		}
	}
	return &apiError{Status: resp.StatusCode, Message: msg}
}

func (c *client) getJSON(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.do(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) login(ctx context.Context, login, password, class string) (*loginResponse, error) {
	var out loginResponse
	err := c.getJSON(ctx, http.MethodPost, pathLogin, map[string]string{
		"email":         login,
		"password":      password,
		"account_class": class,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, errors.New("gateway returned no token")
	}
	return &out, nil
}

func (c *client) whoami(ctx context.Context) (*whoamiResponse, error) {
	var out whoamiResponse
	if err := c.getJSON(ctx, http.MethodGet, pathMe, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) health(ctx context.Context) (*healthResponse, error) {
	var out healthResponse
	if err := c.getJSON(ctx, http.MethodGet, pathHealth, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func chatBody(msg, conv string) map[string]string {
	b := map[string]string{"message": msg}
	if conv != "" {
		b["conversation_id"] = conv
	}
	return b
}

func (c *client) poll(ctx context.Context, msg, conv string) ([]byte, string, error) {
	resp, err := c.do(ctx, http.MethodPost, pathPoll, chatBody(msg, conv))
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return b, resp.Header.Get(headerConversationID), err
}

// ask streams the answer to out and returns the conversation id.
func (c *client) ask(ctx context.Context, msg, conv string, out io.Writer) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, pathStream, chatBody(msg, conv))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	return resp.Header.Get(headerConversationID), renderSSE(resp.Body, out)
}

// renderSSE prints the data of each event as it arrives. A gateway error event ends
// the stream with an error.
func renderSSE(r io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 4<<20)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}
		var ev struct {
			Type    string `json:"type"`
			Content string `json:"content"`
		}
		if json.Unmarshal([]byte(data), &ev) == nil && ev.Type == "error" {
			return fmt.Errorf("stream error: %s", ev.Content)
		}
		if _, err := fmt.Fprintln(out, data); err != nil {
			return err
		}
	}
	return sc.Err()
}
