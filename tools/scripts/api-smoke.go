// Package main provides a CI-friendly smoke test for a running chatsync instance.
//
// It validates:
//   - health and readiness
//   - channel open with a first page
//   - send -> reconciled (non-pending) message in channel state
//   - mark read clears unread
//   - jump to a loaded message
//   - ban put/list/remove
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

type message struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Pending bool   `json:"pending"`
}

type state struct {
	ChannelID string    `json:"channel_id"`
	Phase     string    `json:"phase"`
	Messages  []message `json:"messages"`
	Unread    struct {
		Count int `json:"count"`
	} `json:"unread"`
}

type smokeClient struct {
	base    string
	http    *http.Client
	timeout time.Duration
	verbose bool
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "chatsync HTTP base URL")
		chanID  = flag.String("channel", "smoke-1", "Channel ID to open")
		text    = flag.String("text", "hello chatsync", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}

	c := &smokeClient{
		base:    strings.TrimRight(*baseURL, "/"),
		http:    &http.Client{},
		timeout: *timeout,
		verbose: *verbose,
	}
	root := context.Background()

	c.mustStatus(root, http.MethodGet, "/healthz", http.StatusOK)
	c.mustStatus(root, http.MethodGet, "/readyz", http.StatusOK)

	var st state
	c.mustJSON(root, http.MethodPut, "/v1/channels/"+*chanID, nil, http.StatusOK, &st)
	if st.Phase != "idle" {
		fatalf("open: phase=%s want=idle", st.Phase)
	}

	var sent message
	c.mustJSON(root, http.MethodPost, "/v1/channels/"+*chanID+"/messages", map[string]string{"text": *text}, 0, &sent)
	if sent.Text != *text {
		fatalf("send: text=%q want=%q", sent.Text, *text)
	}

	st = c.mustWaitReconciled(root, *chanID, *text)

	var read struct {
		Unread int `json:"unread"`
	}
	c.mustJSON(root, http.MethodPost, "/v1/channels/"+*chanID+"/read", nil, http.StatusOK, &read)
	if read.Unread != 0 {
		fatalf("read: unread=%d want=0", read.Unread)
	}

	newest := st.Messages[len(st.Messages)-1]
	var jump struct {
		Index int `json:"index"`
	}
	c.mustJSON(root, http.MethodPost, "/v1/channels/"+*chanID+"/jump", map[string]string{"message_id": newest.ID}, http.StatusOK, &jump)
	if jump.Index != len(st.Messages)-1 {
		fatalf("jump: index=%d want=%d", jump.Index, len(st.Messages)-1)
	}

	banPath := "/v1/bans/" + *chanID + "/smoke-user"
	c.mustJSON(root, http.MethodPut, banPath, map[string]string{"reason": "smoke"}, http.StatusOK, nil)
	var bans struct {
		Bans []struct {
			UserID string `json:"user_id"`
		} `json:"bans"`
	}
	c.mustJSON(root, http.MethodGet, "/v1/bans?channel_id="+url.QueryEscape(*chanID)+"&reason=smoke", nil, http.StatusOK, &bans)
	if len(bans.Bans) != 1 || bans.Bans[0].UserID != "smoke-user" {
		fatalf("bans: got %+v", bans.Bans)
	}
	c.mustStatus(root, http.MethodDelete, banPath, http.StatusNoContent)

	fmt.Printf("OK: channel_id=%s messages=%d newest=%s\n", *chanID, len(st.Messages), newest.ID)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

// mustWaitReconciled polls channel state until the sent text shows up as a confirmed message.
func (c *smokeClient) mustWaitReconciled(parent context.Context, chanID, text string) state {
	deadline := time.Now().Add(c.timeout)
	for {
		var st state
		c.mustJSON(parent, http.MethodGet, "/v1/channels/"+chanID, nil, http.StatusOK, &st)
		for _, m := range st.Messages {
			if m.Text == text && !m.Pending {
				return st
			}
		}
		if time.Now().After(deadline) {
			fatalf("reconcile: %q not confirmed within %s", text, c.timeout)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (c *smokeClient) mustStatus(parent context.Context, method, path string, want int) {
	c.mustJSON(parent, method, path, nil, want, nil)
}

// mustJSON performs one request. want=0 accepts any 2xx status.
func (c *smokeClient) mustJSON(parent context.Context, method, path string, body any, want int, out any) {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fatalf("%s %s: marshal: %v", method, path, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	ok := resp.StatusCode == want || (want == 0 && resp.StatusCode/100 == 2)
	if !ok {
		fatalf("%s %s: status=%d want=%d body=%s", method, path, resp.StatusCode, want, raw)
	}
	if c.verbose {
		fmt.Printf("%s %s -> %d\n", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			fatalf("%s %s: decode: %v", method, path, err)
		}
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
