// Package pushplus delivers messages through the PushPlus HTTP API.
package pushplus

import (
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

	"golang.org/x/time/rate"

	"dutybot/internal/registry"
	"dutybot/internal/sink"
	logx "dutybot/pkg/logx"
)

const (
	DefaultURL     = "http://www.pushplus.plus/send"
	defaultTimeout = 10 * time.Second
	maxErrBody     = 512
)

func init() {
	sink.Register(registry.CanonicalName("PushPlusSink", "Sink"), New)
}

// Options are the publisher options in a flow document.
type Options struct {
	Token string `json:"token"`
	URL   string `json:"url,omitempty"`
	// Topic is the group code; empty sends to the token owner only.
	Topic    Topic  `json:"topic,omitempty"`
	Template string `json:"template,omitempty"`
	Channel  string `json:"channel,omitempty"`
	// Extra fields are merged into the request body.
	Extra   map[string]any `json:"extra,omitempty"`
	Timeout string         `json:"timeout,omitempty"`
	// RatePerSec caps requests per second. 0 disables the limit.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	// InsecureSkipVerify disables TLS certificate checks.
	InsecureSkipVerify bool `json:"insecure_skip_verify,omitempty"`
}

// Topic is a group code given either as a string or as a number.
type Topic string

func (t *Topic) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = Topic(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("topic: must be a string or a number")
	}
	*t = Topic(n.String())
	return nil
}

type PushPlusSink struct {
	opt     Options
	client  *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func New(raw json.RawMessage, deps sink.Deps) (sink.Sink, error) {
	var opt Options
	if err := registry.Decode(raw, &opt); err != nil {
		return nil, err
	}
	opt.Token = strings.TrimSpace(opt.Token)
	if opt.Token == "" {
		return nil, errors.New("token required")
	}
	if opt.URL == "" {
		opt.URL = DefaultURL
	}
	timeout := defaultTimeout
	if opt.Timeout != "" {
		d, err := time.ParseDuration(opt.Timeout)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("timeout: invalid duration %q", opt.Timeout)
		}
		timeout = d
	}
	if opt.RatePerSec < 0 {
		return nil, errors.New("rate_per_sec must be >= 0")
	}

	client := deps.HTTPClient
	if client == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if opt.InsecureSkipVerify {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in
		}
		client = &http.Client{Timeout: timeout, Transport: tr}
	}

	s := &PushPlusSink{
		opt:    opt,
		client: client,
		log:    deps.Logger.With(logx.String("comp", "sink.pushplus")),
	}
	if opt.RatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opt.RatePerSec), 1)
	}
	return s, nil
}

type response struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (s *PushPlusSink) body(msg sink.Message) ([]byte, error) {
	payload := make(map[string]any, 8+len(s.opt.Extra))
	for k, v := range s.opt.Extra {
		payload[k] = v
	}
	payload["token"] = s.opt.Token
	payload["title"] = msg.Title
	payload["content"] = msg.Content
	if s.opt.Topic != "" {
		payload["topic"] = string(s.opt.Topic)
	}
	if s.opt.Template != "" {
		payload["template"] = s.opt.Template
	}
	if s.opt.Channel != "" {
		payload["channel"] = s.opt.Channel
	}
	return json.Marshal(payload)
}

func (s *PushPlusSink) Deliver(ctx context.Context, msg sink.Message) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}
	body, err := s.body(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opt.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("pushplus request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("pushplus response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("pushplus: http %d: %s", resp.StatusCode, truncate(data))
	}

	var r response
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("pushplus: decode response: %w", err)
	}
	if r.Code != http.StatusOK {
		return fmt.Errorf("pushplus: code %d: %s", r.Code, r.Msg)
	}
	s.log.Debug("pushplus accepted", logx.String("title", msg.Title))
	return nil
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrBody {
		return s[:maxErrBody] + "..."
	}
	return s
}
