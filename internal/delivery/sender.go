package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/shohag/fanrelay/internal/signing"
)

const HeaderInstance = "X-FanRelay-Instance"

type SendResult struct {
	StatusCode   int
	ResponseBody string
	LatencyMs    int64
	Error        string
}

type SenderOptions struct {
	Timeout       time.Duration
	UserAgent     string
	SigningSecret string
	// RateLimit caps outbound requests per second across all workers; 0 disables it.
	RateLimit float64
	Burst     int
}

type Sender struct {
	client    *http.Client
	userAgent string
	signer    *signing.Signer
	limiter   *rate.Limiter
}

func NewSender(opts SenderOptions) *Sender {
	s := &Sender{
		client: &http.Client{
			Timeout: opts.Timeout,
		},
		userAgent: opts.UserAgent,
	}
	if s.userAgent == "" {
		s.userAgent = "FanRelay/1.0"
	}
	if opts.SigningSecret != "" {
		s.signer = signing.NewSigner(opts.SigningSecret)
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return s
}

// WithClient swaps the HTTP client, mainly for tests against httptest servers.
func (s *Sender) WithClient(c *http.Client) *Sender {
	s.client = c
	return s
}

func (s *Sender) Send(ctx context.Context, url, instanceID string, payload []byte) *SendResult {
	start := time.Now()

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return &SendResult{
				Error:     fmt.Sprintf("rate limiter: %v", err),
				LatencyMs: time.Since(start).Milliseconds(),
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return &SendResult{
			Error:     fmt.Sprintf("failed to create request: %v", err),
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}

	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("User-Agent", s.userAgent)
	if instanceID != "" {
		req.Header.Set(HeaderInstance, instanceID)
	}
	if s.signer != nil {
		signature, timestamp := s.signer.Sign(payload)
		req.Header.Set(signing.HeaderTimestamp, strconv.FormatInt(timestamp, 10))
		req.Header.Set(signing.HeaderSignature, signature)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &SendResult{
			Error:     fmt.Sprintf("request failed: %v", err),
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	return &SendResult{
		StatusCode:   resp.StatusCode,
		ResponseBody: string(body),
		LatencyMs:    time.Since(start).Milliseconds(),
	}
}

func IsSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
