// Package mirror reads committed topic messages from a Hedera mirror node
// over its REST API.
package mirror

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/consensus-relay/internal/logservice"
)

// Options configures a mirror node client.
type Options struct {
	BaseURL       string
	RatePerSecond int
	Timeout       time.Duration
	RetryCount    int
	RetryDelay    time.Duration
	PollInterval  time.Duration
	PageSize      int
	// Clock drives retry waits and polling. Nil means the wall clock.
	Clock clock.Clock
}

type Client struct {
	httpClient   *http.Client
	baseURL      string
	limiter      *rate.Limiter
	retryCount   int
	retryDelay   time.Duration
	pollInterval time.Duration
	pageSize     int
	clock        clock.Clock
	logger       *zap.Logger
}

// MessagesResponse is the body of GET /api/v1/topics/{id}/messages.
type MessagesResponse struct {
	Messages []TopicMessage `json:"messages"`
	Links    struct {
		Next *string `json:"next"`
	} `json:"links"`
}

// TopicMessage is one message as reported by the mirror node.
type TopicMessage struct {
	ConsensusTimestamp string `json:"consensus_timestamp"`
	Message            string `json:"message"`
	RunningHash        string `json:"running_hash"`
	SequenceNumber     uint64 `json:"sequence_number"`
	TopicID            string `json:"topic_id"`
}

func NewClient(opts Options, logger *zap.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:       100,
		MaxConnsPerHost:    10,
		IdleConnTimeout:    90 * time.Second,
		DisableCompression: false,
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	ratePerSec := opts.RatePerSecond
	if ratePerSec <= 0 {
		ratePerSec = 5
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		baseURL:      strings.TrimSuffix(opts.BaseURL, "/"),
		limiter:      rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec*2),
		retryCount:   opts.RetryCount,
		retryDelay:   opts.RetryDelay,
		pollInterval: opts.PollInterval,
		pageSize:     pageSize,
		clock:        clk,
		logger:       logger,
	}
}

// GetMessages returns up to one page of messages with a sequence number
// greater than afterSeq, in ascending order. more reports whether the mirror
// node advertised a next page.
func (c *Client) GetMessages(ctx context.Context, topicID string, afterSeq uint64) (entries []logservice.Entry, more bool, err error) {
	query := url.Values{}
	query.Set("order", "asc")
	query.Set("limit", strconv.Itoa(c.pageSize))
	if afterSeq > 0 {
		query.Set("sequencenumber", "gt:"+strconv.FormatUint(afterSeq, 10))
	}
	endpoint := fmt.Sprintf("%s/api/v1/topics/%s/messages?%s", c.baseURL, url.PathEscape(topicID), query.Encode())

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, false, err
	}

	var resp MessagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, false, fmt.Errorf("decoding response: %w", err)
	}

	entries = make([]logservice.Entry, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		entry, err := m.toEntry()
		if err != nil {
			return nil, false, fmt.Errorf("message %d: %w", m.SequenceNumber, err)
		}
		entries = append(entries, entry)
	}

	return entries, resp.Links.Next != nil && *resp.Links.Next != "", nil
}

// CheckTopic checks that the mirror node knows topicID. A topic that has not
// propagated yet fails with ErrTopicNotFound.
func (c *Client) CheckTopic(ctx context.Context, topicID string) error {
	endpoint := fmt.Sprintf("%s/api/v1/topics/%s/messages?limit=1", c.baseURL, url.PathEscape(topicID))
	_, err := c.get(ctx, endpoint)
	return err
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	c.logger.Debug("requesting", zap.String("url", endpoint))

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1)) // Exponential backoff
			c.logger.Debug("retrying request", zap.Int("attempt", attempt), zap.Duration("delay", delay))

			timer := c.clock.Timer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			return nil, ErrTopicNotFound
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = ErrRateLimited
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
		}

		return body, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (m TopicMessage) toEntry() (logservice.Entry, error) {
	payload, err := base64.StdEncoding.DecodeString(m.Message)
	if err != nil {
		return logservice.Entry{}, fmt.Errorf("decoding message: %w", err)
	}

	var runningHash []byte
	if m.RunningHash != "" {
		runningHash, err = base64.StdEncoding.DecodeString(m.RunningHash)
		if err != nil {
			return logservice.Entry{}, fmt.Errorf("decoding running hash: %w", err)
		}
	}

	// A malformed timestamp is left zero so the relay substitutes its own.
	ts, _ := ParseConsensusTimestamp(m.ConsensusTimestamp)

	return logservice.Entry{
		SequenceNumber:     m.SequenceNumber,
		ConsensusTimestamp: ts,
		Payload:            payload,
		RunningHash:        runningHash,
	}, nil
}

// ParseConsensusTimestamp parses the mirror node "seconds.nanoseconds" form.
func ParseConsensusTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	secPart, nanoPart, _ := strings.Cut(s, ".")
	secs, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing seconds: %w", err)
	}

	var nanos int64
	if nanoPart != "" {
		if len(nanoPart) > 9 {
			return time.Time{}, fmt.Errorf("too many fractional digits in %q", s)
		}
		nanoPart += strings.Repeat("0", 9-len(nanoPart))
		nanos, err = strconv.ParseInt(nanoPart, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing nanoseconds: %w", err)
		}
	}

	return time.Unix(secs, nanos).UTC(), nil
}
