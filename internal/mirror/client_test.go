package mirror

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/dgnsrekt/consensus-relay/internal/logservice"
)

func testOptions(baseURL string, retryCount int) Options {
	return Options{
		BaseURL:       baseURL,
		RatePerSecond: 100,
		Timeout:       5 * time.Second,
		RetryCount:    retryCount,
		RetryDelay:    10 * time.Millisecond,
		PollInterval:  20 * time.Millisecond,
		PageSize:      2,
	}
}

func message(seq uint64, text string) TopicMessage {
	return TopicMessage{
		ConsensusTimestamp: strconv.FormatUint(1700000000+seq, 10) + ".000000500",
		Message:            base64.StdEncoding.EncodeToString([]byte(text)),
		RunningHash:        base64.StdEncoding.EncodeToString([]byte{byte(seq)}),
		SequenceNumber:     seq,
		TopicID:            "0.0.1234",
	}
}

// topicServer serves a fixed set of messages honoring sequencenumber=gt:N and limit.
type topicServer struct {
	mu       sync.Mutex
	messages []TopicMessage
	requests atomic.Int32
}

func (s *topicServer) add(m TopicMessage) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
}

func (s *topicServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	if r.URL.Path != "/api/v1/topics/0.0.1234/messages" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var after uint64
	if gt := r.URL.Query().Get("sequencenumber"); gt != "" {
		after, _ = strconv.ParseUint(strings.TrimPrefix(gt, "gt:"), 10, 64)
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	s.mu.Lock()
	var resp MessagesResponse
	for _, m := range s.messages {
		if m.SequenceNumber > after && len(resp.Messages) < limit {
			resp.Messages = append(resp.Messages, m)
		}
	}
	if n := len(resp.Messages); n == limit && resp.Messages[n-1].SequenceNumber < s.messages[len(s.messages)-1].SequenceNumber {
		next := "/api/v1/topics/0.0.1234/messages?sequencenumber=gt:" + strconv.FormatUint(resp.Messages[n-1].SequenceNumber, 10)
		resp.Links.Next = &next
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func TestGetMessages_Success(t *testing.T) {
	srv := &topicServer{}
	srv.add(message(1, "one"))
	srv.add(message(2, "two"))
	srv.add(message(3, "three"))

	server := httptest.NewServer(srv)
	defer server.Close()

	client := NewClient(testOptions(server.URL, 0), zap.NewNop())

	entries, more, err := client.GetMessages(context.Background(), "0.0.1234", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !more {
		t.Error("expected another page")
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if string(entries[0].Payload) != "one" || entries[0].SequenceNumber != 1 {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	want := time.Unix(1700000001, 500).UTC()
	if !entries[0].ConsensusTimestamp.Equal(want) {
		t.Errorf("expected timestamp %v, got %v", want, entries[0].ConsensusTimestamp)
	}

	entries, more, err = client.GetMessages(context.Background(), "0.0.1234", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if more {
		t.Error("expected last page")
	}
	if len(entries) != 1 || string(entries[0].Payload) != "three" {
		t.Errorf("unexpected second page: %+v", entries)
	}
}

func TestGetMessages_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(testOptions(server.URL, 3), zap.NewNop())

	_, _, err := client.GetMessages(context.Background(), "0.0.9", 0)
	if !errors.Is(err, ErrTopicNotFound) {
		t.Errorf("expected ErrTopicNotFound, got %v", err)
	}
	if !errors.Is(err, logservice.ErrTopicNotFound) {
		t.Error("mirror not-found should match the log service sentinel")
	}
}

func TestGetMessages_RateLimited(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient(testOptions(server.URL, 2), zap.NewNop())

	_, _, err := client.GetMessages(context.Background(), "0.0.1234", 0)
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestGetMessages_ServerErrorThenSuccess(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(MessagesResponse{Messages: []TopicMessage{message(1, "ok")}})
	}))
	defer server.Close()

	client := NewClient(testOptions(server.URL, 2), zap.NewNop())

	entries, _, err := client.GetMessages(context.Background(), "0.0.1234", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(entries))
	}
}

func TestGetMessages_ContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	opts := testOptions(server.URL, 5)
	opts.RetryDelay = time.Second
	client := NewClient(opts, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := client.GetMessages(ctx, "0.0.1234", 0)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestParseConsensusTimestamp(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"1700000000.123456789", time.Unix(1700000000, 123456789).UTC(), false},
		{"1700000000.5", time.Unix(1700000000, 500000000).UTC(), false},
		{"1700000000", time.Unix(1700000000, 0).UTC(), false},
		{"", time.Time{}, true},
		{"abc.1", time.Time{}, true},
		{"1.1234567890", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseConsensusTimestamp(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error=%v, got %v", tt.wantErr, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSubscribe_PagesAndFollows(t *testing.T) {
	srv := &topicServer{}
	srv.add(message(1, "one"))
	srv.add(message(2, "two"))
	srv.add(message(3, "three"))

	server := httptest.NewServer(srv)
	defer server.Close()

	client := NewClient(testOptions(server.URL, 0), zap.NewNop())

	ch := make(chan logservice.Entry, 16)
	sub, err := client.Subscribe(context.Background(), "0.0.1234", func(e logservice.Entry) { ch <- e }, nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	srv.add(message(4, "four"))

	timeout := time.After(2 * time.Second)
	for want := uint64(1); want <= 4; want++ {
		select {
		case e := <-ch:
			if e.SequenceNumber != want {
				t.Fatalf("expected sequence %d, got %d", want, e.SequenceNumber)
			}
		case <-timeout:
			t.Fatalf("timed out waiting for sequence %d", want)
		}
	}
}

func TestSubscribe_UnknownTopic(t *testing.T) {
	server := httptest.NewServer(&topicServer{})
	defer server.Close()

	client := NewClient(testOptions(server.URL, 0), zap.NewNop())

	_, err := client.Subscribe(context.Background(), "0.0.404", func(logservice.Entry) {}, nil)
	if !errors.Is(err, ErrTopicNotFound) {
		t.Errorf("expected ErrTopicNotFound, got %v", err)
	}
}

func TestSubscribe_PollErrorReported(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			json.NewEncoder(w).Encode(MessagesResponse{})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(testOptions(server.URL, 0), zap.NewNop())

	errs := make(chan error, 8)
	sub, err := client.Subscribe(context.Background(), "0.0.1234", func(logservice.Entry) {}, func(err error) {
		select {
		case errs <- err:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	select {
	case err := <-errs:
		if err == nil {
			t.Error("expected a non-nil poll error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poll error not reported")
	}
}

func TestSubscribe_PollsOnClockTicks(t *testing.T) {
	srv := &topicServer{}
	srv.add(message(1, "one"))
	srv.add(message(2, "two"))
	srv.add(message(3, "three"))

	server := httptest.NewServer(srv)
	defer server.Close()

	clk := clock.NewMock()
	opts := testOptions(server.URL, 0)
	opts.PollInterval = time.Minute
	opts.Clock = clk
	client := NewClient(opts, zap.NewNop())

	ch := make(chan logservice.Entry, 16)
	sub, err := client.Subscribe(context.Background(), "0.0.1234", func(e logservice.Entry) { ch <- e }, nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	// Pages are followed without waiting for the clock.
	for want := uint64(1); want <= 3; want++ {
		select {
		case e := <-ch:
			if e.SequenceNumber != want {
				t.Fatalf("expected sequence %d, got %d", want, e.SequenceNumber)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for sequence %d", want)
		}
	}

	srv.add(message(4, "four"))
	select {
	case e := <-ch:
		t.Fatalf("sequence %d delivered before the poll interval elapsed", e.SequenceNumber)
	case <-time.After(100 * time.Millisecond):
	}

	clk.Add(time.Minute)
	select {
	case e := <-ch:
		if e.SequenceNumber != 4 {
			t.Errorf("expected sequence 4, got %d", e.SequenceNumber)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sequence 4 not delivered after the poll interval")
	}
}

func TestGetMessages_RetryWaitsOnClock(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(MessagesResponse{})
	}))
	defer server.Close()

	clk := clock.NewMock()
	opts := testOptions(server.URL, 1)
	opts.RetryDelay = time.Hour
	opts.Clock = clk
	client := NewClient(opts, zap.NewNop())

	done := make(chan error, 1)
	go func() {
		_, _, err := client.GetMessages(context.Background(), "0.0.1234", 0)
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for requests.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case err := <-done:
		t.Fatalf("returned before the retry delay elapsed: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	clk.Add(time.Hour)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected success after retry, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not run after the clock advanced")
	}
}

func TestCheckTopic(t *testing.T) {
	srv := &topicServer{}
	server := httptest.NewServer(srv)
	defer server.Close()

	client := NewClient(testOptions(server.URL, 0), zap.NewNop())

	if err := client.CheckTopic(context.Background(), "0.0.1234"); err != nil {
		t.Errorf("expected known topic, got %v", err)
	}
	if err := client.CheckTopic(context.Background(), "0.0.404"); !errors.Is(err, ErrTopicNotFound) {
		t.Errorf("expected ErrTopicNotFound, got %v", err)
	}
}
