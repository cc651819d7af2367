package logservice

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// Memory is an in-process log service. It backs the "memory" network
// backend for local development and the relay tests. Topics only become
// visible to Subscribe after the propagation delay, mirroring the
// not-found window of a real replica stream.
type Memory struct {
	mu               sync.Mutex
	clock            clock.Clock
	propagationDelay time.Duration
	topics           map[string]*memoryTopic
	nextTopic        int
	logger           *zap.Logger
}

type memoryTopic struct {
	id        string
	createdAt time.Time
	entries   []Entry
	// changed is closed and replaced on every append.
	changed  chan struct{}
	hash     []byte
	onErrors map[*memorySubscription]func(error)
}

type memorySubscription struct {
	cancel context.CancelFunc
	once   sync.Once
	detach func()
}

// Compile-time interface verification
var _ Service = (*Memory)(nil)

// NewMemory creates an empty in-memory log service.
func NewMemory(clk clock.Clock, propagationDelay time.Duration, logger *zap.Logger) *Memory {
	return &Memory{
		clock:            clk,
		propagationDelay: propagationDelay,
		topics:           make(map[string]*memoryTopic),
		nextTopic:        1000,
		logger:           logger,
	}
}

// CreateTopic implements Service.
func (m *Memory) CreateTopic(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextTopic++
	id := fmt.Sprintf("0.0.%d", m.nextTopic)
	m.topics[id] = &memoryTopic{
		id:        id,
		createdAt: m.clock.Now(),
		changed:   make(chan struct{}),
		onErrors:  make(map[*memorySubscription]func(error)),
	}

	m.logger.Debug("memory topic created", zap.String("topicId", id))
	return id, nil
}

// Submit implements Service. Sequence numbers start at 1 and increase by one.
func (m *Memory) Submit(ctx context.Context, topicID string, payload []byte) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.topics[topicID]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrTopicNotFound, topicID)
	}

	var seq uint64 = 1
	if n := len(t.entries); n > 0 {
		seq = t.entries[n-1].SequenceNumber + 1
	}

	entry := Entry{
		SequenceNumber:     seq,
		ConsensusTimestamp: m.clock.Now().UTC(),
		Payload:            append([]byte(nil), payload...),
	}
	m.appendLocked(t, entry)
	return entry.ConsensusTimestamp, nil
}

// Inject appends a raw entry as-is. The sequence number must be greater than
// the last one; gaps are allowed and a zero timestamp is kept as zero.
func (m *Memory) Inject(topicID string, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.topics[topicID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTopicNotFound, topicID)
	}
	if n := len(t.entries); n > 0 && entry.SequenceNumber <= t.entries[n-1].SequenceNumber {
		return fmt.Errorf("sequence %d not after %d", entry.SequenceNumber, t.entries[n-1].SequenceNumber)
	}

	entry.Payload = append([]byte(nil), entry.Payload...)
	m.appendLocked(t, entry)
	return nil
}

// FailStreams reports err to the error callback of every live subscription
// on topicID without ending them.
func (m *Memory) FailStreams(topicID string, err error) {
	m.mu.Lock()
	t, ok := m.topics[topicID]
	var callbacks []func(error)
	if ok {
		for _, onError := range t.onErrors {
			callbacks = append(callbacks, onError)
		}
	}
	m.mu.Unlock()

	for _, onError := range callbacks {
		onError(err)
	}
}

func (m *Memory) appendLocked(t *memoryTopic, entry Entry) {
	h := blake3.New()
	_, _ = h.Write(t.hash)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], entry.SequenceNumber)
	_, _ = h.Write(seq[:])
	_, _ = h.Write(entry.Payload)
	t.hash = h.Sum(nil)
	if entry.RunningHash == nil {
		entry.RunningHash = t.hash
	}

	t.entries = append(t.entries, entry)
	close(t.changed)
	t.changed = make(chan struct{})
}

// Subscribe implements Subscriber. Each subscription replays the topic from
// its first entry and then follows new entries.
func (m *Memory) Subscribe(ctx context.Context, topicID string, onEntry func(Entry), onError func(error)) (Subscription, error) {
	m.mu.Lock()
	t, ok := m.topics[topicID]
	if !ok || m.clock.Now().Before(t.createdAt.Add(m.propagationDelay)) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, topicID)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{cancel: cancel}
	if onError != nil {
		t.onErrors[sub] = onError
	}
	sub.detach = func() {
		m.mu.Lock()
		delete(t.onErrors, sub)
		m.mu.Unlock()
	}
	m.mu.Unlock()

	go m.follow(subCtx, t, onEntry)
	return sub, nil
}

func (m *Memory) follow(ctx context.Context, t *memoryTopic, onEntry func(Entry)) {
	next := 0
	for {
		m.mu.Lock()
		pending := t.entries[next:]
		changed := t.changed
		m.mu.Unlock()

		for _, entry := range pending {
			if ctx.Err() != nil {
				return
			}
			onEntry(entry)
			next++
		}
		if len(pending) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-changed:
		}
	}
}

// Unsubscribe implements Subscription.
func (s *memorySubscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		s.detach()
	})
}
