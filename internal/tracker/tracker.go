// Package tracker turns committed entries into relay messages, dropping
// entries whose sequence number has already been relayed.
package tracker

import (
	"errors"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/dgnsrekt/consensus-relay/internal/codec"
	"github.com/dgnsrekt/consensus-relay/internal/logservice"
	"github.com/dgnsrekt/consensus-relay/internal/model"
)

// DefaultWindow is the number of recent sequence numbers remembered exactly.
const DefaultWindow = 4096

// Stats are cumulative counters since the tracker was created.
type Stats struct {
	Accepted             uint64
	Duplicates           uint64
	DecryptFailures      uint64
	SubstitutedTimestamp uint64
	Empty                uint64
	Floor                uint64
}

// Result classifies what Accept did with an entry.
type Result int

const (
	// ResultRelayed means the entry produced a message to publish.
	ResultRelayed Result = iota
	// ResultEmpty means the entry carried no payload. It is still relayed,
	// flagged DecryptFailed with empty text.
	ResultEmpty
	// ResultDuplicate means the sequence number was already relayed.
	ResultDuplicate
)

// Relayed reports whether the accompanying message should be published.
func (r Result) Relayed() bool { return r != ResultDuplicate }

// Tracker deduplicates by sequence number with bounded memory. Every sequence
// number below floor counts as already relayed; numbers at or above it are
// checked against a window of recently relayed ones. Evicting a number from
// the window raises the floor past it, which relies on entries arriving in
// ascending order as the log delivers them.
type Tracker struct {
	key    []byte
	clock  clock.Clock
	logger *zap.Logger

	mu     sync.Mutex
	floor  uint64
	recent *lru.Cache[uint64, struct{}]
	stats  Stats
}

func New(key []byte, window int, clk clock.Clock, logger *zap.Logger) (*Tracker, error) {
	if len(key) != codec.KeySize {
		return nil, codec.ErrInvalidKey
	}
	if window <= 0 {
		window = DefaultWindow
	}

	t := &Tracker{
		key:    append([]byte(nil), key...),
		clock:  clk,
		logger: logger,
	}

	// The eviction callback runs inside Add, under t.mu.
	recent, err := lru.NewWithEvict[uint64, struct{}](window, func(seq uint64, _ struct{}) {
		if seq >= t.floor {
			t.floor = seq + 1
		}
	})
	if err != nil {
		return nil, err
	}
	t.recent = recent
	return t, nil
}

// Accept classifies entry and builds its relay message. Only
// ResultDuplicate carries no message. A payload that fails to decrypt,
// including an empty one, is still relayed flagged DecryptFailed, with its
// raw bytes as best-effort text.
func (t *Tracker) Accept(entry logservice.Entry) (model.RelayMessage, Result) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seq := entry.SequenceNumber
	if seq < t.floor || t.recent.Contains(seq) {
		t.stats.Duplicates++
		t.logger.Debug("duplicate entry dropped", zap.Uint64("seq", seq))
		return model.RelayMessage{}, ResultDuplicate
	}
	t.recent.Add(seq, struct{}{})

	result := ResultRelayed
	if len(entry.Payload) == 0 {
		result = ResultEmpty
		t.stats.Empty++
	}

	msg := model.RelayMessage{
		SequenceNumber:     seq,
		ConsensusTimestamp: entry.ConsensusTimestamp,
	}

	if msg.ConsensusTimestamp.IsZero() {
		msg.ConsensusTimestamp = t.clock.Now().UTC()
		msg.TimestampSubstituted = true
		t.stats.SubstitutedTimestamp++
	}

	plaintext, err := codec.Decrypt(t.key, entry.Payload)
	if err != nil {
		msg.Text = strings.ToValidUTF8(string(entry.Payload), "\uFFFD")
		msg.DecryptFailed = true
		t.stats.DecryptFailures++
		t.logger.Warn("entry failed to decrypt",
			zap.Uint64("seq", seq),
			zap.Int("bytes", len(entry.Payload)),
			zap.Bool("malformed", errors.Is(err, codec.ErrMalformedFrame)),
			zap.Error(err),
		)
	} else {
		msg.Text = string(plaintext)
	}

	t.stats.Accepted++
	return msg, result
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.Floor = t.floor
	return s
}
