package model

import "time"

// RelayMessage is a committed entry after decryption and dedup, ready for fan-out.
type RelayMessage struct {
	SequenceNumber     uint64
	ConsensusTimestamp time.Time
	Text               string
	// DecryptFailed marks entries that did not authenticate under the relay
	// key; Text then holds the raw payload decoded as UTF-8.
	DecryptFailed bool
	// TimestampSubstituted marks entries whose ConsensusTimestamp is the
	// relay's receive time because the stream did not supply one.
	TimestampSubstituted bool
}
