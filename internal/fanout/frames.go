package fanout

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dgnsrekt/consensus-relay/internal/model"
)

// Encoding is a viewer wire format.
type Encoding string

const (
	EncodingJSON     Encoding = "json"
	EncodingCBOR     Encoding = "cbor"
	EncodingProtobuf Encoding = "protobuf"
)

// Type URLs carried in the Any wrapper of protobuf frames.
const (
	TypeURLInfo    = "relay.info"
	TypeURLMessage = "relay.message"
)

// timestampLayout matches JavaScript's Date.toISOString.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// InfoFrame is the handshake sent to every viewer on registration.
type InfoFrame struct {
	Type    string `json:"type" cbor:"type"`
	TopicID string `json:"topicId" cbor:"topicId"`
}

// MessageFrame carries one relayed message.
type MessageFrame struct {
	Type                 string `json:"type" cbor:"type"`
	Text                 string `json:"text" cbor:"text"`
	ConsensusTimestamp   string `json:"consensusTimestamp" cbor:"consensusTimestamp"`
	Seq                  uint64 `json:"seq" cbor:"seq"`
	DecryptFailed        bool   `json:"decryptFailed,omitempty" cbor:"decryptFailed,omitempty"`
	TimestampSubstituted bool   `json:"timestampSubstituted,omitempty" cbor:"timestampSubstituted,omitempty"`
}

func NewInfoFrame(topicID string) InfoFrame {
	return InfoFrame{Type: "info", TopicID: topicID}
}

func NewMessageFrame(msg model.RelayMessage) MessageFrame {
	return MessageFrame{
		Type:                 "message",
		Text:                 msg.Text,
		ConsensusTimestamp:   FormatTimestamp(msg.ConsensusTimestamp),
		Seq:                  msg.SequenceNumber,
		DecryptFailed:        msg.DecryptFailed,
		TimestampSubstituted: msg.TimestampSubstituted,
	}
}

// Encoder serializes frames in every supported encoding. Protobuf frames
// are a google.protobuf.Struct, Zstd-compressed and wrapped in an Any.
type Encoder struct {
	cborMode    cbor.EncMode
	zstdEncoder *zstd.Encoder
}

func NewEncoder() (*Encoder, error) {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("create cbor encoder: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &Encoder{cborMode: em, zstdEncoder: enc}, nil
}

// Info encodes the handshake frame.
func (e *Encoder) Info(enc Encoding, topicID string) ([]byte, error) {
	f := NewInfoFrame(topicID)
	return e.encode(enc, f, TypeURLInfo, map[string]any{
		"type":    f.Type,
		"topicId": f.TopicID,
	})
}

// Message encodes a relayed message frame. Struct numbers are doubles, so
// the protobuf encoding carries seq as a decimal string to stay exact above
// 2^53.
func (e *Encoder) Message(enc Encoding, msg model.RelayMessage) ([]byte, error) {
	f := NewMessageFrame(msg)
	fields := map[string]any{
		"type":               f.Type,
		"text":               f.Text,
		"consensusTimestamp": f.ConsensusTimestamp,
		"seq":                strconv.FormatUint(f.Seq, 10),
	}
	if f.DecryptFailed {
		fields["decryptFailed"] = true
	}
	if f.TimestampSubstituted {
		fields["timestampSubstituted"] = true
	}
	return e.encode(enc, f, TypeURLMessage, fields)
}

func (e *Encoder) encode(enc Encoding, frame any, typeURL string, fields map[string]any) ([]byte, error) {
	switch enc {
	case EncodingJSON, "":
		return json.Marshal(frame)
	case EncodingCBOR:
		return e.cborMode.Marshal(frame)
	case EncodingProtobuf:
		s, err := structpb.NewStruct(fields)
		if err != nil {
			return nil, fmt.Errorf("build struct: %w", err)
		}
		pbData, err := proto.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("marshal struct: %w", err)
		}
		return proto.Marshal(&anypb.Any{
			TypeUrl: typeURL,
			Value:   e.zstdEncoder.EncodeAll(pbData, nil),
		})
	default:
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}
}

// Close releases the compressor.
func (e *Encoder) Close() {
	if e.zstdEncoder != nil {
		e.zstdEncoder.Close()
	}
}

// FormatTimestamp renders t in UTC with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// ParseTimestamp reverses FormatTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(timestampLayout, s)
}
