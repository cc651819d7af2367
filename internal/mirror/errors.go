package mirror

import (
	"errors"

	"github.com/dgnsrekt/consensus-relay/internal/logservice"
)

var (
	// ErrTopicNotFound aliases the log service sentinel so callers can match
	// either one.
	ErrTopicNotFound = logservice.ErrTopicNotFound
	ErrRateLimited   = errors.New("rate limited by mirror node")
)
