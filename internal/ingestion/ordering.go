package ingestion

import (
	"errors"
	"slices"

	"github.com/ethereum/go-ethereum/core/types"
)

// ErrInvalidOrdering is returned when logs are not in chain order.
var ErrInvalidOrdering = errors.New("logs are not in deterministic order")

// SortLogs orders logs by (block ASC, log_index ASC).
// Log indexes are unique within a block, so this is the on-chain order.
func SortLogs(logs []types.Log) {
	slices.SortFunc(logs, compareLogs)
}

// DedupeLogs removes repeated (block, log_index) entries from sorted logs.
// The last delivery wins, so a removal notice replaces the original log.
func DedupeLogs(logs []types.Log) []types.Log {
	if len(logs) < 2 {
		return logs
	}
	out := logs[:1]
	for _, lg := range logs[1:] {
		if compareLogs(out[len(out)-1], lg) == 0 {
			out[len(out)-1] = lg
			continue
		}
		out = append(out, lg)
	}
	return out
}

// ValidateLogOrdering checks that logs are strictly increasing in chain order.
// Returns ErrInvalidOrdering if not.
func ValidateLogOrdering(logs []types.Log) error {
	for i := 1; i < len(logs); i++ {
		if compareLogs(logs[i-1], logs[i]) >= 0 {
			return ErrInvalidOrdering
		}
	}
	return nil
}

// compareLogs returns:
//   - negative if a < b
//   - zero if a == b
//   - positive if a > b
//
// Order: (block ASC, log_index ASC)
func compareLogs(a, b types.Log) int {
	if a.BlockNumber != b.BlockNumber {
		if a.BlockNumber < b.BlockNumber {
			return -1
		}
		return 1
	}
	if a.Index != b.Index {
		if a.Index < b.Index {
			return -1
		}
		return 1
	}
	return 0
}
