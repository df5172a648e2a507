package queue

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Task is one unit of deferred side-effect work. Tasks are value types: the
// queue hands each handler its own copy, and payloads are cloned on enqueue
// so producers and handlers never share mutable state.
type Task struct {
	ID         string         `json:"id"`
	Category   Category       `json:"category"`
	Payload    map[string]any `json:"payload"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`

	retryCount int
}

// Handler consumes one same-category batch of tasks. Returning an error
// marks every task in the batch for individual retry.
type Handler func(ctx context.Context, tasks []Task) error

// monoEntropy is a shared monotone entropy source so task IDs stay
// lexicographically ordered even within the same millisecond.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

func newTaskID(now time.Time) (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(now), monoEntropy)
	if err != nil {
		return "", fmt.Errorf("queue: task id: %w", err)
	}
	return id.String(), nil
}

// clonePayload deep-copies the container shapes that appear in task
// payloads. Scalar values are shared; maps and slices are not.
func clonePayload(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = clonePayload(vv)
		case map[string]string:
			out[k] = maps.Clone(vv)
		case []string:
			out[k] = slices.Clone(vv)
		case []any:
			s := make([]any, len(vv))
			copy(s, vv)
			out[k] = s
		default:
			out[k] = v
		}
	}
	return out
}
