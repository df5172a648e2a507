// Package sideeffect holds the handlers that consume the task queue's
// per-category batches: daily stats counters, the activity log, analytics
// counters, alert delivery and sender reputation. Handlers are expected to
// be idempotent since a task can be delivered more than once under retry.
package sideeffect

// stringField returns the string stored under key, or "" when the key is
// absent or holds a different type. Task payloads cross the queue as
// map[string]any, so handlers never assume a field is present.
func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}
