package memcached

import (
	"context"
	"math"
	"time"
)

// Quiet adapts a Client to the older sentinel style cache API:
// reads return nil and writes return false on any failure, counters return
// -1.  Failures are logged by the wrapped Client.  New code should use
// Client directly, since Quiet cannot tell a miss from an outage.
type Quiet struct {
	client Client
}

func NewQuiet(client Client) *Quiet {
	return &Quiet{client: client}
}

// Client returns the wrapped client.
func (q *Quiet) Client() Client {
	return q.client
}

func (q *Quiet) Get(key string) []byte {
	value, err := q.client.Get(context.Background(), key)
	if err != nil {
		return nil
	}
	return value
}

// GetMulti returns nil when any server failed.
func (q *Quiet) GetMulti(keys []string) map[string][]byte {
	values, err := q.client.GetMulti(context.Background(), keys)
	if err != nil {
		return nil
	}
	return values
}

// GetMultiArray returns nil when any server failed.
func (q *Quiet) GetMultiArray(keys []string) [][]byte {
	values, err := q.client.GetMultiArray(context.Background(), keys)
	if err != nil {
		return nil
	}
	return values
}

func (q *Quiet) Set(key string, value []byte) bool {
	return q.SetWithTTL(key, value, 0)
}

func (q *Quiet) SetWithTTL(key string, value []byte, ttl time.Duration) bool {
	return q.client.Set(context.Background(), key, value, ttl) == nil
}

func (q *Quiet) Add(key string, value []byte) bool {
	return q.AddWithTTL(key, value, 0)
}

func (q *Quiet) AddWithTTL(key string, value []byte, ttl time.Duration) bool {
	return q.client.Add(context.Background(), key, value, ttl) == nil
}

func (q *Quiet) Replace(key string, value []byte) bool {
	return q.ReplaceWithTTL(key, value, 0)
}

func (q *Quiet) ReplaceWithTTL(
	key string,
	value []byte,
	ttl time.Duration) bool {

	return q.client.Replace(context.Background(), key, value, ttl) == nil
}

func (q *Quiet) Delete(key string) bool {
	return q.client.Delete(context.Background(), key) == nil
}

// AddOrIncr returns the new counter value, or -1 on failure.  Values above
// math.MaxInt64 are clamped.
func (q *Quiet) AddOrIncr(key string, delta uint64) int64 {
	value, err := q.client.IncrementOrInitialize(
		context.Background(),
		key,
		delta)
	if err != nil {
		return -1
	}
	return clampCounter(value)
}

// AddOrDecr returns the new counter value, or -1 on failure.
func (q *Quiet) AddOrDecr(key string, delta uint64) int64 {
	value, err := q.client.DecrementOrInitialize(
		context.Background(),
		key,
		delta)
	if err != nil {
		return -1
	}
	return clampCounter(value)
}

// Counters above math.MaxInt64 are reported as math.MaxInt64, so that a
// returned value is never mistaken for the -1 failure sentinel.
func clampCounter(value uint64) int64 {
	if value > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(value)
}

func (q *Quiet) Status() NodeStatus {
	return q.client.Status(context.Background())
}
