// Package memcachedtest provides an in-memory memcached.Client for tests of
// code which consumes the facade.
package memcachedtest

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/dropbox/godropbox/errors"

	"github.com/sihuatech/webcache/memcached"
)

type entry struct {
	value     []byte
	expiresAt time.Time // zero means never
}

// Client is a memcached.Client backed by a map.  All keys live on a single
// logical store; SetDown only affects what Status reports and, when every
// server is down, makes operations fail with a transport error.
type Client struct {
	mutex   sync.Mutex
	data    map[string]*entry
	servers []memcached.ServerSpec
	down    map[string]bool
	closed  bool

	// Overridable for tests which exercise expiration.
	Now func() time.Time
}

var _ memcached.Client = (*Client)(nil)

// NewClient returns an empty client.  servers are "host:port:weight"
// tokens; when none are given a single localhost server is assumed.
func NewClient(servers ...string) *Client {
	specs := []memcached.ServerSpec{}
	for _, s := range servers {
		specs = append(specs, memcached.ParseServers(s, nil)...)
	}
	if len(specs) == 0 {
		specs = append(specs, memcached.ServerSpec{
			Host:   "localhost",
			Port:   11211,
			Weight: 1,
		})
	}

	return &Client{
		data:    make(map[string]*entry),
		servers: specs,
		down:    make(map[string]bool),
		Now:     time.Now,
	}
}

// SetDown marks the server at addr ("host:port") as down or up.
func (c *Client) SetDown(addr string, down bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.down[addr] = down
}

// Len returns the number of unexpired entries.
func (c *Client) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	n := 0
	for key := range c.data {
		if c.lookup(key) != nil {
			n++
		}
	}
	return n
}

func fail(kind memcached.ErrorKind, op string, msg string, keys ...string) error {
	return &memcached.Error{
		Kind: kind,
		Op:   op,
		Keys: keys,
		Err:  errors.New(msg),
	}
}

// Caller must hold the mutex.
func (c *Client) precheck(ctx context.Context, op string, keys ...string) error {
	if c.closed {
		return &memcached.Error{Kind: memcached.KindClosed, Op: op, Keys: keys}
	}
	if err := ctx.Err(); err != nil {
		return &memcached.Error{
			Kind: memcached.KindTransport,
			Op:   op,
			Keys: keys,
			Err:  err,
		}
	}
	for _, key := range keys {
		if !memcached.ValidKey(key) {
			return fail(memcached.KindInvalidKey, op, "illegal key", keys...)
		}
	}

	allDown := true
	for _, s := range c.servers {
		if !c.down[s.Address()] {
			allDown = false
			break
		}
	}
	if allDown {
		return fail(memcached.KindTransport, op, "no servers available", keys...)
	}
	return nil
}

// Caller must hold the mutex.  Drops the entry when it has expired.
func (c *Client) lookup(key string) *entry {
	e, ok := c.data[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !c.Now().Before(e.expiresAt) {
		delete(c.data, key)
		return nil
	}
	return e
}

func (c *Client) newEntry(
	op string,
	key string,
	value []byte,
	ttl time.Duration) (*entry, error) {

	if ttl < 0 {
		return nil, fail(memcached.KindInvalidArgument, op, "negative ttl", key)
	}

	e := &entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = c.Now().Add(ttl)
	}
	return e, nil
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := c.precheck(ctx, "get", key); err != nil {
		return nil, err
	}
	e := c.lookup(key)
	if e == nil {
		return nil, fail(memcached.KindNotFound, "get", "cache miss", key)
	}
	return append([]byte(nil), e.value...), nil
}

func (c *Client) GetMulti(
	ctx context.Context,
	keys []string) (map[string][]byte, error) {

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := c.precheck(ctx, "getMulti", keys...); err != nil {
		return nil, err
	}

	values := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if e := c.lookup(key); e != nil {
			values[key] = append([]byte(nil), e.value...)
		}
	}
	return values, nil
}

func (c *Client) GetMultiArray(
	ctx context.Context,
	keys []string) ([][]byte, error) {

	values, err := c.GetMulti(ctx, keys)
	if err != nil {
		return nil, err
	}

	ordered := make([][]byte, len(keys))
	for i, key := range keys {
		ordered[i] = values[key]
	}
	return ordered, nil
}

func (c *Client) Set(
	ctx context.Context,
	key string,
	value []byte,
	ttl time.Duration) error {

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := c.precheck(ctx, "set", key); err != nil {
		return err
	}
	e, err := c.newEntry("set", key, value, ttl)
	if err != nil {
		return err
	}
	c.data[key] = e
	return nil
}

func (c *Client) Add(
	ctx context.Context,
	key string,
	value []byte,
	ttl time.Duration) error {

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := c.precheck(ctx, "add", key); err != nil {
		return err
	}
	e, err := c.newEntry("add", key, value, ttl)
	if err != nil {
		return err
	}
	if c.lookup(key) != nil {
		return fail(memcached.KindNotStored, "add", "key exists", key)
	}
	c.data[key] = e
	return nil
}

func (c *Client) Replace(
	ctx context.Context,
	key string,
	value []byte,
	ttl time.Duration) error {

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := c.precheck(ctx, "replace", key); err != nil {
		return err
	}
	e, err := c.newEntry("replace", key, value, ttl)
	if err != nil {
		return err
	}
	if c.lookup(key) == nil {
		return fail(memcached.KindNotStored, "replace", "key not found", key)
	}
	c.data[key] = e
	return nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := c.precheck(ctx, "delete", key); err != nil {
		return err
	}
	if c.lookup(key) == nil {
		return fail(memcached.KindNotFound, "delete", "key not found", key)
	}
	delete(c.data, key)
	return nil
}

func (c *Client) counter(
	ctx context.Context,
	op string,
	key string,
	delta uint64,
	decrement bool) (uint64, error) {

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := c.precheck(ctx, op, key); err != nil {
		return 0, err
	}

	e := c.lookup(key)
	if e == nil {
		c.data[key] = &entry{value: []byte(strconv.FormatUint(delta, 10))}
		return delta, nil
	}

	current, err := strconv.ParseUint(string(e.value), 10, 64)
	if err != nil {
		return 0, fail(memcached.KindNonNumeric, op, "non-numeric value", key)
	}

	switch {
	case !decrement:
		current += delta
	case delta > current:
		current = 0
	default:
		current -= delta
	}
	e.value = []byte(strconv.FormatUint(current, 10))
	return current, nil
}

func (c *Client) IncrementOrInitialize(
	ctx context.Context,
	key string,
	delta uint64) (uint64, error) {

	return c.counter(ctx, "incr", key, delta, false)
}

func (c *Client) DecrementOrInitialize(
	ctx context.Context,
	key string,
	delta uint64) (uint64, error) {

	return c.counter(ctx, "decr", key, delta, true)
}

func (c *Client) Status(ctx context.Context) memcached.NodeStatus {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	up := make([]bool, len(c.servers))
	if !c.closed {
		for i, s := range c.servers {
			up[i] = !c.down[s.Address()]
		}
	}
	return memcached.NewNodeStatus(c.servers, up)
}

func (c *Client) Servers() []memcached.ServerSpec {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	servers := make([]memcached.ServerSpec, len(c.servers))
	copy(servers, c.servers)
	return servers
}

func (c *Client) Shutdown() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.closed = true
	return nil
}
