package memcached

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Client is the cache facade.  Both implementations (ClassicClient and
// BinaryClient) are safe for concurrent use; the wrapped libraries pool
// connections internally and this package adds no locking on the request
// path.
//
// Every failure is returned as an *Error; use IsNotFound / IsNotStored /
// IsTransport to tell a miss apart from an unreachable server.
type Client interface {
	// Retrieves a single value.  Returns a KindNotFound error on a miss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Retrieves many values.  Missing keys are absent from the result.  If
	// any server fails, the found values are returned together with a
	// KindTransport error.
	GetMulti(ctx context.Context, keys []string) (map[string][]byte, error)

	// Same as GetMulti, but the values are returned in key order with nil
	// for misses.
	GetMultiArray(ctx context.Context, keys []string) ([][]byte, error)

	// Stores the value unconditionally.  A zero ttl never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Stores the value only if the key does not exist yet; otherwise returns
	// a KindNotStored error.
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Stores the value only if the key already exists; otherwise returns a
	// KindNotStored error.
	Replace(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Removes the key.  Returns a KindNotFound error if it did not exist.
	Delete(ctx context.Context, key string) error

	// Adds delta to the counter stored at key and returns the new value.
	// An absent key is initialized to delta.
	IncrementOrInitialize(ctx context.Context, key string, delta uint64) (uint64, error)

	// Subtracts delta from the counter stored at key (flooring at zero) and
	// returns the new value.  An absent key is initialized to delta.
	DecrementOrInitialize(ctx context.Context, key string, delta uint64) (uint64, error)

	// Probes every configured server.  A server which does not answer
	// before ctx is done is reported OFF.  Status never changes routing.
	Status(ctx context.Context) NodeStatus

	// Returns a copy of the configured server list.
	Servers() []ServerSpec

	// Releases all pooled connections.  Calling Shutdown more than once is
	// a no-op.
	Shutdown() error
}

type storeMode int

const (
	storeSet storeMode = iota
	storeAdd
	storeReplace
)

func (m storeMode) op() string {
	switch m {
	case storeAdd:
		return "add"
	case storeReplace:
		return "replace"
	default:
		return "set"
	}
}

// The wrapped library.  Keys and arguments have been validated by the
// facade; errors should be *Error with the kind set (Op and Keys are filled
// in by the facade).  Anything else is treated as KindTransport.
type backend interface {
	get(key string) ([]byte, error)
	getMulti(keys []string) (map[string][]byte, error)
	store(mode storeMode, key string, value []byte, expiration uint32) error
	delete(key string) error
	incrementOrInitialize(key string, delta uint64, decrement bool) (uint64, error)
	probe(ctx context.Context, node int) error
	shutdown() error
}

type backendBuilder func(
	cfg Config,
	loc locator,
	usable func(node int) bool,
	log logrus.FieldLogger) (backend, error)

type options struct {
	log         logrus.FieldLogger
	maintenance bool
	now         func() time.Time
}

type Option func(*options)

// WithLogger sets the logger.  Defaults to logrus.StandardLogger().
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithoutMaintenance disables the periodic alive check.  Every node then
// stays in the key placement.
func WithoutMaintenance() Option {
	return func(o *options) {
		o.maintenance = false
	}
}

// Open builds the pool selected by cfg.Client and returns the handle which
// consumers should share.  An invalid config is logged and returned as a
// KindConfiguration error; no pool is built in that case.
func Open(cfg Config, opts ...Option) (Client, error) {
	var build backendBuilder
	switch cfg.clientKind() {
	case BinaryClient:
		build = newBinaryBackend
	default:
		build = newClassicBackend
	}

	c, err := newClient(cfg, build, opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type client struct {
	kind    ClientKind
	servers []ServerSpec
	backend backend
	health  *healthTracker
	log     logrus.FieldLogger
	now     func() time.Time

	closed int32 // atomic
}

func newClient(
	cfg Config,
	build backendBuilder,
	opts ...Option) (*client, error) {

	o := options{
		log:         logrus.StandardLogger(),
		maintenance: true,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	cfg = cfg.withDefaults()
	log := o.log.WithField("client", string(cfg.clientKind()))

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("memcached pool not initialized")
		return nil, err
	}

	servers := make([]ServerSpec, len(cfg.Servers))
	copy(servers, cfg.Servers)
	cfg.Servers = servers

	c := &client{
		kind:    cfg.clientKind(),
		servers: servers,
		log:     log,
		now:     o.now,
	}
	c.health = newHealthTracker(
		servers,
		cfg.Tuning,
		func(ctx context.Context, node int) error {
			return c.backend.probe(ctx, node)
		},
		log)

	b, err := build(
		cfg,
		newLocator(cfg.hashing(), servers),
		c.health.usable,
		log)
	if err != nil {
		log.WithError(err).Error("memcached pool not initialized")
		return nil, err
	}
	c.backend = b

	if o.maintenance {
		c.health.start()
	}

	log.WithFields(logrus.Fields{
		"servers":             Addresses(servers),
		"weights":             Weights(servers),
		"hashing":             string(cfg.hashing()),
		"initialConnections":  cfg.InitialConnections,
		"minSpareConnections": cfg.MinSpareConnections,
		"maxSpareConnections": cfg.MaxSpareConnections,
		"maxBusyTime":         cfg.Tuning.MaxBusyTime,
	}).Info("memcached pool initialized")

	return c, nil
}

// Checks the common preconditions of every operation.
func (c *client) precheck(ctx context.Context, op string, keys ...string) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return newError(KindClosed, op, nil, keys...)
	}
	if err := ctx.Err(); err != nil {
		return newError(KindTransport, op, err, keys...)
	}
	for _, key := range keys {
		if !ValidKey(key) {
			return newError(
				KindInvalidKey,
				op,
				errorf("key must be 1-250 bytes without whitespace"),
				keys...)
		}
	}
	return nil
}

// Normalizes a backend error, logs it when it is a real failure, and
// updates the op counters.
func (c *client) finish(op string, err error, keys ...string) error {
	if err == nil {
		countOp(c.kind, op, nil)
		return nil
	}

	e, ok := err.(*Error)
	if !ok {
		e = newError(KindTransport, op, err)
	}
	if e.Op == "" {
		e.Op = op
	}
	if e.Keys == nil {
		e.Keys = keys
	}

	countOp(c.kind, op, e)

	switch e.Kind {
	case KindNotFound, KindNotStored:
	default:
		entry := c.log.WithFields(logrus.Fields{
			"op":    op,
			"kind":  e.Kind.String(),
			"error": e.Err,
		})
		if len(keys) == 1 {
			entry = entry.WithField("key", keys[0])
		} else {
			entry = entry.WithField("keys", keys)
		}
		entry.Error("memcached operation failed")
	}
	return e
}

func (c *client) Get(ctx context.Context, key string) ([]byte, error) {
	if err := c.precheck(ctx, "get", key); err != nil {
		return nil, c.finish("get", err, key)
	}

	value, err := c.backend.get(key)
	if err != nil {
		return nil, c.finish("get", err, key)
	}
	return value, c.finish("get", nil, key)
}

func (c *client) GetMulti(
	ctx context.Context,
	keys []string) (map[string][]byte, error) {

	if err := c.precheck(ctx, "getMulti", keys...); err != nil {
		return nil, c.finish("getMulti", err, keys...)
	}
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}

	values, err := c.backend.getMulti(keys)
	if values == nil {
		values = map[string][]byte{}
	}
	return values, c.finish("getMulti", err, keys...)
}

func (c *client) GetMultiArray(
	ctx context.Context,
	keys []string) ([][]byte, error) {

	values, err := c.GetMulti(ctx, keys)
	if values == nil {
		return nil, err
	}

	ordered := make([][]byte, len(keys))
	for i, key := range keys {
		ordered[i] = values[key]
	}
	return ordered, err
}

func (c *client) store(
	ctx context.Context,
	mode storeMode,
	key string,
	value []byte,
	ttl time.Duration) error {

	op := mode.op()
	if err := c.precheck(ctx, op, key); err != nil {
		return c.finish(op, err, key)
	}

	exp, err := expiration(ttl, c.now)
	if err != nil {
		return c.finish(op, err, key)
	}

	return c.finish(op, c.backend.store(mode, key, value, exp), key)
}

func (c *client) Set(
	ctx context.Context,
	key string,
	value []byte,
	ttl time.Duration) error {

	return c.store(ctx, storeSet, key, value, ttl)
}

func (c *client) Add(
	ctx context.Context,
	key string,
	value []byte,
	ttl time.Duration) error {

	return c.store(ctx, storeAdd, key, value, ttl)
}

func (c *client) Replace(
	ctx context.Context,
	key string,
	value []byte,
	ttl time.Duration) error {

	return c.store(ctx, storeReplace, key, value, ttl)
}

func (c *client) Delete(ctx context.Context, key string) error {
	if err := c.precheck(ctx, "delete", key); err != nil {
		return c.finish("delete", err, key)
	}
	return c.finish("delete", c.backend.delete(key), key)
}

func (c *client) counter(
	ctx context.Context,
	op string,
	key string,
	delta uint64,
	decrement bool) (uint64, error) {

	if err := c.precheck(ctx, op, key); err != nil {
		return 0, c.finish(op, err, key)
	}

	value, err := c.backend.incrementOrInitialize(key, delta, decrement)
	if err != nil {
		return 0, c.finish(op, err, key)
	}
	return value, c.finish(op, nil, key)
}

func (c *client) IncrementOrInitialize(
	ctx context.Context,
	key string,
	delta uint64) (uint64, error) {

	return c.counter(ctx, "incr", key, delta, false)
}

func (c *client) DecrementOrInitialize(
	ctx context.Context,
	key string,
	delta uint64) (uint64, error) {

	return c.counter(ctx, "decr", key, delta, true)
}

func (c *client) Status(ctx context.Context) NodeStatus {
	if atomic.LoadInt32(&c.closed) == 1 {
		return NewNodeStatus(c.servers, nil)
	}

	errs := c.health.probeAll(ctx)
	up := make([]bool, len(errs))
	for node, err := range errs {
		up[node] = err == nil
	}
	return NewNodeStatus(c.servers, up)
}

func (c *client) Servers() []ServerSpec {
	servers := make([]ServerSpec, len(c.servers))
	copy(servers, c.servers)
	return servers
}

func (c *client) Shutdown() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		c.log.Info("memcached pool already shut down")
		return nil
	}

	c.log.Info("shutting down memcached pool")
	c.health.stop()
	if err := c.backend.shutdown(); err != nil {
		c.log.WithError(err).Error("memcached pool shutdown failed")
		return newError(KindTransport, "shutdown", err)
	}
	c.log.Info("memcached pool shut down")
	return nil
}

// ValidKey follows the memcached text protocol: at most 250 bytes, no spaces or
// control characters.
func ValidKey(key string) bool {
	if len(key) == 0 || len(key) > 250 {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] <= ' ' || key[i] == 0x7f {
			return false
		}
	}
	return true
}

// Relative expirations longer than this are interpreted by memcached as an
// absolute unix time.
const maxRelativeExpiration = 30 * 24 * time.Hour

func expiration(ttl time.Duration, now func() time.Time) (uint32, error) {
	switch {
	case ttl < 0:
		return 0, newError(
			KindInvalidArgument,
			"",
			errorf("negative ttl %v", ttl))
	case ttl == 0:
		return 0, nil
	case ttl <= maxRelativeExpiration:
		secs := int64((ttl + time.Second - 1) / time.Second)
		return uint32(secs), nil
	default:
		return uint32(now().Add(ttl).Unix()), nil
	}
}
