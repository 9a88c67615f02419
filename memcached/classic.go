package memcached

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/sirupsen/logrus"
)

// The subset of *memcache.Client used by the classic facade.
type textClient interface {
	Get(key string) (*memcache.Item, error)
	GetMulti(keys []string) (map[string]*memcache.Item, error)
	Set(item *memcache.Item) error
	Add(item *memcache.Item) error
	Replace(item *memcache.Item) error
	Delete(key string) error
	Increment(key string, delta uint64) (uint64, error)
	Decrement(key string, delta uint64) (uint64, error)
	Close() error
}

// A single-server client used only for alive checks.
type pinger interface {
	Ping() error
	Close() error
}

// Addresses are resolved when gomemcache dials, not at startup, so that a
// server with a temporarily unresolvable name does not prevent the pool
// from being built.
type nodeAddr string

func (a nodeAddr) Network() string { return "tcp" }
func (a nodeAddr) String() string  { return string(a) }

// A gomemcache ServerSelector which places keys with the configured locator
// and skips dead nodes when failover is enabled.
type weightedSelector struct {
	addrs  []net.Addr
	loc    locator
	usable func(node int) bool
}

func newWeightedSelector(
	servers []ServerSpec,
	loc locator,
	usable func(node int) bool) *weightedSelector {

	addrs := make([]net.Addr, len(servers))
	for i, s := range servers {
		addrs[i] = nodeAddr(s.Address())
	}
	return &weightedSelector{addrs: addrs, loc: loc, usable: usable}
}

func (s *weightedSelector) PickServer(key string) (net.Addr, error) {
	node := s.loc.pick(key, s.usable)
	if node < 0 {
		return nil, memcache.ErrNoServers
	}
	return s.addrs[node], nil
}

func (s *weightedSelector) Each(f func(net.Addr) error) error {
	for _, addr := range s.addrs {
		if err := f(addr); err != nil {
			return err
		}
	}
	return nil
}

// Always picks the same server.  Used for per node alive checks.
type singleSelector struct {
	addr net.Addr
}

func (s singleSelector) PickServer(string) (net.Addr, error) {
	return s.addr, nil
}

func (s singleSelector) Each(f func(net.Addr) error) error {
	return f(s.addr)
}

type classicBackend struct {
	client textClient

	// One single-server client per node, used only by probe.
	pingers []pinger
}

func newClassicBackend(
	cfg Config,
	loc locator,
	usable func(node int) bool,
	log logrus.FieldLogger) (backend, error) {

	selector := newWeightedSelector(cfg.Servers, loc, usable)

	client := memcache.NewFromSelector(selector)
	client.Timeout = cfg.Tuning.SocketTimeout
	client.MaxIdleConns = cfg.MaxSpareConnections

	pingers := make([]pinger, len(selector.addrs))
	for i, addr := range selector.addrs {
		p := memcache.NewFromSelector(singleSelector{addr: addr})
		p.Timeout = cfg.Tuning.ConnectTimeout
		p.MaxIdleConns = 1
		pingers[i] = p
	}

	if cfg.Tuning.Nagle {
		log.Warn("gomemcache always disables Nagle's algorithm; ignoring")
	}

	return &classicBackend{client: client, pingers: pingers}, nil
}

// Maps gomemcache's sentinel errors onto error kinds.
func classicError(err error) error {
	switch err {
	case nil:
		return nil
	case memcache.ErrCacheMiss:
		return &Error{Kind: KindNotFound, Err: err}
	case memcache.ErrNotStored:
		return &Error{Kind: KindNotStored, Err: err}
	case memcache.ErrMalformedKey:
		return &Error{Kind: KindInvalidKey, Err: err}
	}
	if strings.Contains(err.Error(), "non-numeric") {
		return &Error{Kind: KindNonNumeric, Err: err}
	}
	return &Error{Kind: KindTransport, Err: err}
}

func (b *classicBackend) get(key string) ([]byte, error) {
	item, err := b.client.Get(key)
	if err != nil {
		return nil, classicError(err)
	}
	return item.Value, nil
}

func (b *classicBackend) getMulti(keys []string) (map[string][]byte, error) {
	items, err := b.client.GetMulti(keys)

	values := make(map[string][]byte, len(items))
	for key, item := range items {
		values[key] = item.Value
	}

	// GetMulti never reports a miss as an error.
	if err == memcache.ErrCacheMiss {
		err = nil
	}
	return values, classicError(err)
}

func (b *classicBackend) store(
	mode storeMode,
	key string,
	value []byte,
	expiration uint32) error {

	item := &memcache.Item{
		Key:        key,
		Value:      value,
		Expiration: int32(expiration),
	}

	switch mode {
	case storeAdd:
		return classicError(b.client.Add(item))
	case storeReplace:
		return classicError(b.client.Replace(item))
	default:
		return classicError(b.client.Set(item))
	}
}

func (b *classicBackend) delete(key string) error {
	return classicError(b.client.Delete(key))
}

// The text protocol has no atomic "increment or seed", so this adds the
// counter first and falls back to incr/decr when it already exists.
func (b *classicBackend) incrementOrInitialize(
	key string,
	delta uint64,
	decrement bool) (uint64, error) {

	err := b.client.Add(&memcache.Item{
		Key:   key,
		Value: []byte(strconv.FormatUint(delta, 10)),
	})
	if err == nil {
		return delta, nil
	}
	if err != memcache.ErrNotStored {
		return 0, classicError(err)
	}

	var value uint64
	if decrement {
		value, err = b.client.Decrement(key, delta)
	} else {
		value, err = b.client.Increment(key, delta)
	}
	if err != nil {
		// The counter was evicted between add and incr/decr.
		return 0, classicError(err)
	}
	return value, nil
}

func (b *classicBackend) probe(ctx context.Context, node int) error {
	done := make(chan error, 1)
	go func() {
		done <- b.pingers[node].Ping()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Closes the pooled connections of the main client and of every pinger.
func (b *classicBackend) shutdown() error {
	var firstErr error
	if err := b.client.Close(); err != nil {
		firstErr = err
	}
	for _, p := range b.pingers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
