package memcached

import (
	"context"
	"net"

	"github.com/dropbox/godropbox/memcache"
	"github.com/dropbox/godropbox/net2"
	"github.com/sirupsen/logrus"
)

// A shard manager whose shards are the configured servers.  Keys are placed
// with the configured locator; when failover is enabled keys of a dead
// server go to the next live one.
type weightedShardManager struct {
	memcache.BaseShardManager
}

func newWeightedShardManager(
	servers []ServerSpec,
	loc locator,
	usable func(node int) bool,
	pool net2.ConnectionPool,
	log logrus.FieldLogger) *weightedShardManager {

	manager := &weightedShardManager{}
	manager.InitWithPool(
		func(key string, numShard int) int {
			if numShard != len(servers) {
				return -1
			}
			return loc.pick(key, usable)
		},
		func(err error) {
			log.WithError(err).Error("memcached shard connection error")
		},
		func(v ...interface{}) {
			log.Info(v...)
		},
		pool)

	shardStates := make([]memcache.ShardState, len(servers))
	for i, s := range servers {
		shardStates[i].Address = s.Address()
		shardStates[i].State = memcache.ActiveServer
	}
	manager.UpdateShardStates(shardStates)

	return manager
}

// Returns the dial function used for every pooled connection: bounded by
// the connect timeout, with Nagle's algorithm disabled unless the tuning
// asks for it.
func newDialer(tuning PoolTuning) func(network, address string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: tuning.ConnectTimeout}
	return func(network, address string) (net.Conn, error) {
		conn, err := dialer.Dial(network, address)
		if err != nil {
			return nil, err
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			if err := tcpConn.SetNoDelay(!tuning.Nagle); err != nil {
				_ = conn.Close()
				return nil, err
			}
		}
		return conn, nil
	}
}

type binaryBackend struct {
	client memcache.Client
	pool   net2.ConnectionPool
	addrs  []string
	log    logrus.FieldLogger
}

func newBinaryBackend(
	cfg Config,
	loc locator,
	usable func(node int) bool,
	log logrus.FieldLogger) (backend, error) {

	maxIdle := cfg.Tuning.MaxIdle
	options := net2.ConnectionOptions{
		MaxIdleConnections: uint32(cfg.MaxSpareConnections),
		MaxIdleTime:        &maxIdle,
		Dial:               newDialer(cfg.Tuning),
		ReadTimeout:        cfg.Tuning.SocketTimeout,
		WriteTimeout:       cfg.Tuning.SocketTimeout,
	}
	pool := net2.NewMultiConnectionPool(options)

	manager := newWeightedShardManager(cfg.Servers, loc, usable, pool, log)

	b := &binaryBackend{
		client: memcache.NewShardedClient(manager, memcache.NewRawBinaryClient),
		pool:   pool,
		addrs:  Addresses(cfg.Servers),
		log:    log,
	}

	warm := cfg.InitialConnections
	if cfg.MinSpareConnections > warm {
		warm = cfg.MinSpareConnections
	}
	b.prewarm(warm)

	return b, nil
}

// Opens n connections per server and returns them to the pool as idle
// connections.  A server which cannot be reached is logged and skipped.
func (b *binaryBackend) prewarm(n int) {
	for _, addr := range b.addrs {
		conns := make([]net2.ManagedConn, 0, n)
		for i := 0; i < n; i++ {
			conn, err := b.pool.Get("tcp", addr)
			if err != nil {
				b.log.WithFields(logrus.Fields{
					"server": addr,
					"error":  err,
				}).Warn("unable to open initial memcached connection")
				break
			}
			conns = append(conns, conn)
		}
		for _, conn := range conns {
			_ = conn.ReleaseConnection()
		}
	}
}

// Maps a godropbox response onto error kinds.  Error responses created by
// the client itself (connection failures, unmapped keys) carry
// StatusNoError, so the status is inspected first.
func binaryError(resp memcache.Response) error {
	switch resp.Status() {
	case memcache.StatusKeyNotFound:
		return &Error{Kind: KindNotFound, Err: resp.Error()}
	case memcache.StatusKeyExists, memcache.StatusItemNotStored:
		return &Error{Kind: KindNotStored, Err: resp.Error()}
	case memcache.StatusIncrDecrOnNonNumericValue:
		return &Error{Kind: KindNonNumeric, Err: resp.Error()}
	case memcache.StatusValueTooLarge, memcache.StatusInvalidArguments:
		return &Error{Kind: KindInvalidArgument, Err: resp.Error()}
	}
	if err := resp.Error(); err != nil {
		return &Error{Kind: KindTransport, Err: err}
	}
	return nil
}

func (b *binaryBackend) get(key string) ([]byte, error) {
	resp := b.client.Get(key)
	if err := binaryError(resp); err != nil {
		return nil, err
	}
	return resp.Value(), nil
}

func (b *binaryBackend) getMulti(keys []string) (map[string][]byte, error) {
	values := make(map[string][]byte, len(keys))

	var firstErr error
	for key, resp := range b.client.GetMulti(keys) {
		err := binaryError(resp)
		switch {
		case err == nil:
			values[key] = resp.Value()
		case IsNotFound(err):
		case firstErr == nil:
			firstErr = err
		}
	}
	return values, firstErr
}

func (b *binaryBackend) store(
	mode storeMode,
	key string,
	value []byte,
	expiration uint32) error {

	item := &memcache.Item{
		Key:        key,
		Value:      value,
		Expiration: expiration,
	}

	var resp memcache.MutateResponse
	switch mode {
	case storeAdd:
		resp = b.client.Add(item)
	case storeReplace:
		resp = b.client.Replace(item)
	default:
		resp = b.client.Set(item)
	}

	err := binaryError(resp)
	if mode == storeReplace && IsNotFound(err) {
		err.(*Error).Kind = KindNotStored
	}
	return err
}

func (b *binaryBackend) delete(key string) error {
	return binaryError(b.client.Delete(key))
}

// The binary protocol seeds an absent counter atomically with initValue.
func (b *binaryBackend) incrementOrInitialize(
	key string,
	delta uint64,
	decrement bool) (uint64, error) {

	var resp memcache.CountResponse
	if decrement {
		resp = b.client.Decrement(key, delta, delta, 0)
	} else {
		resp = b.client.Increment(key, delta, delta, 0)
	}

	if err := binaryError(resp); err != nil {
		return 0, err
	}
	return resp.Count(), nil
}

func (b *binaryBackend) probe(ctx context.Context, node int) error {
	done := make(chan error, 1)
	go func() {
		done <- b.version(node)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Issues a version request on a pooled connection to the node.
func (b *binaryBackend) version(node int) error {
	conn, err := b.pool.Get("tcp", b.addrs[node])
	if err != nil {
		return err
	}

	client := memcache.NewRawBinaryClient(node, conn)
	resp := client.Version()
	if client.IsValidState() {
		_ = conn.ReleaseConnection()
	} else {
		_ = conn.DiscardConnection()
	}
	return resp.Error()
}

func (b *binaryBackend) shutdown() error {
	b.pool.EnterLameDuckMode()
	return nil
}
