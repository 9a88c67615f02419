package memcached

import (
	"sync"

	"github.com/dropbox/godropbox/singleton"
	"github.com/sirupsen/logrus"
)

// Shared is a process wide Client for call sites which cannot be handed a
// Client explicitly.  The client is opened on the first Get; concurrent
// first calls open it exactly once.  If opening fails, the next Get tries
// again.
type Shared struct {
	handle singleton.Singleton
	log    logrus.FieldLogger

	mutex  sync.Mutex
	opened bool // guarded by mutex
}

// NewShared returns a Shared which opens its client with the config
// returned by load.
func NewShared(
	load func() (Config, error),
	opts ...Option) *Shared {

	o := options{log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Shared{log: o.log}
	s.handle = singleton.NewSingleton(func() (interface{}, error) {
		cfg, err := load()
		if err != nil {
			s.log.WithError(err).Error("unable to load memcached config")
			return nil, err
		}

		client, err := Open(cfg, opts...)
		if err != nil {
			return nil, err
		}

		s.mutex.Lock()
		s.opened = true
		s.mutex.Unlock()

		return client, nil
	})
	return s
}

// Get returns the shared client, opening it if necessary.
func (s *Shared) Get() (Client, error) {
	v, err := s.handle.Get()
	if err != nil {
		return nil, err
	}
	return v.(Client), nil
}

// Shutdown shuts the shared client down.  When the client was never opened
// this only logs.
func (s *Shared) Shutdown() error {
	s.mutex.Lock()
	opened := s.opened
	s.mutex.Unlock()

	if !opened {
		s.log.Info("memcached pool was never initialized; nothing to shut down")
		return nil
	}

	client, err := s.Get()
	if err != nil {
		return err
	}
	return client.Shutdown()
}
