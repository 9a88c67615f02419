package memcached

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/magiconair/properties"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Property keys understood by LoadProperties / LoadYAML.
const (
	propServers             = "memcached.servers"
	propInitialConnections  = "memcached.initialConnections"
	propMinSpareConnections = "memcached.minSpareConnections"
	propMaxSpareConnections = "memcached.maxSpareConnections"
	propClient              = "memcached.client"
	propHashing             = "memcached.hashing"
)

// Connection count defaults, used when the properties are absent.
const (
	DefaultInitialConnections  = 1
	DefaultMinSpareConnections = 1
	DefaultMaxSpareConnections = 10
)

// Which wrapped client library serves the facade.
type ClientKind string

const (
	// Text protocol client backed by github.com/bradfitz/gomemcache.
	ClassicClient ClientKind = "classic"

	// Binary protocol client backed by github.com/dropbox/godropbox/memcache.
	BinaryClient ClientKind = "binary"
)

// Key to node placement algorithm.
type HashAlgorithm string

const (
	// Consistent hashing on a md5 ring, weight = number of virtual nodes.
	KetamaHash HashAlgorithm = "ketama"

	// CRC32 over a bucket list where each server appears weight times.
	CompatHash HashAlgorithm = "compat"
)

// Fixed pool tuning.  These are not tunable per call.  A zero PoolTuning
// in a Config means DefaultPoolTuning(), and zero durations take their
// default values.
type PoolTuning struct {
	// Idle pooled connections older than this are closed.
	MaxIdle time.Duration

	// Upper bound a connection may stay checked out.  Neither wrapped
	// library can reclaim a busy connection, so this is advisory and only
	// reported; socket timeouts bound every operation instead.
	MaxBusyTime time.Duration

	// Interval of the alive check sweep.
	MaintenanceInterval time.Duration

	// Read / write timeout on every socket operation.
	SocketTimeout time.Duration

	// Dial timeout.
	ConnectTimeout time.Duration

	// Route keys of a dead node to the next live node.
	Failover bool

	// Route keys back to a node once it answers again.
	Failback bool

	// When false, TCP_NODELAY is set on every connection.
	Nagle bool

	// Run the periodic alive check.
	AliveCheck bool
}

// DefaultPoolTuning returns the tuning every pool is built with.
func DefaultPoolTuning() PoolTuning {
	return PoolTuning{
		MaxIdle:             30 * time.Minute,
		MaxBusyTime:         5 * time.Minute,
		MaintenanceInterval: 5 * time.Second,
		SocketTimeout:       3 * time.Second,
		ConnectTimeout:      3 * time.Second,
		Failover:            true,
		Failback:            true,
		Nagle:               false,
		AliveCheck:          true,
	}
}

// Config is built once at startup and is not modified afterwards.
type Config struct {
	Servers []ServerSpec

	InitialConnections  int
	MinSpareConnections int
	MaxSpareConnections int

	// Defaults to ClassicClient.
	Client ClientKind

	// Defaults to CompatHash for ClassicClient and KetamaHash for
	// BinaryClient.
	Hashing HashAlgorithm

	Tuning PoolTuning
}

// NewConfig returns a config for the given servers string with default
// connection counts and tuning.
func NewConfig(servers string, log logrus.FieldLogger) Config {
	return Config{
		Servers:             ParseServers(servers, log),
		InitialConnections:  DefaultInitialConnections,
		MinSpareConnections: DefaultMinSpareConnections,
		MaxSpareConnections: DefaultMaxSpareConnections,
		Client:              ClassicClient,
		Tuning:              DefaultPoolTuning(),
	}
}

// withDefaults returns c with an unset Tuning replaced by
// DefaultPoolTuning().  When only some durations are set, the remaining
// zero durations take their default values.
func (c Config) withDefaults() Config {
	def := DefaultPoolTuning()
	if c.Tuning == (PoolTuning{}) {
		c.Tuning = def
		return c
	}

	fill := func(d *time.Duration, v time.Duration) {
		if *d == 0 {
			*d = v
		}
	}
	fill(&c.Tuning.MaxIdle, def.MaxIdle)
	fill(&c.Tuning.MaxBusyTime, def.MaxBusyTime)
	fill(&c.Tuning.MaintenanceInterval, def.MaintenanceInterval)
	fill(&c.Tuning.SocketTimeout, def.SocketTimeout)
	fill(&c.Tuning.ConnectTimeout, def.ConnectTimeout)
	return c
}

func (c Config) clientKind() ClientKind {
	if c.Client == "" {
		return ClassicClient
	}
	return c.Client
}

func (c Config) hashing() HashAlgorithm {
	if c.Hashing != "" {
		return c.Hashing
	}
	if c.clientKind() == BinaryClient {
		return KetamaHash
	}
	return CompatHash
}

// Validate returns a KindConfiguration error when the config cannot be used
// to build a pool.
func (c Config) Validate() error {
	if len(c.Servers) == 0 {
		return &Error{
			Kind: KindConfiguration,
			Op:   "validate",
			Err:  errorf("%s has no usable entries", propServers),
		}
	}
	if c.InitialConnections < 0 ||
		c.MinSpareConnections < 0 ||
		c.MaxSpareConnections < 0 {

		return &Error{
			Kind: KindConfiguration,
			Op:   "validate",
			Err:  errorf("connection counts must not be negative"),
		}
	}
	if c.MaxSpareConnections > 0 &&
		c.MinSpareConnections > c.MaxSpareConnections {

		return &Error{
			Kind: KindConfiguration,
			Op:   "validate",
			Err: errorf(
				"%s (%d) > %s (%d)",
				propMinSpareConnections,
				c.MinSpareConnections,
				propMaxSpareConnections,
				c.MaxSpareConnections),
		}
	}
	switch c.clientKind() {
	case ClassicClient, BinaryClient:
	default:
		return &Error{
			Kind: KindConfiguration,
			Op:   "validate",
			Err:  errorf("unknown %s %q", propClient, c.Client),
		}
	}
	switch c.hashing() {
	case KetamaHash, CompatHash:
	default:
		return &Error{
			Kind: KindConfiguration,
			Op:   "validate",
			Err:  errorf("unknown %s %q", propHashing, c.Hashing),
		}
	}
	return nil
}

// LoadConfig reads a .yaml / .yml file with LoadYAML and anything else with
// LoadProperties.
func LoadConfig(path string, log logrus.FieldLogger) (Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(path, log)
	default:
		return LoadProperties(path, log)
	}
}

// LoadProperties reads the memcached.* keys from a java style properties
// file.
func LoadProperties(path string, log logrus.FieldLogger) (Config, error) {
	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return Config{}, &Error{
			Kind: KindConfiguration,
			Op:   "load",
			Err:  wrapf(err, "unable to read %s", path),
		}
	}
	return configFromLookup(p.Get, log)
}

type yamlFile struct {
	Memcached map[string]interface{} `yaml:"memcached"`
}

// LoadYAML reads the same keys as LoadProperties, nested under a top level
// "memcached" mapping:
//
//     memcached:
//       servers: 10.0.0.1:11211:1,10.0.0.2:11211:2
//       initialConnections: 5
func LoadYAML(path string, log logrus.FieldLogger) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &Error{
			Kind: KindConfiguration,
			Op:   "load",
			Err:  wrapf(err, "unable to read %s", path),
		}
	}

	var file yamlFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Config{}, &Error{
			Kind: KindConfiguration,
			Op:   "load",
			Err:  wrapf(err, "unable to parse %s", path),
		}
	}

	return configFromLookup(
		func(key string) (string, bool) {
			v, ok := file.Memcached[strings.TrimPrefix(key, "memcached.")]
			if !ok || v == nil {
				return "", false
			}
			return yamlString(v), true
		},
		log)
}

// A sequence is joined with "," so that servers may be listed one per line.
func yamlString(v interface{}) string {
	list, ok := v.([]interface{})
	if !ok {
		return fmt.Sprint(v)
	}

	parts := make([]string, 0, len(list))
	for _, item := range list {
		if item != nil {
			parts = append(parts, fmt.Sprint(item))
		}
	}
	return strings.Join(parts, ",")
}

func configFromLookup(
	lookup func(key string) (string, bool),
	log logrus.FieldLogger) (Config, error) {

	if log == nil {
		log = logrus.StandardLogger()
	}

	raw, _ := lookup(propServers)
	cfg := NewConfig(raw, log)

	intProp := func(key string, def int) int {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return def
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			log.WithFields(logrus.Fields{
				"property": key,
				"value":    v,
				"default":  def,
			}).Error("memcached property is not an integer, using default")
			return def
		}
		return n
	}

	cfg.InitialConnections = intProp(
		propInitialConnections,
		DefaultInitialConnections)
	cfg.MinSpareConnections = intProp(
		propMinSpareConnections,
		DefaultMinSpareConnections)
	cfg.MaxSpareConnections = intProp(
		propMaxSpareConnections,
		DefaultMaxSpareConnections)

	if v, ok := lookup(propClient); ok && strings.TrimSpace(v) != "" {
		cfg.Client = ClientKind(strings.ToLower(strings.TrimSpace(v)))
	}
	if v, ok := lookup(propHashing); ok && strings.TrimSpace(v) != "" {
		cfg.Hashing = HashAlgorithm(strings.ToLower(strings.TrimSpace(v)))
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
