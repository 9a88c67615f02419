package memcached

import (
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	. "gopkg.in/check.v1"

	. "github.com/dropbox/godropbox/gocheck2"
)

type ConfigSuite struct {
	dir string
}

var _ = Suite(&ConfigSuite{})

func (s *ConfigSuite) SetUpTest(c *C) {
	s.dir = c.MkDir()
}

func (s *ConfigSuite) writeFile(c *C, name string, content string) string {
	path := filepath.Join(s.dir, name)
	c.Assert(os.WriteFile(path, []byte(content), 0644), IsNil)
	return path
}

func (s *ConfigSuite) TestDefaultPoolTuning(c *C) {
	tuning := DefaultPoolTuning()

	c.Assert(tuning.MaxIdle, Equals, 30*time.Minute)
	c.Assert(tuning.MaxBusyTime, Equals, 5*time.Minute)
	c.Assert(tuning.MaintenanceInterval, Equals, 5*time.Second)
	c.Assert(tuning.SocketTimeout, Equals, 3*time.Second)
	c.Assert(tuning.ConnectTimeout, Equals, 3*time.Second)
	c.Assert(tuning.Failover, IsTrue)
	c.Assert(tuning.Failback, IsTrue)
	c.Assert(tuning.Nagle, IsFalse)
	c.Assert(tuning.AliveCheck, IsTrue)
}

func (s *ConfigSuite) TestWithDefaultsZeroTuning(c *C) {
	cfg := Config{Servers: testServers(1)}.withDefaults()
	c.Assert(cfg.Tuning, Equals, DefaultPoolTuning())
}

func (s *ConfigSuite) TestWithDefaultsPartialTuning(c *C) {
	cfg := Config{
		Servers: testServers(1),
		Tuning: PoolTuning{
			SocketTimeout: time.Second,
			Failover:      true,
		},
	}.withDefaults()

	c.Assert(cfg.Tuning.SocketTimeout, Equals, time.Second)
	c.Assert(cfg.Tuning.ConnectTimeout, Equals, 3*time.Second)
	c.Assert(cfg.Tuning.MaintenanceInterval, Equals, 5*time.Second)
	c.Assert(cfg.Tuning.MaxIdle, Equals, 30*time.Minute)
	c.Assert(cfg.Tuning.MaxBusyTime, Equals, 5*time.Minute)
	c.Assert(cfg.Tuning.Failover, IsTrue)
	c.Assert(cfg.Tuning.AliveCheck, IsFalse)
}

func (s *ConfigSuite) TestLoadProperties(c *C) {
	path := s.writeFile(c, "app.properties", `
# cache tier
memcached.servers = 10.0.0.1:11211:1,10.0.0.2:11211:2
memcached.initialConnections = 5
memcached.minSpareConnections = 5
memcached.maxSpareConnections = 250
memcached.client = BINARY
unrelated.key = 1
`)
	log, hook := newTestLogger()

	cfg, err := LoadProperties(path, log)
	c.Assert(err, IsNil)

	c.Assert(cfg.Servers, HasLen, 2)
	c.Assert(cfg.Servers[1].Weight, Equals, 2)
	c.Assert(cfg.InitialConnections, Equals, 5)
	c.Assert(cfg.MinSpareConnections, Equals, 5)
	c.Assert(cfg.MaxSpareConnections, Equals, 250)
	c.Assert(cfg.Client, Equals, BinaryClient)
	c.Assert(cfg.hashing(), Equals, KetamaHash)
	c.Assert(cfg.Tuning, Equals, DefaultPoolTuning())
	c.Assert(messagesAt(hook, logrus.ErrorLevel), HasLen, 0)
}

func (s *ConfigSuite) TestLoadPropertiesDefaults(c *C) {
	path := s.writeFile(
		c,
		"app.properties",
		"memcached.servers=cache:11211:1\n")
	log, _ := newTestLogger()

	cfg, err := LoadConfig(path, log)
	c.Assert(err, IsNil)

	c.Assert(cfg.InitialConnections, Equals, DefaultInitialConnections)
	c.Assert(cfg.MinSpareConnections, Equals, DefaultMinSpareConnections)
	c.Assert(cfg.MaxSpareConnections, Equals, DefaultMaxSpareConnections)
	c.Assert(cfg.clientKind(), Equals, ClassicClient)
	c.Assert(cfg.hashing(), Equals, CompatHash)
}

func (s *ConfigSuite) TestLoadPropertiesBadInteger(c *C) {
	path := s.writeFile(c, "app.properties", `
memcached.servers=cache:11211:1
memcached.maxSpareConnections=lots
`)
	log, hook := newTestLogger()

	cfg, err := LoadProperties(path, log)
	c.Assert(err, IsNil)
	c.Assert(cfg.MaxSpareConnections, Equals, DefaultMaxSpareConnections)

	entry := hook.LastEntry()
	c.Assert(entry, NotNil)
	c.Assert(entry.Level, Equals, logrus.ErrorLevel)
	c.Assert(entry.Data["property"], Equals, "memcached.maxSpareConnections")
}

func (s *ConfigSuite) TestLoadPropertiesNoServers(c *C) {
	path := s.writeFile(
		c,
		"app.properties",
		"memcached.servers=bad-entry\n")
	log, hook := newTestLogger()

	_, err := LoadProperties(path, log)
	c.Assert(err, NotNil)
	c.Assert(IsConfiguration(err), IsTrue)
	c.Assert(
		messagesAt(hook, logrus.ErrorLevel),
		DeepEquals,
		[]string{
			"memcached server entry is malformed, skipping",
			"no usable memcached servers configured",
		})
}

func (s *ConfigSuite) TestLoadPropertiesMissingFile(c *C) {
	log, _ := newTestLogger()

	_, err := LoadProperties(filepath.Join(s.dir, "absent.properties"), log)
	c.Assert(err, NotNil)
	c.Assert(IsConfiguration(err), IsTrue)
}

func (s *ConfigSuite) TestLoadYAML(c *C) {
	path := s.writeFile(c, "app.yaml", `
memcached:
  servers: 10.0.0.1:11211:1,10.0.0.2:11211:2
  initialConnections: 3
  minSpareConnections: 2
  maxSpareConnections: 20
  hashing: ketama
other:
  key: value
`)
	log, _ := newTestLogger()

	cfg, err := LoadConfig(path, log)
	c.Assert(err, IsNil)

	c.Assert(Addresses(cfg.Servers), DeepEquals, []string{
		"10.0.0.1:11211",
		"10.0.0.2:11211",
	})
	c.Assert(cfg.InitialConnections, Equals, 3)
	c.Assert(cfg.MinSpareConnections, Equals, 2)
	c.Assert(cfg.MaxSpareConnections, Equals, 20)
	c.Assert(cfg.clientKind(), Equals, ClassicClient)
	c.Assert(cfg.hashing(), Equals, KetamaHash)
}

func (s *ConfigSuite) TestLoadYAMLServerList(c *C) {
	path := s.writeFile(c, "app.yaml", `
memcached:
  servers:
    - 10.0.0.1:11211:1
    - 10.0.0.2:11211:2
`)
	log, _ := newTestLogger()

	cfg, err := LoadConfig(path, log)
	c.Assert(err, IsNil)
	c.Assert(Addresses(cfg.Servers), DeepEquals, []string{
		"10.0.0.1:11211",
		"10.0.0.2:11211",
	})
	c.Assert(Weights(cfg.Servers), DeepEquals, []int{1, 2})
}

func (s *ConfigSuite) TestLoadYAMLMalformed(c *C) {
	path := s.writeFile(c, "app.yml", "memcached: [unterminated\n")
	log, _ := newTestLogger()

	_, err := LoadConfig(path, log)
	c.Assert(err, NotNil)
	c.Assert(IsConfiguration(err), IsTrue)
}

func (s *ConfigSuite) TestValidate(c *C) {
	valid := NewConfig("a:1:1", nil)
	c.Assert(valid.Validate(), IsNil)

	for _, mutate := range []func(cfg *Config){
		func(cfg *Config) { cfg.Servers = nil },
		func(cfg *Config) { cfg.InitialConnections = -1 },
		func(cfg *Config) { cfg.MinSpareConnections = -1 },
		func(cfg *Config) { cfg.MaxSpareConnections = -1 },
		func(cfg *Config) {
			cfg.MinSpareConnections = 11
			cfg.MaxSpareConnections = 10
		},
		func(cfg *Config) { cfg.Client = "thrift" },
		func(cfg *Config) { cfg.Hashing = "rendezvous" },
	} {
		cfg := NewConfig("a:1:1", nil)
		mutate(&cfg)

		err := cfg.Validate()
		c.Assert(err, NotNil)
		c.Assert(IsConfiguration(err), IsTrue)
	}
}

func (s *ConfigSuite) TestValidateUnboundedMaxSpare(c *C) {
	cfg := NewConfig("a:1:1", nil)
	cfg.MinSpareConnections = 50
	cfg.MaxSpareConnections = 0
	c.Assert(cfg.Validate(), IsNil)
}
