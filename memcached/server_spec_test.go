package memcached

import (
	"github.com/sirupsen/logrus"
	. "gopkg.in/check.v1"

	. "github.com/dropbox/godropbox/gocheck2"
)

type ServerSpecSuite struct{}

var _ = Suite(&ServerSpecSuite{})

func (s *ServerSpecSuite) TestParseValidList(c *C) {
	log, hook := newTestLogger()

	servers := ParseServers("10.0.0.1:11211:1,10.0.0.2:11212:3", log)

	c.Assert(servers, DeepEquals, []ServerSpec{
		{Host: "10.0.0.1", Port: 11211, Weight: 1},
		{Host: "10.0.0.2", Port: 11212, Weight: 3},
	})
	c.Assert(hook.AllEntries(), HasLen, 0)
}

func (s *ServerSpecSuite) TestParseTrimsWhitespace(c *C) {
	log, _ := newTestLogger()

	servers := ParseServers(" cache-a:11211:2 ,\tcache-b : 11211 : 1 ", log)

	c.Assert(servers, DeepEquals, []ServerSpec{
		{Host: "cache-a", Port: 11211, Weight: 2},
		{Host: "cache-b", Port: 11211, Weight: 1},
	})
}

func (s *ServerSpecSuite) TestParseSkipsMalformedEntry(c *C) {
	log, hook := newTestLogger()

	servers := ParseServers(
		"10.0.0.1:11211:1,bad-entry,10.0.0.2:11211:2",
		log)

	c.Assert(servers, HasLen, 2)
	c.Assert(servers[0].Address(), Equals, "10.0.0.1:11211")
	c.Assert(servers[1].Address(), Equals, "10.0.0.2:11211")
	c.Assert(servers[1].Weight, Equals, 2)

	errs := messagesAt(hook, logrus.ErrorLevel)
	c.Assert(errs, HasLen, 1)
	c.Assert(hook.LastEntry().Data["token"], Equals, "bad-entry")
}

func (s *ServerSpecSuite) TestParseRejectsBadFields(c *C) {
	for _, token := range []string{
		"host",
		"host:11211",
		"host:11211:1:1",
		":11211:1",
		"host::1",
		"host:abc:1",
		"host:0:1",
		"host:65536:1",
		"host:11211:0",
		"host:11211:-2",
		"host:11211:x",
		"[::1]:11211:1",
	} {
		log, hook := newTestLogger()

		servers := ParseServers(token, log)

		c.Assert(servers, HasLen, 0, Commentf("token %q", token))
		c.Assert(servers, NotNil)
		// One line for the token, one for the empty result.
		c.Assert(
			messagesAt(hook, logrus.ErrorLevel),
			HasLen,
			2,
			Commentf("token %q", token))
	}
}

func (s *ServerSpecSuite) TestParseEmpty(c *C) {
	for _, raw := range []string{"", "   ", ",", " , ,"} {
		log, hook := newTestLogger()

		servers := ParseServers(raw, log)

		c.Assert(servers, NotNil)
		c.Assert(servers, HasLen, 0)
		c.Assert(hook.LastEntry(), NotNil)
		c.Assert(
			hook.LastEntry().Message,
			Equals,
			"no usable memcached servers configured")
	}
}

func (s *ServerSpecSuite) TestParseNilLogger(c *C) {
	servers := ParseServers("a:1:1", nil)
	c.Assert(servers, HasLen, 1)
}

func (s *ServerSpecSuite) TestParseErrorKind(c *C) {
	_, err := parseServerToken("a:b:c")
	c.Assert(err, NotNil)
	c.Assert(IsConfiguration(err), IsTrue)

	_, err = parseServerToken("a:1:1")
	c.Assert(err, IsNil)
}

func (s *ServerSpecSuite) TestAddressesAndWeights(c *C) {
	servers := []ServerSpec{
		{Host: "a", Port: 1, Weight: 5},
		{Host: "b", Port: 2, Weight: 7},
	}

	c.Assert(Addresses(servers), DeepEquals, []string{"a:1", "b:2"})
	c.Assert(Weights(servers), DeepEquals, []int{5, 7})
	c.Assert(servers[0].String(), Equals, "a:1:5")
}
