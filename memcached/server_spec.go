package memcached

import (
	"net"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

const maxPort = 65535

// A single memcached server entry parsed from one "host:port:weight" token.
type ServerSpec struct {
	Host   string
	Port   int
	Weight int
}

// Address returns "host:port".
func (s ServerSpec) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s ServerSpec) String() string {
	return s.Address() + ":" + strconv.Itoa(s.Weight)
}

// ParseServers parses a comma separated list of host:port:weight triples.
// Tokens which are not well formed are logged and skipped; parsing always
// continues with the remaining tokens.  The result is never nil.
func ParseServers(raw string, log logrus.FieldLogger) []ServerSpec {
	if log == nil {
		log = logrus.StandardLogger()
	}

	servers := make([]ServerSpec, 0, strings.Count(raw, ",")+1)
	if strings.TrimSpace(raw) != "" {
		for _, token := range strings.Split(raw, ",") {
			spec, err := parseServerToken(token)
			if err != nil {
				log.WithFields(logrus.Fields{
					"token": token,
					"error": err,
				}).Error("memcached server entry is malformed, skipping")
				continue
			}
			servers = append(servers, spec)
		}
	}

	if len(servers) == 0 {
		log.WithField("property", propServers).Error(
			"no usable memcached servers configured")
	}
	return servers
}

func parseServerToken(token string) (ServerSpec, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return ServerSpec{}, &Error{
			Kind: KindConfiguration,
			Op:   "parse",
			Err:  errorf("empty entry"),
		}
	}

	fields := strings.Split(token, ":")
	if len(fields) != 3 {
		return ServerSpec{}, &Error{
			Kind: KindConfiguration,
			Op:   "parse",
			Err: errorf(
				"expected host:port:weight, got %d field(s)",
				len(fields)),
		}
	}

	host := strings.TrimSpace(fields[0])
	if host == "" {
		return ServerSpec{}, &Error{
			Kind: KindConfiguration,
			Op:   "parse",
			Err:  errorf("empty host"),
		}
	}

	port, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil || port < 1 || port > maxPort {
		return ServerSpec{}, &Error{
			Kind: KindConfiguration,
			Op:   "parse",
			Err:  errorf("invalid port %q", fields[1]),
		}
	}

	weight, err := strconv.Atoi(strings.TrimSpace(fields[2]))
	if err != nil || weight < 1 {
		return ServerSpec{}, &Error{
			Kind: KindConfiguration,
			Op:   "parse",
			Err:  errorf("invalid weight %q", fields[2]),
		}
	}

	return ServerSpec{Host: host, Port: port, Weight: weight}, nil
}

// Addresses returns the "host:port" of every server, in order.
func Addresses(servers []ServerSpec) []string {
	addrs := make([]string, len(servers))
	for i, s := range servers {
		addrs[i] = s.Address()
	}
	return addrs
}

// Weights returns the weight of every server, in order.
func Weights(servers []ServerSpec) []int {
	weights := make([]int, len(servers))
	for i, s := range servers {
		weights[i] = s.Weight
	}
	return weights
}
