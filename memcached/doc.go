// A memcached cache facade with two interchangeable implementations:
//
//   - ClassicClient wraps github.com/bradfitz/gomemcache (text protocol).
//   - BinaryClient wraps github.com/dropbox/godropbox/memcache (binary
//     protocol, net2 connection pool).
//
// Both are configured from a "host:port:weight,..." server list (see
// ParseServers and LoadProperties), place keys with weighted consistent
// hashing, run a periodic alive check which drives failover / failback, and
// report per node state through Status.
//
// Open returns an explicit handle which should be created once at startup
// and passed to its consumers.  Operations return *Error values whose Kind
// distinguishes a cache miss from a transport failure.  Quiet offers the
// older sentinel style API on top of a Client.
package memcached
