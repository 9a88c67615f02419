package memcached

import (
	"expvar"
)

var (
	// Counters for operations that succeeded / failed, keyed by
	// "<client>.<op>".  Misses and failed store conditions count as ok.
	opOkByName  = expvar.NewMap("WebcacheMemcachedOpOk")
	opErrByName = expvar.NewMap("WebcacheMemcachedOpErr")

	// Counter for up -> down transitions seen by the alive check, by
	// address.
	nodeDownByAddr = expvar.NewMap("WebcacheMemcachedNodeDown")
)

func countOp(kind ClientKind, op string, err error) {
	name := string(kind) + "." + op
	switch KindOf(err) {
	case 0, KindNotFound, KindNotStored:
		opOkByName.Add(name, 1)
	default:
		opErrByName.Add(name, 1)
	}
}
