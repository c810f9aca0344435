package protocol

import "sync/atomic"

// serverCookieBit marks a cookie as server-originated. The low 63 bits
// hold the per-origin counter, so client and server sequences never
// collide.
const serverCookieBit = uint64(1) << 63

// Origin identifies which side of the connection issued a cookie.
type Origin uint8

const (
	OriginClient Origin = iota
	OriginServer
)

// String returns the string representation of the origin.
func (o Origin) String() string {
	switch o {
	case OriginClient:
		return "client"
	case OriginServer:
		return "server"
	default:
		return "unknown"
	}
}

// CookieOrigin reports which side issued the cookie.
func CookieOrigin(cookie uint64) Origin {
	if cookie&serverCookieBit != 0 {
		return OriginServer
	}
	return OriginClient
}

// IsServerCookie returns true if the cookie was issued by the server.
func IsServerCookie(cookie uint64) bool {
	return cookie&serverCookieBit != 0
}

// IsClientCookie returns true if the cookie was issued by a client.
func IsClientCookie(cookie uint64) bool {
	return cookie&serverCookieBit == 0
}

// CookieSource issues correlation cookies for one side of a
// connection. Each source counts up from 1 independently; the origin
// bit keeps the two sequences disjoint on the wire. Safe for
// concurrent use.
type CookieSource struct {
	origin Origin
	ctr    atomic.Uint64
}

// NewCookieSource creates a cookie source for the given origin.
func NewCookieSource(origin Origin) *CookieSource {
	return &CookieSource{origin: origin}
}

// Next returns the next cookie in the sequence.
func (s *CookieSource) Next() uint64 {
	c := s.ctr.Add(1)
	if s.origin == OriginServer {
		c |= serverCookieBit
	}
	return c
}

// Origin returns the origin this source issues cookies for.
func (s *CookieSource) Origin() Origin {
	return s.origin
}
