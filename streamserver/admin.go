package streamserver

import (
	"time"

	"github.com/fxamacker/cbor/v2"
)

// RouteSnapshot is one routed connection's operator-facing summary.
type RouteSnapshot struct {
	Token          string `cbor:"token"`
	ConnectionTag  string `cbor:"tag,omitempty"`
	TotalSent      uint64 `cbor:"totalSent"`
	TotalDelivered uint64 `cbor:"totalDelivered"`
	State          string `cbor:"state"`
}

// Snapshot encodes the pool's current routing table as CBOR for operator
// introspection (SPEC_FULL.md's admin-snapshot enrichment). This never
// touches the wire protocol itself — STREAM packets stay on the hand-rolled
// OER-style codec in wire/ — it is a side channel for debugging a running
// pool.
func (p *Pool) Snapshot() ([]byte, error) {
	p.mu.Lock()
	routes := make([]RouteSnapshot, 0, len(p.routes))
	for token, rc := range p.routes {
		if !rc.announced {
			continue
		}
		routes = append(routes, RouteSnapshot{
			Token:          token,
			ConnectionTag:  rc.tag,
			TotalSent:      rc.conn.TotalSent(),
			TotalDelivered: rc.conn.TotalDelivered(),
			State:          rc.conn.State().String(),
		})
	}
	p.mu.Unlock()

	return cbor.Marshal(struct {
		TakenAt time.Time       `cbor:"takenAt"`
		Routes  []RouteSnapshot `cbor:"routes"`
	}{TakenAt: time.Now(), Routes: routes})
}
