//go:build linux

package netloop

import (
	"context"
	"net"
	"net/netip"
)

// resolveFunc performs a blocking name lookup on a worker goroutine.
type resolveFunc func(host string) ([]netip.Addr, error)

// defaultResolve uses the process resolver.
func defaultResolve(host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(context.Background(), "ip", host)
}

// resolveRequest is the pooled unit of work handed to resolver workers.
type resolveRequest struct {
	cs   *ConnectingSocket
	host string
}

// submitResolve queues a lookup for cs on the worker pool.
func (l *Loop) submitResolve(cs *ConnectingSocket) {
	var req *resolveRequest
	if item, err := l.resolvePool.Get(); err == nil {
		req = item.(*resolveRequest)
	} else {
		req = &resolveRequest{}
	}
	req.cs = cs
	req.host = cs.host
	l.resolver.Invoke(req)
}

// resolveWorker runs on a resolver worker goroutine. It writes the result
// onto the connecting socket - which the loop will not touch until the
// mailbox is drained - then posts it and wakes the loop.
func (l *Loop) resolveWorker(payload interface{}) {
	req, ok := payload.(*resolveRequest)
	if !ok {
		return
	}
	cs, host := req.cs, req.host
	req.cs = nil
	req.host = ""
	l.resolvePool.Put(req)

	addrs, err := l.resolveFn(host)
	cs.addrs = addrs
	cs.resolveErr = err

	l.postDNSResult(cs)
}
