package loadbalance

import (
	"net"
	"time"

	"quadlb/internal/endpoint"
	"quadlb/internal/logging"
)

// DialFunc opens a connection to one endpoint, honoring a connect timeout.
type DialFunc func(ep endpoint.Endpoint, timeout time.Duration) (net.Conn, error)

// DialBackend implements spec §4.4's endpoint-choice policy: within the
// chosen backend, prefer the most recently successful endpoint; on failure,
// try the next endpoint. This is the teacher's RetryMiddleware exponential
// backoff shape (retry_middleware.go), redirected from retrying an RPC call
// to retrying a raw endpoint dial — there is no backoff sleep between
// endpoints within one backend, since spec §4.5 wants connect failures to
// fail over immediately, not after a delay.
func DialBackend(b *endpoint.Backend, dial DialFunc, timeout time.Duration, log *logging.Logger) (net.Conn, endpoint.Endpoint, error) {
	eps := b.Endpoints()
	if len(eps) == 0 {
		return nil, endpoint.Endpoint{}, ErrNoBackend
	}

	order := make([]int, 0, len(eps))
	if preferred := b.PreferredEndpointIndex(); preferred >= 0 && preferred < len(eps) {
		order = append(order, preferred)
	}
	for i := range eps {
		if len(order) > 0 && i == order[0] {
			continue
		}
		order = append(order, i)
	}

	var lastErr error
	for _, idx := range order {
		ep := eps[idx]
		conn, err := dial(ep, timeout)
		if err == nil {
			b.MarkEndpointGood(idx)
			return conn, ep, nil
		}
		lastErr = err
		if log != nil {
			log.Debug("endpoint dial failed", logging.String("backend", b.Key), logging.String("endpoint", ep.String()), logging.Error(err))
		}
	}
	return nil, endpoint.Endpoint{}, lastErr
}

// PickWithRetryBudget re-invokes sel.Pick, excluding backends already tried,
// up to the given retry budget (spec §4.4: "a small retry budget (default
// 2)"). It returns the ordered list of backend keys the caller should
// attempt, of length at most budget+1. Only the first pick advances sel's
// rotation cursor; the fallback keys come from a private copy of the
// selector, so building them does not skip backends for later callers.
func PickWithRetryBudget(sel *Selector, snapshot []*endpoint.Backend, budget int) []string {
	tried := make(map[string]bool, budget+1)
	keys := make([]string, 0, budget+1)
	remaining := snapshot
	picker := sel
	for i := 0; i <= budget; i++ {
		key, err := picker.Pick(remaining)
		if err != nil {
			break
		}
		if tried[key] {
			break
		}
		tried[key] = true
		keys = append(keys, key)
		remaining = excludeKey(remaining, key)
		if i == 0 {
			picker = &Selector{policy: sel.policy, cursor: key}
		}
	}
	return keys
}

func excludeKey(snapshot []*endpoint.Backend, key string) []*endpoint.Backend {
	out := make([]*endpoint.Backend, 0, len(snapshot))
	for _, b := range snapshot {
		if b.Key != key {
			out = append(out, b)
		}
	}
	return out
}
