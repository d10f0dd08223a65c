package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	defaultTTL        = 5 * time.Minute
	defaultRetries    = 3
	defaultRetryDelay = 100 * time.Millisecond
)

var ErrNoAddress = errors.New("no IPv4 address found")

// Resolver resolves hostnames to IPv4 addresses and caches the answers
type Resolver struct {
	cache      *ttlcache.Cache[string, netip.Addr]
	ptrCache   *ttlcache.Cache[netip.Addr, string]
	lookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)
	ptrFunc    func(ctx context.Context, addr string) ([]string, error)
	retries    int
	retryDelay time.Duration
}

// NewResolver creates a Resolver backed by net.DefaultResolver. Cached answers
// expire after ttl; a zero ttl uses the default of five minutes.
func NewResolver(ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Resolver{
		cache: ttlcache.New(
			ttlcache.WithTTL[string, netip.Addr](ttl),
			ttlcache.WithDisableTouchOnHit[string, netip.Addr](),
		),
		ptrCache: ttlcache.New(
			ttlcache.WithTTL[netip.Addr, string](ttl),
			ttlcache.WithDisableTouchOnHit[netip.Addr, string](),
		),
		lookupFunc: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
		},
		ptrFunc:    net.DefaultResolver.LookupAddr,
		retries:    defaultRetries,
		retryDelay: defaultRetryDelay,
	}
}

// Resolve returns host as an address if it is a literal, otherwise the first
// IPv4 address the lookup returns.
func (r *Resolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if !addr.Unmap().Is4() {
			return netip.Addr{}, fmt.Errorf("%s: %w", host, ErrNoAddress)
		}
		return addr.Unmap(), nil
	}

	if item := r.cache.Get(host); item != nil {
		return item.Value(), nil
	}

	var lastErr error
	for attempt := range r.retries {
		if attempt > 0 && r.retryDelay > 0 {
			select {
			case <-ctx.Done():
				return netip.Addr{}, ctx.Err()
			case <-time.After(r.retryDelay):
			}
		}
		addrs, err := r.lookupFunc(ctx, host)
		if err != nil {
			lastErr = err
			continue
		}
		for _, a := range addrs {
			if a = a.Unmap(); a.Is4() {
				r.cache.Set(host, a, ttlcache.DefaultTTL)
				return a, nil
			}
		}
		lastErr = ErrNoAddress
	}
	if lastErr == nil {
		lastErr = ErrNoAddress
	}
	return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, lastErr)
}

// Reverse returns the PTR name of addr without the trailing dot. Failed
// lookups are not cached.
func (r *Resolver) Reverse(ctx context.Context, addr netip.Addr) (string, bool) {
	if item := r.ptrCache.Get(addr); item != nil {
		return item.Value(), true
	}
	for attempt := range r.retries {
		if attempt > 0 && r.retryDelay > 0 {
			select {
			case <-ctx.Done():
				return "", false
			case <-time.After(r.retryDelay):
			}
		}
		names, err := r.ptrFunc(ctx, addr.String())
		if err == nil && len(names) > 0 {
			name := strings.TrimSuffix(names[0], ".")
			r.ptrCache.Set(addr, name, ttlcache.DefaultTTL)
			return name, true
		}
	}
	return "", false
}

// Cached reports the cached answer for host, if any
func (r *Resolver) Cached(host string) (netip.Addr, bool) {
	if item := r.cache.Get(host); item != nil {
		return item.Value(), true
	}
	return netip.Addr{}, false
}

// Purge drops every cached answer
func (r *Resolver) Purge() {
	r.cache.DeleteAll()
	r.ptrCache.DeleteAll()
}
