package authz

import (
	"context"
	"sync"
)

// Keys under which Resolve caches its results in the request item store.
const (
	ItemAuthorizationInfo          = "AuthorizationInfo"
	ItemOriginalAuthenticationInfo = "OriginalAuthenticationInfo"
)

type itemsKey struct{}

// Items is a per-request key/value store. It lives in the request context
// and is shared by every handler and middleware that sees the request.
type Items struct {
	mu sync.RWMutex
	m  map[string]any
}

// WithItems returns ctx carrying a fresh item store, unless it already has one.
func WithItems(ctx context.Context) context.Context {
	if ItemsFrom(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, itemsKey{}, &Items{m: make(map[string]any)})
}

// ItemsFrom returns the request item store, or nil outside a request that
// went through ItemsMiddleware.
func ItemsFrom(ctx context.Context) *Items {
	it, _ := ctx.Value(itemsKey{}).(*Items)
	return it
}

func (it *Items) Get(key string) (any, bool) {
	it.mu.RLock()
	defer it.mu.RUnlock()
	v, ok := it.m[key]
	return v, ok
}

func (it *Items) Set(key string, v any) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.m[key] = v
}
