// Package persist implements the PersistenceStore abstraction: a
// namespaced, async key-value store used for monitor updates,
// channel-manager snapshots, the scorer, and the network graph, plus the
// SyncAdapter that exposes it as a blocking KV for the channel-manager
// runtime.
package persist

import (
	"context"
	"fmt"

	"github.com/btcsuite/btclog"
)

var log = btclog.Disabled

// UseLogger plugs a logger into this subsystem.
func UseLogger(l btclog.Logger) {
	log = l
}

var (
	ErrNotFound      = fmt.Errorf("persist: key not found")
	ErrStoreClosed   = fmt.Errorf("persist: store is shut down")
	ErrEmptyKey      = fmt.Errorf("persist: key must not be empty")
)

// Store is the namespaced async KV interface every backend implements, per
// spec §4.9. Keys are slash-separated namespace paths, e.g.
// "monitors/<funding_txid>_<vout>".
type Store interface {
	Initialize(ctx context.Context) error
	Write(ctx context.Context, key string, value []byte) error
	Read(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Sync(ctx context.Context) error
	Shutdown(ctx context.Context) error
}
