package workspace

import "context"

// Registry locks owning the shared working trees below build.dir. Every tag
// uses the same trees, so per-tag locks do not cover them. Holders that need
// more than one take them in the order listed here.
const (
	LockBitcoin      = "workspace/bitcoin"
	LockDetachedSigs = "workspace/detached-sigs"
	LockGuixSigs     = "workspace/guix.sigs"
)

// Locker hands out exclusive holds that span processes.
type Locker interface {
	Hold(ctx context.Context, name string) (func(), error)
}
