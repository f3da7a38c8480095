// Package kvtest provides store doubles for tests of packages that depend
// on the shared key-value store.
package kvtest

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ocx/assurance/internal/kv"
)

// ErrDown is returned by every Broken call.
var ErrDown = errors.New("kvtest: store down")

// Broken is a kv.Store whose every call fails, simulating an unreachable
// Redis.
type Broken struct {
	Calls atomic.Int64
}

func (b *Broken) fail() error {
	b.Calls.Add(1)
	return ErrDown
}

func (b *Broken) Get(context.Context, string) (string, error) { return "", b.fail() }
func (b *Broken) Set(context.Context, string, string, time.Duration) error {
	return b.fail()
}
func (b *Broken) Del(context.Context, ...string) error { return b.fail() }
func (b *Broken) Exists(context.Context, string) (bool, error) { return false, b.fail() }
func (b *Broken) IncrWithTTL(context.Context, string, time.Duration) (int64, error) {
	return 0, b.fail()
}
func (b *Broken) Expire(context.Context, string, time.Duration) error { return b.fail() }
func (b *Broken) ZAdd(context.Context, string, float64, string) error { return b.fail() }
func (b *Broken) ZRemRangeByScore(context.Context, string, float64, float64) (int64, error) {
	return 0, b.fail()
}
func (b *Broken) ZCount(context.Context, string, float64, float64) (int64, error) {
	return 0, b.fail()
}
func (b *Broken) ZCard(context.Context, string) (int64, error) { return 0, b.fail() }
func (b *Broken) ZOldest(context.Context, string) (kv.ScoredMember, bool, error) {
	return kv.ScoredMember{}, false, b.fail()
}

var _ kv.Store = (*Broken)(nil)
