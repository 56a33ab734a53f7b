package resilience

import (
	"context"

	"github.com/MrWong99/chati/pkg/provider/s2s"
)

// S2SFallback implements [s2s.Provider] with failover on Connect. A session that
// is already established is never moved to another backend; only dialing is
// retried against the fallbacks.
type S2SFallback struct {
	group *FallbackGroup[s2s.Provider]
}

var _ s2s.Provider = (*S2SFallback)(nil)

// NewS2SFallback creates an [S2SFallback] with primary as the preferred backend.
func NewS2SFallback(primary s2s.Provider, primaryName string, cfg FallbackConfig) *S2SFallback {
	return &S2SFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional speech-to-speech backend.
func (f *S2SFallback) AddFallback(name string, provider s2s.Provider) {
	f.group.AddFallback(name, provider)
}

// Status reports the breaker state of every backend.
func (f *S2SFallback) Status() []EntryStatus { return f.group.Status() }

// Healthy reports whether any backend would accept a call right now.
func (f *S2SFallback) Healthy() bool { return f.group.Healthy() }

// Connect dials the first healthy backend.
func (f *S2SFallback) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p s2s.Provider) (s2s.SessionHandle, error) {
		return p.Connect(ctx, cfg)
	})
}

// Capabilities returns the primary's capabilities. Every backend in a group
// must produce the same output sample rate.
func (f *S2SFallback) Capabilities() s2s.Capabilities {
	return f.group.Primary().Capabilities()
}
