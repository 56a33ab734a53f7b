package app

import (
	"context"

	"github.com/MrWong99/chati/pkg/provider/llm"
	"github.com/MrWong99/chati/pkg/provider/s2s"
)

// providerRecorder receives one observation per provider call. Implemented
// by observe.Metrics.
type providerRecorder interface {
	RecordProviderRequest(ctx context.Context, provider, kind, status string)
	RecordProviderError(ctx context.Context, provider, kind string)
}

func recordCall(ctx context.Context, rec providerRecorder, name, kind string, err error) {
	if err != nil {
		rec.RecordProviderRequest(ctx, name, kind, "error")
		rec.RecordProviderError(ctx, name, kind)
		return
	}
	rec.RecordProviderRequest(ctx, name, kind, "ok")
}

// instrumentedS2S counts Connect outcomes of one speech service.
type instrumentedS2S struct {
	s2s.Provider
	name string
	rec  providerRecorder
}

var _ s2s.Provider = (*instrumentedS2S)(nil)

func (p *instrumentedS2S) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	h, err := p.Provider.Connect(ctx, cfg)
	recordCall(ctx, p.rec, p.name, "s2s", err)
	return h, err
}

// instrumentedLLM counts completion outcomes of one chat backend.
type instrumentedLLM struct {
	llm.Provider
	name string
	rec  providerRecorder
}

var _ llm.Provider = (*instrumentedLLM)(nil)

func (p *instrumentedLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.Provider.Complete(ctx, req)
	recordCall(ctx, p.rec, p.name, "llm", err)
	return resp, err
}

func (p *instrumentedLLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch, err := p.Provider.StreamCompletion(ctx, req)
	recordCall(ctx, p.rec, p.name, "llm", err)
	return ch, err
}
