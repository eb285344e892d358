package app

import (
	"context"

	"github.com/routatel/trunkline/pkg/provider/tts"
)

// voicePinned wraps a synthesis backend whose voice identifiers differ from
// the primary's. Session requests carry the primary's voice names, so every
// request is pinned to the backend's own voice before it goes out.
type voicePinned struct {
	inner tts.Provider
	voice string
}

func (v voicePinned) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	req.VoiceModel = v.voice
	return v.inner.Synthesize(ctx, req)
}
