package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/routatel/trunkline/internal/call"
	"github.com/routatel/trunkline/internal/store"
	"github.com/routatel/trunkline/pkg/media"
	mediatwilio "github.com/routatel/trunkline/pkg/media/twilio"
	mediavonage "github.com/routatel/trunkline/pkg/media/vonage"
	"github.com/routatel/trunkline/pkg/types"
)

// handleTwilioMedia upgrades the Media Streams websocket and attaches the
// call session. The handler returns only when the session ends; closing
// the stream is the session's job from here on.
func (s *Server) handleTwilioMedia(w http.ResponseWriter, r *http.Request) {
	stream, err := mediatwilio.Accept(r.Context(), w, r)
	if err != nil {
		s.log.Error("twilio media accept failed", "error", err)
		return
	}
	s.attachSession(r.Context(), stream)
}

// handleVonageMedia upgrades the Vonage voice websocket and attaches the
// call session.
func (s *Server) handleVonageMedia(w http.ResponseWriter, r *http.Request) {
	stream, err := mediavonage.Accept(r.Context(), w, r)
	if err != nil {
		s.log.Error("vonage media accept failed", "error", err)
		return
	}
	s.attachSession(r.Context(), stream)
}

// attachSession opens (or re-attaches) the session for the stream's call
// and blocks until it finishes, keeping the websocket's HTTP handler alive
// for the duration of the call.
func (s *Server) attachSession(ctx context.Context, stream media.Stream) {
	callSID := stream.CallSID()
	sc, err := s.sessionConfig(ctx, callSID, stream)
	if err != nil {
		s.log.Error("session config failed", "call_sid", callSID, "error", err)
		stream.Close()
		return
	}

	sess, err := s.manager.Open(ctx, callSID, sc)
	if err != nil {
		s.log.Error("session open failed", "call_sid", callSID, "error", err)
		stream.Close()
		return
	}

	select {
	case <-sess.Done():
	case <-ctx.Done():
	}
}

// sessionConfig assembles the runtime session config from the stored call
// record and the placement-time prep row. Inbound calls with no record get
// a minimal record so the transcript has somewhere to live.
func (s *Server) sessionConfig(ctx context.Context, callSID string, stream media.Stream) (call.SessionConfig, error) {
	c, err := s.st.Call(ctx, callSID)
	if errors.Is(err, store.ErrNotFound) {
		c = &types.Call{
			CallSID:     callSID,
			Provider:    string(s.cfg.Providers.Call),
			Direction:   types.DirectionInbound,
			Status:      types.CallInProgress,
			PhoneNumber: "",
		}
		if cerr := s.st.CreateCall(ctx, c); cerr != nil {
			return call.SessionConfig{}, cerr
		}
	} else if err != nil {
		return call.SessionConfig{}, err
	}

	sc := call.SessionConfig{
		Stream:          stream,
		PhoneNumber:     c.PhoneNumber,
		Prompt:          c.Prompt,
		FirstMessage:    c.FirstMessage,
		CustomerName:    c.CustomerName,
		BusinessContext: c.BusinessContext,
		Voice: types.VoiceProfile{
			ID:       s.cfg.Providers.Deepgram.TTSVoice,
			Provider: "deepgram",
			BackupID: s.cfg.Providers.Deepgram.TTSBackupVoice,
		},
	}

	if entry, err := s.st.LatestCallState(ctx, callSID, prepStateKind); err == nil {
		var prep sessionPrep
		if uerr := json.Unmarshal(entry.Data, &prep); uerr == nil {
			sc.ChannelSessionID = prep.ChannelSessionID
			sc.Profile = prep.Profile
			sc.Intent = prep.Intent
			if prep.VoiceModel != "" {
				sc.Voice.ID = prep.VoiceModel
			}
		}
	}
	return sc, nil
}
