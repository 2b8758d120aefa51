// Package session holds the per-viewer streaming state and the registry the
// fan-out dispatcher reads on every frame.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Harshitk-cp/camrelay/internal/model"
)

// AudioFrameDuration is the clock advance per Opus frame
const AudioFrameDuration = 20 * time.Millisecond

// FrameWriter is the transport boundary a session delivers frames through.
// Implementations must not block for long; the dispatcher calls it inline.
// f.Data is only valid for the duration of the call.
type FrameWriter interface {
	WriteFrame(f *model.Frame) error
}

// Options configure a new session
type Options struct {
	// Substream selected until the viewer asks for another one
	Initial model.Substream

	// WaitForKeyframe drops video until the first keyframe arrives
	WaitForKeyframe bool
}

// Session is one connected viewer
type Session struct {
	PeerID    string
	CreatedAt time.Time
	Writer    FrameWriter

	mu                 sync.Mutex
	selected           model.Substream
	pending            model.Substream
	videoTS            time.Duration
	audioTS            time.Duration
	frameIndex         uint64
	waitingForKeyframe bool
	switches           uint64

	lastActivity atomic.Int64
	offerHandled atomic.Bool
	closed       atomic.Bool
}

// New creates a session bound to a writer
func New(peerID string, w FrameWriter, opts Options) *Session {
	now := time.Now()
	s := &Session{
		PeerID:             peerID,
		CreatedAt:          now,
		Writer:             w,
		selected:           opts.Initial,
		pending:            opts.Initial,
		waitingForKeyframe: opts.WaitForKeyframe,
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

// Admit decides whether f goes to this session and, if so, returns the
// per-session copy of the frame header with index and timestamps assigned.
// A pending substream switch is applied only on a video keyframe of the
// requested substream. Audio follows the selected substream but never
// switches it.
// The returned frame shares f.Data.
func (s *Session) Admit(f *model.Frame) (out model.Frame, switched bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The keyframe must come from the requested pipeline, otherwise the
	// viewer would join that pipeline mid-GOP.
	if f.Track == model.TrackVideo && f.IsKeyFrame() && s.pending != s.selected && f.Substream == s.pending {
		s.selected = s.pending
		s.switches++
		switched = true
	}

	if f.Substream != s.selected {
		return out, switched, false
	}

	if f.Track == model.TrackVideo {
		// Parameter sets pass so the first keyframe is decodable
		if s.waitingForKeyframe {
			switch {
			case f.IsKeyFrame():
				s.waitingForKeyframe = false
			case f.Flags != model.FlagDiscardable:
				return out, switched, false
			}
		}
	}

	out = *f
	s.frameIndex++
	out.Index = s.frameIndex

	switch f.Track {
	case model.TrackVideo:
		out.PresentationTS = s.videoTS
		out.DecodingTS = out.PresentationTS
		next := f.CapturedAt.Sub(s.CreatedAt)
		if next < s.videoTS {
			next = s.videoTS
		}
		out.Duration = next - s.videoTS
		s.videoTS = next
	case model.TrackAudio:
		out.PresentationTS = s.audioTS
		out.DecodingTS = out.PresentationTS
		out.Duration = AudioFrameDuration
		s.audioTS += AudioFrameDuration
	}

	return out, switched, true
}

// RequestSubstream records the substream the viewer wants. It takes effect
// on the next keyframe of that substream's pipeline.
func (s *Session) RequestSubstream(sub model.Substream) {
	s.mu.Lock()
	s.pending = sub
	s.mu.Unlock()
	s.Touch()
}

// Selected returns the substream currently delivered
func (s *Session) Selected() model.Substream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Pending returns the requested substream
func (s *Session) Pending() model.Substream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// FrameIndex returns the index of the last frame delivered
func (s *Session) FrameIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameIndex
}

// Touch marks the session as active now
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the last time the viewer interacted with the session
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// MarkOfferHandled returns true the first time it is called
func (s *Session) MarkOfferHandled() bool {
	return s.offerHandled.CompareAndSwap(false, true)
}

// MarkClosed returns true the first time it is called
func (s *Session) MarkClosed() bool {
	return s.closed.CompareAndSwap(false, true)
}

// Closed reports whether the session has been torn down
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Info returns a point-in-time view of the session
func (s *Session) Info() model.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return model.SessionInfo{
		PeerID:       s.PeerID,
		Selected:     s.selected.String(),
		Pending:      s.pending.String(),
		FrameIndex:   s.frameIndex,
		Switches:     s.switches,
		WaitingKey:   s.waitingForKeyframe,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity(),
	}
}
