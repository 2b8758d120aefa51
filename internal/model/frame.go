package model

import (
	"fmt"
	"time"
)

// TrackID identifies the media track a frame belongs to
type TrackID int

const (
	// TrackVideo is the H.264 video track
	TrackVideo TrackID = iota

	// TrackAudio is the Opus audio track
	TrackAudio
)

// String returns the track name
func (t TrackID) String() string {
	switch t {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	default:
		return fmt.Sprintf("track(%d)", int(t))
	}
}

// FrameFlags tags an access unit with its decode role
type FrameFlags int

const (
	// FlagNone marks an ordinary frame (delta frames included)
	FlagNone FrameFlags = iota

	// FlagKeyFrame marks an IDR access unit, the only safe switch point
	FlagKeyFrame

	// FlagDiscardable marks parameter sets and other non-picture units
	FlagDiscardable

	// FlagInvisible marks frames that are decoded but not displayed
	FlagInvisible
)

// String returns the flag name
func (f FrameFlags) String() string {
	switch f {
	case FlagNone:
		return "none"
	case FlagKeyFrame:
		return "key"
	case FlagDiscardable:
		return "discardable"
	case FlagInvisible:
		return "invisible"
	default:
		return fmt.Sprintf("flags(%d)", int(f))
	}
}

// Substream identifies which encoder pipeline produced a frame
type Substream int

const (
	// Mainstream is the full resolution encoding
	Mainstream Substream = iota

	// Sub is the reduced resolution encoding
	Sub
)

// String returns the wire name used by signaling and data channel commands
func (s Substream) String() string {
	if s == Sub {
		return "substream"
	}
	return "mainstream"
}

// ParseSubstream parses a wire name into a Substream
func ParseSubstream(name string) (Substream, error) {
	switch name {
	case "mainstream", "main":
		return Mainstream, nil
	case "substream", "sub":
		return Sub, nil
	default:
		return Mainstream, fmt.Errorf("unknown substream %q", name)
	}
}

// Frame is one access unit on its way to a viewer.
// Data is borrowed from the producer and is only valid until the dispatch
// call that carries it returns.
type Frame struct {
	Track     TrackID
	Flags     FrameFlags
	Substream Substream
	Data      []byte

	// CapturedAt is the wall clock time the producer received the unit
	CapturedAt time.Time

	// Per-session fields, assigned by the dispatcher on forward
	PresentationTS time.Duration
	DecodingTS     time.Duration
	Duration       time.Duration
	Index          uint64
}

// Size returns the payload length
func (f *Frame) Size() int {
	return len(f.Data)
}

// IsKeyFrame reports whether the frame is a video switch point
func (f *Frame) IsKeyFrame() bool {
	return f.Track == TrackVideo && f.Flags == FlagKeyFrame
}
