// Package codec inspects H.264 bitstreams just enough to route them.
package codec

import (
	"bytes"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/Harshitk-cp/camrelay/internal/model"
)

// StartCode is the 4-byte Annex-B NAL delimiter
var StartCode = []byte{0x00, 0x00, 0x00, 0x01}

// Classify maps the first byte of a NAL unit to frame flags.
// Type 1 (non-IDR slice) is an ordinary delta frame and SPS/PPS are
// forwarded as discardable units.
func Classify(b byte) model.FrameFlags {
	switch h264.NALUType(b & 0x1F) {
	case h264.NALUTypeIDR:
		return model.FlagKeyFrame
	case h264.NALUTypeNonIDR:
		return model.FlagNone
	case h264.NALUTypeSPS, h264.NALUTypePPS:
		return model.FlagDiscardable
	default:
		return model.FlagNone
	}
}

// ClassifyPayload classifies a single NAL unit with or without a start code.
// Empty or truncated payloads are ordinary frames.
func ClassifyPayload(p []byte) model.FrameFlags {
	p = stripStartCode(p)
	if len(p) == 0 {
		return model.FlagNone
	}
	return Classify(p[0])
}

// ClassifyAccessUnit classifies an Annex-B access unit that may carry
// several NAL units. Any IDR slice makes it a keyframe; a unit made only of
// parameter sets, SEI or delimiters is discardable; otherwise the first
// picture slice decides.
func ClassifyAccessUnit(au []byte) model.FrameFlags {
	if !HasStartCode(au) {
		return ClassifyPayload(au)
	}

	var nalus h264.AnnexB
	if err := nalus.Unmarshal(au); err != nil || len(nalus) == 0 {
		return ClassifyPayload(au)
	}

	return ClassifyNALUs(nalus)
}

// ClassifyNALUs classifies an access unit already split into NAL units
func ClassifyNALUs(nalus [][]byte) model.FrameFlags {
	flags := model.FlagNone
	sawPicture := false
	sawNonPicture := false

	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}

		switch typ := h264.NALUType(nalu[0] & 0x1F); typ {
		case h264.NALUTypeIDR:
			return model.FlagKeyFrame
		case h264.NALUTypeSPS, h264.NALUTypePPS, h264.NALUTypeSEI, h264.NALUTypeAccessUnitDelimiter:
			sawNonPicture = true
		default:
			if !sawPicture {
				flags = Classify(nalu[0])
				sawPicture = true
			}
		}
	}

	if !sawPicture && sawNonPicture {
		return model.FlagDiscardable
	}
	return flags
}

// WithStartCode returns p framed as Annex-B. When p already starts with a
// 3 or 4 byte start code it is returned unchanged; otherwise the result is
// appended to dst, which may be nil and must not overlap p.
func WithStartCode(dst, p []byte) []byte {
	if HasStartCode(p) {
		return p
	}
	dst = append(dst[:0], StartCode...)
	return append(dst, p...)
}

// MarshalAnnexB joins NAL units into a single Annex-B buffer
func MarshalAnnexB(nalus [][]byte) ([]byte, error) {
	buf, err := h264.AnnexB(nalus).Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal annex-b: %w", err)
	}
	return buf, nil
}

// AVCCToAnnexB converts a length-prefixed access unit into Annex-B.
// When prefix is not nil its NAL units (usually SPS and PPS) are emitted
// first.
func AVCCToAnnexB(avcc []byte, prefix ...[]byte) ([]byte, error) {
	var nalus h264.AVCC
	if err := nalus.Unmarshal(avcc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal avcc: %w", err)
	}

	all := make([][]byte, 0, len(prefix)+len(nalus))
	for _, p := range prefix {
		if len(p) != 0 {
			all = append(all, p)
		}
	}
	all = append(all, nalus...)

	return MarshalAnnexB(all)
}

// HasStartCode reports whether p begins with a 3 or 4 byte start code
func HasStartCode(p []byte) bool {
	return bytes.HasPrefix(p, StartCode) || bytes.HasPrefix(p, StartCode[1:])
}

func stripStartCode(p []byte) []byte {
	switch {
	case bytes.HasPrefix(p, StartCode):
		return p[len(StartCode):]
	case bytes.HasPrefix(p, StartCode[1:]):
		return p[len(StartCode)-1:]
	default:
		return p
	}
}
