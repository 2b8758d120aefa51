// Package source implements the media pipelines that feed the sink: RTSP
// cameras, RTMP publishers and looped frame files.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bluenviron/gortsplib/v5"
	"github.com/bluenviron/gortsplib/v5/pkg/base"
	"github.com/bluenviron/gortsplib/v5/pkg/format"
	"github.com/bluenviron/gortsplib/v5/pkg/format/rtph264"
	"github.com/pion/logging"
	"github.com/pion/rtp"

	"github.com/Harshitk-cp/camrelay/internal/codec"
	"github.com/Harshitk-cp/camrelay/internal/model"
	"github.com/Harshitk-cp/camrelay/internal/sink"
)

// ErrNoVideo is returned when the RTSP session carries no H.264 media
var ErrNoVideo = errors.New("no H264 media found")

// RTSPOptions configure an RTSP pipeline
type RTSPOptions struct {
	URL       string
	Audio     bool
	QueueSize int
}

// RTSPSource reads H.264 (and optionally Opus) from an RTSP server
type RTSPSource struct {
	client *gortsplib.Client
	queue  *unitQueue
	log    logging.LeveledLogger

	h264    *format.H264
	h264Dec *rtph264.Decoder
}

// DialRTSP connects to the camera, sets up its media and starts playing
func DialRTSP(ctx context.Context, opts RTSPOptions, factory logging.LoggerFactory) (*RTSPSource, error) {
	u, err := base.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid rtsp url: %w", err)
	}

	s := &RTSPSource{
		client: &gortsplib.Client{
			Scheme: u.Scheme,
			Host:   u.Host,
		},
		queue: newUnitQueue(opts.QueueSize),
		log:   factory.NewLogger("rtsp"),
	}

	// Connect to the server
	if err := s.client.Start(); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", u.Host, err)
	}

	if err := s.setup(u, opts.Audio); err != nil {
		s.client.Close()
		return nil, err
	}

	// Start playing
	if _, err := s.client.Play(nil); err != nil {
		s.client.Close()
		return nil, fmt.Errorf("failed to play: %w", err)
	}

	go func() {
		err := s.client.Wait()
		s.queue.fail(fmt.Errorf("rtsp session ended: %w", err))
	}()

	// Stop the client if the caller gives up before the first read
	go func() {
		select {
		case <-ctx.Done():
			s.client.Close()
		case <-s.queue.closed:
		}
	}()

	s.log.Infof("playing %s", u.Host)

	return s, nil
}

func (s *RTSPSource) setup(u *base.URL, audio bool) error {
	// Find available medias
	desc, _, err := s.client.Describe(u)
	if err != nil {
		return fmt.Errorf("failed to describe: %w", err)
	}

	// Find the H264 media and format
	var h264Format *format.H264
	videoMedia := desc.FindFormat(&h264Format)
	if videoMedia == nil {
		return ErrNoVideo
	}

	s.h264 = h264Format
	s.h264Dec, err = h264Format.CreateDecoder()
	if err != nil {
		return fmt.Errorf("failed to create h264 decoder: %w", err)
	}

	if _, err := s.client.Setup(desc.BaseURL, videoMedia, 0, 0); err != nil {
		return fmt.Errorf("failed to setup video: %w", err)
	}

	s.client.OnPacketRTP(videoMedia, h264Format, s.onVideoPacket)

	if !audio {
		return nil
	}

	// Audio is optional; cameras without Opus still stream video
	var opusFormat *format.Opus
	audioMedia := desc.FindFormat(&opusFormat)
	if audioMedia == nil {
		s.log.Warnf("no Opus media on %s, streaming video only", u.Host)
		return nil
	}

	opusDec, err := opusFormat.CreateDecoder()
	if err != nil {
		return fmt.Errorf("failed to create opus decoder: %w", err)
	}

	if _, err := s.client.Setup(desc.BaseURL, audioMedia, 0, 0); err != nil {
		return fmt.Errorf("failed to setup audio: %w", err)
	}

	s.client.OnPacketRTP(audioMedia, opusFormat, func(pkt *rtp.Packet) {
		packet, err := opusDec.Decode(pkt)
		if err != nil {
			s.log.Debugf("opus decode: %v", err)
			return
		}
		s.queue.push(model.TrackAudio, packet, time.Now())
	})

	return nil
}

func (s *RTSPSource) onVideoPacket(pkt *rtp.Packet) {
	au, err := s.h264Dec.Decode(pkt)
	if err != nil {
		if !errors.Is(err, rtph264.ErrNonStartingPacketAndNoPrevious) && !errors.Is(err, rtph264.ErrMorePacketsNeeded) {
			s.log.Warnf("h264 decode: %v", err)
		}
		return
	}

	// Cameras often send parameter sets only in the SDP
	if codec.ClassifyNALUs(au) == model.FlagKeyFrame {
		au = withParams(au, s.h264)
	}

	buf, err := codec.MarshalAnnexB(au)
	if err != nil {
		s.log.Warnf("%v", err)
		return
	}

	if !s.queue.push(model.TrackVideo, buf, time.Now()) {
		s.log.Debugf("queue full, dropping access unit")
	}
}

// ReadUnit implements sink.Source
func (s *RTSPSource) ReadUnit(ctx context.Context, buf []byte) (sink.Unit, error) {
	return s.queue.read(ctx, buf)
}

// Close implements sink.Source
func (s *RTSPSource) Close() error {
	s.queue.fail(sink.ErrSourceClosed)
	s.client.Close()
	return nil
}

// withParams prepends SPS and PPS from the SDP when the access unit lacks them
func withParams(au [][]byte, f *format.H264) [][]byte {
	sps, pps := f.SafeParams()
	if sps == nil || pps == nil {
		return au
	}

	for _, nalu := range au {
		if len(nalu) > 0 && codec.Classify(nalu[0]) == model.FlagDiscardable {
			return au
		}
	}

	out := make([][]byte, 0, len(au)+2)
	out = append(out, sps, pps)
	return append(out, au...)
}
