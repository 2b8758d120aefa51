package source

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/codec/h264parser"
	"github.com/nareix/joy4/format/rtmp"
	"github.com/pion/logging"

	"github.com/Harshitk-cp/camrelay/internal/codec"
	"github.com/Harshitk-cp/camrelay/internal/model"
	"github.com/Harshitk-cp/camrelay/internal/sink"
)

// RTMPServer accepts encoder publishers and routes each one, by stream
// path, to the pipeline waiting for it. One server is shared by every
// pipeline listening on the same address.
type RTMPServer struct {
	address string
	server  *rtmp.Server
	log     logging.LeveledLogger

	mu            sync.Mutex
	subscriptions map[string]*RTMPSource
}

// NewRTMPServer creates an RTMP server for address
func NewRTMPServer(address string, factory logging.LoggerFactory) *RTMPServer {
	s := &RTMPServer{
		address:       address,
		log:           factory.NewLogger("rtmp"),
		subscriptions: make(map[string]*RTMPSource),
	}

	// Create RTMP server
	s.server = &rtmp.Server{
		Addr:          address,
		HandlePublish: s.handlePublish,
	}

	return s
}

// Address returns the listen address
func (s *RTMPServer) Address() string {
	return s.address
}

// ListenAndServe blocks serving publishers
func (s *RTMPServer) ListenAndServe() error {
	s.log.Infof("Starting RTMP server on %s", s.address)
	if err := s.server.ListenAndServe(); err != nil {
		return fmt.Errorf("rtmp server on %s: %w", s.address, err)
	}
	return nil
}

// Subscribe registers a pipeline for publishers on path. A previous
// subscription for the same path is closed.
func (s *RTMPServer) Subscribe(path string, audio bool, queueSize int) *RTMPSource {
	src := &RTMPSource{
		server: s,
		path:   path,
		queue:  newUnitQueue(queueSize),
		audio:  audio,
	}

	s.mu.Lock()
	prev := s.subscriptions[path]
	s.subscriptions[path] = src
	s.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	return src
}

func (s *RTMPServer) unsubscribe(src *RTMPSource) {
	s.mu.Lock()
	if s.subscriptions[src.path] == src {
		delete(s.subscriptions, src.path)
	}
	s.mu.Unlock()
}

// handlePublish handles RTMP publish events
func (s *RTMPServer) handlePublish(conn *rtmp.Conn) {
	path := conn.URL.Path

	s.mu.Lock()
	src := s.subscriptions[path]
	s.mu.Unlock()

	if src == nil {
		s.log.Warnf("Rejecting publisher on unknown path %s", path)
		conn.Close()
		return
	}

	if !src.attach(conn) {
		s.log.Warnf("Rejecting second publisher on %s", path)
		conn.Close()
		return
	}

	s.log.Infof("Publisher connected on %s", path)

	err := src.consume(conn)
	if err == io.EOF {
		s.log.Infof("Stream %s ended (EOF)", path)
		err = nil
	} else {
		s.log.Warnf("Stream %s ended: %v", path, err)
	}

	src.queue.fail(err)
	s.unsubscribe(src)
}

// RTMPSource is a pipeline fed by one RTMP publisher
type RTMPSource struct {
	server *RTMPServer
	path   string
	queue  *unitQueue
	audio  bool

	mu   sync.Mutex
	conn *rtmp.Conn
}

func (r *RTMPSource) attach(conn *rtmp.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-r.queue.closed:
		return false
	default:
	}

	if r.conn != nil {
		return false
	}
	r.conn = conn
	return true
}

// consume reads packets until the publisher goes away
func (r *RTMPSource) consume(conn *rtmp.Conn) error {
	streams, err := conn.Streams()
	if err != nil {
		return fmt.Errorf("failed to read stream headers: %w", err)
	}

	videoIdx := -1
	var params h264parser.CodecData
	for i, stream := range streams {
		if stream.Type() != av.H264 {
			continue
		}
		if cd, ok := stream.(h264parser.CodecData); ok {
			videoIdx = i
			params = cd
			break
		}
	}
	if videoIdx < 0 {
		return ErrNoVideo
	}

	warnedAudio := false
	for {
		pkt, err := conn.ReadPacket()
		if err != nil {
			return err
		}

		if int(pkt.Idx) != videoIdx {
			// RTMP carries AAC, which WebRTC viewers cannot play
			if r.audio && !warnedAudio {
				r.server.log.Warnf("Stream %s: dropping non-Opus audio", r.path)
				warnedAudio = true
			}
			continue
		}

		var au []byte
		if pkt.IsKeyFrame {
			au, err = codec.AVCCToAnnexB(pkt.Data, params.SPS(), params.PPS())
		} else {
			au, err = codec.AVCCToAnnexB(pkt.Data)
		}
		if err != nil {
			r.server.log.Warnf("Stream %s: %v", r.path, err)
			continue
		}

		r.queue.push(model.TrackVideo, au, time.Now())
	}
}

// ReadUnit implements sink.Source
func (r *RTMPSource) ReadUnit(ctx context.Context, buf []byte) (sink.Unit, error) {
	return r.queue.read(ctx, buf)
}

// Close implements sink.Source
func (r *RTMPSource) Close() error {
	r.queue.fail(sink.ErrSourceClosed)
	r.server.unsubscribe(r)

	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
