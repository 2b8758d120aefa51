package source

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/bluenviron/gortsplib/v5"
	"github.com/bluenviron/gortsplib/v5/pkg/base"
	"github.com/bluenviron/gortsplib/v5/pkg/description"
	"github.com/bluenviron/gortsplib/v5/pkg/format"
	"github.com/pion/logging"
	"github.com/stretchr/testify/require"

	"github.com/Harshitk-cp/camrelay/internal/codec"
	"github.com/Harshitk-cp/camrelay/internal/model"
)

func TestWithParams(t *testing.T) {
	sps := []byte{0x67, 0x42, 0xc0, 0x1f}
	pps := []byte{0x68, 0xce, 0x3c, 0x80}
	idr := []byte{0x65, 0x88}

	f := &format.H264{PayloadTyp: 96, SPS: sps, PPS: pps, PacketizationMode: 1}

	out := withParams([][]byte{idr}, f)
	require.Equal(t, [][]byte{sps, pps, idr}, out)

	// already carried in-band
	in := [][]byte{sps, pps, idr}
	require.Equal(t, in, withParams(in, f))

	// nothing in the SDP
	require.Equal(t, [][]byte{idr}, withParams([][]byte{idr}, &format.H264{PayloadTyp: 96}))
}

func TestDialRTSPInvalidURL(t *testing.T) {
	_, err := DialRTSP(context.Background(), RTSPOptions{URL: "::not a url"}, logging.NewDefaultLoggerFactory())
	require.Error(t, err)
}

type rtspServerHandler struct {
	stream *gortsplib.ServerStream
}

func (h *rtspServerHandler) OnDescribe(*gortsplib.ServerHandlerOnDescribeCtx) (*base.Response, *gortsplib.ServerStream, error) {
	return &base.Response{StatusCode: base.StatusOK}, h.stream, nil
}

func (h *rtspServerHandler) OnSetup(*gortsplib.ServerHandlerOnSetupCtx) (*base.Response, *gortsplib.ServerStream, error) {
	return &base.Response{StatusCode: base.StatusOK}, h.stream, nil
}

func (h *rtspServerHandler) OnPlay(*gortsplib.ServerHandlerOnPlayCtx) (*base.Response, error) {
	return &base.Response{StatusCode: base.StatusOK}, nil
}

func freeAddress(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestDialRTSPReadsAccessUnits(t *testing.T) {
	sps := []byte{0x67, 0x42, 0xc0, 0x1f, 0xd9, 0x00, 0x78, 0x02, 0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04, 0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9, 0x20}
	pps := []byte{0x68, 0xce, 0x3c, 0x80}
	idr := []byte{0x65, 0x88, 0x84, 0x00, 0x33}

	forma := &format.H264{PayloadTyp: 96, SPS: sps, PPS: pps, PacketizationMode: 1}
	media := &description.Media{Type: description.MediaTypeVideo, Formats: []format.Format{forma}}

	h := &rtspServerHandler{}
	server := &gortsplib.Server{
		Handler:     h,
		RTSPAddress: freeAddress(t),
	}
	require.NoError(t, server.Start())
	defer server.Close()

	h.stream = &gortsplib.ServerStream{
		Server: server,
		Desc:   &description.Session{Medias: []*description.Media{media}},
	}
	require.NoError(t, h.stream.Initialize())
	defer h.stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	src, err := DialRTSP(ctx, RTSPOptions{URL: "rtsp://" + server.RTSPAddress + "/cam"}, logging.NewDefaultLoggerFactory())
	require.NoError(t, err)
	defer src.Close()

	enc, err := forma.CreateEncoder()
	require.NoError(t, err)

	// Keep publishing until the client has delivered a unit
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for ts := uint32(0); ; ts += 3600 {
			pkts, err := enc.Encode([][]byte{idr})
			if err == nil {
				for _, pkt := range pkts {
					pkt.Timestamp = ts
					h.stream.WritePacketRTP(media, pkt)
				}
			}
			select {
			case <-done:
				return
			case <-ticker.C:
			}
		}
	}()

	buf := make([]byte, 1024)
	u, err := src.ReadUnit(ctx, buf)
	require.NoError(t, err)
	require.Equal(t, model.TrackVideo, u.Track)

	// Parameter sets from the SDP lead the keyframe
	want, err := codec.MarshalAnnexB([][]byte{sps, pps, idr})
	require.NoError(t, err)
	require.Equal(t, want, buf[:u.Size])
}
