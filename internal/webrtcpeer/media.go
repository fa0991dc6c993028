package webrtcpeer

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// rtpBufferSize fits one RTP packet on a standard MTU path.
const rtpBufferSize = 1500

type rtcpWriter interface {
	WriteRTCP([]rtcp.Packet) error
}

type forwardedTrack struct {
	local      *webrtc.TrackLocalStaticRTP
	kind       webrtc.RTPCodecType
	remoteSSRC webrtc.SSRC
}

// Media is the inbound media of one participant, re-originated as local tracks
// that any number of send sessions can attach.
type Media struct {
	owner string
	rtcp  rtcpWriter

	mu       sync.Mutex
	tracks   []forwardedTrack
	expected int
}

// NewMedia returns a media handle for owner that has no tracks and is not
// bound to a PeerConnection.
func NewMedia(owner string) *Media {
	return &Media{owner: owner}
}

func newBoundMedia(owner string, w rtcpWriter) *Media {
	return &Media{owner: owner, rtcp: w}
}

// Owner is the participant id whose media this is.
func (m *Media) Owner() string {
	return m.owner
}

// Tracks returns the forwarded tracks in arrival order.
func (m *Media) Tracks() []webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]webrtc.TrackLocal, 0, len(m.tracks))
	for _, t := range m.tracks {
		out = append(out, t.local)
	}
	return out
}

func (m *Media) setExpected(n int) {
	m.mu.Lock()
	m.expected = n
	m.mu.Unlock()
}

// add registers a forwarded track and reports whether the media just became
// complete.
func (m *Media) add(t forwardedTrack) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks = append(m.tracks, t)
	return m.expected > 0 && len(m.tracks) == m.expected
}

// RequestKeyframe asks the owner's encoder for a keyframe on every video
// track. New send legs call it so the destination can start decoding without
// waiting for the next periodic keyframe.
func (m *Media) RequestKeyframe() error {
	if m.rtcp == nil {
		return nil
	}

	m.mu.Lock()
	var pkts []rtcp.Packet
	for _, t := range m.tracks {
		if t.kind != webrtc.RTPCodecTypeVideo {
			continue
		}
		pkts = append(pkts, &rtcp.PictureLossIndication{MediaSSRC: uint32(t.remoteSSRC)})
	}
	m.mu.Unlock()

	if len(pkts) == 0 {
		return nil
	}
	return m.rtcp.WriteRTCP(pkts)
}

// forward copies RTP from remote into local until remote ends.
func forward(remote *webrtc.TrackRemote, local *webrtc.TrackLocalStaticRTP, log *slog.Logger) {
	buf := make([]byte, rtpBufferSize)
	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("inbound track ended", "track_id", remote.ID(), "err", err)
			}
			return
		}
		if _, err := local.Write(buf[:n]); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			log.Warn("forward rtp failed", "track_id", remote.ID(), "err", err)
			return
		}
	}
}

// drainRTCP reads RTCP arriving on a send leg so interceptors keep running,
// and turns keyframe requests from the destination into requests to the
// source.
func drainRTCP(sender *webrtc.RTPSender, source *Media, log *slog.Logger) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				if err := source.RequestKeyframe(); err != nil {
					log.Debug("keyframe request failed", "source_id", source.Owner(), "err", err)
				}
			}
		}
	}
}
