package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"
)

// Role distinguishes the two kinds of transport session the SFU runs.
type Role string

const (
	// RoleReceive carries one participant's media into the SFU.
	RoleReceive Role = "receive"
	// RoleSend carries one participant's media out to one other participant.
	RoleSend Role = "send"
)

// Session states.
const (
	StateAbsent      = "absent"
	StateNegotiating = "negotiating"
	StateConnected   = "connected"
	StateClosed      = "closed"
)

const (
	eventNegotiate = "negotiate"
	eventConnect   = "connect"
	eventClose     = "close"
)

var (
	ErrClosed                   = errors.New("session closed")
	ErrNotOffer                 = errors.New("remote description is not an offer")
	ErrWrongRole                = errors.New("operation not valid for session role")
	ErrTooManyPendingCandidates = errors.New("too many pending remote candidates")
)

// Callbacks are invoked from pion goroutines. They must not block.
type Callbacks struct {
	// OnLocalCandidate receives locally gathered candidates, only after
	// ReleaseCandidates has been called.
	OnLocalCandidate func(webrtc.ICECandidateInit)
	// OnConnectionStateChange is informational.
	OnConnectionStateChange func(webrtc.PeerConnectionState)
	// OnMediaAvailable fires once for receive sessions, when every track the
	// offer announced has arrived.
	OnMediaAvailable func(*Media)
}

// Session owns one server-side PeerConnection.
type Session struct {
	id    string
	role  Role
	pc    *webrtc.PeerConnection
	cb    Callbacks
	log   *slog.Logger
	state *fsm.FSM

	maxPending int

	mu            sync.Mutex
	closed        bool
	remoteSet     bool
	pendingRemote []webrtc.ICECandidateInit
	released      bool
	pendingLocal  []webrtc.ICECandidateInit

	// media is the inbound media of a receive session.
	media     *Media
	mediaOnce sync.Once

	closeOnce sync.Once
}

func newSession(api *webrtc.API, iceServers []webrtc.ICEServer, role Role, owner string, maxPending int, cb Callbacks, log *slog.Logger) (*Session, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:         uuid.NewString(),
		role:       role,
		pc:         pc,
		cb:         cb,
		maxPending: maxPending,
	}
	s.log = log.With("session_id", s.id, "role", role)
	s.state = fsm.NewFSM(
		StateAbsent,
		fsm.Events{
			{Name: eventNegotiate, Src: []string{StateAbsent}, Dst: StateNegotiating},
			{Name: eventConnect, Src: []string{StateNegotiating}, Dst: StateConnected},
			{Name: eventClose, Src: []string{StateAbsent, StateNegotiating, StateConnected}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.Debug("session state", "from", e.Src, "to", e.Dst)
			},
		},
	)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()

		s.mu.Lock()
		if !s.released {
			s.pendingLocal = append(s.pendingLocal, init)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if s.cb.OnLocalCandidate != nil {
			s.cb.OnLocalCandidate(init)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateConnected {
			_ = s.state.Event(context.Background(), eventConnect)
		}
		if s.cb.OnConnectionStateChange != nil {
			s.cb.OnConnectionStateChange(state)
		}
	})

	if role == RoleReceive {
		s.media = newBoundMedia(owner, pc)
		pc.OnTrack(s.handleTrack)
	}

	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Role() Role {
	return s.role
}

// State returns one of StateAbsent, StateNegotiating, StateConnected or
// StateClosed.
func (s *Session) State() string {
	return s.state.Current()
}

// PeerConnection exposes the underlying PeerConnection.
func (s *Session) PeerConnection() *webrtc.PeerConnection {
	return s.pc
}

// Negotiate applies a remote offer and returns the local answer. A session
// negotiates exactly once; renegotiation is done by replacing the session.
func (s *Session) Negotiate(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, ErrNotOffer
	}
	if err := s.state.Event(ctx, eventNegotiate); err != nil {
		if s.State() == StateClosed {
			return webrtc.SessionDescription{}, ErrClosed
		}
		return webrtc.SessionDescription{}, fmt.Errorf("negotiate from %s: %w", s.State(), err)
	}

	if s.role == RoleReceive {
		n, err := ExpectedInboundTracks(offer.SDP)
		if err != nil {
			return webrtc.SessionDescription{}, err
		}
		if n == 0 {
			s.log.Warn("offer announces no inbound media")
		}
		s.media.setExpected(n)
	}

	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}
	s.applyPendingRemote()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	if local := s.pc.LocalDescription(); local != nil {
		return *local, nil
	}
	return answer, nil
}

func (s *Session) applyPendingRemote() {
	s.mu.Lock()
	s.remoteSet = true
	pending := s.pendingRemote
	s.pendingRemote = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.log.Debug("dropping buffered remote candidate", "err", err)
		}
	}
}

// AddICECandidate applies a remote candidate, buffering it until the remote
// description is set.
func (s *Session) AddICECandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.remoteSet {
		if len(s.pendingRemote) >= s.maxPending {
			s.mu.Unlock()
			return ErrTooManyPendingCandidates
		}
		s.pendingRemote = append(s.pendingRemote, c)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.pc.AddICECandidate(c)
}

// ReleaseCandidates starts delivering local candidates to OnLocalCandidate,
// flushing any gathered so far. Call it once the answer has been handed off.
func (s *Session) ReleaseCandidates() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	pending := s.pendingLocal
	s.pendingLocal = nil
	s.mu.Unlock()

	if s.cb.OnLocalCandidate == nil {
		return
	}
	for _, c := range pending {
		s.cb.OnLocalCandidate(c)
	}
}

// AttachMedia adds every track of source to a send session. It must be called
// before Negotiate.
func (s *Session) AttachMedia(source *Media) error {
	if s.role != RoleSend {
		return ErrWrongRole
	}
	for _, track := range source.Tracks() {
		sender, err := s.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add track %s: %w", track.ID(), err)
		}
		go drainRTCP(sender, source, s.log)
	}
	return nil
}

func (s *Session) handleTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	local, err := webrtc.NewTrackLocalStaticRTP(remote.Codec().RTPCodecCapability, remote.ID(), s.media.Owner())
	if err != nil {
		s.log.Error("create forwarding track", "track_id", remote.ID(), "err", err)
		return
	}

	s.log.Debug("inbound track", "track_id", remote.ID(), "kind", remote.Kind().String(), "codec", remote.Codec().MimeType)
	complete := s.media.add(forwardedTrack{local: local, kind: remote.Kind(), remoteSSRC: remote.SSRC()})
	go forward(remote, local, s.log)

	if complete {
		s.mediaOnce.Do(func() {
			if s.cb.OnMediaAvailable != nil {
				s.cb.OnMediaAvailable(s.media)
			}
		})
	}
}

// Close tears down the PeerConnection. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.pendingRemote = nil
		s.pendingLocal = nil
		s.mu.Unlock()

		_ = s.state.Event(context.Background(), eventClose)
		err = s.pc.Close()
	})
	return err
}
