package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type eventType string

const (
	eventConnected eventType = "connected"

	eventJoinRoom          eventType = "joinRoom"
	eventSenderOffer       eventType = "senderOffer"
	eventSenderCandidate   eventType = "senderCandidate"
	eventReceiverOffer     eventType = "receiverOffer"
	eventReceiverCandidate eventType = "receiverCandidate"

	eventAllUsers             eventType = "allUsers"
	eventGetSenderAnswer      eventType = "getSenderAnswer"
	eventGetSenderCandidate   eventType = "getSenderCandidate"
	eventGetReceiverAnswer    eventType = "getReceiverAnswer"
	eventGetReceiverCandidate eventType = "getReceiverCandidate"
	eventUserEnter            eventType = "userEnter"
	eventUserExit             eventType = "userExit"
)

var (
	errMissingField = errors.New("missing field")
	errNotOffer     = errors.New("sdp.type must be \"offer\"")
)

type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

type envelope struct {
	Type    eventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outbound struct {
	Type    eventType `json:"type"`
	Payload any       `json:"payload"`
}

// Inbound payloads.

type joinRoomPayload struct {
	ID     string `json:"id"`
	RoomID string `json:"roomID"`
}

type senderOfferPayload struct {
	SenderSocketID string `json:"senderSocketID"`
	RoomID         string `json:"roomID"`
	SDP            *SDP   `json:"sdp"`
}

type senderCandidatePayload struct {
	SenderSocketID string     `json:"senderSocketID"`
	Candidate      *Candidate `json:"candidate"`
}

type receiverOfferPayload struct {
	ReceiverSocketID string `json:"receiverSocketID"`
	SenderSocketID   string `json:"senderSocketID"`
	RoomID           string `json:"roomID"`
	SDP              *SDP   `json:"sdp"`
}

type receiverCandidatePayload struct {
	ReceiverSocketID string     `json:"receiverSocketID"`
	SenderSocketID   string     `json:"senderSocketID"`
	Candidate        *Candidate `json:"candidate"`
}

// Outbound payloads.

type idPayload struct {
	ID string `json:"id"`
}

type allUsersPayload struct {
	Users []idPayload `json:"users"`
}

type answerPayload struct {
	SDP SDP `json:"sdp"`
}

type candidatePayload struct {
	Candidate Candidate `json:"candidate"`
}

type peerAnswerPayload struct {
	ID  string `json:"id"`
	SDP SDP    `json:"sdp"`
}

type peerCandidatePayload struct {
	ID        string    `json:"id"`
	Candidate Candidate `json:"candidate"`
}

// parseEnvelope decodes a frame strictly: unknown envelope fields and trailing
// data are rejected. Payloads are decoded separately and tolerate unknown
// fields.
func parseEnvelope(data []byte) (envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env envelope
	if err := dec.Decode(&env); err != nil {
		return envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return envelope{}, fmt.Errorf("unexpected trailing data")
	}
	if env.Type == "" {
		return envelope{}, fmt.Errorf("%w: type", errMissingField)
	}
	return env, nil
}

func decodePayload(env envelope, v any) error {
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return fmt.Errorf("%w: payload", errMissingField)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return nil
}

func encode(t eventType, payload any) ([]byte, error) {
	return json.Marshal(outbound{Type: t, Payload: payload})
}

func offerFrom(s *SDP) (webrtc.SessionDescription, error) {
	if s == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: sdp", errMissingField)
	}
	desc, err := s.ToPion()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if desc.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errNotOffer
	}
	if desc.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: sdp.sdp", errMissingField)
	}
	return desc, nil
}

func requireFields(fields ...string) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if fields[i+1] == "" {
			return fmt.Errorf("%w: %s", errMissingField, fields[i])
		}
	}
	return nil
}
