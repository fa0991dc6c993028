package signaling

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestParseEnvelope_SenderOffer(t *testing.T) {
	raw := []byte(`{
		"type":"senderOffer",
		"payload":{"senderSocketID":"a","roomID":"r1","sdp":{"type":"offer","sdp":"v=0"},"extra":1}
	}`)

	env, err := parseEnvelope(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.Type != eventSenderOffer {
		t.Fatalf("type=%q, want %q", env.Type, eventSenderOffer)
	}

	var p senderOfferPayload
	if err := decodePayload(env, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	offer, err := offerFrom(p.SDP)
	if err != nil {
		t.Fatalf("offerFrom: %v", err)
	}
	if p.SenderSocketID != "a" || p.RoomID != "r1" || offer.Type != webrtc.SDPTypeOffer || offer.SDP != "v=0" {
		t.Fatalf("unexpected decoded offer: %#v", p)
	}
}

func TestParseEnvelope_Candidate(t *testing.T) {
	raw := []byte(`{
		"type":"receiverCandidate",
		"payload":{
			"receiverSocketID":"b",
			"senderSocketID":"a",
			"candidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host","sdpMid":"0","sdpMLineIndex":0}
		}
	}`)

	env, err := parseEnvelope(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var p receiverCandidatePayload
	if err := decodePayload(env, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.Candidate == nil || p.Candidate.Candidate == "" {
		t.Fatalf("unexpected decoded candidate: %#v", p)
	}
	init := p.Candidate.ToPion()
	if init.SDPMid == nil || *init.SDPMid != "0" || init.SDPMLineIndex == nil || *init.SDPMLineIndex != 0 {
		t.Fatalf("unexpected pion candidate: %#v", init)
	}
}

func TestParseEnvelope_Rejects(t *testing.T) {
	for name, raw := range map[string]string{
		"unknown envelope field": `{"type":"joinRoom","payload":{},"unexpected":true}`,
		"trailing data":          `{"type":"joinRoom","payload":{}} {}`,
		"missing type":           `{"payload":{}}`,
		"not json":               `hello`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := parseEnvelope([]byte(raw)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestDecodePayload_Missing(t *testing.T) {
	env, err := parseEnvelope([]byte(`{"type":"joinRoom"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var p joinRoomPayload
	if err := decodePayload(env, &p); !errors.Is(err, errMissingField) {
		t.Fatalf("err=%v, want %v", err, errMissingField)
	}
}

func TestOfferFrom_RejectsAnswer(t *testing.T) {
	if _, err := offerFrom(&SDP{Type: "answer", SDP: "v=0"}); !errors.Is(err, errNotOffer) {
		t.Fatalf("err=%v, want %v", err, errNotOffer)
	}
	if _, err := offerFrom(nil); !errors.Is(err, errMissingField) {
		t.Fatalf("err=%v, want %v", err, errMissingField)
	}
}

func TestEncode_ReceiverAnswer(t *testing.T) {
	b, err := encode(eventGetReceiverAnswer, peerAnswerPayload{
		ID:  "a",
		SDP: SDPFromPion(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var got struct {
		Type    string `json:"type"`
		Payload struct {
			ID  string `json:"id"`
			SDP SDP    `json:"sdp"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != "getReceiverAnswer" || got.Payload.ID != "a" || got.Payload.SDP.Type != "answer" {
		t.Fatalf("unexpected frame: %s", b)
	}
}
