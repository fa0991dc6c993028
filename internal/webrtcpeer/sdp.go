package webrtcpeer

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// ExpectedInboundTracks counts the audio and video sections of a remote offer
// that will carry media toward us: enabled (non-zero port) and sendrecv or
// sendonly from the offerer's point of view.
func ExpectedInboundTracks(rawSDP string) (int, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(rawSDP)); err != nil {
		return 0, fmt.Errorf("parse offer: %w", err)
	}

	sessionDir := directionOf(desc.Attribute, "sendrecv")

	n := 0
	for _, md := range desc.MediaDescriptions {
		switch md.MediaName.Media {
		case "audio", "video":
		default:
			continue
		}
		if md.MediaName.Port.Value == 0 {
			continue
		}
		switch directionOf(md.Attribute, sessionDir) {
		case "sendrecv", "sendonly":
			n++
		}
	}
	return n, nil
}

func directionOf(attr func(string) (string, bool), fallback string) string {
	for _, dir := range []string{"sendrecv", "sendonly", "recvonly", "inactive"} {
		if _, ok := attr(dir); ok {
			return dir
		}
	}
	return fallback
}
