// Package signaling carries the SFU's signaling events over WebSocket.
//
// Each connection is one participant. Frames are JSON envelopes of the form
// {"type": "<event>", "payload": {...}}; the server assigns the participant id
// and announces it in a "connected" event before anything else.
package signaling
