// Package signaling serves the WebSocket endpoint browsers use to join a call
// room and exchange offer, answer and ICE candidate messages with the other
// participants.
package signaling
