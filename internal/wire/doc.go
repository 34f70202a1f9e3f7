// Package wire implements the lanptt peer protocol: length-prefixed frames on
// a TCP stream, tagged audio payloads, and the text grammar for liveness
// pings, legacy floor commands, control envelopes and chat.
//
// Frame layout:
//
//	[uint32 big-endian length][payload...]
//
// A payload whose first byte is AudioTag carries raw audio samples. Any other
// payload is UTF-8 text:
//
//	ping | pong
//	FLOOR:TAKEN | FLOOR:RELEASED
//	CTRL:<TYPE>|nodeId|term|seq|timestampMs[|extra...]
//	<anything else is chat>
//
// The grammar carries no version field; adding a mandatory field breaks
// older peers.
package wire
