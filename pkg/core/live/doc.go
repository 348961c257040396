// Package live holds the transport-independent pieces of a real-time voice
// interview: audio encoding, the voice gate, the playback queue and the
// event bus.
//
// # Data Flow
//
//	Microphone → Gate (RMS) → FloatToPCM16 → session controller → wire
//
//	wire → session controller → DecodeInboundAudio → PlaybackQueue → Sink
//
// # Playback
//
// Inbound audio arrives as several parts per turn. PlaybackQueue accumulates
// the first parts of a turn until MinBufferMs of audio is available, then plays
// buffers one at a time in arrival order. FinishPlayback (issued on turn
// completion) pushes any remaining fragment and lets the queue drain; Clear
// (issued on interruption) drops everything.
//
// # Events
//
// Every notification is one of the Event variants defined in events.go and is
// published on a Bus. Publish never blocks the producer.
package live
