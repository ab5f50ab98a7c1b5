// Package audio holds the real-time side of the engine: pooled sample
// buffers, the tone, file, microphone and clip sources, streams and the
// mixer. Nothing reachable from Mixer.Mix allocates, locks or blocks.
package audio
