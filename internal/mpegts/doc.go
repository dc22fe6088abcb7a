// Package mpegts reads MPEG transport streams into timestamped media
// packets for the demux coordinator. A small internal demuxer follows the
// PAT and PMT and reassembles PES units per PID; [Reader] classifies the
// elementary streams, splits AAC into ADTS frames, extracts closed
// captions from the video as a subtitle stream and seeks seekable inputs
// by timestamp bisection.
package mpegts
