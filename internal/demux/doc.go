// Package demux coordinates delivery of packets from one sequential
// [Source] into an audio and a video consumer [Pipeline].
//
// The central type is [Coordinator]. It runs a single read loop that
// services at most one pending seek per iteration, waits while paused,
// reads one packet and routes it to the matching pipeline's queue. A
// cross-queue backpressure policy keeps the loop from parking on one full
// queue while the other pipeline starves. Pause, seek, single-frame step
// and shutdown are requested from any goroutine and take effect on the
// loop goroutine or through the pipelines' one-shot frame listeners.
package demux
