// Package srt receives live transport streams over SRT (Secure Reliable
// Transport). The listener-mode Server accepts publishers; the caller-mode
// Caller pulls from remote SRT listeners. Both write into feeds of an
// ingest.Registry.
package srt
