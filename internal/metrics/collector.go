// Package metrics exports session, queue and demux counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zsiec/avfeed/internal/player"
	"github.com/zsiec/avfeed/internal/session"
)

const namespace = "avfeed"

// Lister returns the sessions to report on each scrape.
type Lister interface {
	List() []session.Info
}

// Collector reads a snapshot of every session at scrape time, so nothing
// is recorded between scrapes.
type Collector struct {
	sessions Lister

	active         *prometheus.Desc
	paused         *prometheus.Desc
	position       *prometheus.Desc
	packetsRead    *prometheus.Desc
	routed         *prometheus.Desc
	dropped        *prometheus.Desc
	seeksExecuted  *prometheus.Desc
	seeksCollapsed *prometheus.Desc
	seekErrors     *prometheus.Desc
	steps          *prometheus.Desc
	queueLen       *prometheus.Desc
	queueCap       *prometheus.Desc
	queueOverflows *prometheus.Desc
	frames         *prometheus.Desc
	decodeErrors   *prometheus.Desc
}

// NewCollector creates a Collector over sessions.
func NewCollector(sessions Lister) *Collector {
	sess := []string{"session"}
	kind := []string{"session", "kind"}
	desc := func(name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		sessions:       sessions,
		active:         desc("sessions", "Number of live sessions.", nil),
		paused:         desc("session_paused", "1 while the session's read loop is paused.", sess),
		position:       desc("session_position_seconds", "Playback clock position.", sess),
		packetsRead:    desc("demux_packets_read_total", "Packets read from the source.", sess),
		routed:         desc("demux_packets_routed_total", "Packets pushed to a pipeline queue.", kind),
		dropped:        desc("demux_packets_dropped_total", "Packets with no running consumer.", sess),
		seeksExecuted:  desc("demux_seeks_total", "Seeks executed on the source.", sess),
		seeksCollapsed: desc("demux_seeks_collapsed_total", "Seek requests replaced by a newer one before running.", sess),
		seekErrors:     desc("demux_seek_errors_total", "Source seeks that failed.", sess),
		steps:          desc("demux_steps_total", "Single-frame steps requested.", sess),
		queueLen:       desc("queue_length", "Packets waiting in the queue.", kind),
		queueCap:       desc("queue_capacity", "Packets the queue holds before blocking.", kind),
		queueOverflows: desc("queue_overflows_total", "Pushes accepted past capacity.", kind),
		frames:         desc("pipeline_frames_total", "Frames delivered to the renderer.", kind),
		decodeErrors:   desc("pipeline_decode_errors_total", "Packets the decoder rejected.", kind),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.active, c.paused, c.position, c.packetsRead, c.routed, c.dropped,
		c.seeksExecuted, c.seeksCollapsed, c.seekErrors, c.steps,
		c.queueLen, c.queueCap, c.queueOverflows, c.frames, c.decodeErrors,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	infos := c.sessions.List()
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(len(infos)))

	for _, info := range infos {
		key, st := info.Key, info.Status
		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, key)
		}
		counter := func(d *prometheus.Desc, v int64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), key)
		}

		paused := 0.0
		if st.Paused {
			paused = 1
		}
		gauge(c.paused, paused)
		gauge(c.position, float64(st.PositionMs)/1000)
		counter(c.packetsRead, st.Demux.PacketsRead)
		counter(c.dropped, st.Demux.Dropped)
		counter(c.seeksExecuted, st.Demux.SeeksExecuted)
		counter(c.seeksCollapsed, st.Demux.SeeksCollapsed)
		counter(c.seekErrors, st.Demux.SeekErrors)
		counter(c.steps, st.Demux.Steps)

		if st.Audio != nil {
			c.collectStream(ch, key, "audio", st.Audio, st.Demux.AudioRouted)
		}
		if st.Video != nil {
			c.collectStream(ch, key, "video", st.Video, st.Demux.VideoRouted)
		}
	}
}

func (c *Collector) collectStream(ch chan<- prometheus.Metric, key, kind string, s *player.StreamStatus, routed int64) {
	ch <- prometheus.MustNewConstMetric(c.routed, prometheus.CounterValue, float64(routed), key, kind)
	ch <- prometheus.MustNewConstMetric(c.queueLen, prometheus.GaugeValue, float64(s.Queue.Len), key, kind)
	ch <- prometheus.MustNewConstMetric(c.queueCap, prometheus.GaugeValue, float64(s.Queue.Cap), key, kind)
	ch <- prometheus.MustNewConstMetric(c.queueOverflows, prometheus.CounterValue, float64(s.Queue.Overflows), key, kind)
	ch <- prometheus.MustNewConstMetric(c.frames, prometheus.CounterValue, float64(s.Pipeline.Frames), key, kind)
	ch <- prometheus.MustNewConstMetric(c.decodeErrors, prometheus.CounterValue, float64(s.Pipeline.DecodeErrors), key, kind)
}
