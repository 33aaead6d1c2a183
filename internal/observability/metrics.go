// Package observability exports bridge counters to Prometheus.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coreman2200/picoled-bridge/internal/app"
)

const namespace = "picobridge"

func desc(subsystem, name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, nil)
}

var (
	ledUpdates = desc("led", "updates_total", "LED frames shifted out.")
	ledErrors  = desc("led", "errors_total", "LED frames that failed on the wire.")
	ledFrameUs = desc("led", "frame_microseconds", "Wire time of the last LED frame.")
	dmxFrames  = desc("dmx", "tx_frames_total", "DMX frames transmitted.")
	dmxErrors  = desc("dmx", "tx_errors_total", "DMX frames aborted by a port error.")
	rxFrames   = desc("dmx", "rx_frames_total", "Valid DMX frames received.")
	rxDropped  = prometheus.NewDesc(prometheus.BuildFQName(namespace, "dmx", "rx_dropped_total"), "Received DMX frames dropped, by reason.", []string{"reason"}, nil)
	linkFrames = desc("link", "frames_total", "RS-485 frames sent.")
	linkBytes  = desc("link", "bytes_total", "RS-485 bytes sent including pre/postamble.")
	linkErrors = desc("link", "errors_total", "RS-485 frames that failed or timed out.")
	published  = desc("bridge", "published_total", "Universes published into the slot.")
	coalesced  = desc("bridge", "coalesced_total", "Universes overwritten before rendering.")
	rendered   = desc("bridge", "rendered_total", "Universes rendered.")
	failSafes  = desc("bridge", "failsafes_total", "Fail-safe windows applied.")
	running    = desc("", "running", "1 while the bridge loops are running.")
)

// Collector reads a fresh Status on every scrape.
type Collector struct {
	status func() app.Status
}

func NewCollector(status func() app.Status) *Collector { return &Collector{status: status} }

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		ledUpdates, ledErrors, ledFrameUs, dmxFrames, dmxErrors, rxFrames, rxDropped,
		linkFrames, linkBytes, linkErrors, published, coalesced, rendered, failSafes, running,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.status()
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	var up float64
	if st.Running {
		up = 1
	}
	gauge(running, up)
	counter(ledUpdates, st.LED.Updates)
	counter(ledErrors, st.LED.Errors)
	gauge(ledFrameUs, st.LED.FrameUs)
	if d := st.DMX; d != nil {
		counter(dmxFrames, d.Frames)
		counter(dmxErrors, d.Errors)
	}
	if r := st.Receiver; r != nil {
		counter(rxFrames, r.Frames)
		counter(rxDropped, r.Short, "short")
		counter(rxDropped, r.Long, "long")
		counter(rxDropped, r.Torn, "torn")
		counter(rxDropped, r.BadCode, "start_code")
	}
	if l := st.Link; l != nil {
		counter(linkFrames, l.Frames)
		counter(linkBytes, l.Bytes)
		counter(linkErrors, l.Errors)
	}
	if b := st.Bridge; b != nil {
		counter(published, b.Published)
		counter(coalesced, b.Coalesced)
		counter(rendered, b.Rendered)
		counter(failSafes, b.FailSafes)
	}
}

// Handler serves the collector plus the Go runtime metrics on a private
// registry.
func Handler(status func() app.Status) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(status),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
