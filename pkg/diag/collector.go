// Package diag exposes per-channel and transport diagnostics as Prometheus
// metrics, generalizing the teacher pack's custom Collector pattern
// (runZeroInc-sockstats/pkg/exporter/exporter.go's TCPInfoCollector, which
// walks a live map of instrumented connections on every Collect call rather
// than pushing updates) to this module's channel set and transport.
package diag

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/anthropics/rrf-spi-bridge/pkg/channel"
	"github.com/anthropics/rrf-spi-bridge/pkg/packet"
)

// ChannelLister is satisfied by *pkg/processor.Processor; kept narrow so
// this package doesn't import processor (which already imports channel).
type ChannelLister interface {
	Channel(id packet.Channel) *channel.State
}

// TransportStats is a snapshot of *pkg/transfer.DataTransfer's counters.
type TransportStats struct {
	ResponseHeaderState int
	ResponseCodeState   int
	PeerResetCount      int
	CRCFailureCount     int
}

// TransportStatsFunc returns a live snapshot of the transport's cumulative
// counters each time Collect runs.
type TransportStatsFunc func() TransportStats

type chanDesc struct {
	desc     *prometheus.Desc
	counter  bool
	supplier func(s channel.Stats) float64
}

// Collector implements prometheus.Collector over every channel in ids plus
// the shared transport, the same "one Desc per field, walk the live set on
// Collect" shape as the teacher's TCPInfoCollector.
type Collector struct {
	lister    ChannelLister
	ids       []packet.Channel
	transport TransportStatsFunc

	chanInfos []chanDesc

	headerExchanges *prometheus.Desc
	codeExchanges   *prometheus.Desc
	peerResets      *prometheus.Desc
	crcFailures     *prometheus.Desc
}

// NewCollector builds a Collector over ids (typically packet.AllChannels)
// and a transport stats accessor.
func NewCollector(lister ChannelLister, ids []packet.Channel, transport TransportStatsFunc) *Collector {
	c := &Collector{
		lister:    lister,
		ids:       ids,
		transport: transport,
		headerExchanges: prometheus.NewDesc(
			"rrfbridge_transfer_header_exchanges_total",
			"Header exchange steps performed since startup.",
			nil, nil,
		),
		codeExchanges: prometheus.NewDesc(
			"rrfbridge_transfer_response_code_exchanges_total",
			"Response-code exchange steps performed since startup.",
			nil, nil,
		),
		peerResets: prometheus.NewDesc(
			"rrfbridge_transfer_peer_resets_total",
			"Firmware resets detected since startup.",
			nil, nil,
		),
		crcFailures: prometheus.NewDesc(
			"rrfbridge_transfer_crc_failures_total",
			"Header or payload CRC32C mismatches observed since startup.",
			nil, nil,
		),
	}
	c.chanInfos = []chanDesc{
		{
			desc: prometheus.NewDesc("rrfbridge_channel_frame_depth", "Execution frame stack depth.", []string{"channel"}, nil),
			supplier: func(s channel.Stats) float64 { return float64(s.FrameDepth) },
		},
		{
			desc: prometheus.NewDesc("rrfbridge_channel_pending_codes", "Codes pushed but not yet acked.", []string{"channel"}, nil),
			supplier: func(s channel.Stats) float64 { return float64(s.PendingCodes) },
		},
		{
			desc: prometheus.NewDesc("rrfbridge_channel_flush_requests", "Outstanding flush waiters.", []string{"channel"}, nil),
			supplier: func(s channel.Stats) float64 { return float64(s.FlushRequests) },
		},
		{
			desc: prometheus.NewDesc("rrfbridge_channel_lock_requests", "Outstanding lock waiters.", []string{"channel"}, nil),
			supplier: func(s channel.Stats) float64 { return float64(s.LockRequests) },
		},
		{
			desc:     prometheus.NewDesc("rrfbridge_channel_codes_pushed_total", "Codes pushed onto this channel.", []string{"channel"}, nil),
			counter:  true,
			supplier: func(s channel.Stats) float64 { return float64(s.CodesPushed) },
		},
		{
			desc:     prometheus.NewDesc("rrfbridge_channel_codes_replied_total", "Replies received on this channel.", []string{"channel"}, nil),
			counter:  true,
			supplier: func(s channel.Stats) float64 { return float64(s.CodesReplied) },
		},
		{
			desc:     prometheus.NewDesc("rrfbridge_channel_protocol_violations_total", "Out-of-order replies observed on this channel.", []string{"channel"}, nil),
			counter:  true,
			supplier: func(s channel.Stats) float64 { return float64(s.ProtocolViolations) },
		},
	}
	return c
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.headerExchanges
	descs <- c.codeExchanges
	descs <- c.peerResets
	descs <- c.crcFailures
	for _, info := range c.chanInfos {
		descs <- info.desc
	}
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	if c.transport != nil {
		t := c.transport()
		metrics <- prometheus.MustNewConstMetric(c.headerExchanges, prometheus.CounterValue, float64(t.ResponseHeaderState))
		metrics <- prometheus.MustNewConstMetric(c.codeExchanges, prometheus.CounterValue, float64(t.ResponseCodeState))
		metrics <- prometheus.MustNewConstMetric(c.peerResets, prometheus.CounterValue, float64(t.PeerResetCount))
		metrics <- prometheus.MustNewConstMetric(c.crcFailures, prometheus.CounterValue, float64(t.CRCFailureCount))
	}

	for _, id := range c.ids {
		ch := c.lister.Channel(id)
		if ch == nil {
			continue
		}
		stats := ch.Diagnostics()
		label := id.String()
		for _, info := range c.chanInfos {
			valueType := prometheus.GaugeValue
			if info.counter {
				valueType = prometheus.CounterValue
			}
			metrics <- prometheus.MustNewConstMetric(info.desc, valueType, info.supplier(stats), label)
		}
	}
}
