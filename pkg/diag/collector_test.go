//go:build unit

package diag

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/anthropics/rrf-spi-bridge/pkg/channel"
	"github.com/anthropics/rrf-spi-bridge/pkg/packet"
)

type fakeLister struct {
	channels map[packet.Channel]*channel.State
}

func (f *fakeLister) Channel(id packet.Channel) *channel.State { return f.channels[id] }

func TestCollectorReportsChannelAndTransportMetrics(t *testing.T) {
	ch := channel.New(packet.ChannelHTTP, nil)
	ch.Push("G28")

	lister := &fakeLister{channels: map[packet.Channel]*channel.State{
		packet.ChannelHTTP: ch,
	}}

	c := NewCollector(lister, []packet.Channel{packet.ChannelHTTP}, func() TransportStats {
		return TransportStats{ResponseHeaderState: 3, ResponseCodeState: 6, PeerResetCount: 1, CRCFailureCount: 2}
	})

	count := testutil.CollectAndCount(c)
	// 4 transport metrics + 7 per-channel metrics for 1 known channel.
	if count != 11 {
		t.Fatalf("expected 11 metrics, got %d", count)
	}
}

func TestCollectorSkipsUnknownChannels(t *testing.T) {
	lister := &fakeLister{channels: map[packet.Channel]*channel.State{}}
	c := NewCollector(lister, []packet.Channel{packet.ChannelHTTP}, nil)

	count := testutil.CollectAndCount(c)
	if count != 0 {
		t.Fatalf("expected 0 metrics when the channel isn't registered and transport is nil, got %d", count)
	}
}
