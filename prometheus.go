package trinity

import (
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/trinity-network/trinity/build"
	"github.com/trinity-network/trinity/channeldb"
)

// exportPrometheusStats registers the daemon's static gauges, the channel
// collector and the collectors of the sub systems with the registry.
func exportPrometheusStats(s *server, reg prometheus.Registerer) error {
	trndLog.Info("Adding Prometheus stats")

	// Export some static data.
	versionGauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trinity_version",
			Help: "Version of trinity running.",
		},
		[]string{"version", "commit"},
	)
	versionGauge.WithLabelValues(build.Version(), build.Commit).Set(1)

	startTime := time.Now()
	uptime := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "trinity_uptime",
			Help: "Uptime of trinity in seconds.",
		},
		func() float64 {
			return time.Since(startTime).Seconds()
		},
	)

	// Could be a counter, but a reported height may go back.
	blockHeight := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "trinity_block_height",
			Help: "Last chain height seen by the wallet.",
		},
		func() float64 {
			height, err := s.db.FetchBlockHeight(s.cfg.Endpoint())
			if err != nil {
				return math.NaN()
			}

			return float64(height)
		},
	)

	collectors := []prometheus.Collector{
		versionGauge, uptime, blockHeight, newChannelsCollector(s),
		s.arbitrator, s.dispatcher,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}

	return nil
}

// channelsCollector exports the balances of every channel and the number of
// channels per lifecycle state.
type channelsCollector struct {
	server *server

	founderBalanceDesc *prometheus.Desc
	partnerBalanceDesc *prometheus.Desc
	pendingHtlcsDesc   *prometheus.Desc
	stateCountDesc     *prometheus.Desc
}

func newChannelsCollector(server *server) prometheus.Collector {
	channelLabels := []string{"channel_id", "asset"}

	return &channelsCollector{
		server: server,
		founderBalanceDesc: prometheus.NewDesc(
			"trinity_channel_founder_balance_by_channel",
			"Balance of the founder of a channel by channel",
			channelLabels, nil,
		),
		partnerBalanceDesc: prometheus.NewDesc(
			"trinity_channel_partner_balance_by_channel",
			"Balance of the partner of a channel by channel",
			channelLabels, nil,
		),
		pendingHtlcsDesc: prometheus.NewDesc(
			"trinity_channel_pending_htlcs_by_channel",
			"Hash locked payments not yet resolved by channel",
			channelLabels, nil,
		),
		stateCountDesc: prometheus.NewDesc(
			"trinity_channels_count",
			"Number of channels in each lifecycle state",
			[]string{"state"}, nil,
		),
	}
}

// Describe sends the descriptors of the collector.
//
// NOTE: Part of the prometheus.Collector interface.
func (c *channelsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.founderBalanceDesc
	ch <- c.partnerBalanceDesc
	ch <- c.pendingHtlcsDesc
	ch <- c.stateCountDesc
}

// Collect reads the channels from the ledger store.
//
// NOTE: Part of the prometheus.Collector interface.
func (c *channelsCollector) Collect(ch chan<- prometheus.Metric) {
	channels, err := c.server.db.FetchAllChannels()
	if err != nil {
		trndLog.Errorf("Unable to collect channel metrics: %v", err)
		return
	}

	counts := make(map[channeldb.ChannelState]int)
	for _, channel := range channels {
		counts[channel.State]++

		if channel.State == channeldb.ChanStateClosed {
			continue
		}

		labels := []string{channel.ID.String(), channel.Asset}
		ch <- prometheus.MustNewConstMetric(
			c.founderBalanceDesc, prometheus.GaugeValue,
			float64(channel.FounderBalance), labels...,
		)
		ch <- prometheus.MustNewConstMetric(
			c.partnerBalanceDesc, prometheus.GaugeValue,
			float64(channel.PartnerBalance), labels...,
		)
		ch <- prometheus.MustNewConstMetric(
			c.pendingHtlcsDesc, prometheus.GaugeValue,
			float64(len(channel.PendingHTLCs)), labels...,
		)
	}

	for state := channeldb.ChanStateInit; state <= channeldb.ChanStateClosed; state++ {
		ch <- prometheus.MustNewConstMetric(
			c.stateCountDesc, prometheus.GaugeValue,
			float64(counts[state]), state.String(),
		)
	}
}
