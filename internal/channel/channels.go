package channel

import (
	"context"
	"sync"
	"time"

	"bookflow/logger"
	"bookflow/models"
)

type ChannelStats struct {
	UpdatesSent    int64
	UpdatesDropped int64
}

// Channels carries best price updates from the aggregator to the broadcast
// hub. Sends never block: when the buffer is full the update is dropped and
// counted, because a fresher quote for the same pair follows on the next tick.
type Channels struct {
	Updates chan models.BookUpdate

	stats               ChannelStats
	statsMutex          sync.RWMutex
	log                 *logger.Log
	metricsReportTicker *time.Ticker
}

func NewChannels(updateBufferSize int) *Channels {
	log := logger.GetLogger()

	c := &Channels{
		Updates: make(chan models.BookUpdate, updateBufferSize),
		log:     log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"update_buffer_size": updateBufferSize,
	}).Info("channels initialized")

	return c
}

func (c *Channels) StartMetricsReporting(ctx context.Context) {
	c.metricsReportTicker = time.NewTicker(30 * time.Second)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.metricsReportTicker.Stop()
				return
			case <-c.metricsReportTicker.C:
				c.logChannelStats(c.log)
			}
		}
	}()
}

func (c *Channels) logChannelStats(log *logger.Log) {
	c.statsMutex.RLock()
	stats := c.stats
	c.statsMutex.RUnlock()

	log.WithComponent("channels").WithFields(logger.Fields{
		"updates_sent":        stats.UpdatesSent,
		"updates_dropped":     stats.UpdatesDropped,
		"updates_channel_len": len(c.Updates),
		"updates_channel_cap": cap(c.Updates),
	}).Info("channel statistics")
}

func (c *Channels) Close() {
	if c.metricsReportTicker != nil {
		c.metricsReportTicker.Stop()
	}

	close(c.Updates)

	c.log.WithComponent("channels").Info("all channels closed")
}

func (c *Channels) IncrementUpdatesSent() {
	c.statsMutex.Lock()
	c.stats.UpdatesSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementUpdatesDropped() {
	c.statsMutex.Lock()
	c.stats.UpdatesDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) SendUpdate(ctx context.Context, msg models.BookUpdate) bool {
	select {
	case c.Updates <- msg:
		c.IncrementUpdatesSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementUpdatesDropped()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
