package quality

import (
	"time"

	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-roulette/internal/models"
	"github.com/mossy-p/webrtc-roulette/internal/reactor"
	"github.com/mossy-p/webrtc-roulette/internal/rtc"
	"github.com/mossy-p/webrtc-roulette/internal/transport"
)

// Tier is one capture setting. Tiers[0] is the default.
type Tier struct {
	Name       string
	Resolution models.Resolution
}

var Tiers = []Tier{
	{Name: "720p", Resolution: models.Resolution{Width: 1280, Height: 720, FrameRate: 30}},
	{Name: "540p", Resolution: models.Resolution{Width: 960, Height: 540, FrameRate: 24}},
	{Name: "360p", Resolution: models.Resolution{Width: 640, Height: 360, FrameRate: 15}},
	{Name: "180p", Resolution: models.Resolution{Width: 320, Height: 180, FrameRate: 10}},
}

type Verdict int

const (
	Unchanged Verdict = iota
	Poor
	Good
)

func (v Verdict) String() string {
	switch v {
	case Poor:
		return "poor"
	case Good:
		return "good"
	}
	return "unchanged"
}

// Classify grades one sample. PacketLoss is a fraction.
func Classify(q models.ConnectionQuality) Verdict {
	switch {
	case q.BandwidthKbps < 500 || q.RTT > 300*time.Millisecond || q.PacketLoss > 0.05:
		return Poor
	case q.BandwidthKbps > 1500 && q.RTT < 100*time.Millisecond && q.PacketLoss < 0.01:
		return Good
	}
	return Unchanged
}

// Capture is the local media source. It is outside this module; the
// controller only tells it what to produce.
type Capture interface {
	ApplyConstraints(res models.Resolution) error
}

type StatsSource interface {
	Stats() (rtc.Stats, error)
}

type Config struct {
	Interval time.Duration
	Window   int
}

// Controller must only be used from inside its reactor. Stats are read on
// a separate goroutine because the media stack may block.
type Controller struct {
	r       *reactor.Reactor
	relay   transport.Relay
	capture Capture
	cfg     Config
	log     *zap.Logger

	est      *Estimator
	peerID   string
	source   StatsSource
	running  bool
	gen      int
	timer    *reactor.Timer
	prev     rtc.Stats
	havePrev bool
	tier     int
	last     *models.ConnectionQuality

	OnSample     func(models.ConnectionQuality)
	OnTierChange func(tier int)
}

func NewController(r *reactor.Reactor, relay transport.Relay, capture Capture, cfg Config, log *zap.Logger) *Controller {
	return &Controller{
		r:       r,
		relay:   relay,
		capture: capture,
		cfg:     cfg,
		log:     log,
		est:     NewEstimator(cfg.Window),
	}
}

// Start samples source every interval on behalf of the session with peerID.
func (c *Controller) Start(peerID string, source StatsSource) {
	c.Stop()
	c.peerID = peerID
	c.source = source
	c.running = true
	c.timer = c.r.AfterFunc(c.cfg.Interval, c.tick)
}

// Stop halts sampling and restores the default tier for the next session.
func (c *Controller) Stop() {
	c.running = false
	c.gen++
	c.timer.Stop()
	c.havePrev = false
	c.last = nil
	c.est.Reset()
	if c.tier != 0 {
		c.setTier(0)
	}
}

func (c *Controller) Tier() int { return c.tier }

// Quality returns the latest sample, if one has been taken.
func (c *Controller) Quality() (models.ConnectionQuality, bool) {
	if c.last == nil {
		return models.ConnectionQuality{}, false
	}
	return *c.last, true
}

func (c *Controller) tick() {
	if !c.running {
		return
	}
	gen, source := c.gen, c.source
	go func() {
		stats, err := source.Stats()
		_ = c.r.Post(func() {
			if !c.running || gen != c.gen {
				return
			}
			if err != nil {
				c.log.Debug("stats unavailable", zap.Error(err))
			} else {
				c.Observe(stats)
			}
			c.timer = c.r.AfterFunc(c.cfg.Interval, c.tick)
		})
	}()
}

// Observe folds a cumulative stats snapshot into the estimate and adapts
// the tier. The first snapshot only sets the baseline.
func (c *Controller) Observe(st rtc.Stats) {
	if !c.havePrev {
		c.prev, c.havePrev = st, true
		return
	}
	prev := c.prev
	c.prev = st
	elapsed := st.Timestamp.Sub(prev.Timestamp).Seconds()
	if elapsed <= 0 {
		return
	}

	c.est.Add(float64(delta(st.BytesReceived, prev.BytesReceived)) * 8 / 1000 / elapsed)
	lost := delta(st.PacketsLost, prev.PacketsLost)
	received := delta(st.PacketsReceived, prev.PacketsReceived)
	var loss float64
	if total := lost + received; total > 0 {
		loss = float64(lost) / float64(total)
	}
	q := models.ConnectionQuality{
		RTT:           st.RTT,
		Jitter:        st.Jitter,
		PacketLoss:    loss,
		BandwidthKbps: c.est.Estimate(),
		Resolution:    Tiers[c.tier].Resolution,
		SampledAt:     st.Timestamp,
	}
	c.last = &q
	if c.OnSample != nil {
		c.OnSample(q)
	}

	switch v := Classify(q); {
	case v == Poor && c.tier < len(Tiers)-1:
		c.setTier(c.tier + 1)
		c.notify(v)
	case v == Good && c.tier > 0:
		c.setTier(0)
		c.notify(v)
	}
}

func delta(now, before uint64) uint64 {
	if now < before {
		return 0
	}
	return now - before
}

func (c *Controller) setTier(tier int) {
	c.tier = tier
	res := Tiers[tier].Resolution
	c.log.Info("capture tier changed", zap.String("tier", Tiers[tier].Name))
	if c.capture != nil {
		if err := c.capture.ApplyConstraints(res); err != nil {
			c.log.Warn("apply capture constraints", zap.Error(err))
		}
	}
	if c.OnTierChange != nil {
		c.OnTierChange(tier)
	}
}

func (c *Controller) notify(v Verdict) {
	msg := &models.QualityChange{Tier: Tiers[c.tier].Name, Reason: v.String()}
	if err := c.relay.SendDirect(c.peerID, msg); err != nil {
		c.log.Debug("send quality-change failed", zap.Error(err))
	}
}

// Handle consumes the peer's QualityChange notices.
func (c *Controller) Handle(msg models.Message) bool {
	qc, ok := msg.(*models.QualityChange)
	if !ok {
		return false
	}
	if c.running && qc.From() == c.peerID {
		c.log.Info("peer changed capture tier", zap.String("tier", qc.Tier), zap.String("reason", qc.Reason))
	}
	return true
}
