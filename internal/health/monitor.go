// Package health detects dead sessions with application-level heartbeats.
//
// One heartbeat is outstanding at a time. It goes out over the relay and,
// when open, over the direct data path; the first response that echoes its
// timestamp settles it. A response for any other timestamp is late and
// ignored, so it can never reset the miss count of a later heartbeat.
package health

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-roulette/internal/models"
	"github.com/mossy-p/webrtc-roulette/internal/reactor"
	"github.com/mossy-p/webrtc-roulette/internal/rtc"
	"github.com/mossy-p/webrtc-roulette/internal/transport"
)

type Config struct {
	Interval  time.Duration
	Timeout   time.Duration
	MaxMisses int
}

// DataPath is the direct peer channel, usually the negotiation coordinator.
type DataPath interface {
	SendData(data []byte) error
}

// Monitor must only be used from inside its reactor.
type Monitor struct {
	r     *reactor.Reactor
	relay transport.Relay
	cfg   Config
	log   *zap.Logger

	peerID  string
	data    DataPath
	running bool
	next    *reactor.Timer
	expiry  *reactor.Timer
	// outstanding is the timestamp of the unanswered heartbeat, 0 if none.
	outstanding int64
	lastSent    int64
	sentAt      time.Time
	missed      int
	rtt         time.Duration

	// OnDead fires once when MaxMisses consecutive heartbeats went unanswered.
	OnDead func()
	// OnRTT reports each measured round trip.
	OnRTT func(time.Duration)
}

func NewMonitor(r *reactor.Reactor, relay transport.Relay, cfg Config, log *zap.Logger) *Monitor {
	return &Monitor{r: r, relay: relay, cfg: cfg, log: log}
}

// Start begins monitoring peerID. data may be nil.
func (m *Monitor) Start(peerID string, data DataPath) {
	m.Stop()
	m.peerID = peerID
	m.data = data
	m.running = true
	m.missed = 0
	m.next = m.r.AfterFunc(m.cfg.Interval, m.send)
	m.log.Debug("heartbeat monitor started", zap.String("peer", peerID))
}

// Stop cancels every pending timer. Responses arriving afterwards are
// ignored.
func (m *Monitor) Stop() {
	m.running = false
	m.next.Stop()
	m.expiry.Stop()
	m.outstanding = 0
}

func (m *Monitor) Running() bool      { return m.running }
func (m *Monitor) Missed() int        { return m.missed }
func (m *Monitor) RTT() time.Duration { return m.rtt }

func (m *Monitor) send() {
	if !m.running {
		return
	}
	ts := m.r.Now().UnixMilli()
	if ts <= m.lastSent {
		ts = m.lastSent + 1
	}
	m.lastSent = ts
	m.outstanding = ts
	m.sentAt = m.r.Now()

	hb := &models.Heartbeat{Timestamp: ts}
	if err := m.relay.SendDirect(m.peerID, hb); err != nil {
		m.log.Debug("heartbeat over relay failed", zap.Error(err))
	}
	m.sendData(hb)
	m.expiry = m.r.AfterFunc(m.cfg.Timeout, func() { m.onTimeout(ts) })
}

func (m *Monitor) sendData(msg models.Message) {
	if m.data == nil {
		return
	}
	msg.SetFrom(m.relay.ClientID())
	raw, err := models.Encode(msg, m.peerID)
	if err != nil {
		m.log.Warn("encode heartbeat", zap.Error(err))
		return
	}
	if err := m.data.SendData(raw); err != nil && !errors.Is(err, rtc.ErrDataChannelClosed) {
		m.log.Debug("heartbeat over data path failed", zap.Error(err))
	}
}

func (m *Monitor) onTimeout(ts int64) {
	if !m.running || m.outstanding != ts {
		return
	}
	m.outstanding = 0
	m.missed++
	m.log.Info("heartbeat missed", zap.Int("missed", m.missed), zap.String("peer", m.peerID))
	if m.missed >= m.cfg.MaxMisses {
		m.Stop()
		if m.OnDead != nil {
			m.OnDead()
		}
		return
	}
	m.send()
}

// Handle consumes heartbeat traffic from the monitored peer arriving over
// the relay and reports whether msg was heartbeat traffic.
func (m *Monitor) Handle(msg models.Message) bool {
	return m.handle(msg, false)
}

// HandleData consumes a frame from the direct data path.
func (m *Monitor) HandleData(raw []byte) {
	_, msg, err := models.Decode(raw)
	if err != nil {
		m.log.Debug("dropping data frame", zap.Error(err))
		return
	}
	m.handle(msg, true)
}

func (m *Monitor) handle(msg models.Message, direct bool) bool {
	switch hb := msg.(type) {
	case *models.Heartbeat:
		if m.running && hb.From() == m.peerID {
			m.reply(hb, direct)
		}
	case *models.HeartbeatResponse:
		if m.running && hb.From() == m.peerID {
			m.onResponse(hb)
		}
	default:
		return false
	}
	return true
}

func (m *Monitor) reply(hb *models.Heartbeat, direct bool) {
	resp := &models.HeartbeatResponse{Timestamp: hb.Timestamp, ReceivedAt: m.r.Now().UnixMilli()}
	if direct {
		m.sendData(resp)
		return
	}
	if err := m.relay.SendDirect(m.peerID, resp); err != nil {
		m.log.Debug("heartbeat response failed", zap.Error(err))
	}
}

func (m *Monitor) onResponse(resp *models.HeartbeatResponse) {
	if m.outstanding == 0 || resp.Timestamp != m.outstanding {
		m.log.Debug("ignoring late heartbeat response", zap.Int64("timestamp", resp.Timestamp))
		return
	}
	m.expiry.Stop()
	m.outstanding = 0
	m.missed = 0
	m.rtt = m.r.Now().Sub(time.UnixMilli(resp.Timestamp))
	if m.OnRTT != nil {
		m.OnRTT(m.rtt)
	}
	// Beats keep a fixed cadence measured from the send, not the reply.
	wait := m.cfg.Interval - m.r.Now().Sub(m.sentAt)
	if wait < 0 {
		wait = 0
	}
	m.next = m.r.AfterFunc(wait, m.send)
}
