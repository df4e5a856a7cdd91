// Command roulette is a headless matching client. It joins the relay,
// searches for a peer by preference, and keeps the session healthy until
// interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-roulette/config"
	"github.com/mossy-p/webrtc-roulette/internal/logging"
	"github.com/mossy-p/webrtc-roulette/internal/metrics"
	"github.com/mossy-p/webrtc-roulette/internal/models"
	"github.com/mossy-p/webrtc-roulette/internal/moderation"
	"github.com/mossy-p/webrtc-roulette/internal/rtc"
	"github.com/mossy-p/webrtc-roulette/internal/session"
	"github.com/mossy-p/webrtc-roulette/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	relayURL   string
	prefs      models.Preferences
	skipAfter  time.Duration
}

func parseFlags() options {
	var o options
	pflag.StringVarP(&o.configPath, "config", "c", "", "YAML config file (also CONFIG_FILE)")
	pflag.StringVar(&o.relayURL, "relay", "", "relay base URL, overrides RELAY_URL")
	pflag.StringVar(&o.prefs.Country, "country", "", "country to declare")
	pflag.StringVar(&o.prefs.Gender, "gender", "", "own gender")
	pflag.StringVar(&o.prefs.DesiredGender, "want", "", "desired peer gender (any, both, or a value)")
	pflag.StringSliceVar(&o.prefs.Interests, "interests", nil, "comma separated interests")
	pflag.DurationVar(&o.skipAfter, "skip-after", 0, "skip each peer after this long, 0 stays")
	pflag.Parse()
	return o
}

// logCapture stands in for a camera: tier changes are only logged.
type logCapture struct{ log *zap.Logger }

func (c logCapture) ApplyConstraints(r models.Resolution) error {
	c.log.Info("capture constraints", zap.Int("width", r.Width), zap.Int("height", r.Height), zap.Int("fps", r.FrameRate))
	return nil
}

func run() error {
	opts := parseFlags()
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.relayURL != "" {
		cfg.Client.RelayURL = opts.relayURL
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	if cfg.Metrics.Addr != "" {
		go func() {
			log.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
			if err := http.ListenAndServe(cfg.Metrics.Addr, metrics.Handler(reg)); err != nil {
				log.Error("metrics listener stopped", zap.Error(err))
			}
		}()
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	id, err := transport.Login(ctx, httpClient, cfg.Client.RelayURL)
	if err != nil {
		return err
	}
	log = log.With(zap.String("client", id.ClientID))

	relay, err := transport.Dial(ctx, cfg.Client.RelayURL, id.Token, id.ClientID, log.Named("relay"))
	if err != nil {
		return err
	}
	defer relay.Close()

	factory, err := rtc.NewPionFactory(cfg.Client.ICEServers, log.Named("rtc"))
	if err != nil {
		return err
	}

	m := session.NewManager(session.ConfigFrom(cfg.Client), session.Deps{
		Relay:      relay,
		Factory:    factory,
		Moderation: &moderation.HTTPClient{BaseURL: cfg.Client.RelayURL, Token: id.Token, Client: httpClient},
		Capture:    logCapture{log: log.Named("capture")},
		Metrics:    metrics.NewSession(reg),
		Log:        log,
	})
	defer m.Close()

	events, _ := m.Subscribe(32)
	if err := m.Start(ctx, opts.prefs); err != nil {
		return fmt.Errorf("start search: %w", err)
	}
	return loop(ctx, m, events, opts, cfg.Client.ReconnectDelay, log)
}

// loop logs lifecycle events and searches again whenever the manager
// gives up and goes idle. It returns once ctx ends or a search cannot
// be started.
func loop(ctx context.Context, m *session.Manager, events <-chan session.Event, opts options, retry time.Duration, log *zap.Logger) error {
	var skip *time.Timer
	defer func() {
		if skip != nil {
			skip.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return m.Stop(stopCtx)

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case session.EventMatchFound:
				log.Info("matched", zap.String("peer", ev.PeerID),
					zap.String("country", ev.Preferences.Country), zap.Strings("interests", ev.Preferences.Interests))
			case session.EventConnected:
				log.Info("connected", zap.String("peer", ev.PeerID), zap.String("session", ev.SessionID))
				if opts.skipAfter > 0 {
					skip = time.AfterFunc(opts.skipAfter, func() {
						if err := m.Skip(ctx); err != nil && !errors.Is(err, session.ErrNoSession) {
							log.Warn("skip failed", zap.Error(err))
						}
					})
				}
			case session.EventDisconnected:
				if skip != nil {
					skip.Stop()
				}
				log.Info("disconnected", zap.String("peer", ev.PeerID),
					zap.String("reason", string(ev.Reason)), zap.Bool("remote", ev.Remote))
			case session.EventError:
				log.Warn("session error", zap.String("message", ev.Message))
				if m.State() != session.StateIdle {
					continue
				}
				select {
				case <-ctx.Done():
					continue
				case <-time.After(retry):
				}
				if err := m.Start(ctx, opts.prefs); err != nil && !errors.Is(err, session.ErrActive) {
					return fmt.Errorf("restart search: %w", err)
				}
			}
		}
	}
}
