package connectivity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// DefaultSTUN is used for direct links and whenever no relay is known.
var DefaultSTUN = []string{"stun:stun.l.google.com:19302"}

const maxDocumentSize = 64 << 10

// Provider hands out peer connection configurations per mode. Relay
// servers are fetched once from URL; a failed fetch degrades relayed
// links to the direct configuration.
type Provider struct {
	URL    string
	Client *http.Client
	STUN   []string

	once  sync.Once
	mu    sync.RWMutex
	relay []webrtc.ICEServer
}

func NewProvider(url string, stun []string) *Provider {
	if len(stun) == 0 {
		stun = DefaultSTUN
	}
	return &Provider{
		URL:    url,
		Client: &http.Client{Timeout: 5 * time.Second},
		STUN:   stun,
	}
}

// Load fetches the relay configuration. Only the first call does any work;
// its error is logged and returned, never fatal.
func (p *Provider) Load(ctx context.Context) error {
	var err error
	p.once.Do(func() {
		if p.URL == "" {
			log.Info().Str("module", "connectivity").Msg("no ice config url, relayed links fall back to direct")
			return
		}
		var servers []webrtc.ICEServer
		servers, err = p.fetch(ctx)
		if err != nil {
			log.Warn().Err(err).Str("module", "connectivity").Str("url", p.URL).Msg("ice config fetch failed")
			return
		}
		p.mu.Lock()
		p.relay = servers
		p.mu.Unlock()
		log.Info().Str("module", "connectivity").Int("servers", len(servers)).Msg("relay configuration loaded")
	})
	return err
}

func (p *Provider) fetch(ctx context.Context) ([]webrtc.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, err
	}
	servers, _, err := ParseDocument(body)
	if err != nil {
		return nil, fmt.Errorf("parse ice config: %w", err)
	}
	return servers, nil
}

// HasRelay reports whether relay servers were loaded.
func (p *Provider) HasRelay() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.relay {
		if isTURN(s) {
			return true
		}
	}
	return false
}

// Configuration returns the peer connection configuration for mode.
func (p *Provider) Configuration(mode Mode) webrtc.Configuration {
	direct := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: p.STUN}},
	}
	if mode != Relayed {
		return direct
	}
	if !p.HasRelay() {
		log.Debug().Str("module", "connectivity").Msg("no TURN servers, using direct configuration")
		return direct
	}
	p.mu.RLock()
	servers := append([]webrtc.ICEServer(nil), p.relay...)
	p.mu.RUnlock()
	return webrtc.Configuration{
		ICEServers:         servers,
		ICETransportPolicy: webrtc.ICETransportPolicyRelay,
	}
}
