package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestPolicyRelaysFifthLink(t *testing.T) {
	t.Parallel()

	p := NewPolicy(0)
	for links := 0; links < 4; links++ {
		if got := p.Decide(links); got != Direct {
			t.Fatalf("link %d: expected direct, got %s", links+1, got)
		}
	}
	if got := p.Decide(4); got != Relayed {
		t.Fatalf("5th link: expected relayed, got %s", got)
	}
	if got := NewPolicy(2).Decide(2); got != Relayed {
		t.Fatalf("custom threshold: expected relayed, got %s", got)
	}
}

func TestParseDocumentSupportsSingleStringURLs(t *testing.T) {
	t.Parallel()

	raw := `{"iceServers":[{"urls":"stun:stun.example.com:3478"},
	  {"urls":["turn:turn.example.com:3478?transport=udp"],"username":"user","credential":"pass"}],
	  "iceTransportPolicy":"relay"}`

	servers, policy, err := ParseDocument([]byte(raw))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if got := servers[0].URLs; len(got) != 1 || got[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected urls: %#v", got)
	}
	if cred, ok := servers[1].Credential.(string); !ok || cred != "pass" {
		t.Fatalf("unexpected credential: %#v", servers[1].Credential)
	}
	if policy != webrtc.ICETransportPolicyRelay {
		t.Fatalf("expected relay policy, got %s", policy)
	}
}

func TestParseDocumentRejectsTURNWithoutCreds(t *testing.T) {
	t.Parallel()

	if _, _, err := ParseDocument([]byte(`{"iceServers":[{"urls":"turn:t.example.com"}]}`)); err == nil {
		t.Fatal("expected error")
	}
	if _, _, err := ParseDocument([]byte(`{"iceServers":[{"urls":"http://x"}]}`)); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestServersFromURLs(t *testing.T) {
	t.Parallel()

	servers, err := ServersFromURLs([]string{"stun:a"}, []string{" turn:b ", ""}, "u", "p")
	if err != nil {
		t.Fatal(err)
	}
	if len(servers) != 2 || servers[1].URLs[0] != "turn:b" {
		t.Fatalf("unexpected servers: %#v", servers)
	}
	if _, err := ServersFromURLs(nil, []string{"turn:b"}, "", ""); err == nil {
		t.Fatal("expected error for turn without credentials")
	}
}

func TestProviderFetchesOnce(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"iceServers":[{"urls":["turn:relay.example.com:3478"],"username":"u","credential":"c"}],"iceTransportPolicy":"relay"}`))
	}))
	defer srv.Close()

	p := NewProvider(srv.URL, nil)
	for i := 0; i < 3; i++ {
		if err := p.Load(context.Background()); err != nil {
			t.Fatalf("load: %v", err)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("expected a single fetch, got %d", hits.Load())
	}
	if !p.HasRelay() {
		t.Fatal("expected relay servers")
	}

	cfg := p.Configuration(Relayed)
	if cfg.ICETransportPolicy != webrtc.ICETransportPolicyRelay {
		t.Fatalf("expected relay-only policy, got %s", cfg.ICETransportPolicy)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != "turn:relay.example.com:3478" {
		t.Fatalf("unexpected servers: %#v", cfg.ICEServers)
	}

	direct := p.Configuration(Direct)
	if direct.ICETransportPolicy == webrtc.ICETransportPolicyRelay || direct.ICEServers[0].URLs[0] != DefaultSTUN[0] {
		t.Fatalf("unexpected direct configuration: %#v", direct)
	}
}

func TestProviderFallsBackWhenFetchFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewProvider(srv.URL, []string{"stun:local:3478"})
	if err := p.Load(context.Background()); err == nil {
		t.Fatal("expected fetch error")
	}
	cfg := p.Configuration(Relayed)
	if cfg.ICETransportPolicy == webrtc.ICETransportPolicyRelay {
		t.Fatal("relayed must degrade to direct without relay servers")
	}
	if cfg.ICEServers[0].URLs[0] != "stun:local:3478" {
		t.Fatalf("unexpected fallback servers: %#v", cfg.ICEServers)
	}
}

func TestProviderIgnoresRelayDocumentWithoutTURN(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"iceServers":[{"urls":"stun:stun.l.google.com:19302"}],"iceTransportPolicy":"relay"}`))
	}))
	defer srv.Close()

	p := NewProvider(srv.URL, []string{"stun:local:3478"})
	if err := p.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.HasRelay() {
		t.Fatal("STUN-only document must not count as a relay")
	}
	cfg := p.Configuration(Relayed)
	if cfg.ICETransportPolicy == webrtc.ICETransportPolicyRelay {
		t.Fatal("relay-only policy without TURN servers can never connect")
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != "stun:local:3478" {
		t.Fatalf("unexpected fallback servers: %#v", cfg.ICEServers)
	}
}

func TestRelayDocumentRoundTrip(t *testing.T) {
	t.Parallel()

	servers, err := ServersFromURLs(nil, []string{"turns:r:5349"}, "u", "c")
	if err != nil {
		t.Fatal(err)
	}
	doc := NewRelayDocument(servers)
	if doc.ICETransportPolicy != "relay" || len(doc.ICEServers) != 1 || doc.ICEServers[0].Credential != "c" {
		t.Fatalf("unexpected document: %#v", doc)
	}
}
