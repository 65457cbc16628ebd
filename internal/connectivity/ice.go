package connectivity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// Document is the ICE configuration exchanged over HTTP.
type Document struct {
	ICEServers         []ServerJSON `json:"iceServers"`
	ICETransportPolicy string       `json:"iceTransportPolicy,omitempty"`
}

type ServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// NewRelayDocument renders servers for clients that must use relays only.
func NewRelayDocument(servers []webrtc.ICEServer) Document {
	doc := Document{
		ICEServers:         make([]ServerJSON, 0, len(servers)),
		ICETransportPolicy: webrtc.ICETransportPolicyRelay.String(),
	}
	for _, s := range servers {
		cred, _ := s.Credential.(string)
		doc.ICEServers = append(doc.ICEServers, ServerJSON{
			URLs:       append(stringOrStringSlice(nil), s.URLs...),
			Username:   s.Username,
			Credential: cred,
		})
	}
	return doc
}

// ParseDocument parses and validates an ICE configuration document.
func ParseDocument(data []byte) ([]webrtc.ICEServer, webrtc.ICETransportPolicy, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, webrtc.ICETransportPolicyAll, err
	}

	out := make([]webrtc.ICEServer, 0, len(doc.ICEServers))
	for i, server := range doc.ICEServers {
		s, err := toICEServer(server.URLs, server.Username, server.Credential)
		if err != nil {
			return nil, webrtc.ICETransportPolicyAll, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, s)
	}
	policy := webrtc.ICETransportPolicyAll
	if doc.ICETransportPolicy != "" {
		policy = webrtc.NewICETransportPolicy(doc.ICETransportPolicy)
	}
	return out, policy, nil
}

// ServersFromURLs builds the server list from configured STUN and TURN urls.
func ServersFromURLs(stunURLs, turnURLs []string, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer
	if len(trimAll(stunURLs)) > 0 {
		s, err := toICEServer(stunURLs, "", "")
		if err != nil {
			return nil, fmt.Errorf("stun_urls: %w", err)
		}
		servers = append(servers, s)
	}
	if len(trimAll(turnURLs)) > 0 {
		s, err := toICEServer(turnURLs, turnUsername, turnCredential)
		if err != nil {
			return nil, fmt.Errorf("turn_urls: %w", err)
		}
		servers = append(servers, s)
	}
	return servers, nil
}

func toICEServer(urls []string, username, credential string) (webrtc.ICEServer, error) {
	s := webrtc.ICEServer{
		URLs:     trimAll(urls),
		Username: strings.TrimSpace(username),
	}
	if c := strings.TrimSpace(credential); c != "" {
		s.Credential = c
	}
	return s, validateICEServer(s)
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, u := range in {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

func validateICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}
	requiresCreds := false
	for _, url := range server.URLs {
		switch {
		case hasScheme(url, "stun:"), hasScheme(url, "stuns:"):
		case hasScheme(url, "turn:"), hasScheme(url, "turns:"):
			requiresCreds = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
	}
	if requiresCreds {
		if server.Username == "" {
			return errors.New("turn urls require username")
		}
		if cred, ok := server.Credential.(string); !ok || cred == "" {
			return errors.New("turn urls require credential")
		}
	}
	return nil
}

func hasScheme(url, scheme string) bool {
	return len(url) >= len(scheme) && strings.EqualFold(url[:len(scheme)], scheme)
}

func isTURN(server webrtc.ICEServer) bool {
	for _, url := range server.URLs {
		if hasScheme(url, "turn:") || hasScheme(url, "turns:") {
			return true
		}
	}
	return false
}
