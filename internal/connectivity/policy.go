// Package connectivity decides how peer links reach each other and builds
// the ICE configuration for each mode.
package connectivity

// Mode selects the transport path of new peer links.
type Mode string

const (
	Direct  Mode = "direct"
	Relayed Mode = "relayed"
)

// DefaultThreshold is the link count from which new links are relayed.
const DefaultThreshold = 4

// Policy switches to relayed connectivity once a participant already holds
// Threshold links. Existing links are never migrated.
type Policy struct {
	Threshold int
}

func NewPolicy(threshold int) Policy {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return Policy{Threshold: threshold}
}

// Decide returns the mode for the next link given the current link count.
func (p Policy) Decide(links int) Mode {
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if links < threshold {
		return Direct
	}
	return Relayed
}
