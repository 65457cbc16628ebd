package negotiation

type State int

const (
	Idle State = iota
	OfferSent
	OfferReceived
	AnswerSent
	Connected
	Restarting
	Failed
	Closed
)

var stateNames = [...]string{
	Idle:          "idle",
	OfferSent:     "offer-sent",
	OfferReceived: "offer-received",
	AnswerSent:    "answer-sent",
	Connected:     "connected",
	Restarting:    "restarting",
	Failed:        "failed",
	Closed:        "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// transitions lists every legal move. Closed is terminal.
var transitions = map[State][]State{
	Idle:          {OfferSent, OfferReceived, Restarting, Failed, Closed},
	OfferSent:     {Connected, Restarting, Failed, Closed},
	OfferReceived: {AnswerSent, Idle, Connected, Failed, Closed},
	AnswerSent:    {Connected, OfferReceived, Restarting, Failed, Closed},
	Connected:     {OfferSent, OfferReceived, Restarting, Failed, Closed},
	Restarting:    {Idle, OfferSent, OfferReceived, Failed, Closed},
	Failed:        {OfferReceived, Closed},
	Closed:        nil,
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
