package posting

import "time"

// Defaults for a freshly attached account. Posting starts disabled with an
// empty destination list; the owner configures everything through the bot.
const (
	DefaultText     = "Automatic post"
	DefaultInterval = 10 * time.Second
)

// Timings controls unit pacing. IdlePoll is how often a disabled or
// destination-less unit re-checks its configuration; SendPause separates
// sends within one cycle to avoid bursty delivery.
type Timings struct {
	IdlePoll  time.Duration
	SendPause time.Duration
}

func (t Timings) withDefaults() Timings {
	if t.IdlePoll <= 0 {
		t.IdlePoll = 5 * time.Second
	}
	if t.SendPause <= 0 {
		t.SendPause = 2 * time.Second
	}
	return t
}

// Snapshot is a point-in-time copy of one account's posting configuration.
// Destinations are kept in their stored order; units send strictly in that
// order within a cycle.
type Snapshot struct {
	OwnerID      int64
	Text         string
	Destinations []string
	Interval     time.Duration
	Enabled      bool
}

func (s Snapshot) clone() Snapshot {
	s.Destinations = append([]string(nil), s.Destinations...)
	return s
}
