package store

// Chat is one observed conversation. Identity is the channel-prefixed
// string ("signal:+15550100" or "signal:<groupId>").
type Chat struct {
	Identity   string
	Name       string
	IsGroup    bool
	Registered bool
	LastSeenAt int64 // unix millis of the latest observed message
}

// Contact maps a Signal UUID to a display name learned from envelopes.
type Contact struct {
	ID   string
	Name string
}
