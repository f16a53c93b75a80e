package signal

// ChannelPrefix namespaces chat identities so a future second channel can
// share the registry without collisions.
const ChannelPrefix = "signal"

// ChatIdentity is the canonical address of a conversation: either a direct
// peer (phone number or account UUID) or a group id. Immutable; rendered
// as "signal:<raw-id>", and equal iff the rendered strings are equal.
type ChatIdentity struct {
	raw   string
	group bool
}

// DirectIdentity addresses a direct peer.
func DirectIdentity(id string) ChatIdentity {
	return ChatIdentity{raw: id}
}

// GroupIdentity addresses a group.
func GroupIdentity(id string) ChatIdentity {
	return ChatIdentity{raw: id, group: true}
}

// Raw returns the unprefixed peer or group id.
func (c ChatIdentity) Raw() string { return c.raw }

// IsGroup reports whether the identity addresses a group.
func (c ChatIdentity) IsGroup() bool { return c.group }

// IsZero reports whether the identity is unset.
func (c ChatIdentity) IsZero() bool { return c.raw == "" }

func (c ChatIdentity) String() string { return ChannelPrefix + ":" + c.raw }

// InboundEnvelope is one decoded inbound message, normalized from the two
// wire shapes (direct receive and sent-message echo). Built once per
// notification and handed to the message handler.
type InboundEnvelope struct {
	Chat        ChatIdentity
	IsGroup     bool
	SenderID    string
	SenderName  string
	TimestampMs int64
	Body        string
	Quote       *Quote
	Reaction    *Reaction
	Attachments []AttachmentRef
}

// Quote is a reply reference to an earlier message.
type Quote struct {
	Author  string
	Snippet string
}

// Reaction is an emoji reaction addition. Removals are never materialized.
type Reaction struct {
	Emoji           string
	TargetAuthor    string
	TargetTimestamp string // RFC 3339; empty when the wire omitted it
}

// AttachmentRef points at a received attachment file on disk. HostPath is
// always an existing file at decode time; envelopes never carry dangling
// references.
type AttachmentRef struct {
	ContentType   string
	Filename      string
	HostPath      string
	ContainerPath string
	SizeBytes     int64
}
