// Package signal decodes signal-cli receive notifications into normalized
// inbound envelopes and publishes them on the bus.
package signal

import (
	"context"
	"encoding/json"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rfagundes/sigd/internal/bus"
	"go.uber.org/zap"
)

// discoveryCommand is the reserved inbound keyword that makes the decoder
// reply with the chat's identity string instead of routing the message.
const discoveryCommand = "whoami"

// quoteSnippetLimit bounds quote previews carried on envelopes.
const quoteSnippetLimit = 100

// Registry records every chat the channel has seen (this is how new
// conversations are discovered) and answers whether a chat is registered
// to reach the message handler.
type Registry interface {
	ObserveChat(identity, name string, isGroup bool, lastSeenMs int64)
	ObserveContact(id, name string)
	IsRegistered(identity string) bool
	ContactName(id string) string
}

// Transcriber converts an audio attachment into text. Optional collaborator.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// ImageOptimizer rewrites an image attachment before forwarding, returning
// the path of the optimized file. Optional collaborator; best-effort only.
type ImageOptimizer interface {
	Optimize(ctx context.Context, path string) (string, error)
}

// Replier sends the identity-disclosure reply for the discovery command.
type Replier interface {
	Send(ctx context.Context, chat ChatIdentity, text string, attachmentPaths []string) error
}

// DecoderConfig carries the decode-time account settings.
type DecoderConfig struct {
	// SelfNumber is the local account; mentions of it resolve to AssistantName.
	SelfNumber       string
	AssistantName    string
	ActivationPhrase string
	AttachmentsDir   string
}

// Decoder normalizes the two inbound wire shapes into InboundEnvelope
// records. It never fails a notification: malformed units are dropped
// with a debug note.
type Decoder struct {
	cfg         DecoderConfig
	registry    Registry
	replier     Replier
	transcriber Transcriber
	optimizer   ImageOptimizer
	bus         *bus.Bus
	logger      *zap.Logger
}

// NewDecoder creates a decoder. Transcriber and optimizer default to absent.
func NewDecoder(cfg DecoderConfig, registry Registry, replier Replier, b *bus.Bus, logger *zap.Logger) *Decoder {
	return &Decoder{
		cfg:      cfg,
		registry: registry,
		replier:  replier,
		bus:      b,
		logger:   logger,
	}
}

// SetTranscriber installs the audio transcription collaborator.
func (d *Decoder) SetTranscriber(t Transcriber) { d.transcriber = t }

// SetOptimizer installs the image optimization collaborator.
func (d *Decoder) SetOptimizer(o ImageOptimizer) { d.optimizer = o }

// HandleNotification is wired as the transport's notification handler.
func (d *Decoder) HandleNotification(method string, params json.RawMessage) {
	if method != "receive" {
		d.logger.Debug("ignoring notification", zap.String("method", method))
		return
	}
	var n notification
	if err := json.Unmarshal(params, &n); err != nil {
		d.logger.Debug("dropping undecodable receive params", zap.Error(err))
		return
	}
	env := d.decode(context.Background(), &n)
	if env == nil {
		return
	}
	d.bus.Publish(bus.Event{Kind: "message.received", Timestamp: time.Now(), Payload: env})
}

// decode returns the normalized envelope, or nil when the notification was
// handled internally (discovery command), observed only (unregistered
// chat), or dropped (no content).
func (d *Decoder) decode(ctx context.Context, n *notification) *InboundEnvelope {
	env := &n.Envelope

	var msg *dataMessage
	var chat ChatIdentity
	switch {
	case env.DataMessage != nil:
		msg = env.DataMessage
		chat = DirectIdentity(firstNonEmpty(env.SourceNumber, env.Source))
	case env.SyncMessage != nil && env.SyncMessage.SentMessage != nil:
		sent := env.SyncMessage.SentMessage
		msg = &sent.dataMessage
		// An echo of our own send belongs to the destination's
		// conversation, not to the apparent source (our own account).
		chat = DirectIdentity(firstNonEmpty(sent.DestinationNumber, sent.Destination))
	default:
		return nil
	}

	isGroup := msg.GroupInfo != nil && msg.GroupInfo.GroupID != ""
	if isGroup {
		chat = GroupIdentity(msg.GroupInfo.GroupID)
	}
	if chat.IsZero() {
		d.logger.Debug("dropping envelope with no conversation identity")
		return nil
	}

	senderID := firstNonEmpty(env.SourceNumber, env.Source)
	senderName := firstNonEmpty(env.SourceName, senderID)
	ts := env.Timestamp
	if ts == 0 {
		ts = msg.Timestamp
	}

	body := resolveMentions(msg.Message, msg.Mentions,
		d.cfg.SelfNumber, d.cfg.AssistantName, d.registry.ContactName)

	if strings.EqualFold(strings.TrimSpace(body), discoveryCommand) {
		if err := d.replier.Send(ctx, chat, chat.String(), nil); err != nil {
			d.logger.Warn("discovery reply failed", zap.String("chat", chat.String()), zap.Error(err))
		}
		return nil
	}

	// Every message updates the registry, registered or not; unregistered
	// chats are observed for discovery and otherwise ignored.
	displayName := senderName
	if isGroup && msg.GroupInfo.GroupName != "" {
		displayName = msg.GroupInfo.GroupName
	}
	d.registry.ObserveChat(chat.String(), displayName, isGroup, ts)
	if env.SourceUUID != "" && env.SourceName != "" {
		d.registry.ObserveContact(env.SourceUUID, env.SourceName)
	}
	if !d.registry.IsRegistered(chat.String()) {
		d.logger.Debug("ignoring unregistered chat", zap.String("chat", chat.String()))
		return nil
	}

	attachments, body := d.resolveAttachments(ctx, msg.Attachments, body)
	quote := convertQuote(msg.Quote)
	reaction := convertReaction(msg.Reaction)

	if body == "" && len(attachments) == 0 && reaction == nil {
		d.logger.Debug("dropping envelope with no content", zap.String("chat", chat.String()))
		return nil
	}

	return &InboundEnvelope{
		Chat:        chat,
		IsGroup:     isGroup,
		SenderID:    senderID,
		SenderName:  senderName,
		TimestampMs: ts,
		Body:        body,
		Quote:       quote,
		Reaction:    reaction,
		Attachments: attachments,
	}
}

// resolveAttachments maps declared attachments to on-disk files. Files
// that cannot be located are dropped. Audio becomes an inline transcript
// when transcription succeeds; images are optimized best-effort.
func (d *Decoder) resolveAttachments(ctx context.Context, atts []attachment, body string) ([]AttachmentRef, string) {
	var refs []AttachmentRef
	for _, a := range atts {
		if a.ID == "" {
			continue
		}
		diskName, ok := locateAttachment(d.cfg.AttachmentsDir, a.ID)
		if !ok {
			d.logger.Debug("attachment file not found, dropping",
				zap.String("id", a.ID), zap.String("dir", d.cfg.AttachmentsDir))
			continue
		}
		ref := AttachmentRef{
			ContentType:   a.ContentType,
			Filename:      a.Filename,
			HostPath:      filepath.Join(d.cfg.AttachmentsDir, diskName),
			ContainerPath: path.Join(containerAttachmentsDir, diskName),
			SizeBytes:     a.Size,
		}

		switch {
		case strings.HasPrefix(a.ContentType, "audio/") && d.transcriber != nil:
			transcript, err := d.transcriber.Transcribe(ctx, ref.HostPath)
			if err != nil || strings.TrimSpace(transcript) == "" {
				if err != nil {
					d.logger.Warn("transcription failed, forwarding audio as-is", zap.Error(err))
				}
				refs = append(refs, ref)
				continue
			}
			// The transcript replaces the attachment. Re-assert the
			// activation phrase so routing still matches a message
			// whose spoken content addressed the assistant.
			annotation := "[voice message] " + strings.TrimSpace(transcript)
			if body == "" {
				body = annotation
			} else {
				body = body + "\n" + annotation
			}
			body = d.ensureActivation(body)
		case strings.HasPrefix(a.ContentType, "image/") && d.optimizer != nil:
			optimized, err := d.optimizer.Optimize(ctx, ref.HostPath)
			if err != nil || optimized == "" {
				if err != nil {
					d.logger.Warn("image optimization failed, forwarding original", zap.Error(err))
				}
			} else {
				ref.HostPath = optimized
				ref.ContainerPath = path.Join(containerAttachmentsDir, filepath.Base(optimized))
			}
			refs = append(refs, ref)
		default:
			refs = append(refs, ref)
		}
	}
	return refs, body
}

func (d *Decoder) ensureActivation(body string) string {
	phrase := d.cfg.ActivationPhrase
	if phrase == "" || strings.Contains(strings.ToLower(body), strings.ToLower(phrase)) {
		return body
	}
	return phrase + " " + body
}

func convertQuote(q *quote) *Quote {
	if q == nil {
		return nil
	}
	return &Quote{
		Author:  firstNonEmpty(q.Author, q.AuthorNumber),
		Snippet: truncate(q.Text, quoteSnippetLimit),
	}
}

func convertReaction(r *reaction) *Reaction {
	if r == nil || r.IsRemove {
		// Removals are suppressed entirely.
		return nil
	}
	ts := ""
	if r.TargetSentTimestamp != 0 {
		ts = time.UnixMilli(r.TargetSentTimestamp).UTC().Format(time.RFC3339)
	}
	return &Reaction{
		Emoji:           r.Emoji,
		TargetAuthor:    firstNonEmpty(r.TargetAuthor, r.TargetAuthorNumber),
		TargetTimestamp: ts,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
