package bot

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/avasiliev/ticketgate/internal/db"
	"github.com/avasiliev/ticketgate/internal/metrics"
	"github.com/avasiliev/ticketgate/internal/throttle"
	"github.com/bwmarrin/discordgo"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// PayloadKind names the shape of a broadcast payload.
type PayloadKind string

const (
	PayloadText     PayloadKind = "text"
	PayloadPhoto    PayloadKind = "photo"
	PayloadVideo    PayloadKind = "video"
	PayloadLocation PayloadKind = "location"
	PayloadDocument PayloadKind = "document"
)

// Payload is one broadcast message: plain text or a single media item
// mirroring an original attachment.
type Payload struct {
	Kind     PayloadKind
	Text     string
	URL      string
	FileName string
	Caption  string
	Lat, Lon float64
}

const broadcastConcurrency = 4

// Broadcast delivers payload to every user with access who is not blocked.
// One recipient's failure never aborts the run; the operation is not
// transactional across recipients and partial completion is the expected
// steady state. Returns the aggregate sent/failed counts. Only the
// recipient listing can fail the operation as a whole.
func (b *Bot) Broadcast(ctx context.Context, payload Payload) (int, int, error) {
	recipients, err := b.repo.ListBroadcastRecipients(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("listing broadcast recipients: %w", err)
	}

	ids := lo.Map(recipients, func(u db.User, _ int) int64 { return u.UserID })

	var sent, failed atomic.Int64
	var eg errgroup.Group
	eg.SetLimit(broadcastConcurrency)

	for _, userID := range ids {
		eg.Go(func() error {
			if err := b.deliver(ctx, userID, payload); err != nil {
				b.log.ErrorContext(ctx, "broadcast delivery failed", "user_id", userID, "error", err)
				metrics.BroadcastDeliveries.WithLabelValues("failed").Inc()
				failed.Add(1)
				return nil
			}
			metrics.BroadcastDeliveries.WithLabelValues("sent").Inc()
			sent.Add(1)
			return nil
		})
	}
	eg.Wait()

	b.log.InfoContext(ctx, "broadcast finished",
		"recipients", len(ids),
		"sent", sent.Load(),
		"failed", failed.Load(),
	)
	return int(sent.Load()), int(failed.Load()), nil
}

func (b *Bot) deliver(ctx context.Context, userID int64, p Payload) error {
	switch p.Kind {
	case PayloadText:
		return b.sender.SendText(ctx, userID, p.Text)
	case PayloadPhoto:
		return b.sender.SendPhoto(ctx, userID, p.URL, p.Caption)
	case PayloadVideo:
		return b.sender.SendVideo(ctx, userID, p.URL, p.Caption)
	case PayloadLocation:
		return b.sender.SendLocation(ctx, userID, p.Lat, p.Lon)
	case PayloadDocument:
		return b.sender.SendDocument(ctx, userID, p.URL, p.FileName, p.Caption)
	default:
		return fmt.Errorf("unknown payload kind %q", p.Kind)
	}
}

// handleBroadcastCommand is the /broadcast front end: admin check, its own
// rate check under the broadcast action kind, then the fan-out. It acks the
// interaction immediately and reports the delivery counts as a followup.
func (b *Bot) handleBroadcastCommand(ctx context.Context, i *discordgo.InteractionCreate, actorID int64) {
	if !b.dir.IsAdmin(actorID) {
		b.respond(i, "❌ You do not have permission to run this command.", true)
		return
	}

	if !b.limiter.Admit(ctx, actorID, throttle.ActionBroadcast, time.Now()) {
		b.respond(i, "⚠️ Please wait before the next broadcast.", true)
		return
	}

	payload, err := broadcastPayload(i)
	if err != nil {
		b.respond(i, "📢 Usage: /broadcast text:<message> or attach a photo, video, or document.", true)
		return
	}

	if err := b.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}); err != nil {
		b.log.ErrorContext(ctx, "acknowledging broadcast", "error", err)
		return
	}

	sent, failed, err := b.Broadcast(ctx, payload)
	summary := fmt.Sprintf("✅ Broadcast finished!\n\n📨 Sent: %d\n❌ Failed: %d", sent, failed)
	if err != nil {
		summary = fmt.Sprintf("❌ Broadcast failed: %v", err)
		b.log.ErrorContext(ctx, "broadcast", "error", err, "admin_id", actorID)
	}

	if _, err := b.session.FollowupMessageCreate(i.Interaction, false, &discordgo.WebhookParams{
		Content: summary,
	}); err != nil {
		b.log.ErrorContext(ctx, "sending broadcast summary", "error", err)
	}

	b.log.InfoContext(ctx, "admin action", "admin_id", actorID, "action", "broadcast", "sent", sent, "failed", failed)
}

// broadcastPayload builds the payload from the command options: an
// attachment mirrors the original media type, otherwise plain text.
func broadcastPayload(i *discordgo.InteractionCreate) (Payload, error) {
	data := i.ApplicationCommandData()
	text := getOption(data.Options, "text")

	if att := resolveAttachment(data); att != nil {
		kind := PayloadDocument
		switch {
		case strings.HasPrefix(att.ContentType, "image/"):
			kind = PayloadPhoto
		case strings.HasPrefix(att.ContentType, "video/"):
			kind = PayloadVideo
		}
		return Payload{
			Kind:     kind,
			URL:      att.URL,
			FileName: att.Filename,
			Caption:  text,
		}, nil
	}

	if text == "" {
		return Payload{}, fmt.Errorf("empty broadcast")
	}
	return Payload{Kind: PayloadText, Text: text}, nil
}

func resolveAttachment(data discordgo.ApplicationCommandInteractionData) *discordgo.MessageAttachment {
	id := getOption(data.Options, "attachment")
	if id == "" || data.Resolved == nil {
		return nil
	}
	return data.Resolved.Attachments[id]
}
