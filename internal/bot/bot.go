package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/avasiliev/ticketgate/internal/db"
	"github.com/avasiliev/ticketgate/internal/files"
	"github.com/avasiliev/ticketgate/internal/gate"
	"github.com/avasiliev/ticketgate/internal/moderation"
	"github.com/avasiliev/ticketgate/internal/throttle"
	"github.com/bwmarrin/discordgo"
)

type Config struct {
	GuildID string
}

// Bot wires the Discord transport to the gate and the feature handlers.
// Every inbound event, message or interaction, passes through the gate
// before any handler body runs.
type Bot struct {
	log     *slog.Logger
	session Session
	repo    db.Repository
	dir     *moderation.Directory
	limiter *throttle.Limiter
	gate    *gate.Gate
	sender  Sender
	store   *files.Store
	config  Config
}

func New(
	log *slog.Logger,
	session Session,
	repo db.Repository,
	dir *moderation.Directory,
	limiter *throttle.Limiter,
	g *gate.Gate,
	sender Sender,
	store *files.Store,
	config Config,
) *Bot {
	return &Bot{
		log:     log,
		session: session,
		repo:    repo,
		dir:     dir,
		limiter: limiter,
		gate:    g,
		sender:  sender,
		store:   store,
		config:  config,
	}
}

func (b *Bot) Run(ctx context.Context) error {
	b.session.AddHandler(b.handleMessage)
	b.session.AddHandler(b.handleInteraction)
	b.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		b.log.InfoContext(ctx, "connected to Discord", "username", r.User.Username)
	})

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("opening Discord connection: %w", err)
	}

	if err := b.registerCommands(ctx); err != nil {
		return fmt.Errorf("registering commands: %w", err)
	}

	b.log.InfoContext(ctx, "bot is running, press Ctrl+C to stop")

	<-ctx.Done()
	b.session.Close()
	b.log.Info("shut down complete")

	return nil
}

func (b *Bot) registerCommands(ctx context.Context) error {
	guildID := b.config.GuildID
	if guildID != "" {
		b.log.InfoContext(ctx, "registering commands to guild", "guild_id", guildID)
	} else {
		b.log.InfoContext(ctx, "registering commands globally (may take up to 1 hour to propagate)")
	}

	_, err := b.session.ApplicationCommandBulkOverwrite(b.session.GetUserID(), guildID, commands)
	if err != nil {
		return fmt.Errorf("bulk overwrite commands: %w", err)
	}
	b.log.InfoContext(ctx, "registered commands", "count", len(commands))
	return nil
}

var commands = []*discordgo.ApplicationCommand{
	{
		Name:        "myticket",
		Description: "Show your current ticket",
	},
	{
		Name:        "recover",
		Description: "Resend your current ticket by direct message",
	},
	{
		Name:        "issue",
		Description: "Issue a new ticket to a user (admin only)",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "user_id",
				Description: "Numeric id of the user",
				Required:    true,
			},
		},
	},
	{
		Name:        "block",
		Description: "Block a user from the bot (admin only)",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "user_id",
				Description: "Numeric id of the user",
				Required:    true,
			},
		},
	},
	{
		Name:        "unblock",
		Description: "Restore a blocked user's access (admin only)",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "user_id",
				Description: "Numeric id of the user",
				Required:    true,
			},
		},
	},
	{
		Name:        "broadcast",
		Description: "Send a message to every active user (admin only)",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "text",
				Description: "Message text",
				Required:    false,
			},
			{
				Type:        discordgo.ApplicationCommandOptionAttachment,
				Name:        "attachment",
				Description: "Photo, video, or document to mirror",
				Required:    false,
			},
		},
	},
}

type handlerResult struct {
	Response  string
	Ephemeral bool
	Err       error
}

type userError struct {
	Err error
}

func (e *userError) Error() string {
	return e.Err.Error()
}

func (e *userError) Unwrap() error {
	return e.Err
}

func newUserError(err error) *userError {
	return &userError{Err: err}
}

// handleMessage processes message-shaped events: direct messages and
// document uploads. The gate runs before anything else.
func (b *Bot) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
	defer cancel()

	actorID := parseActorID(m.Author.ID)
	responder := &messageResponder{session: b.session, channelID: m.ChannelID, messageID: m.ID}

	if b.gate.Check(ctx, actorID, responder, time.Now()) != gate.Continue {
		return
	}

	if err := b.dir.EnsureUser(ctx, actorID, m.Author.Username, m.Author.GlobalName); err != nil {
		b.log.ErrorContext(ctx, "recording user contact", "user_id", actorID, "error", err)
	}

	if len(m.Attachments) > 0 && b.dir.IsAdmin(actorID) {
		b.handleUpload(ctx, m, responder)
	}
}

// handleUpload stores admin-posted attachments in the file registry.
func (b *Bot) handleUpload(ctx context.Context, m *discordgo.MessageCreate, responder *messageResponder) {
	stored := 0
	for _, a := range m.Attachments {
		_, err := b.store.SaveFromURL(ctx, a.URL, a.Filename, time.Now())
		if err != nil {
			b.log.ErrorContext(ctx, "storing upload", "file", a.Filename, "error", err)
			continue
		}
		stored++
	}

	notice := fmt.Sprintf("📁 Stored %d of %d file(s).", stored, len(m.Attachments))
	if err := responder.Notice(notice); err != nil {
		b.log.ErrorContext(ctx, "replying to upload", "error", err)
	}
}

func (b *Bot) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		b.handleCommand(i)
	case discordgo.InteractionMessageComponent:
		b.handleComponent(i)
	}
}

func (b *Bot) handleCommand(i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
	defer cancel()

	actorID := interactionActor(i)
	responder := &interactionResponder{session: b.session, interaction: i.Interaction}

	if b.gate.Check(ctx, actorID, responder, time.Now()) != gate.Continue {
		return
	}

	cmd := i.ApplicationCommandData().Name

	if cmd == "broadcast" {
		// Broadcast manages its own responses: a deferred ack first, the
		// delivery summary as a followup once the fan-out finishes.
		b.handleBroadcastCommand(ctx, i, actorID)
		return
	}

	var result handlerResult
	switch cmd {
	case "myticket":
		result = b.handleMyTicket(ctx, actorID)
	case "recover":
		result = b.handleRecover(ctx, actorID)
	case "issue":
		result = b.handleIssue(ctx, i, actorID)
	case "block":
		result = b.handleBlock(ctx, i, actorID)
	case "unblock":
		result = b.handleUnblock(ctx, i, actorID)
	}

	b.respond(i, result.Response, result.Ephemeral)

	if result.Err == nil {
		return
	}
	var uerr *userError
	if errors.As(result.Err, &uerr) {
		b.log.WarnContext(ctx, "user error", "command", cmd, "error", result.Err, "user_id", actorID)
	} else {
		b.log.ErrorContext(ctx, "command failed", "command", cmd, "error", result.Err, "user_id", actorID)
	}
}

func (b *Bot) handleComponent(i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
	defer cancel()

	actorID := interactionActor(i)
	responder := &interactionResponder{session: b.session, interaction: i.Interaction}

	if b.gate.Check(ctx, actorID, responder, time.Now()) != gate.Continue {
		return
	}

	switch i.MessageComponentData().CustomID {
	case "ticket_resend":
		result := b.handleRecover(ctx, actorID)
		b.respond(i, result.Response, true)
		if result.Err != nil {
			b.log.ErrorContext(ctx, "resending ticket", "error", result.Err, "user_id", actorID)
		}
	}
}

func (b *Bot) handleBlock(ctx context.Context, i *discordgo.InteractionCreate, actorID int64) handlerResult {
	if !b.dir.IsAdmin(actorID) {
		return handlerResult{Response: "❌ You do not have permission to run this command.", Ephemeral: true}
	}

	targetID, err := parseUserIDOption(i)
	if err != nil {
		return handlerResult{
			Response:  "⚠️ Usage: /block user_id:<numeric id>\nExample: /block user_id:123456789",
			Ephemeral: true,
			Err:       newUserError(err),
		}
	}

	err = b.dir.Block(ctx, targetID, actorID, time.Now())
	switch {
	case errors.Is(err, moderation.ErrUserNotFound):
		return handlerResult{Response: "❌ User not found in the database.", Ephemeral: true, Err: newUserError(err)}
	case errors.Is(err, moderation.ErrAlreadyBlocked):
		return handlerResult{
			Response:  fmt.Sprintf("⚠️ User %d is already blocked.", targetID),
			Ephemeral: true,
			Err:       newUserError(err),
		}
	case err != nil:
		return handlerResult{
			Response:  "❌ Failed to block user. Please try again later.",
			Ephemeral: true,
			Err:       fmt.Errorf("blocking user %d: %w", targetID, err),
		}
	}

	b.log.InfoContext(ctx, "admin action", "admin_id", actorID, "action", "block", "target_id", targetID)
	return handlerResult{Response: fmt.Sprintf("✅ User %d has been blocked.", targetID)}
}

func (b *Bot) handleUnblock(ctx context.Context, i *discordgo.InteractionCreate, actorID int64) handlerResult {
	if !b.dir.IsAdmin(actorID) {
		return handlerResult{Response: "❌ You do not have permission to run this command.", Ephemeral: true}
	}

	targetID, err := parseUserIDOption(i)
	if err != nil {
		return handlerResult{
			Response:  "⚠️ Usage: /unblock user_id:<numeric id>\nExample: /unblock user_id:123456789",
			Ephemeral: true,
			Err:       newUserError(err),
		}
	}

	err = b.dir.Unblock(ctx, targetID, time.Now())
	switch {
	case errors.Is(err, moderation.ErrUserNotFound):
		return handlerResult{Response: "❌ User not found in the database.", Ephemeral: true, Err: newUserError(err)}
	case errors.Is(err, moderation.ErrNotBlocked):
		return handlerResult{
			Response:  fmt.Sprintf("⚠️ User %d is not blocked.", targetID),
			Ephemeral: true,
			Err:       newUserError(err),
		}
	case err != nil:
		return handlerResult{
			Response:  "❌ Failed to unblock user. Please try again later.",
			Ephemeral: true,
			Err:       fmt.Errorf("unblocking user %d: %w", targetID, err),
		}
	}

	b.log.InfoContext(ctx, "admin action", "admin_id", actorID, "action", "unblock", "target_id", targetID)
	return handlerResult{Response: fmt.Sprintf("✅ User %d has been unblocked.", targetID)}
}

func (b *Bot) respond(i *discordgo.InteractionCreate, content string, ephemeral bool) {
	if content == "" {
		return
	}
	var flags discordgo.MessageFlags
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	err := b.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   flags,
		},
	})
	if err != nil {
		b.log.Error("failed to respond to interaction", "error", err)
	}
}

func getOption(options []*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	for _, opt := range options {
		if opt.Name == name {
			if s, ok := opt.Value.(string); ok {
				return s
			}
		}
	}
	return ""
}

func parseUserIDOption(i *discordgo.InteractionCreate) (int64, error) {
	raw := getOption(i.ApplicationCommandData().Options, "user_id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("malformed user id %q", raw)
	}
	return id, nil
}

// interactionActor resolves the acting user id of an interaction, guild or
// DM. Zero means no identifiable actor.
func interactionActor(i *discordgo.InteractionCreate) int64 {
	if i.Member != nil && i.Member.User != nil {
		return parseActorID(i.Member.User.ID)
	}
	if i.User != nil {
		return parseActorID(i.User.ID)
	}
	return 0
}

func parseActorID(snowflake string) int64 {
	id, err := strconv.ParseInt(snowflake, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
