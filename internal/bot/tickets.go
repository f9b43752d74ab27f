package bot

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/avasiliev/ticketgate/internal/db"
	"github.com/bwmarrin/discordgo"
)

func newTicketCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating ticket code: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (b *Bot) handleMyTicket(ctx context.Context, actorID int64) handlerResult {
	ticket, err := b.repo.GetLatestTicketForUser(ctx, actorID)
	if db.IsNoRows(err) {
		return handlerResult{Response: "You have no ticket yet.", Ephemeral: true}
	}
	if err != nil {
		return handlerResult{
			Response:  "❌ Failed to look up your ticket. Please try again later.",
			Ephemeral: true,
			Err:       fmt.Errorf("looking up ticket for %d: %w", actorID, err),
		}
	}

	return handlerResult{
		Response: fmt.Sprintf("🎟 Your ticket: `%s`\nIssued %s",
			ticket.Code, ticket.IssuedAt.Format("2006-01-02 15:04 MST")),
		Ephemeral: true,
	}
}

// handleRecover re-delivers the caller's newest ticket by DM.
func (b *Bot) handleRecover(ctx context.Context, actorID int64) handlerResult {
	ticket, err := b.repo.GetLatestTicketForUser(ctx, actorID)
	if db.IsNoRows(err) {
		return handlerResult{Response: "You have no ticket to recover.", Ephemeral: true}
	}
	if err != nil {
		return handlerResult{
			Response:  "❌ Failed to look up your ticket. Please try again later.",
			Ephemeral: true,
			Err:       fmt.Errorf("recovering ticket for %d: %w", actorID, err),
		}
	}

	text := fmt.Sprintf("🎟 Your ticket: `%s`", ticket.Code)
	if err := b.sender.SendText(ctx, actorID, text); err != nil {
		return handlerResult{
			Response:  "❌ Could not DM you. Check that your direct messages are open.",
			Ephemeral: true,
			Err:       newUserError(err),
		}
	}

	return handlerResult{Response: "✅ Your ticket has been sent by direct message.", Ephemeral: true}
}

func (b *Bot) handleIssue(ctx context.Context, i *discordgo.InteractionCreate, actorID int64) handlerResult {
	if !b.dir.IsAdmin(actorID) {
		return handlerResult{Response: "❌ You do not have permission to run this command.", Ephemeral: true}
	}

	targetID, err := parseUserIDOption(i)
	if err != nil {
		return handlerResult{
			Response:  "⚠️ Usage: /issue user_id:<numeric id>",
			Ephemeral: true,
			Err:       newUserError(err),
		}
	}

	code, err := newTicketCode()
	if err != nil {
		return handlerResult{
			Response:  "❌ Failed to issue a ticket. Please try again later.",
			Ephemeral: true,
			Err:       err,
		}
	}

	ticket, err := b.repo.CreateTicket(ctx, db.CreateTicketParams{
		UserID:   targetID,
		Code:     code,
		IssuedAt: time.Now(),
	})
	if err != nil {
		return handlerResult{
			Response:  "❌ Failed to issue a ticket. Please try again later.",
			Ephemeral: true,
			Err:       fmt.Errorf("issuing ticket for %d: %w", targetID, err),
		}
	}

	// Best-effort delivery of the fresh ticket; the user can always run
	// /recover themselves.
	if err := b.sender.SendText(ctx, targetID, fmt.Sprintf("🎟 You have been issued a ticket: `%s`", ticket.Code)); err != nil {
		b.log.WarnContext(ctx, "failed to DM issued ticket", "user_id", targetID, "error", err)
	}

	b.log.InfoContext(ctx, "admin action", "admin_id", actorID, "action", "issue_ticket", "target_id", targetID)
	return handlerResult{Response: fmt.Sprintf("✅ Ticket issued to user %d.", targetID)}
}
