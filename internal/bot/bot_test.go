package bot

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/avasiliev/ticketgate/internal/db"
	"github.com/avasiliev/ticketgate/internal/db/sqlite"
	"github.com/avasiliev/ticketgate/internal/files"
	"github.com/avasiliev/ticketgate/internal/gate"
	"github.com/avasiliev/ticketgate/internal/moderation"
	"github.com/avasiliev/ticketgate/internal/throttle"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock implementations

type MockSession struct {
	mock.Mock
}

func (m *MockSession) AddHandler(handler interface{}) func() {
	ret := m.Called(handler)
	return ret.Get(0).(func())
}

func (m *MockSession) Open() error {
	ret := m.Called()
	return ret.Error(0)
}

func (m *MockSession) Close() error {
	ret := m.Called()
	return ret.Error(0)
}

func (m *MockSession) ApplicationCommandBulkOverwrite(appID, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error) {
	ret := m.Called(appID, guildID, commands, options)
	return ret.Get(0).([]*discordgo.ApplicationCommand), ret.Error(1)
}

func (m *MockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	ret := m.Called(channelID, data, options)
	if ret.Get(0) == nil {
		return nil, ret.Error(1)
	}
	return ret.Get(0).(*discordgo.Message), ret.Error(1)
}

func (m *MockSession) UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	ret := m.Called(recipientID, options)
	if ret.Get(0) == nil {
		return nil, ret.Error(1)
	}
	return ret.Get(0).(*discordgo.Channel), ret.Error(1)
}

func (m *MockSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	ret := m.Called(interaction, resp, options)
	return ret.Error(0)
}

func (m *MockSession) FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	ret := m.Called(interaction, wait, data, options)
	if ret.Get(0) == nil {
		return nil, ret.Error(1)
	}
	return ret.Get(0).(*discordgo.Message), ret.Error(1)
}

func (m *MockSession) GetUserID() string {
	ret := m.Called()
	return ret.String(0)
}

// fakeSender records deliveries and fails for configured users.
type fakeSender struct {
	mu      sync.Mutex
	texts   map[int64][]string
	kinds   map[int64][]PayloadKind
	failFor map[int64]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		texts:   make(map[int64][]string),
		kinds:   make(map[int64][]PayloadKind),
		failFor: make(map[int64]bool),
	}
}

func (f *fakeSender) record(userID int64, kind PayloadKind, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds[userID] = append(f.kinds[userID], kind)
	if f.failFor[userID] {
		return errors.New("user has DMs closed")
	}
	f.texts[userID] = append(f.texts[userID], text)
	return nil
}

func (f *fakeSender) attempts(userID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.kinds[userID])
}

func (f *fakeSender) SendText(ctx context.Context, userID int64, text string) error {
	return f.record(userID, PayloadText, text)
}

func (f *fakeSender) SendPhoto(ctx context.Context, userID int64, url, caption string) error {
	return f.record(userID, PayloadPhoto, caption)
}

func (f *fakeSender) SendVideo(ctx context.Context, userID int64, url, caption string) error {
	return f.record(userID, PayloadVideo, caption)
}

func (f *fakeSender) SendLocation(ctx context.Context, userID int64, lat, lon float64) error {
	return f.record(userID, PayloadLocation, "")
}

func (f *fakeSender) SendDocument(ctx context.Context, userID int64, url, fileName, caption string) error {
	return f.record(userID, PayloadDocument, caption)
}

func newTestBot(t *testing.T, adminIDs []int64) (*Bot, db.Repository, *MockSession, *fakeSender) {
	t.Helper()
	repo, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	log := slog.Default()
	session := &MockSession{}
	sender := newFakeSender()
	limiter := throttle.New(repo, log)
	dir := moderation.New(repo, adminIDs, sender, log)
	g := gate.New(dir, limiter, log)
	store := files.NewStore(repo, log, t.TempDir(), "")

	b := New(log, session, repo, dir, limiter, g, sender, store, Config{})
	return b, repo, session, sender
}

func newMessage(userID, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "msg-1",
			ChannelID: "chan-1",
			Content:   content,
			Author:    &discordgo.User{ID: userID, Username: "alice"},
		},
	}
}

func newCommand(userID, name string, opts ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionApplicationCommand,
			Data: discordgo.ApplicationCommandInteractionData{
				Name:    name,
				Options: opts,
			},
			User: &discordgo.User{ID: userID, Username: "alice"},
		},
	}
}

func stringOption(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

// sentReplies collects the contents the bot replied with on a channel.
func sentReplies(session *MockSession) []string {
	var out []string
	for _, call := range session.Calls {
		if call.Method != "ChannelMessageSendComplex" {
			continue
		}
		if data, ok := call.Arguments.Get(1).(*discordgo.MessageSend); ok {
			out = append(out, data.Content)
		}
	}
	return out
}

// sentResponses collects the contents of interaction responses.
func sentResponses(session *MockSession) []string {
	var out []string
	for _, call := range session.Calls {
		if call.Method != "InteractionRespond" {
			continue
		}
		resp, ok := call.Arguments.Get(1).(*discordgo.InteractionResponse)
		if !ok || resp.Data == nil {
			continue
		}
		out = append(out, resp.Data.Content)
	}
	return out
}

func TestHandleMessageRecordsContact(t *testing.T) {
	b, repo, _, _ := newTestBot(t, nil)

	b.handleMessage(nil, newMessage("100", "hello"))

	user, err := repo.GetUser(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username.String)
	assert.True(t, user.HasAccess)
}

func TestHandleMessageIgnoresBots(t *testing.T) {
	b, repo, _, _ := newTestBot(t, nil)

	m := newMessage("100", "hello")
	m.Author.Bot = true
	b.handleMessage(nil, m)

	_, err := repo.GetUser(context.Background(), 100)
	assert.True(t, db.IsNoRows(err))
}

func TestHandleMessageBlockedUserStopped(t *testing.T) {
	b, repo, session, _ := newTestBot(t, []int64{1})
	ctx := context.Background()

	require.NoError(t, b.dir.EnsureUser(ctx, 100, "alice", ""))
	require.NoError(t, b.dir.Block(ctx, 100, 1, time.Now()))

	session.On("ChannelMessageSendComplex", "chan-1", mock.Anything, mock.Anything).
		Return(&discordgo.Message{}, nil)

	b.handleMessage(nil, newMessage("100", "hello"))

	replies := sentReplies(session)
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "blocked")

	// A stopped event must not consume throttle budget.
	count, err := repo.CountActivitySince(ctx, db.CountActivityParams{
		UserID:     100,
		ActionKind: throttle.ActionUser,
		Since:      time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestHandleMessageThrottled(t *testing.T) {
	b, _, session, _ := newTestBot(t, nil)

	session.On("ChannelMessageSendComplex", "chan-1", mock.Anything, mock.Anything).
		Return(&discordgo.Message{}, nil)

	for range throttle.DefaultThreshold {
		b.handleMessage(nil, newMessage("100", "hello"))
	}
	assert.Empty(t, sentReplies(session), "no notice while under the limit")

	b.handleMessage(nil, newMessage("100", "hello"))

	replies := sentReplies(session)
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "too many requests")
}

func TestHandleMessageAdminBypassesThrottle(t *testing.T) {
	b, _, session, _ := newTestBot(t, []int64{100})

	for range throttle.DefaultThreshold + 3 {
		b.handleMessage(nil, newMessage("100", "hello"))
	}

	assert.Empty(t, sentReplies(session))
	session.AssertNotCalled(t, "ChannelMessageSendComplex", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleBlockCommand(t *testing.T) {
	b, repo, session, _ := newTestBot(t, []int64{1})
	ctx := context.Background()

	require.NoError(t, b.dir.EnsureUser(ctx, 200, "bob", ""))

	session.On("InteractionRespond", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	b.handleInteraction(nil, newCommand("1", "block", stringOption("user_id", "200")))

	user, err := repo.GetUser(ctx, 200)
	require.NoError(t, err)
	assert.True(t, user.IsBlocked)

	responses := sentResponses(session)
	require.Len(t, responses, 1)
	assert.Contains(t, responses[0], "has been blocked")
}

func TestHandleBlockCommandNonAdmin(t *testing.T) {
	b, repo, session, _ := newTestBot(t, []int64{1})
	ctx := context.Background()

	require.NoError(t, b.dir.EnsureUser(ctx, 200, "bob", ""))

	session.On("InteractionRespond", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	b.handleInteraction(nil, newCommand("100", "block", stringOption("user_id", "200")))

	user, err := repo.GetUser(ctx, 200)
	require.NoError(t, err)
	assert.False(t, user.IsBlocked)

	responses := sentResponses(session)
	require.Len(t, responses, 1)
	assert.Contains(t, responses[0], "permission")
}

func TestHandleBlockCommandMalformedID(t *testing.T) {
	b, _, session, _ := newTestBot(t, []int64{1})

	session.On("InteractionRespond", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	b.handleInteraction(nil, newCommand("1", "block", stringOption("user_id", "not-a-number")))

	responses := sentResponses(session)
	require.Len(t, responses, 1)
	assert.Contains(t, responses[0], "Usage")
}

func TestHandleUnblockCommand(t *testing.T) {
	b, repo, session, _ := newTestBot(t, []int64{1})
	ctx := context.Background()

	require.NoError(t, b.dir.EnsureUser(ctx, 200, "bob", ""))
	require.NoError(t, b.dir.Block(ctx, 200, 1, time.Now()))

	session.On("InteractionRespond", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	b.handleInteraction(nil, newCommand("1", "unblock", stringOption("user_id", "200")))

	user, err := repo.GetUser(ctx, 200)
	require.NoError(t, err)
	assert.False(t, user.IsBlocked)
	assert.True(t, user.HasAccess)
}

func TestHandleUnblockNotBlocked(t *testing.T) {
	b, _, session, _ := newTestBot(t, []int64{1})
	ctx := context.Background()

	require.NoError(t, b.dir.EnsureUser(ctx, 200, "bob", ""))

	session.On("InteractionRespond", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	b.handleInteraction(nil, newCommand("1", "unblock", stringOption("user_id", "200")))

	responses := sentResponses(session)
	require.Len(t, responses, 1)
	assert.Contains(t, responses[0], "not blocked")
}

func TestBlockedAdminCannotRunCommands(t *testing.T) {
	b, _, session, _ := newTestBot(t, []int64{1})
	ctx := context.Background()

	require.NoError(t, b.dir.EnsureUser(ctx, 1, "admin", ""))
	require.NoError(t, b.dir.Block(ctx, 1, 1, time.Now()))

	session.On("InteractionRespond", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	b.handleInteraction(nil, newCommand("1", "myticket"))

	responses := sentResponses(session)
	require.Len(t, responses, 1)
	assert.Contains(t, responses[0], "blocked")
}

func TestMyTicket(t *testing.T) {
	b, repo, session, _ := newTestBot(t, nil)
	ctx := context.Background()

	session.On("InteractionRespond", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	b.handleInteraction(nil, newCommand("100", "myticket"))
	responses := sentResponses(session)
	require.Len(t, responses, 1)
	assert.Contains(t, responses[0], "no ticket")

	_, err := repo.CreateTicket(ctx, db.CreateTicketParams{
		UserID: 100, Code: "abcd1234", IssuedAt: time.Now(),
	})
	require.NoError(t, err)

	b.handleInteraction(nil, newCommand("100", "myticket"))
	responses = sentResponses(session)
	require.Len(t, responses, 2)
	assert.Contains(t, responses[1], "abcd1234")
}

func TestRecoverSendsDM(t *testing.T) {
	b, repo, session, sender := newTestBot(t, nil)
	ctx := context.Background()

	_, err := repo.CreateTicket(ctx, db.CreateTicketParams{
		UserID: 100, Code: "abcd1234", IssuedAt: time.Now(),
	})
	require.NoError(t, err)

	session.On("InteractionRespond", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	b.handleInteraction(nil, newCommand("100", "recover"))

	require.Len(t, sender.texts[100], 1)
	assert.Contains(t, sender.texts[100][0], "abcd1234")
	responses := sentResponses(session)
	require.Len(t, responses, 1)
	assert.Contains(t, responses[0], "sent by direct message")
}

func TestRecoverDMFailure(t *testing.T) {
	b, repo, session, sender := newTestBot(t, nil)
	ctx := context.Background()

	_, err := repo.CreateTicket(ctx, db.CreateTicketParams{
		UserID: 100, Code: "abcd1234", IssuedAt: time.Now(),
	})
	require.NoError(t, err)
	sender.failFor[100] = true

	session.On("InteractionRespond", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	b.handleInteraction(nil, newCommand("100", "recover"))

	responses := sentResponses(session)
	require.Len(t, responses, 1)
	assert.Contains(t, responses[0], "Could not DM you")
}

func TestIssueTicket(t *testing.T) {
	b, repo, session, sender := newTestBot(t, []int64{1})
	ctx := context.Background()

	session.On("InteractionRespond", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	b.handleInteraction(nil, newCommand("1", "issue", stringOption("user_id", "200")))

	ticket, err := repo.GetLatestTicketForUser(ctx, 200)
	require.NoError(t, err)
	assert.Len(t, ticket.Code, 16)

	require.Len(t, sender.texts[200], 1)
	assert.Contains(t, sender.texts[200][0], ticket.Code)
}

func TestComponentResendGoesThroughGate(t *testing.T) {
	b, _, session, _ := newTestBot(t, []int64{1})
	ctx := context.Background()

	require.NoError(t, b.dir.EnsureUser(ctx, 100, "alice", ""))
	require.NoError(t, b.dir.Block(ctx, 100, 1, time.Now()))

	session.On("InteractionRespond", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionMessageComponent,
			Data: discordgo.MessageComponentInteractionData{CustomID: "ticket_resend"},
			User: &discordgo.User{ID: "100"},
		},
	}
	b.handleInteraction(nil, i)

	responses := sentResponses(session)
	require.Len(t, responses, 1)
	assert.Contains(t, responses[0], "blocked")
}

func TestParseActorID(t *testing.T) {
	assert.Equal(t, int64(123), parseActorID("123"))
	assert.Equal(t, int64(0), parseActorID("not-a-snowflake"))
	assert.Equal(t, int64(0), parseActorID(""))
}

func TestInteractionActor(t *testing.T) {
	guild := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Member: &discordgo.Member{User: &discordgo.User{ID: "55"}},
		},
	}
	assert.Equal(t, int64(55), interactionActor(guild))

	dm := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{User: &discordgo.User{ID: "77"}},
	}
	assert.Equal(t, int64(77), interactionActor(dm))

	assert.Equal(t, int64(0), interactionActor(&discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{},
	}))
}

func TestNewTicketCode(t *testing.T) {
	a, err := newTicketCode()
	require.NoError(t, err)
	b, err := newTicketCode()
	require.NoError(t, err)

	assert.Len(t, a, 16)
	assert.False(t, strings.EqualFold(a, b), "codes should not repeat")
}
