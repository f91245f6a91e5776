package wavelength

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// webhookExecution records one WebhookExecute call on the stub session.
type webhookExecution struct {
	WebhookID string
	Token     string
	Params    *discordgo.WebhookParams
}

type reactionCall struct {
	ChannelID string
	MessageID string
	EmojiID   string
}

// stubSession is an in-memory DiscordSessionHandler for tests. All
// recorded state is guarded by mu since the dispatcher fans out
// concurrently.
type stubSession struct {
	mu sync.Mutex

	botUser *discordgo.User

	permissions   map[string]int64
	permissionErr error

	webhooks         map[string][]*discordgo.Webhook
	webhookCreateErr error
	createdWebhooks  []*discordgo.Webhook

	executed       []webhookExecution
	executeErr     map[string]error
	nextMessageSeq int

	sentMessages    []string
	sentChannelIDs  []string
	deletedMessages []string

	reactionsAdded   []reactionCall
	reactionsRemoved []reactionCall

	channelMessages map[string]*discordgo.Message
	channels        map[string]*discordgo.Channel
	guilds          map[string]*discordgo.Guild
	members         map[string]*discordgo.Member

	interactionResponses []*discordgo.InteractionResponse
	customStatus         string
}

func newStubSession() *stubSession {
	return &stubSession{
		botUser:         &discordgo.User{ID: "bot-1", Username: "wavelength"},
		permissions:     map[string]int64{},
		webhooks:        map[string][]*discordgo.Webhook{},
		executeErr:      map[string]error{},
		channelMessages: map[string]*discordgo.Message{},
		channels:        map[string]*discordgo.Channel{},
		guilds:          map[string]*discordgo.Guild{},
		members:         map[string]*discordgo.Member{},
	}
}

// allowDelivery grants full relay permissions on a channel and seeds a
// bot-owned webhook for it.
func (s *stubSession) allowDelivery(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissions[channelID] = int64(
		deliveryPermissions | discordgo.PermissionAddReactions,
	)
	s.webhooks[channelID] = []*discordgo.Webhook{
		{
			ID:    "hook-" + channelID,
			Token: "token-" + channelID,
			User:  &discordgo.User{ID: s.botUser.ID},
		},
	}
}

func (s *stubSession) executions() []webhookExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]webhookExecution, len(s.executed))
	copy(out, s.executed)
	return out
}

func (s *stubSession) Open() error  { return nil }
func (s *stubSession) Close() error { return nil }

func (s *stubSession) AddHandler(_ any) func() {
	return func() {}
}

func (s *stubSession) BotUser() *discordgo.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.botUser
}

func (s *stubSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentChannelIDs = append(s.sentChannelIDs, channelID)
	s.sentMessages = append(s.sentMessages, message)
	return &discordgo.Message{ID: "sent", ChannelID: channelID}, nil
}

func (s *stubSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletedMessages = append(s.deletedMessages, channelID+"/"+messageID)
	return nil
}

func (s *stubSession) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("unknown channel: %s", channelID)
	}
	return ch, nil
}

func (s *stubSession) ChannelMessage(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.channelMessages[channelID+"/"+messageID]
	if !ok {
		return nil, fmt.Errorf("unknown message: %s/%s", channelID, messageID)
	}
	return msg, nil
}

func (s *stubSession) Guild(
	guildID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guilds[guildID]
	if !ok {
		return nil, fmt.Errorf("unknown guild: %s", guildID)
	}
	return g, nil
}

func (s *stubSession) GuildMember(
	guildID string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[guildID+"/"+userID]
	if !ok {
		return nil, fmt.Errorf("unknown member: %s/%s", guildID, userID)
	}
	return m, nil
}

func (s *stubSession) UserChannelPermissions(
	_ string,
	channelID string,
	_ ...discordgo.RequestOption,
) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.permissionErr != nil {
		return 0, s.permissionErr
	}
	return s.permissions[channelID], nil
}

func (s *stubSession) ChannelWebhooks(
	channelID string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.webhooks[channelID], nil
}

func (s *stubSession) WebhookCreate(
	channelID string,
	name string,
	_ string,
	_ ...discordgo.RequestOption,
) (*discordgo.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.webhookCreateErr != nil {
		return nil, s.webhookCreateErr
	}
	hook := &discordgo.Webhook{
		ID:        "created-" + channelID,
		Token:     "created-token-" + channelID,
		Name:      name,
		ChannelID: channelID,
		User:      &discordgo.User{ID: s.botUser.ID},
	}
	s.webhooks[channelID] = append(s.webhooks[channelID], hook)
	s.createdWebhooks = append(s.createdWebhooks, hook)
	return hook, nil
}

func (s *stubSession) WebhookExecute(
	webhookID string,
	token string,
	_ bool,
	data *discordgo.WebhookParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, bad := s.executeErr[webhookID]; bad {
		return nil, err
	}
	s.nextMessageSeq++
	s.executed = append(
		s.executed, webhookExecution{
			WebhookID: webhookID,
			Token:     token,
			Params:    data,
		},
	)
	return &discordgo.Message{
		ID: fmt.Sprintf("delivered-%d", s.nextMessageSeq),
	}, nil
}

func (s *stubSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	_ ...discordgo.RequestOption,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reactionsAdded = append(
		s.reactionsAdded,
		reactionCall{ChannelID: channelID, MessageID: messageID, EmojiID: emojiID},
	)
	return nil
}

func (s *stubSession) MessageReactionRemove(
	channelID string,
	messageID string,
	emojiID string,
	_ string,
	_ ...discordgo.RequestOption,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reactionsRemoved = append(
		s.reactionsRemoved,
		reactionCall{ChannelID: channelID, MessageID: messageID, EmojiID: emojiID},
	)
	return nil
}

func (s *stubSession) UpdateCustomStatus(status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customStatus = status
	return nil
}

func (s *stubSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return commands, nil
}

func (s *stubSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interactionResponses = append(s.interactionResponses, resp)
	return nil
}

func (s *stubSession) SetHTTPClient(_ *http.Client) {}

func (s *stubSession) SetLogLevel(_ slog.Level) error { return nil }

func testLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(newLogHandler(testWriter{t}, slog.LevelDebug))
}

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestRandomToken(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 32; i++ {
		token, err := randomToken(frequencyKeyLength)
		require.NoError(t, err)
		assert.Len(t, token, frequencyKeyLength)
		assert.False(t, seen[token], "duplicate token: %s", token)
		seen[token] = true
		for _, r := range token {
			assert.Contains(t, tokenAlphabet, string(r))
		}
	}
}

func TestHashAndVerifySecret(t *testing.T) {
	hash, err := hashSecret("open sesame")
	require.NoError(t, err)
	assert.NotContains(t, hash, "open sesame")

	ok, err := verifySecret(hash, "open sesame")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = verifySecret(hash, "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = verifySecret("not-a-hash", "anything")
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abcdef", 2))
	assert.Equal(t, "héll", truncate("héllo", 4))
}
