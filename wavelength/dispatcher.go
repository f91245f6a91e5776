package wavelength

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// quotedReplyMaxLength bounds how much of the origin message is quoted in
// a mirrored reply.
const quotedReplyMaxLength = 200

// webhookUsernameMaxLength is Discord's limit for webhook display names.
const webhookUsernameMaxLength = 80

// relayFile is a downloaded attachment, buffered so the same file can be
// attached to multiple concurrent webhook sends.
type relayFile struct {
	name        string
	contentType string
	data        []byte
}

// RelayStats is a point-in-time snapshot of dispatcher counters, exposed
// through the status API.
type RelayStats struct {
	MessagesRelayed    int64 `json:"messages_relayed"`
	Deliveries         int64 `json:"deliveries"`
	DeliveryFailures   int64 `json:"delivery_failures"`
	TargetsSkipped     int64 `json:"targets_skipped"`
	RepliesMirrored    int64 `json:"replies_mirrored"`
	ReactionsMirrored  int64 `json:"reactions_mirrored"`
	MessagesDropped    int64 `json:"messages_dropped"`
	StickersDeleted    int64 `json:"stickers_deleted"`
	RateLimitedDropped int64 `json:"rate_limited_dropped"`
}

// RelayDispatcher orchestrates the relay: on an inbound message it
// resolves the frequency, normalizes content, fans delivery out to every
// other member channel, and records correspondences so replies and
// reactions can be mirrored later.
//
// All collaborators are injected at construction; the dispatcher holds no
// package-level state.
type RelayDispatcher struct {
	registry *FrequencyRegistry
	table    *CorrespondenceTable
	resolver *DeliveryResolver
	session  DiscordSessionHandler
	config   *RelayConfig
	client   *http.Client
	logger   *slog.Logger

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	metricMessagesRelayed    atomic.Int64
	metricDeliveries         atomic.Int64
	metricDeliveryFailures   atomic.Int64
	metricTargetsSkipped     atomic.Int64
	metricRepliesMirrored    atomic.Int64
	metricReactionsMirrored  atomic.Int64
	metricMessagesDropped    atomic.Int64
	metricStickersDeleted    atomic.Int64
	metricRateLimitedDropped atomic.Int64
}

func NewRelayDispatcher(
	registry *FrequencyRegistry,
	table *CorrespondenceTable,
	resolver *DeliveryResolver,
	session DiscordSessionHandler,
	config *RelayConfig,
	client *http.Client,
	logger *slog.Logger,
) *RelayDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &RelayDispatcher{
		registry: registry,
		table:    table,
		resolver: resolver,
		session:  session,
		config:   config,
		client:   client,
		logger:   logger.With(loggerNameKey, "relay_dispatcher"),
		limiters: map[string]*rate.Limiter{},
	}
}

// Stats returns a snapshot of the dispatcher counters.
func (d *RelayDispatcher) Stats() RelayStats {
	return RelayStats{
		MessagesRelayed:    d.metricMessagesRelayed.Load(),
		Deliveries:         d.metricDeliveries.Load(),
		DeliveryFailures:   d.metricDeliveryFailures.Load(),
		TargetsSkipped:     d.metricTargetsSkipped.Load(),
		RepliesMirrored:    d.metricRepliesMirrored.Load(),
		ReactionsMirrored:  d.metricReactionsMirrored.Load(),
		MessagesDropped:    d.metricMessagesDropped.Load(),
		StickersDeleted:    d.metricStickersDeleted.Load(),
		RateLimitedDropped: d.metricRateLimitedDropped.Load(),
	}
}

// limiter returns the rate limiter for a frequency, creating it on first
// use. A rate of 0 disables limiting.
func (d *RelayDispatcher) limiter(key string) *rate.Limiter {
	if d.config.RatePerSecond <= 0 {
		return nil
	}
	d.limiterMu.Lock()
	defer d.limiterMu.Unlock()
	limiter, ok := d.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(
			rate.Limit(d.config.RatePerSecond),
			d.config.RateBurst,
		)
		d.limiters[key] = limiter
	}
	return limiter
}

// HandleMessageCreate runs the relay pipeline for one inbound message:
// filter, frequency resolution, ban check, reply detection, then either a
// point-to-point reply mirror or a concurrent broadcast.
func (d *RelayDispatcher) HandleMessageCreate(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	author := m.Author
	if author == nil || author.Bot {
		return
	}
	// webhook sends include our own relayed copies; never re-relay them
	if m.WebhookID != "" {
		return
	}
	if bot := d.session.BotUser(); bot != nil && author.ID == bot.ID {
		return
	}

	key, ok := d.registry.Resolve(m.ChannelID)
	if !ok {
		// not every channel participates
		return
	}

	logger := d.logger.With(
		slog.Group(
			"message",
			messageLogAttrs(m.ChannelID, m.ID, author.ID)...,
		),
		"frequency_key", key,
	)
	ctx = WithLogger(ctx, logger)

	// Native stickers can't be faithfully mirrored as webhook content, so
	// the original is deleted rather than relayed inconsistently.
	if len(m.StickerItems) > 0 {
		if err := d.session.ChannelMessageDelete(m.ChannelID, m.ID); err != nil {
			logger.Error("error deleting sticker message", tint.Err(err))
		} else {
			d.metricStickersDeleted.Add(1)
		}
		return
	}

	if d.registry.IsBanned(key, author.ID, m.GuildID) {
		d.metricMessagesDropped.Add(1)
		logger.Debug("dropped message from banned identity")
		return
	}

	if limiter := d.limiter(key); limiter != nil && !limiter.Allow() {
		d.metricRateLimitedDropped.Add(1)
		logger.Warn("frequency rate limit exceeded, dropping message")
		return
	}

	if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		if corr := d.table.Lookup(m.MessageReference.MessageID); corr != nil {
			d.relayReply(ctx, m, corr)
			return
		}
	}

	d.broadcast(ctx, key, m)
}

// broadcast normalizes the message once and delivers it concurrently to
// every member channel of the frequency except the source. Each target is
// independent: one failure never blocks or rolls back the others.
func (d *RelayDispatcher) broadcast(
	ctx context.Context,
	key string,
	m *discordgo.MessageCreate,
) {
	members := d.registry.Members(key)
	targets := make([]ChannelLink, 0, len(members))
	for _, link := range members {
		if link.ChannelID != m.ChannelID {
			targets = append(targets, link)
		}
	}
	if len(targets) == 0 {
		return
	}

	ctx, logger := d.contextLogger(ctx)

	content := d.normalize(m)
	files := d.fetchAttachments(ctx, m.Attachments)
	imageURLs := embedImageURLs(m.Embeds)
	username := d.relayUsername(m.Author, m.GuildID)
	avatarURL := m.Author.AvatarURL("")

	d.metricMessagesRelayed.Add(1)

	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(channelID string) {
			defer wg.Done()
			d.deliverTo(
				ctx, channelID, m, content, username, avatarURL,
				files, imageURLs,
			)
		}(target.ChannelID)
	}
	wg.Wait()

	logger.Debug("broadcast complete", "targets", len(targets))
}

// deliverTo sends the primary text+files message to one target, records
// the correspondence, then sends embedded images as follow-ups. Within a
// target the primary send completes (or fails) before any image
// follow-up; a follow-up failure does not undo the text send.
func (d *RelayDispatcher) deliverTo(
	ctx context.Context,
	channelID string,
	m *discordgo.MessageCreate,
	content string,
	username string,
	avatarURL string,
	files []relayFile,
	imageURLs []string,
) {
	ctx, logger := d.contextLogger(ctx)
	logger = logger.With("target_channel_id", channelID)

	handle := d.resolver.Resolve(ctx, channelID)
	if handle == nil {
		d.metricTargetsSkipped.Add(1)
		logger.Debug("skipping unreachable target")
		return
	}

	params := &discordgo.WebhookParams{
		Content:   content,
		Username:  username,
		AvatarURL: avatarURL,
		Files:     webhookFiles(files),
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{},
		},
	}

	sent, err := d.executeWebhook(ctx, handle, channelID, params)
	if err != nil {
		d.metricDeliveryFailures.Add(1)
		logger.Error("error delivering relay message", tint.Err(err))
		return
	}
	d.metricDeliveries.Add(1)
	if sent != nil {
		d.table.Record(sent.ID, m.ID, m.ChannelID)
	}

	for _, imageURL := range imageURLs {
		followUp := &discordgo.WebhookParams{
			Username:  username,
			AvatarURL: avatarURL,
			Embeds: []*discordgo.MessageEmbed{
				{Image: &discordgo.MessageEmbedImage{URL: imageURL}},
			},
		}
		if _, err = d.executeWebhook(ctx, handle, channelID, followUp); err != nil {
			logger.Error("error delivering embedded image", tint.Err(err))
		}
	}
}

// executeWebhook performs one webhook send. If the webhook was deleted
// externally, the cached handle is invalidated and the send is retried
// once with a fresh handle.
func (d *RelayDispatcher) executeWebhook(
	ctx context.Context,
	handle *DeliveryHandle,
	channelID string,
	params *discordgo.WebhookParams,
) (*discordgo.Message, error) {
	sent, err := d.session.WebhookExecute(
		handle.WebhookID, handle.Token, true, params,
	)
	if err == nil {
		return sent, nil
	}
	if !isUnknownWebhookErr(err) {
		return nil, err
	}

	d.resolver.Invalidate(channelID)
	fresh := d.resolver.Resolve(ctx, channelID)
	if fresh == nil {
		return nil, err
	}
	return d.session.WebhookExecute(fresh.WebhookID, fresh.Token, true, params)
}

// relayReply mirrors a reply to a relayed copy back to the origin channel
// only, preserving 1:1 reply semantics even though the original send was
// a broadcast.
func (d *RelayDispatcher) relayReply(
	ctx context.Context,
	m *discordgo.MessageCreate,
	corr *Correspondence,
) {
	ctx, logger := d.contextLogger(ctx)
	logger = logger.With("origin_channel_id", corr.OriginChannelID)

	quoted := "> (original message unavailable)"
	origin, err := d.session.ChannelMessage(
		corr.OriginChannelID, corr.OriginMessageID,
	)
	if err == nil && origin != nil {
		quoted = fmt.Sprintf(
			"> **%s**: %s",
			displayName(origin.Author),
			truncate(normalizeContent(origin.Content), quotedReplyMaxLength),
		)
	}
	content := fmt.Sprintf("%s\n%s", quoted, d.normalize(m))

	handle := d.resolver.Resolve(ctx, corr.OriginChannelID)
	if handle == nil {
		d.metricTargetsSkipped.Add(1)
		logger.Debug("origin channel unreachable for reply mirror")
		return
	}

	files := d.fetchAttachments(ctx, m.Attachments)
	params := &discordgo.WebhookParams{
		Content:   content,
		Username:  d.relayUsername(m.Author, m.GuildID),
		AvatarURL: m.Author.AvatarURL(""),
		Files:     webhookFiles(files),
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{},
		},
	}

	sent, err := d.executeWebhook(ctx, handle, corr.OriginChannelID, params)
	if err != nil {
		d.metricDeliveryFailures.Add(1)
		logger.Error("error mirroring reply", tint.Err(err))
		return
	}
	d.metricRepliesMirrored.Add(1)
	if sent != nil {
		d.table.Record(sent.ID, m.ID, m.ChannelID)
	}

	for _, imageURL := range embedImageURLs(m.Embeds) {
		followUp := &discordgo.WebhookParams{
			Username:  params.Username,
			AvatarURL: params.AvatarURL,
			Embeds: []*discordgo.MessageEmbed{
				{Image: &discordgo.MessageEmbedImage{URL: imageURL}},
			},
		}
		if _, err = d.executeWebhook(
			ctx, handle, corr.OriginChannelID, followUp,
		); err != nil {
			logger.Error("error mirroring reply image", tint.Err(err))
		}
	}
}

// HandleReactionAdd mirrors a reaction added on a relayed copy onto the
// original message. Mirroring is one-directional: reactions on the origin
// are not fanned back out to copies.
func (d *RelayDispatcher) HandleReactionAdd(
	ctx context.Context,
	r *discordgo.MessageReactionAdd,
) {
	if bot := d.session.BotUser(); bot != nil && r.UserID == bot.ID {
		return
	}
	corr := d.table.Lookup(r.MessageID)
	if corr == nil {
		return
	}
	if !d.canReact(corr.OriginChannelID) {
		return
	}
	err := d.session.MessageReactionAdd(
		corr.OriginChannelID, corr.OriginMessageID, r.Emoji.APIName(),
	)
	if err != nil {
		_, logger := d.contextLogger(ctx)
		logger.Warn(
			"error mirroring reaction",
			tint.Err(err),
			"origin_channel_id", corr.OriginChannelID,
		)
		return
	}
	d.metricReactionsMirrored.Add(1)
}

// HandleReactionRemove removes the bot's mirrored reaction from the
// original message when it's removed from the copy.
func (d *RelayDispatcher) HandleReactionRemove(
	ctx context.Context,
	r *discordgo.MessageReactionRemove,
) {
	if bot := d.session.BotUser(); bot != nil && r.UserID == bot.ID {
		return
	}
	corr := d.table.Lookup(r.MessageID)
	if corr == nil {
		return
	}
	if !d.canReact(corr.OriginChannelID) {
		return
	}
	err := d.session.MessageReactionRemove(
		corr.OriginChannelID, corr.OriginMessageID, r.Emoji.APIName(), "@me",
	)
	if err != nil {
		_, logger := d.contextLogger(ctx)
		logger.Warn(
			"error removing mirrored reaction",
			tint.Err(err),
			"origin_channel_id", corr.OriginChannelID,
		)
	}
}

func (d *RelayDispatcher) canReact(channelID string) bool {
	bot := d.session.BotUser()
	if bot == nil {
		return false
	}
	perms, err := d.session.UserChannelPermissions(bot.ID, channelID)
	if err != nil {
		return false
	}
	required := int64(
		discordgo.PermissionViewChannel | discordgo.PermissionAddReactions,
	)
	return perms&required == required
}

// NotifyMembers sends a plain, best-effort notification to every member
// channel of a frequency except the one given. Used for join/leave
// announcements; failures are logged and ignored.
func (d *RelayDispatcher) NotifyMembers(
	key string,
	exceptChannelID string,
	content string,
) {
	for _, link := range d.registry.Members(key) {
		if link.ChannelID == exceptChannelID {
			continue
		}
		go func(channelID string) {
			if _, err := d.session.ChannelMessageSend(channelID, content); err != nil {
				d.logger.Debug(
					"error sending member notification",
					tint.Err(err),
					"channel_id", channelID,
				)
			}
		}(link.ChannelID)
	}
}

// normalize applies either the fast inert-mention path or, when
// configured, the bounded display-name resolution path.
func (d *RelayDispatcher) normalize(m *discordgo.MessageCreate) string {
	if !d.config.ResolveMentions {
		return normalizeContent(m.Content)
	}
	return resolveMentions(
		m.Content,
		d.mentionResolver(m.GuildID),
		d.config.MaxMentionResolutions,
	)
}

// mentionResolver resolves mentioned IDs against the origin guild.
func (d *RelayDispatcher) mentionResolver(guildID string) MentionResolver {
	return func(kind string, id string) (string, bool) {
		switch kind {
		case "@", "@!":
			member, err := d.session.GuildMember(guildID, id)
			if err != nil || member == nil {
				return "", false
			}
			if member.Nick != "" {
				return member.Nick, true
			}
			return displayName(member.User), true
		case "@&":
			guild, err := d.session.Guild(guildID)
			if err != nil || guild == nil {
				return "", false
			}
			for _, role := range guild.Roles {
				if role.ID == id {
					return role.Name, true
				}
			}
			return "", false
		case "#":
			channel, err := d.session.Channel(id)
			if err != nil || channel == nil {
				return "", false
			}
			return channel.Name, true
		default:
			return "", false
		}
	}
}

// relayUsername builds the identity shown on relayed copies:
// "author (origin guild)".
func (d *RelayDispatcher) relayUsername(
	author *discordgo.User,
	guildID string,
) string {
	name := displayName(author)
	if guild, err := d.session.Guild(guildID); err == nil && guild != nil {
		name = fmt.Sprintf("%s (%s)", name, guild.Name)
	}
	return truncate(name, webhookUsernameMaxLength)
}

// fetchAttachments downloads forwardable attachments into memory so the
// same bytes can back multiple concurrent sends. Attachments over the
// size ceiling are silently dropped from the relay.
func (d *RelayDispatcher) fetchAttachments(
	ctx context.Context,
	attachments []*discordgo.MessageAttachment,
) []relayFile {
	_, logger := d.contextLogger(ctx)

	var files []relayFile
	for _, att := range attachments {
		if att == nil || att.URL == "" {
			continue
		}
		if d.config.MaxAttachmentBytes > 0 && att.Size > d.config.MaxAttachmentBytes {
			logger.Debug(
				"dropping oversized attachment",
				"filename", att.Filename,
				"size", att.Size,
			)
			continue
		}
		data, err := d.downloadAttachment(ctx, att.URL)
		if err != nil {
			logger.Warn(
				"error downloading attachment",
				tint.Err(err),
				"filename", att.Filename,
			)
			continue
		}
		files = append(
			files, relayFile{
				name:        att.Filename,
				contentType: att.ContentType,
				data:        data,
			},
		)
	}
	return files
}

func (d *RelayDispatcher) downloadAttachment(
	ctx context.Context,
	url string,
) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	// the advertised size is re-checked on the wire
	limit := int64(d.config.MaxAttachmentBytes)
	if limit <= 0 {
		return io.ReadAll(resp.Body)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errors.New("attachment exceeded size ceiling")
	}
	return data, nil
}

func (d *RelayDispatcher) contextLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = d.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// webhookFiles clones buffered relay files into per-send discordgo files.
// Each send needs its own reader.
func webhookFiles(files []relayFile) []*discordgo.File {
	if len(files) == 0 {
		return nil
	}
	out := make([]*discordgo.File, 0, len(files))
	for _, f := range files {
		out = append(
			out, &discordgo.File{
				Name:        f.name,
				ContentType: f.contentType,
				Reader:      bytes.NewReader(f.data),
			},
		)
	}
	return out
}

// embedImageURLs extracts image URLs that arrived as rich embeds (pasted
// image links). These are re-sent as follow-ups after the primary send.
func embedImageURLs(embeds []*discordgo.MessageEmbed) []string {
	var urls []string
	for _, e := range embeds {
		if e != nil && e.Image != nil && e.Image.URL != "" {
			urls = append(urls, e.Image.URL)
		}
	}
	return urls
}

// isUnknownWebhookErr reports whether the error is Discord telling us the
// webhook no longer exists (deleted in the UI, for example).
func isUnknownWebhookErr(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	return restErr.Message != nil &&
		restErr.Message.Code == discordgo.ErrCodeUnknownWebhook
}
