package wavelength

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// relayWebhookName is the name used for webhooks the bot creates on
// target channels.
const relayWebhookName = "wavelength-relay"

// deliveryPermissions is the minimum permission set the bot needs on a
// target channel before any send or webhook-creation attempt.
const deliveryPermissions = discordgo.PermissionViewChannel |
	discordgo.PermissionSendMessages |
	discordgo.PermissionManageWebhooks |
	discordgo.PermissionEmbedLinks |
	discordgo.PermissionAttachFiles

// DeliveryHandle is a cached, reusable send endpoint for a channel: a
// bot-owned webhook that supports identity-override sends.
type DeliveryHandle struct {
	ChannelID string
	WebhookID string
	Token     string
	lastUsed  time.Time
}

// DeliveryResolver turns a channel ID into a usable [DeliveryHandle],
// verifying the bot's permissions and lazily creating a webhook on first
// use. Handles are cached with a TTL; channels that fail resolution go
// into a short-lived negative cache so a permanently broken channel
// doesn't get re-probed on every message.
//
// The cache is best-effort, not a source of truth: a webhook deleted out
// from under us surfaces as a send failure, and [DeliveryResolver.Invalidate]
// makes the next resolve recreate it.
type DeliveryResolver struct {
	mu          sync.Mutex
	session     DiscordSessionHandler
	cache       map[string]*DeliveryHandle
	negative    map[string]time.Time
	ttl         time.Duration
	negativeTTL time.Duration
	logger      *slog.Logger

	// now is injected for tests
	now func() time.Time
}

func NewDeliveryResolver(
	session DiscordSessionHandler,
	ttl time.Duration,
	negativeTTL time.Duration,
	logger *slog.Logger,
) *DeliveryResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeliveryResolver{
		session:     session,
		cache:       map[string]*DeliveryHandle{},
		negative:    map[string]time.Time{},
		ttl:         ttl,
		negativeTTL: negativeTTL,
		logger:      logger.With(loggerNameKey, "delivery_resolver"),
		now:         time.Now,
	}
}

// Resolve returns a delivery handle for the channel, or nil if the
// channel can't receive relays right now (missing permissions, API
// failure). Callers log-and-skip on nil rather than failing the fan-out.
func (r *DeliveryResolver) Resolve(
	ctx context.Context,
	channelID string,
) *DeliveryHandle {
	now := r.now()

	r.mu.Lock()
	if until, bad := r.negative[channelID]; bad {
		if now.Before(until) {
			r.mu.Unlock()
			return nil
		}
		delete(r.negative, channelID)
	}
	if handle, ok := r.cache[channelID]; ok {
		if now.Sub(handle.lastUsed) < r.ttl {
			handle.lastUsed = now
			r.mu.Unlock()
			return handle
		}
		delete(r.cache, channelID)
	}
	r.mu.Unlock()

	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = r.logger
	}

	handle := r.resolveFresh(channelID, log)

	r.mu.Lock()
	defer r.mu.Unlock()
	if handle == nil {
		r.negative[channelID] = r.now().Add(r.negativeTTL)
		return nil
	}
	// another event may have resolved the same channel while we were on
	// the network; keep the first one
	if existing, exists := r.cache[channelID]; exists {
		existing.lastUsed = r.now()
		return existing
	}
	handle.lastUsed = r.now()
	r.cache[channelID] = handle
	return handle
}

// resolveFresh verifies permissions and finds or creates a bot-owned
// webhook. Runs without holding the cache lock.
func (r *DeliveryResolver) resolveFresh(
	channelID string,
	log *slog.Logger,
) *DeliveryHandle {
	botUser := r.session.BotUser()
	if botUser == nil {
		log.Warn("bot user not available yet", "channel_id", channelID)
		return nil
	}

	perms, err := r.session.UserChannelPermissions(botUser.ID, channelID)
	if err != nil {
		log.Warn(
			"error checking channel permissions",
			tint.Err(err),
			"channel_id", channelID,
		)
		return nil
	}
	if perms&deliveryPermissions != deliveryPermissions {
		log.Warn(
			"insufficient permissions for relay delivery",
			"channel_id", channelID,
			"permissions", perms,
		)
		return nil
	}

	webhooks, err := r.session.ChannelWebhooks(channelID)
	if err != nil {
		log.Warn(
			"error listing channel webhooks",
			tint.Err(err),
			"channel_id", channelID,
		)
		return nil
	}
	for _, hook := range webhooks {
		if hook.User != nil && hook.User.ID == botUser.ID && hook.Token != "" {
			return &DeliveryHandle{
				ChannelID: channelID,
				WebhookID: hook.ID,
				Token:     hook.Token,
			}
		}
	}

	hook, err := r.session.WebhookCreate(channelID, relayWebhookName, "")
	if err != nil {
		log.Warn(
			"error creating relay webhook",
			tint.Err(err),
			"channel_id", channelID,
		)
		return nil
	}
	return &DeliveryHandle{
		ChannelID: channelID,
		WebhookID: hook.ID,
		Token:     hook.Token,
	}
}

// Invalidate drops the cached handle for a channel, e.g. after a send
// failed because the webhook was deleted in the platform UI.
func (r *DeliveryResolver) Invalidate(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, channelID)
}

// Sweep evicts expired positive and negative entries, returning how many
// were removed.
func (r *DeliveryResolver) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for channelID, handle := range r.cache {
		if now.Sub(handle.lastUsed) >= r.ttl {
			delete(r.cache, channelID)
			removed++
		}
	}
	for channelID, until := range r.negative {
		if !now.Before(until) {
			delete(r.negative, channelID)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached positive handles.
func (r *DeliveryResolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
