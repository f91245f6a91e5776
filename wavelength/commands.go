package wavelength

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// DiscordSlashCommandFrequency is the name of the bot's single slash
// command; everything else is a subcommand of it.
const DiscordSlashCommandFrequency = "frequency"

const (
	frequencySubcommandGenerate = "generate"
	frequencySubcommandLink     = "link"
	frequencySubcommandUnlink   = "unlink"
	frequencySubcommandManage   = "manage"
	frequencySubcommandList     = "list"
	frequencySubcommandBan      = "ban"
	frequencySubcommandUnban    = "unban"

	frequencyOptionKey     = "key"
	frequencyOptionSecret  = "secret"
	frequencyOptionPrivate = "private"
	frequencyOptionUser    = "user"
	frequencyOptionID      = "id"

	frequencyListPageSize = 5
)

// appCommandFrequency returns the /frequency command definition with all
// of its subcommands.
func appCommandFrequency() *discordgo.ApplicationCommand {
	dmPerm := false
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
	}
	integrationTypes := []discordgo.ApplicationIntegrationType{
		discordgo.ApplicationIntegrationGuildInstall,
	}

	return &discordgo.ApplicationCommand{
		Name:             DiscordSlashCommandFrequency,
		Description:      "Link this channel with channels on other servers",
		Type:             discordgo.ChatApplicationCommand,
		DMPermission:     &dmPerm,
		Contexts:         &contexts,
		IntegrationTypes: &integrationTypes,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        frequencySubcommandGenerate,
				Description: "Generate a new frequency owned by this channel",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionBoolean,
						Name:        frequencyOptionPrivate,
						Description: "Require a secret to link to this frequency",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        frequencySubcommandLink,
				Description: "Link this channel to an existing frequency",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        frequencyOptionKey,
						Description: "The frequency key to link to",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        frequencyOptionSecret,
						Description: "Secret, for private frequencies",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        frequencySubcommandUnlink,
				Description: "Unlink this channel from its frequency",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        frequencySubcommandManage,
				Description: "Show this channel's frequency",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        frequencySubcommandList,
				Description: "List active frequencies",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        frequencySubcommandBan,
				Description: "Ban a user or server from this frequency (owner only)",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        frequencyOptionUser,
						Description: "User to ban",
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        frequencyOptionID,
						Description: "User or server ID to ban",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        frequencySubcommandUnban,
				Description: "Lift a ban from this frequency (owner only)",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        frequencyOptionUser,
						Description: "User to unban",
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        frequencyOptionID,
						Description: "User or server ID to unban",
					},
				},
			},
		},
	}
}

// handlerInteractionCreate routes /frequency subcommands. All responses
// are ephemeral: linking and moderation are channel administration, not
// relay traffic.
func (w *Wavelength) handlerInteractionCreate() func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		defer w.recoverFlush()
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		data := i.ApplicationCommandData()
		if data.Name != DiscordSlashCommandFrequency {
			return
		}
		if len(data.Options) == 0 {
			return
		}
		sub := data.Options[0]
		opts := optionMap(sub.Options)

		logger := w.logger.With(
			loggerNameKey, "command_handler",
			"subcommand", sub.Name,
			"channel_id", i.ChannelID,
			"guild_id", i.GuildID,
		)

		if i.GuildID == "" {
			w.respondEphemeral(i, "This command only works in a server channel.")
			return
		}

		var content string
		switch sub.Name {
		case frequencySubcommandGenerate:
			content = w.commandGenerate(i, opts)
		case frequencySubcommandLink:
			content = w.commandLink(i, opts)
		case frequencySubcommandUnlink:
			content = w.commandUnlink(i)
		case frequencySubcommandManage:
			content = w.commandManage(i)
		case frequencySubcommandList:
			content = w.commandList()
		case frequencySubcommandBan:
			content = w.commandBan(i, opts)
		case frequencySubcommandUnban:
			content = w.commandUnban(i, opts)
		default:
			logger.Warn("unknown subcommand")
			return
		}

		logger.Info("handled command", "user", getDiscordUser(i))
		w.respondEphemeral(i, content)
	}
}

func (w *Wavelength) commandGenerate(
	i *discordgo.InteractionCreate,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) string {
	if key, linked := w.registry.Resolve(i.ChannelID); linked {
		return fmt.Sprintf(
			"This channel is already on frequency `%s`. "+
				"Unlink it first with `/frequency unlink`.",
			key,
		)
	}
	if owned, ok := w.registry.OwnedBy(i.GuildID); ok {
		return fmt.Sprintf(
			"This server already generated frequency `%s`. "+
				"Each server can only own one.",
			owned.Key,
		)
	}

	private := false
	if opt, ok := opts[frequencyOptionPrivate]; ok {
		private = opt.BoolValue()
	}

	key, secret, err := w.registry.Create(i.ChannelID, i.GuildID, private)
	if err != nil {
		return userMessageForErr(err)
	}

	w.discord.updateCustomStatus(w.registry.Count())

	if private {
		return fmt.Sprintf(
			"Generated private frequency `%s`.\n"+
				"Secret (shown once, share carefully): `%s`",
			key, secret,
		)
	}
	return fmt.Sprintf(
		"Generated frequency `%s`. Other servers can join it with "+
			"`/frequency link key:%s`.",
		key, key,
	)
}

func (w *Wavelength) commandLink(
	i *discordgo.InteractionCreate,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) string {
	if key, linked := w.registry.Resolve(i.ChannelID); linked {
		return fmt.Sprintf("This channel is already on frequency `%s`.", key)
	}

	keyOpt, ok := opts[frequencyOptionKey]
	if !ok {
		return "A frequency key is required."
	}
	key := strings.TrimSpace(keyOpt.StringValue())

	var secret string
	if opt, exists := opts[frequencyOptionSecret]; exists {
		secret = opt.StringValue()
	}

	var userID string
	if u := getDiscordUser(i); u != nil {
		userID = u.ID
	}

	if err := w.registry.Link(
		key, i.ChannelID, i.GuildID, userID, secret,
	); err != nil {
		return userMessageForErr(err)
	}

	w.dispatcher.NotifyMembers(
		key,
		i.ChannelID,
		fmt.Sprintf("A new channel joined frequency `%s`.", key),
	)

	members := len(w.registry.Members(key))
	return fmt.Sprintf(
		"Linked to frequency `%s` (%d channels connected).",
		key, members,
	)
}

func (w *Wavelength) commandUnlink(i *discordgo.InteractionCreate) string {
	key, remaining, deleted, err := w.registry.Unlink(i.ChannelID)
	if err != nil {
		return userMessageForErr(err)
	}

	w.discord.updateCustomStatus(w.registry.Count())

	if !deleted {
		for _, link := range remaining {
			go func(channelID string) {
				_, sendErr := w.discord.session.ChannelMessageSend(
					channelID,
					fmt.Sprintf("A channel left frequency `%s`.", key),
				)
				if sendErr != nil {
					w.logger.Debug(
						"error sending leave notification",
						tint.Err(sendErr),
						"channel_id", channelID,
					)
				}
			}(link.ChannelID)
		}
	}

	if deleted {
		return fmt.Sprintf(
			"Unlinked from frequency `%s`. It had no other channels, "+
				"so it was closed.",
			key,
		)
	}
	return fmt.Sprintf("Unlinked from frequency `%s`.", key)
}

func (w *Wavelength) commandManage(i *discordgo.InteractionCreate) string {
	key, linked := w.registry.Resolve(i.ChannelID)
	if !linked {
		return userMessageForErr(ErrNotLinked)
	}
	info, ok := w.registry.Info(key)
	if !ok {
		return userMessageForErr(ErrInvalidFrequency)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Frequency `%s`\n", info.Key)
	fmt.Fprintf(&b, "- Channels connected: %d\n", info.MemberCount)
	if info.Private {
		b.WriteString("- Private: yes\n")
	} else {
		b.WriteString("- Private: no\n")
	}
	if info.OwnerGuildID == i.GuildID {
		b.WriteString(
			"- This server owns the frequency. " +
				"`/frequency ban` and `/frequency unban` are available here.",
		)
	} else {
		b.WriteString("- Owned by another server.")
	}
	return b.String()
}

func (w *Wavelength) commandList() string {
	summaries := w.registry.List()
	if len(summaries) == 0 {
		return "No active frequencies. Start one with `/frequency generate`."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Active frequencies: %d\n", len(summaries))
	for n, summary := range summaries {
		if n >= frequencyListPageSize {
			fmt.Fprintf(&b, "...and %d more", len(summaries)-n)
			break
		}
		if summary.Private {
			// private keys are join credentials, don't print them
			fmt.Fprintf(
				&b, "- (private) %d channels\n", summary.MemberCount,
			)
		} else {
			fmt.Fprintf(
				&b, "- `%s` %d channels\n", summary.Key, summary.MemberCount,
			)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (w *Wavelength) commandBan(
	i *discordgo.InteractionCreate,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) string {
	key, msg := w.requireOwner(i)
	if msg != "" {
		return msg
	}
	bannedID, msg := banTargetID(opts)
	if msg != "" {
		return msg
	}

	unlinked, err := w.registry.Ban(key, bannedID)
	if err != nil {
		return userMessageForErr(err)
	}
	w.discord.updateCustomStatus(w.registry.Count())

	if len(unlinked) > 0 {
		return fmt.Sprintf(
			"Banned `%s` from frequency `%s` and disconnected %d channels.",
			bannedID, key, len(unlinked),
		)
	}
	return fmt.Sprintf("Banned `%s` from frequency `%s`.", bannedID, key)
}

func (w *Wavelength) commandUnban(
	i *discordgo.InteractionCreate,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) string {
	key, msg := w.requireOwner(i)
	if msg != "" {
		return msg
	}
	bannedID, msg := banTargetID(opts)
	if msg != "" {
		return msg
	}

	if err := w.registry.Unban(key, bannedID); err != nil {
		return userMessageForErr(err)
	}
	return fmt.Sprintf("Unbanned `%s` from frequency `%s`.", bannedID, key)
}

// requireOwner resolves the invoking channel's frequency and verifies the
// invoking guild owns it. Returns a user-facing message on failure.
func (w *Wavelength) requireOwner(i *discordgo.InteractionCreate) (
	key string,
	msg string,
) {
	key, linked := w.registry.Resolve(i.ChannelID)
	if !linked {
		return "", userMessageForErr(ErrNotLinked)
	}
	info, ok := w.registry.Info(key)
	if !ok {
		return "", userMessageForErr(ErrInvalidFrequency)
	}
	if info.OwnerGuildID != i.GuildID {
		return "", "Only the server that generated this frequency can do that."
	}
	return key, ""
}

// banTargetID extracts the ban target from the user option or the raw ID
// option. Returns a user-facing message when neither is given.
func banTargetID(
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (string, string) {
	if opt, ok := opts[frequencyOptionUser]; ok {
		if u := opt.UserValue(nil); u != nil && u.ID != "" {
			return u.ID, ""
		}
	}
	if opt, ok := opts[frequencyOptionID]; ok {
		if id := strings.TrimSpace(opt.StringValue()); id != "" {
			return id, ""
		}
	}
	return "", "Provide a user or an ID."
}

func (w *Wavelength) respondEphemeral(
	i *discordgo.InteractionCreate,
	content string,
) {
	err := w.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: truncate(content, discordMaxMessageLength),
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if err != nil {
		w.logger.Error("error responding to interaction", tint.Err(err))
	}
}

// userMessageForErr maps registry errors to user-facing responses.
func userMessageForErr(err error) string {
	switch {
	case errors.Is(err, ErrInvalidFrequency):
		return "That frequency doesn't exist. Check the key and try again."
	case errors.Is(err, ErrForbidden):
		return "You're banned from that frequency."
	case errors.Is(err, ErrAuthRequired):
		return "That frequency is private. A valid secret is required."
	case errors.Is(err, ErrAlreadyLinked):
		return "This channel is already linked to a frequency."
	case errors.Is(err, ErrNotLinked):
		return "This channel isn't linked to a frequency."
	case errors.Is(err, ErrGuildHasFrequency):
		return "This server already generated a frequency. " +
			"Each server can only own one."
	default:
		return "Something went wrong. Try again in a moment."
	}
}

func optionMap(
	options []*discordgo.ApplicationCommandInteractionDataOption,
) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	m := make(
		map[string]*discordgo.ApplicationCommandInteractionDataOption,
		len(options),
	)
	for _, opt := range options {
		m[opt.Name] = opt
	}
	return m
}
