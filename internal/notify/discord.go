package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
)

// embedSender is the subset of *discordgo.Session used here.
type embedSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordChannel posts events as embeds to one Discord channel over REST.
type DiscordChannel struct {
	channelID string
	sess      embedSender
}

// NewDiscordChannel creates a bot session for token. No gateway connection is
// opened; messages go through the REST API.
func NewDiscordChannel(token, channelID string) (*DiscordChannel, error) {
	if token == "" || channelID == "" {
		return nil, fmt.Errorf("discord: bot token and channel id are required")
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	return &DiscordChannel{channelID: channelID, sess: dg}, nil
}

func (c *DiscordChannel) Name() string { return "discord" }

func (c *DiscordChannel) Send(ctx context.Context, ev Event) error {
	_, err := c.sess.ChannelMessageSendEmbed(c.channelID, eventToEmbed(ev), discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: send embed: %w", err)
	}
	return nil
}

func eventToEmbed(ev Event) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       ev.Title(),
		Description: ev.Error,
		Timestamp:   ev.At.Format(time.RFC3339),
	}
	switch ev.Kind {
	case KindJobFailed:
		embed.Color = 0xE74C3C
	case KindUnitFailed:
		embed.Color = 0xF1C40F
	default:
		embed.Color = 0x2ECC71
	}
	for _, f := range eventFields(ev) {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: f.name, Value: f.value, Inline: true})
	}
	return embed
}
