package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// channelSender is the part of *discordgo.Session the notifier uses.
type channelSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts alerts to a channel through the REST API. No gateway
// connection is opened.
type Discord struct {
	session   channelSender
	channelID string
	now       func() time.Time
}

func NewDiscord(token, channelID string) (*Discord, error) {
	token = strings.TrimSpace(token)
	channelID = strings.TrimSpace(channelID)
	if token == "" || channelID == "" {
		return nil, fmt.Errorf("discord notifier needs a bot token and a channel id")
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	return &Discord{session: dg, channelID: channelID, now: time.Now}, nil
}

func (d *Discord) Notify(ctx context.Context, id string, lastSeen time.Time) error {
	content := "**" + Subject(id) + "**\n" + Message(id, lastSeen, d.now())
	_, err := d.session.ChannelMessageSendComplex(d.channelID, &discordgo.MessageSend{
		Content:         content,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord alert for %s: %w", id, err)
	}
	return nil
}
