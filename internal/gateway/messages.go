package gateway

import (
	"context"
	"time"
)

// Message types understood by the assistant's gateway.
const (
	TypeChatMessage          = "chat.message"
	TypeChatMessageSent      = "chat.message.sent"
	TypeChatMessagesGet      = "chat.messages.get"
	TypeChatMessagesResponse = "chat.messages.response"
	TypeChatMessageDelete    = "chat.message.delete"
	TypeChatMessageDeleted   = "chat.message.deleted"
	TypeChannelsList         = "channels.list"
	TypeChannelsListResponse = "channels.list.response"
	TypeProvidersList        = "providers.list"
	TypeSkillsReload         = "skills.reload"
	TypeSkillsReloaded       = "skills.reloaded"
	TypeStatusGet            = "status.get"
)

// ChatMessage is the payload of chat.message.
type ChatMessage struct {
	ChannelID string `json:"channelId"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// SendChatMessage relays an operator message to a channel.
func (c *Client) SendChatMessage(ctx context.Context, channelID, content string) (bool, error) {
	return c.Send(ctx, TypeChatMessage, ChatMessage{
		ChannelID: channelID,
		Content:   content,
		Timestamp: c.now().UnixMilli(),
	})
}

func (c *Client) GetChannels(ctx context.Context) (bool, error) {
	return c.Send(ctx, TypeChannelsList, nil)
}

func (c *Client) GetProviders(ctx context.Context) (bool, error) {
	return c.Send(ctx, TypeProvidersList, nil)
}

func (c *Client) ReloadSkills(ctx context.Context) (bool, error) {
	return c.Send(ctx, TypeSkillsReload, nil)
}

func (c *Client) GetStatus(ctx context.Context) (bool, error) {
	return c.Send(ctx, TypeStatusGet, nil)
}

// ListChannels asks for the channel list and waits for the reply.
func (c *Client) ListChannels(ctx context.Context, timeout time.Duration) (Envelope, error) {
	return c.Request(ctx, TypeChannelsList, nil, TypeChannelsListResponse, timeout)
}
