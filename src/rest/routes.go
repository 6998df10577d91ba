package rest

import (
	"context"
	"net/http"

	"github.com/mrvillage/quarrel-go/src/structs"
)

var (
	routeGetGatewayBot = Route{http.MethodGet, "/gateway/bot"}

	routeCreateMessage = Route{http.MethodPost, "/channels/{channel_id}/messages"}
	routeEditMessage   = Route{http.MethodPatch, "/channels/{channel_id}/messages/{message_id}"}

	routeEditChannel        = Route{http.MethodPatch, "/channels/{channel_id}"}
	routeDeleteChannel      = Route{http.MethodDelete, "/channels/{channel_id}"}
	routeCreateGuildChannel = Route{http.MethodPost, "/guilds/{guild_id}/channels"}

	routeEditGuildMember       = Route{http.MethodPatch, "/guilds/{guild_id}/members/{member_id}"}
	routeAddGuildMemberRole    = Route{http.MethodPut, "/guilds/{guild_id}/members/{member_id}/roles/{role_id}"}
	routeRemoveGuildMemberRole = Route{http.MethodDelete, "/guilds/{guild_id}/members/{member_id}/roles/{role_id}"}

	routeBulkUpsertGlobalCommands = Route{http.MethodPut, "/applications/{application_id}/commands"}
	routeBulkUpsertGuildCommands  = Route{http.MethodPut, "/applications/{application_id}/guilds/{guild_id}/commands"}

	routeCreateInteractionResponse  = Route{http.MethodPost, "/interactions/{interaction_id}/{webhook_token}/callback"}
	routeOriginalInteractionMessage = Route{http.MethodGet, "/webhooks/{webhook_id}/{webhook_token}/messages/@original"}
	routeEditOriginalInteraction    = Route{http.MethodPatch, "/webhooks/{webhook_id}/{webhook_token}/messages/@original"}
	routeDeleteOriginalInteraction  = Route{http.MethodDelete, "/webhooks/{webhook_id}/{webhook_token}/messages/@original"}
	routeCreateFollowupMessage      = Route{http.MethodPost, "/webhooks/{webhook_id}/{webhook_token}"}
)

// GetGatewayBot resolves the gateway URL and session start budget. This is
// the one REST call the gateway session makes, at startup.
func (c *Client) GetGatewayBot(ctx context.Context) (*structs.GatewayBot, error) {
	gw := new(structs.GatewayBot)
	if err := c.RequestJSON(ctx, routeGetGatewayBot, nil, nil, gw); err != nil {
		return nil, err
	}
	return gw, nil
}

func (c *Client) CreateMessage(ctx context.Context, channelID string, data structs.CreateMessage) (*structs.Message, error) {
	msg := new(structs.Message)
	err := c.RequestJSON(ctx, routeCreateMessage, RouteParams{"channel_id": channelID}, data, msg)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *Client) EditMessage(ctx context.Context, channelID, messageID string, data structs.EditMessage) (*structs.Message, error) {
	msg := new(structs.Message)
	err := c.RequestJSON(ctx, routeEditMessage,
		RouteParams{"channel_id": channelID, "message_id": messageID}, data, msg)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *Client) EditChannel(ctx context.Context, channelID string, data any) ([]byte, error) {
	return c.Request(ctx, routeEditChannel, RouteParams{"channel_id": channelID}, data)
}

func (c *Client) DeleteChannel(ctx context.Context, channelID string) error {
	_, err := c.Request(ctx, routeDeleteChannel, RouteParams{"channel_id": channelID}, nil)
	return err
}

func (c *Client) CreateGuildChannel(ctx context.Context, guildID string, data any) ([]byte, error) {
	return c.Request(ctx, routeCreateGuildChannel, RouteParams{"guild_id": guildID}, data)
}

func (c *Client) EditGuildMember(ctx context.Context, guildID, memberID string, data any) error {
	return c.RequestJSON(ctx, routeEditGuildMember,
		RouteParams{"guild_id": guildID, "member_id": memberID}, data, nil)
}

func (c *Client) AddGuildMemberRole(ctx context.Context, guildID, memberID, roleID string) error {
	_, err := c.Request(ctx, routeAddGuildMemberRole,
		RouteParams{"guild_id": guildID, "member_id": memberID, "role_id": roleID}, nil)
	return err
}

func (c *Client) RemoveGuildMemberRole(ctx context.Context, guildID, memberID, roleID string) error {
	_, err := c.Request(ctx, routeRemoveGuildMemberRole,
		RouteParams{"guild_id": guildID, "member_id": memberID, "role_id": roleID}, nil)
	return err
}

func (c *Client) BulkUpsertGlobalApplicationCommands(ctx context.Context, applicationID string, commands any) ([]byte, error) {
	return c.Request(ctx, routeBulkUpsertGlobalCommands,
		RouteParams{"application_id": applicationID}, commands)
}

func (c *Client) BulkUpsertGuildApplicationCommands(ctx context.Context, applicationID, guildID string, commands any) ([]byte, error) {
	return c.Request(ctx, routeBulkUpsertGuildCommands,
		RouteParams{"application_id": applicationID, "guild_id": guildID}, commands)
}

func (c *Client) CreateInteractionResponse(ctx context.Context, interactionID, token string, data any) error {
	return c.RequestJSON(ctx, routeCreateInteractionResponse,
		RouteParams{"interaction_id": interactionID, "webhook_token": token}, data, nil)
}

func (c *Client) GetOriginalInteractionResponse(ctx context.Context, applicationID, token string) (*structs.Message, error) {
	msg := new(structs.Message)
	err := c.RequestJSON(ctx, routeOriginalInteractionMessage,
		RouteParams{"webhook_id": applicationID, "webhook_token": token}, nil, msg)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *Client) EditOriginalInteractionResponse(ctx context.Context, applicationID, token string, data any) (*structs.Message, error) {
	msg := new(structs.Message)
	err := c.RequestJSON(ctx, routeEditOriginalInteraction,
		RouteParams{"webhook_id": applicationID, "webhook_token": token}, data, msg)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *Client) DeleteOriginalInteractionResponse(ctx context.Context, applicationID, token string) error {
	_, err := c.Request(ctx, routeDeleteOriginalInteraction,
		RouteParams{"webhook_id": applicationID, "webhook_token": token}, nil)
	return err
}

func (c *Client) CreateFollowupMessage(ctx context.Context, applicationID, token string, data any) (*structs.Message, error) {
	msg := new(structs.Message)
	err := c.RequestJSON(ctx, routeCreateFollowupMessage,
		RouteParams{"webhook_id": applicationID, "webhook_token": token}, data, msg)
	if err != nil {
		return nil, err
	}
	return msg, nil
}
