// Package matrixclient wraps a maunium.net/go/mautrix client into the
// narrow bridge.MatrixClient contract and turns the raw sync event stream
// into the bridge's MatrixTextEvent/MatrixEditEvent/MatrixReactionEvent
// callbacks (§6 Matrix collaborator contract).
//
// The pack's only mautrix example (aiku-mautrix-mattermost) is built on
// the bridgev2 appservice framework, which exists to host many puppeted
// remote networks behind one appservice registration. A single-room,
// single-account chat bridge has no use for that machinery, so this
// package drives mautrix's plain bot Client and sync.Syncer directly -
// still the same library, the layer the bridgev2 framework itself sits
// on top of.
package matrixclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// TextHandler, EditHandler and ReactionHandler mirror the bridge's inbound
// entrypoints so main can wire them directly to bridge.Bridge methods
// without this package importing pkg/bridge.
type (
	TextHandler     func(ctx context.Context, eventID, sender, body, inReplyToEvent string, displayName string)
	EditHandler     func(ctx context.Context, eventID, sender, targetEventID, newBody string)
	ReactionHandler func(ctx context.Context, eventID, sender, targetEventID, key string)
)

// Config carries the connection parameters spec.md §6 enumerates.
type Config struct {
	Homeserver  string
	UserID      string
	Password    string
	AccessToken string
	RoomID      string
}

// Client is a thin, single-room mautrix wrapper.
type Client struct {
	cfg    Config
	client *mautrix.Client
	roomID id.RoomID
	log    *slog.Logger

	onText     TextHandler
	onEdit     EditHandler
	onReaction ReactionHandler

	nameMu    sync.Mutex
	nameCache map[string]string // keyed by roomID + "\x00" + userID
}

// New logs in (or adopts an existing access token) and prepares the
// client. Call SetHandlers before Start.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	mc, err := mautrix.NewClient(cfg.Homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("matrixclient: new client: %w", err)
	}

	c := &Client{cfg: cfg, client: mc, roomID: id.RoomID(cfg.RoomID), log: log, nameCache: make(map[string]string)}

	if cfg.AccessToken != "" {
		mc.UserID = id.UserID(cfg.UserID)
		mc.AccessToken = cfg.AccessToken
	} else {
		resp, err := mc.Login(ctx, &mautrix.ReqLogin{
			Type:             mautrix.AuthTypePassword,
			Identifier:       mautrix.UserIdentifier{Type: mautrix.IdentifierTypeUser, User: cfg.UserID},
			Password:         cfg.Password,
			StoreCredentials: true,
		})
		if err != nil {
			return nil, fmt.Errorf("matrixclient: login: %w", err)
		}
		mc.AccessToken = resp.AccessToken
	}

	return c, nil
}

// SetHandlers registers the callbacks driven by the sync loop. Must be
// called before Start.
func (c *Client) SetHandlers(onText TextHandler, onEdit EditHandler, onReaction ReactionHandler) {
	c.onText = onText
	c.onEdit = onEdit
	c.onReaction = onReaction

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleTimelineEvent)
	syncer.OnEventType(event.EventReaction, c.handleReactionEvent)
}

// Start runs the sync loop until ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	c.client.StopSync()
	go func() {
		<-ctx.Done()
		c.client.StopSync()
	}()
	return c.client.SyncWithContext(ctx)
}

func (c *Client) handleTimelineEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == c.client.UserID || evt.RoomID != c.roomID {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}

	if rel := content.RelatesTo; rel != nil && rel.Type == event.RelReplace {
		newBody := content.NewContent
		body := content.Body
		if newBody != nil {
			body = newBody.Body
		}
		if c.onEdit != nil {
			c.onEdit(ctx, evt.ID.String(), evt.Sender.String(), rel.EventID.String(), body)
		}
		return
	}

	var inReplyTo string
	if rel := content.RelatesTo; rel != nil && rel.InReplyTo != nil {
		inReplyTo = rel.InReplyTo.EventID.String()
	}

	displayName, err := c.DisplayName(ctx, evt.Sender.String(), evt.RoomID.String())
	if err != nil {
		c.log.Debug("display name lookup failed", "user", evt.Sender, "error", err)
	}
	if c.onText != nil {
		c.onText(ctx, evt.ID.String(), evt.Sender.String(), content.Body, inReplyTo, displayName)
	}
}

func (c *Client) handleReactionEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == c.client.UserID || evt.RoomID != c.roomID {
		return
	}
	content, ok := evt.Content.Parsed.(*event.ReactionEventContent)
	if !ok {
		return
	}
	if c.onReaction != nil {
		c.onReaction(ctx, evt.ID.String(), evt.Sender.String(), content.RelatesTo.EventID.String(), content.RelatesTo.Key)
	}
}

// PostMessage implements bridge.MatrixClient.
func (c *Client) PostMessage(ctx context.Context, bodyPlain, bodyHTML, inReplyToEventID string) (string, error) {
	content := &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          bodyPlain,
		Format:        event.FormatHTML,
		FormattedBody: bodyHTML,
	}
	if inReplyToEventID != "" {
		content.RelatesTo = &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(inReplyToEventID)},
		}
	}
	resp, err := c.client.SendMessageEvent(ctx, c.roomID, event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("matrixclient: send message: %w", err)
	}
	return resp.EventID.String(), nil
}

// EditMessage implements bridge.MatrixClient, sending an m.replace
// relation per the Matrix edit convention.
func (c *Client) EditMessage(ctx context.Context, eventID, bodyPlain, bodyHTML string) error {
	target := id.EventID(eventID)
	content := &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          "* " + bodyPlain,
		Format:        event.FormatHTML,
		FormattedBody: "* " + bodyHTML,
		NewContent: &event.MessageEventContent{
			MsgType:       event.MsgText,
			Body:          bodyPlain,
			Format:        event.FormatHTML,
			FormattedBody: bodyHTML,
		},
		RelatesTo: &event.RelatesTo{
			Type:    event.RelReplace,
			EventID: target,
		},
	}
	_, err := c.client.SendMessageEvent(ctx, c.roomID, event.EventMessage, content)
	if err != nil {
		return fmt.Errorf("matrixclient: edit message: %w", err)
	}
	return nil
}

// DisplayName implements bridge.MatrixClient's display_name(user_id, room_id)
// contract (spec.md §6): room-specific nickname, falling back to the
// global profile name, falling back to the bare user id. This is the one
// call site for name resolution; handleTimelineEvent calls it directly
// rather than duplicating the fallback chain.
func (c *Client) DisplayName(ctx context.Context, userID, roomID string) (string, error) {
	uid := id.UserID(userID)
	cacheKey := roomID + "\x00" + userID

	c.nameMu.Lock()
	if name, ok := c.nameCache[cacheKey]; ok {
		c.nameMu.Unlock()
		return name, nil
	}
	c.nameMu.Unlock()

	name := c.resolveDisplayName(ctx, id.RoomID(roomID), uid)

	c.nameMu.Lock()
	c.nameCache[cacheKey] = name
	c.nameMu.Unlock()
	return name, nil
}

// resolveDisplayName implements the fallback chain itself, uncached.
func (c *Client) resolveDisplayName(ctx context.Context, roomID id.RoomID, userID id.UserID) string {
	var member event.MemberEventContent
	if roomID != "" {
		if err := c.client.StateEvent(ctx, roomID, event.StateMember, userID.String(), &member); err == nil && member.Displayname != "" {
			return member.Displayname
		}
	}

	resp, err := c.client.GetDisplayName(ctx, userID)
	if err == nil && resp.DisplayName != "" {
		return resp.DisplayName
	}
	c.log.Debug("falling back to user id for display name", "user", userID, "room", roomID, "error", err)
	return userID.String()
}
