// ABOUTME: Matrix bridge core for ferry-matrix
// ABOUTME: Turns room messages into gateway dispatches and announces agents coming online

package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/ferry-gateway/internal/dedupe"
	"github.com/2389/ferry-gateway/internal/packet"
)

const (
	// typingTimeout is how long the typing indicator shows.
	typingTimeout = 30 * time.Second

	// networkTimeout bounds Matrix API calls made outside a request.
	networkTimeout = 10 * time.Second

	// dedupeMaxSize caps the remembered event IDs.
	dedupeMaxSize = 10000

	minStreamBackoff = time.Second
	maxStreamBackoff = 30 * time.Second
)

// Sender is the part of *mautrix.Client the bridge talks back through.
type Sender interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON any, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
	UserTyping(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) (*mautrix.RespTyping, error)
}

// Bridge connects Matrix rooms to ferry-gateway. Each room ID is the scope
// its agents join.
type Bridge struct {
	config         *Config
	matrix         *mautrix.Client
	sender         Sender
	gateway        *GatewayClient
	seen           *dedupe.Window
	requestTimeout time.Duration
	userID         id.UserID
	logger         *slog.Logger
}

// NewBridge creates a bridge for cfg. Call Login before Run.
func NewBridge(cfg *Config, logger *slog.Logger) (*Bridge, error) {
	client, err := mautrix.NewClient(cfg.Matrix.Homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	b, err := newBridge(cfg, client, logger)
	if err != nil {
		return nil, err
	}
	b.matrix = client
	return b, nil
}

func newBridge(cfg *Config, sender Sender, logger *slog.Logger) (*Bridge, error) {
	timeout, err := cfg.RequestTimeout()
	if err != nil {
		return nil, fmt.Errorf("gateway.request_timeout: %w", err)
	}
	window, err := cfg.DedupeWindow()
	if err != nil {
		return nil, fmt.Errorf("bridge.dedupe_window: %w", err)
	}

	return &Bridge{
		config:         cfg,
		sender:         sender,
		gateway:        NewGatewayClient(cfg.Gateway.URL),
		seen:           dedupe.New(window, dedupeMaxSize, dedupe.WithPruneInterval(window)),
		requestTimeout: timeout,
		logger:         logger.With("component", "matrix-bridge"),
	}, nil
}

// Login authenticates with the configured password and keeps the token.
func (b *Bridge) Login(ctx context.Context) error {
	resp, err := b.matrix.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: b.config.Matrix.Username,
		},
		Password:                 b.config.Matrix.Password,
		InitialDeviceDisplayName: b.config.Matrix.DeviceName,
		StoreCredentials:         true,
	})
	if err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}

	b.userID = resp.UserID
	b.logger.Info("logged in to matrix", "user_id", resp.UserID.String(), "device_id", resp.DeviceID.String())
	return nil
}

// UserID returns the logged-in user, empty before Login.
func (b *Bridge) UserID() string {
	return b.userID.String()
}

// Client returns the underlying Matrix client.
func (b *Bridge) Client() *mautrix.Client {
	return b.matrix
}

// Close stops the dedupe pruner.
func (b *Bridge) Close() {
	b.seen.Close()
}

// Run syncs with the homeserver and follows the gateway event stream until
// ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("starting matrix bridge",
		"homeserver", b.config.Matrix.Homeserver,
		"user_id", b.userID.String(),
		"gateway", b.config.Gateway.URL,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	syncer, ok := b.matrix.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.matrix.Syncer)
	}
	// Skip the backlog delivered by the first sync.
	syncer.OnSync(b.matrix.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		go b.HandleMessage(ctx, evt)
	})
	if b.config.Bridge.AutoJoin {
		syncer.OnEventType(event.StateMember, func(_ context.Context, evt *event.Event) {
			b.handleInvite(ctx, evt)
		})
	}

	if b.config.Bridge.AnnounceOnline {
		go b.watchEvents(ctx)
	}

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.matrix.SyncWithContext(ctx)
	}()

	b.logger.Info("matrix bridge running")

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix bridge")
		return nil
	case err := <-syncErr:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// HandleMessage runs the list command or every yaml command block in a
// room message, replying in the same room.
func (b *Bridge) HandleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == b.userID {
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}

	if b.seen.Seen(evt.ID.String()) {
		b.logger.Debug("ignoring duplicate event", "event_id", evt.ID.String())
		return
	}

	roomID := evt.RoomID
	if !b.isRoomAllowed(roomID.String()) {
		b.logger.Debug("ignoring message from non-allowed room", "room", roomID.String())
		return
	}

	body := content.Body
	if prefix := b.config.Bridge.CommandPrefix; prefix != "" {
		if !strings.HasPrefix(body, prefix) {
			return
		}
		body = strings.TrimSpace(strings.TrimPrefix(body, prefix))
	}
	if body == "" {
		return
	}

	if isCommand(body, b.config.Bridge.ListCommand) {
		b.logger.Info("list requested", "room", roomID.String(), "sender", evt.Sender.String())
		b.withTyping(ctx, roomID, func() { b.handleList(ctx, roomID) })
		return
	}

	blocks := ExtractCommands(body)
	if len(blocks) == 0 {
		return
	}

	b.logger.Info("received commands",
		"room", roomID.String(),
		"sender", evt.Sender.String(),
		"blocks", len(blocks),
	)
	source := "matrix:" + evt.Sender.String()
	b.withTyping(ctx, roomID, func() {
		for _, block := range blocks {
			b.handleCommand(ctx, roomID, source, block)
		}
	})
}

// isCommand reports whether the first word of body is cmd.
func isCommand(body, cmd string) bool {
	fields := strings.Fields(body)
	return len(fields) > 0 && fields[0] == cmd
}

func (b *Bridge) handleList(ctx context.Context, roomID id.RoomID) {
	reqCtx, cancel := context.WithTimeout(ctx, b.requestTimeout)
	defer cancel()

	agents, err := b.gateway.ListAgents(reqCtx, roomID.String())
	if err != nil {
		b.logger.Error("listing agents failed", "room", roomID.String(), "error", err)
		b.reply(ctx, roomID, FormatCommandError(err))
		return
	}
	b.reply(ctx, roomID, FormatAgentList(agents))
}

func (b *Bridge) handleCommand(ctx context.Context, roomID id.RoomID, source, block string) {
	cmd, err := packet.ParseCommand(block)
	if err != nil {
		b.logger.Info("rejected command document", "room", roomID.String(), "error", err)
		b.reply(ctx, roomID, FormatCommandError(err))
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, b.requestTimeout)
	defer cancel()

	out, err := b.gateway.Dispatch(reqCtx, roomID.String(), cmd, source)
	if err != nil {
		b.logger.Error("dispatch failed", "room", roomID.String(), "selector", cmd.Selector, "error", err)
		b.reply(ctx, roomID, FormatCommandError(err))
		return
	}

	b.logger.Info("dispatched",
		"room", roomID.String(),
		"selector", out.Selector,
		"matched", out.Matched,
		"delivered", out.Delivered,
	)
	b.reply(ctx, roomID, FormatOutcome(out))
}

// handleInvite joins allowed rooms the bot is invited to.
func (b *Bridge) handleInvite(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != b.userID.String() {
		return
	}
	member := evt.Content.AsMember()
	if member.Membership != event.MembershipInvite {
		return
	}
	if !b.isRoomAllowed(evt.RoomID.String()) {
		b.logger.Info("ignoring invite to non-allowed room", "room", evt.RoomID.String())
		return
	}

	joinCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := b.matrix.JoinRoomByID(joinCtx, evt.RoomID); err != nil {
		b.logger.Error("failed to join room", "room", evt.RoomID.String(), "error", err)
		return
	}
	b.logger.Info("joined room", "room", evt.RoomID.String(), "inviter", evt.Sender.String())
}

// watchEvents follows the gateway event stream, reconnecting with backoff.
func (b *Bridge) watchEvents(ctx context.Context) {
	backoff := minStreamBackoff
	for {
		connected := false
		err := b.gateway.StreamEvents(ctx, "", func(ev SSEEvent) {
			if ev.Type == EventReady {
				connected = true
				backoff = minStreamBackoff
				b.logger.Debug("subscribed to gateway events")
				return
			}
			b.HandleGatewayEvent(ctx, ev)
		})
		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("gateway event stream ended", "error", err, "connected", connected, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxStreamBackoff)
	}
}

// HandleGatewayEvent posts an announcement into the room named by the
// scope of an agent_online event. Other events are only logged.
func (b *Bridge) HandleGatewayEvent(ctx context.Context, ev SSEEvent) {
	var data AgentEventData
	if err := json.Unmarshal([]byte(ev.Data), &data); err != nil {
		b.logger.Warn("malformed gateway event", "type", ev.Type, "error", err)
		return
	}

	if ev.Type != EventAgentOnline {
		b.logger.Debug("gateway event", "type", ev.Type, "name", data.Name, "scope", data.Scope, "detail", data.Detail)
		return
	}

	if data.Scope == "" || !b.isRoomAllowed(data.Scope) {
		return
	}
	b.logger.Info("agent online", "name", data.Name, "room", data.Scope)
	b.reply(ctx, id.RoomID(data.Scope), FormatAgentOnline(data.Name))
}

// isRoomAllowed checks if the room is in the allowed list.
func (b *Bridge) isRoomAllowed(roomID string) bool {
	if len(b.config.Bridge.AllowedRooms) == 0 {
		return true
	}
	return slices.Contains(b.config.Bridge.AllowedRooms, roomID)
}

func (b *Bridge) withTyping(ctx context.Context, roomID id.RoomID, fn func()) {
	if b.config.Bridge.TypingIndicator {
		b.setTyping(ctx, roomID, true)
		defer b.setTyping(ctx, roomID, false)
	}
	fn()
}

func (b *Bridge) setTyping(ctx context.Context, roomID id.RoomID, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	typingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), networkTimeout)
	defer cancel()
	if _, err := b.sender.UserTyping(typingCtx, roomID, typing, timeout); err != nil {
		b.logger.Debug("failed to set typing indicator", "room", roomID.String(), "error", err)
	}
}

// reply sends markdown as a notice with an HTML formatted body.
func (b *Bridge) reply(ctx context.Context, roomID id.RoomID, md string) {
	content := &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    md,
	}
	if formatted, err := RenderHTML(md); err != nil {
		b.logger.Warn("sending reply without formatting", "error", err)
	} else {
		content.Format = event.FormatHTML
		content.FormattedBody = formatted
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if _, err := b.sender.SendMessageEvent(sendCtx, roomID, event.EventMessage, content); err != nil {
		b.logger.Error("failed to send message", "room", roomID.String(), "error", err)
	}
}
