package transport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // whatsmeow device store
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
)

var tenantFileName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// WhatsmeowOptions configures the whatsmeow transports of every tenant.
type WhatsmeowOptions struct {
	// SessionDir holds one sqlite device store per tenant.
	SessionDir string
	// OSName is shown in the phone's linked devices list.
	OSName string
}

// NewWhatsmeowFactory returns a Factory producing whatsmeow transports.
func NewWhatsmeowFactory(opts WhatsmeowOptions, log *zap.Logger) Factory {
	if opts.OSName != "" {
		store.SetOSInfo(opts.OSName, [3]uint32{1, 0, 0})
	}
	return func(tenantID string) (Transport, error) {
		if !tenantFileName.MatchString(tenantID) {
			return nil, fmt.Errorf("%w: tenant id %q is not usable as a session name", apperrors.ErrBadRequest, tenantID)
		}
		if err := os.MkdirAll(opts.SessionDir, 0o700); err != nil {
			return nil, fmt.Errorf("%w: creating session dir: %w", apperrors.ErrTransport, err)
		}
		return &WhatsmeowTransport{
			tenantID: tenantID,
			dbPath:   filepath.Join(opts.SessionDir, tenantID+".db"),
			log:      log.Named("whatsmeow").With(zap.String("tenant_id", tenantID)),
		}, nil
	}
}

// WhatsmeowTransport is a Transport over one whatsmeow client.
type WhatsmeowTransport struct {
	tenantID string
	dbPath   string
	log      *zap.Logger

	mu      sync.RWMutex
	client  *whatsmeow.Client
	handler Handler
	ctx     context.Context
}

// SetHandler installs the callback receiver.
func (t *WhatsmeowTransport) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *WhatsmeowTransport) getHandler() Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handler
}

func (t *WhatsmeowTransport) getClient() (*whatsmeow.Client, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.client == nil {
		return nil, fmt.Errorf("%w: client not initialized", apperrors.ErrNotConnected)
	}
	return t.client, nil
}

// ensureClient opens the device store and builds the client once.
func (t *WhatsmeowTransport) ensureClient(ctx context.Context) (*whatsmeow.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return t.client, nil
	}

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", t.dbPath),
		newWALogger(t.log.Named("store")))
	if err != nil {
		return nil, fmt.Errorf("%w: creating session store: %w", apperrors.ErrTransport, err)
	}

	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: loading device: %w", apperrors.ErrTransport, err)
	}
	device := container.NewDevice()
	if len(devices) > 0 {
		device = devices[0]
	}

	client := whatsmeow.NewClient(device, newWALogger(t.log.Named("client")))
	// Reconnects are owned by the Connection state machine.
	client.EnableAutoReconnect = false
	client.AddEventHandler(t.handleEvent)
	t.client = client
	return client, nil
}

// Connect opens the socket. Without stored credentials it starts QR pairing and
// reports each code through OnStatus.
func (t *WhatsmeowTransport) Connect(ctx context.Context) error {
	client, err := t.ensureClient(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()

	t.emitStatus(Status{Kind: StatusConnecting})

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("%w: getting QR channel: %w", apperrors.ErrTransport, err)
		}
		if err := client.Connect(); err != nil {
			return fmt.Errorf("%w: connecting for QR: %w", apperrors.ErrTransport, err)
		}
		go t.watchQR(ctx, qrChan)
		return nil
	}

	if err := client.Connect(); err != nil {
		return fmt.Errorf("%w: connecting: %w", apperrors.ErrTransport, err)
	}
	return nil
}

func (t *WhatsmeowTransport) watchQR(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-qrChan:
			if !ok {
				return
			}
			switch item.Event {
			case whatsmeow.QRChannelEventCode:
				t.emitStatus(Status{Kind: StatusPairing, QR: item.Code})
			case whatsmeow.QRChannelSuccess.Event:
				t.log.Info("Device paired")
				return
			case whatsmeow.QRChannelTimeout.Event:
				t.emitStatus(Status{Kind: StatusClosed, Reason: "qr timeout", Recoverable: true})
				return
			default:
				if item.Error != nil {
					t.log.Warn("QR pairing failed", zap.Error(item.Error))
				}
				t.emitStatus(Status{Kind: StatusClosed, Reason: "pairing " + item.Event, Recoverable: true})
				return
			}
		}
	}
}

// Disconnect closes the socket and keeps the credentials.
func (t *WhatsmeowTransport) Disconnect() {
	client, err := t.getClient()
	if err != nil {
		return
	}
	client.Disconnect()
}

// Logout invalidates the session on the server and deletes the local device.
func (t *WhatsmeowTransport) Logout(ctx context.Context) error {
	client, err := t.getClient()
	if err != nil {
		return nil
	}
	if err := client.Logout(ctx); err != nil {
		t.log.Warn("Logout failed, forcing local cleanup", zap.Error(err))
		client.Disconnect()
		if client.Store != nil && client.Store.ID != nil {
			if delErr := client.Store.Delete(ctx); delErr != nil {
				return fmt.Errorf("%w: deleting device store: %w", apperrors.ErrTransport, delErr)
			}
		}
	}
	return nil
}

// Send delivers a text or media message and returns its message id.
func (t *WhatsmeowTransport) Send(ctx context.Context, conv string, out model.Outbound) (string, error) {
	client, err := t.getClient()
	if err != nil {
		return "", err
	}
	if !client.IsConnected() {
		return "", apperrors.ErrNotConnected
	}
	jid, err := parseJID(conv)
	if err != nil {
		return "", fmt.Errorf("%w: invalid JID %q: %w", apperrors.ErrBadRequest, conv, err)
	}

	msg := buildTextMessage(out.Text)
	if out.Media != nil && len(out.Media.Data) > 0 {
		msg, err = t.buildMediaMessage(ctx, client, out)
		if err != nil {
			return "", err
		}
	}

	resp, err := client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", fmt.Errorf("%w: sending message: %w", apperrors.ErrTransport, err)
	}
	return string(resp.ID), nil
}

func (t *WhatsmeowTransport) buildMediaMessage(ctx context.Context, client *whatsmeow.Client, out model.Outbound) (*waE2E.Message, error) {
	media := out.Media
	if media.Type() == model.MediaTypeAudio {
		up, err := client.Upload(ctx, media.Data, whatsmeow.MediaAudio)
		if err != nil {
			return nil, fmt.Errorf("%w: uploading audio: %w", apperrors.ErrTransport, err)
		}
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Mimetype:      proto.String(media.MimeType),
		}}, nil
	}

	up, err := client.Upload(ctx, media.Data, whatsmeow.MediaImage)
	if err != nil {
		return nil, fmt.Errorf("%w: uploading image: %w", apperrors.ErrTransport, err)
	}
	mime := media.MimeType
	if mime == "" {
		mime = "image/jpeg"
	}
	return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
		Caption:       proto.String(out.Text),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
		Mimetype:      proto.String(mime),
	}}, nil
}

// MarkRead sends a read receipt for an inbound event.
func (t *WhatsmeowTransport) MarkRead(ctx context.Context, ref model.EventRef) error {
	client, err := t.getClient()
	if err != nil {
		return err
	}
	chat, err := parseJID(ref.ConversationID)
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrBadRequest, err)
	}
	sender := chat
	if ref.SenderID != "" {
		if parsed, perr := parseJID(ref.SenderID); perr == nil {
			sender = parsed
		}
	}
	ts := ref.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return client.MarkRead(ctx, []types.MessageID{types.MessageID(ref.ID)}, ts, chat, sender)
}

// SendTyping shows the composing indicator in conv.
func (t *WhatsmeowTransport) SendTyping(ctx context.Context, conv string) error {
	client, err := t.getClient()
	if err != nil {
		return err
	}
	jid, err := parseJID(conv)
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrBadRequest, err)
	}
	return client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// DownloadMedia fetches and decrypts the attachment behind a payload handle.
func (t *WhatsmeowTransport) DownloadMedia(ctx context.Context, handle any) ([]byte, error) {
	client, err := t.getClient()
	if err != nil {
		return nil, err
	}
	msg, ok := handle.(whatsmeow.DownloadableMessage)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported media handle %T", apperrors.ErrBadRequest, handle)
	}
	data, err := client.Download(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("%w: downloading media: %w", apperrors.ErrTransport, err)
	}
	return data, nil
}

// SelfIdentity returns the logged-in account. The avatar is best-effort.
func (t *WhatsmeowTransport) SelfIdentity(ctx context.Context) (model.Identity, error) {
	client, err := t.getClient()
	if err != nil {
		return model.Identity{}, err
	}
	if client.Store.ID == nil {
		return model.Identity{}, fmt.Errorf("%w: session not paired", apperrors.ErrNotConnected)
	}

	jid := client.Store.ID.ToNonAD()
	identity := model.Identity{
		Name:   client.Store.PushName,
		Number: jid.User,
		JID:    jid.String(),
	}
	pic, err := client.GetProfilePictureInfo(ctx, jid, &whatsmeow.GetProfilePictureParams{})
	if err != nil {
		t.log.Debug("No profile picture for self", zap.Error(err))
	} else if pic != nil {
		identity.AvatarURL = pic.URL
	}
	return identity, nil
}

func (t *WhatsmeowTransport) emitStatus(s Status) {
	if h := t.getHandler(); h != nil {
		h.OnStatus(s)
	}
}

// handleEvent is the whatsmeow event dispatcher.
func (t *WhatsmeowTransport) handleEvent(rawEvt interface{}) {
	h := t.getHandler()
	if h == nil {
		return
	}

	switch evt := rawEvt.(type) {
	case *events.Connected:
		h.OnStatus(Status{Kind: StatusOpen})

	case *events.Disconnected:
		h.OnStatus(Status{Kind: StatusClosed, Reason: "connection lost", Recoverable: true})

	case *events.StreamReplaced:
		h.OnStatus(Status{Kind: StatusClosed, Reason: "stream replaced", Recoverable: true})

	case *events.LoggedOut:
		h.OnStatus(Status{Kind: StatusClosed, Reason: "logged out: " + evt.Reason.String()})

	case *events.TemporaryBan:
		h.OnStatus(Status{Kind: StatusClosed, Reason: "temporary ban: " + evt.Code.String()})

	case *events.ConnectFailure:
		h.OnStatus(Status{
			Kind:        StatusClosed,
			Reason:      "connect failure: " + evt.Reason.String(),
			Recoverable: !evt.Reason.IsLoggedOut(),
		})

	case *events.Receipt:
		if evt.IsFromMe {
			return
		}
		status, ok := receiptStatus(evt.Type)
		if !ok {
			return
		}
		for _, id := range evt.MessageIDs {
			h.OnDeliveryUpdate(string(id), status)
		}

	case *events.Message:
		t.handleMessage(h, evt)

	case *events.StreamError:
		t.log.Warn("Stream error", zap.String("code", evt.Code))
	}
}

func (t *WhatsmeowTransport) handleMessage(h Handler, evt *events.Message) {
	stable := ""
	if evt.Info.Chat.Server == types.HiddenUserServer {
		stable = t.resolveStable(evt.Info.Chat)
		if stable != "" {
			h.OnIdentityHint(evt.Info.Chat.ToNonAD().String(), stable)
		}
	}

	inbound, ok := inboundFromEvent(t.tenantID, evt, stable)
	if !ok {
		t.log.Debug("Ignoring unsupported message type", zap.String("message_id", string(evt.Info.ID)))
		return
	}
	h.OnMessage(inbound)
}

// resolveStable looks up the phone-number JID behind an anonymized one.
func (t *WhatsmeowTransport) resolveStable(jid types.JID) string {
	client, err := t.getClient()
	if err != nil || client.Store == nil {
		return ""
	}
	t.mu.RLock()
	ctx := t.ctx
	t.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}

	alt, err := client.Store.GetAltJID(ctx, jid)
	if err != nil || alt.IsEmpty() {
		return ""
	}
	if alt.Server != types.DefaultUserServer {
		return ""
	}
	return alt.ToNonAD().String()
}

var _ Transport = (*WhatsmeowTransport)(nil)
