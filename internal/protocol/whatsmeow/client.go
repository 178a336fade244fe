// Package whatsmeow adapts go.mau.fi/whatsmeow to the protocol.Client
// surface. Each tenant gets its own sqlite device store under
// <dataDir>/session-<tenant>/, so purging that directory fully unlinks the
// device from this host's point of view.
package whatsmeow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	wa "go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	watypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "modernc.org/sqlite"

	"wabridge/internal/protocol"
	"wabridge/pkg/logx"
)

// NewFactory returns a protocol.Factory backed by whatsmeow. dataDir is the
// root under which per-tenant device stores are created.
func NewFactory(dataDir string, log logx.Logger) protocol.Factory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return func(tenant string, handler protocol.EventHandler) (protocol.Client, error) {
		dir := filepath.Join(dataDir, "session-"+tenant)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("session dir: %w", err)
		}

		clog := log.With(logx.String("tenant", tenant))
		// modernc registers as "sqlite"; pragmas go through the DSN.
		dsn := "file:" + filepath.Join(dir, "device.db") +
			"?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)"
		container, err := sqlstore.New("sqlite", dsn, &waLogger{log: clog.With(logx.String("wa", "store"))})
		if err != nil {
			return nil, fmt.Errorf("open device store: %w", err)
		}
		device, err := container.GetFirstDevice()
		if err != nil {
			_ = container.Close()
			return nil, fmt.Errorf("load device: %w", err)
		}

		c := &client{
			tenant:    tenant,
			handler:   handler,
			log:       clog,
			container: container,
			settled:   make(chan error, 1),
		}
		c.wm = wa.NewClient(device, &waLogger{log: clog.With(logx.String("wa", "client"))})
		c.wm.EnableAutoReconnect = true
		c.wm.AddEventHandler(c.handleEvent)
		return c, nil
	}
}

type client struct {
	tenant    string
	handler   protocol.EventHandler
	log       logx.Logger
	container *sqlstore.Container
	wm        *wa.Client

	// settled resolves the blocking Connect call exactly once: on the first
	// pairing code, on Ready, or on a terminal connect failure.
	settleOnce sync.Once
	settled    chan error

	mu        sync.Mutex
	terminal  bool
	destroyed bool
}

func (c *client) settle(err error) {
	c.settleOnce.Do(func() { c.settled <- err })
}

func (c *client) markTerminal() {
	c.mu.Lock()
	c.terminal = true
	c.mu.Unlock()
}

// Connect opens the websocket and blocks until the attempt settles: a
// pairing code was issued, the client came up ready, or the attempt failed.
func (c *client) Connect(ctx context.Context) error {
	if c.wm.Store.ID == nil {
		// Fresh device: the pairing channel must be requested before the
		// socket opens or the first code is lost.
		qrCh, err := c.wm.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("pairing channel: %w", err)
		}
		go c.pumpPairing(qrCh)
	}
	if err := c.wm.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	select {
	case err := <-c.settled:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *client) pumpPairing(ch <-chan wa.QRChannelItem) {
	for item := range ch {
		switch {
		case item.Event == "code":
			c.handler.PairingCode(item.Code)
			c.settle(nil)
		case item.Event == wa.QRChannelSuccess.Event:
			// PairSuccess arrives via the event stream; nothing to do here.
		case item.Event == wa.QRChannelTimeout.Event:
			c.log.Warn("pairing window expired")
			c.settle(errors.New("pairing timed out"))
			c.handler.Disconnected("pairing window expired")
		case item.Error != nil:
			c.log.Warn("pairing channel error", logx.Err(item.Error))
			c.settle(item.Error)
		}
	}
}

func (c *client) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.Connected:
		c.settle(nil)
		c.handler.Ready()
	case *events.PairSuccess:
		c.log.Info("device link accepted", logx.String("jid", e.ID.String()))
		c.handler.Authenticated()
	case *events.LoggedOut:
		c.markTerminal()
		c.settle(errors.New("logged out by remote"))
		c.handler.AuthFailure(fmt.Sprintf("logged out by remote: %v", e.Reason))
	case *events.StreamReplaced:
		c.markTerminal()
		c.settle(errors.New("stream replaced"))
		c.handler.Disconnected("stream replaced by another client")
	case *events.ConnectFailure:
		c.settle(fmt.Errorf("connect failure: %v", e.Reason))
		if e.Reason.IsLoggedOut() {
			c.markTerminal()
			c.handler.AuthFailure(fmt.Sprintf("connect failure: %v", e.Reason))
		}
	case *events.Disconnected:
		// Transient socket drop; whatsmeow reconnects on its own.
		c.log.Debug("socket dropped; awaiting auto-reconnect")
	}
}

// QueryState maps the client's connection flags onto the protocol states.
// Flag reads never fail, so the degraded fallback path is unused here.
func (c *client) QueryState(ctx context.Context) (protocol.State, error) {
	c.mu.Lock()
	terminal := c.terminal
	c.mu.Unlock()
	if terminal {
		return protocol.StateOther, nil
	}

	connected, logged := c.wm.IsConnected(), c.wm.IsLoggedIn()
	switch {
	case connected && logged:
		return protocol.StateConnected, nil
	case connected:
		return protocol.StatePairing, nil
	default:
		// Mid-reconnect or still opening; local tracking wins.
		return protocol.StateIndeterminate, nil
	}
}

func (c *client) Logout(ctx context.Context) error {
	return c.wm.Logout()
}

func (c *client) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	c.mu.Unlock()

	c.settle(errors.New("client destroyed"))
	c.wm.RemoveEventHandlers()
	c.wm.Disconnect()
	if err := c.container.Close(); err != nil {
		return fmt.Errorf("close device store: %w", err)
	}
	return nil
}

// ResolveAddress checks the number against the account directory and returns
// its routable JID, or protocol.ErrNotRegistered when it has no account.
func (c *client) ResolveAddress(ctx context.Context, number string) (string, error) {
	if !c.wm.IsConnected() {
		return "", protocol.ErrNotConnected
	}
	query := number
	if !strings.HasPrefix(query, "+") {
		query = "+" + query
	}
	resp, err := c.wm.IsOnWhatsApp([]string{query})
	if err != nil {
		return "", fmt.Errorf("directory lookup: %w", err)
	}
	if len(resp) == 0 || !resp[0].IsIn {
		return "", protocol.ErrNotRegistered
	}
	return resp[0].JID.String(), nil
}

func (c *client) SendText(ctx context.Context, address, body string) error {
	jid, err := c.recipient(address)
	if err != nil {
		return err
	}
	_, err = c.wm.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(body),
	})
	return err
}

func (c *client) SendMedia(ctx context.Context, address string, media protocol.Media, caption string) error {
	jid, err := c.recipient(address)
	if err != nil {
		return err
	}

	asImage := strings.HasPrefix(media.MIMEType, "image/")
	kind := wa.MediaDocument
	if asImage {
		kind = wa.MediaImage
	}
	up, err := c.wm.Upload(ctx, media.Data, kind)
	if err != nil {
		return fmt.Errorf("media upload: %w", err)
	}

	msg := &waE2E.Message{}
	if asImage {
		msg.ImageMessage = &waE2E.ImageMessage{
			Caption:       optString(caption),
			Mimetype:      proto.String(media.MIMEType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}
	} else {
		msg.DocumentMessage = &waE2E.DocumentMessage{
			Title:         optString(media.Filename),
			FileName:      optString(media.Filename),
			Caption:       optString(caption),
			Mimetype:      proto.String(media.MIMEType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}
	}
	_, err = c.wm.SendMessage(ctx, jid, msg)
	return err
}

func (c *client) Groups(ctx context.Context) ([]protocol.Group, error) {
	if !c.wm.IsConnected() {
		return nil, protocol.ErrNotConnected
	}
	infos, err := c.wm.GetJoinedGroups()
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Group, 0, len(infos))
	for _, gi := range infos {
		out = append(out, protocol.Group{ID: gi.JID.String(), Name: gi.Name})
	}
	return out, nil
}

func (c *client) GroupParticipants(ctx context.Context, groupID string) ([]string, error) {
	if !c.wm.IsConnected() {
		return nil, protocol.ErrNotConnected
	}
	jid, err := groupJID(groupID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", protocol.ErrGroupNotFound, groupID)
	}
	info, err := c.wm.GetGroupInfo(jid)
	if err != nil {
		if errors.Is(err, wa.ErrIQNotFound) {
			return nil, fmt.Errorf("%w: %s", protocol.ErrGroupNotFound, groupID)
		}
		return nil, err
	}
	out := make([]string, 0, len(info.Participants))
	for _, p := range info.Participants {
		out = append(out, p.JID.User)
	}
	return out, nil
}

// Labels are a Business-account feature the linked-device API does not
// expose; callers surface this as "not implemented".
func (c *client) Labels(ctx context.Context) ([]string, error) {
	return nil, protocol.ErrUnsupported
}

func (c *client) recipient(address string) (watypes.JID, error) {
	if !c.wm.IsConnected() {
		return watypes.JID{}, protocol.ErrNotConnected
	}
	if !strings.ContainsRune(address, '@') {
		return watypes.NewJID(address, watypes.DefaultUserServer), nil
	}
	return watypes.ParseJID(address)
}

func groupJID(id string) (watypes.JID, error) {
	if !strings.ContainsRune(id, '@') {
		return watypes.NewJID(id, watypes.GroupServer), nil
	}
	jid, err := watypes.ParseJID(id)
	if err != nil {
		return watypes.JID{}, err
	}
	if jid.Server != watypes.GroupServer {
		return watypes.JID{}, fmt.Errorf("not a group jid: %s", id)
	}
	return jid, nil
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}

// waLogger routes whatsmeow's internal logging through the process logger.
type waLogger struct {
	log logx.Logger
}

func (w *waLogger) Errorf(msg string, args ...interface{}) { w.log.Error(fmt.Sprintf(msg, args...)) }
func (w *waLogger) Warnf(msg string, args ...interface{})  { w.log.Warn(fmt.Sprintf(msg, args...)) }
func (w *waLogger) Infof(msg string, args ...interface{})  { w.log.Debug(fmt.Sprintf(msg, args...)) }
func (w *waLogger) Debugf(msg string, args ...interface{}) { w.log.Trace(fmt.Sprintf(msg, args...)) }
func (w *waLogger) Sub(module string) waLog.Logger {
	return &waLogger{log: w.log.With(logx.String("wa", module))}
}
