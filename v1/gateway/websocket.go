package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-fazbot/v1/metrics"
)

// Frame operations exchanged with the gateway.
const (
	OpIdentify = "identify"
	OpReady    = "ready"
	OpCommand  = "command"
	OpResponse = "response"
	OpSync     = "sync"
)

// Frame is the JSON envelope of every gateway message.
type Frame struct {
	Op       string            `json:"op"`
	ID       string            `json:"id,omitempty"`
	Token    string            `json:"token,omitempty"`
	Commands []CommandInfo     `json:"commands,omitempty"`
	Command  string            `json:"command,omitempty"`
	UserID   uint64            `json:"user_id,string,omitempty"`
	GuildID  uint64            `json:"guild_id,string,omitempty"`
	Options  map[string]string `json:"options,omitempty"`
	Content  string            `json:"content,omitempty"`
	Error    bool              `json:"error,omitempty"`
	Guilds   []string          `json:"guilds,omitempty"`
}

// CommandInfo announces a command to the gateway.
type CommandInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

const defaultWriteTimeout = 5 * time.Second

// WebSocket implements Client over a gorilla/websocket connection.
type WebSocket struct {
	url          string
	dialer       *websocket.Dialer
	logger       *slog.Logger
	writeTimeout time.Duration

	mu       sync.Mutex
	commands []Command
	index    map[string]int
	conn     *websocket.Conn
	done     chan struct{}
	closing  bool

	writeMu sync.Mutex
}

// Option configures a WebSocket client.
type Option func(*WebSocket)

// WithDialer sets the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(w *WebSocket) {
		if d != nil {
			w.dialer = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *WebSocket) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithWriteTimeout bounds every frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(w *WebSocket) {
		if d > 0 {
			w.writeTimeout = d
		}
	}
}

// NewWebSocket returns a client for the gateway at url.
func NewWebSocket(url string, opts ...Option) *WebSocket {
	w := &WebSocket{
		url:          url,
		dialer:       websocket.DefaultDialer,
		logger:       slog.Default(),
		writeTimeout: defaultWriteTimeout,
		index:        make(map[string]int),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Register implements Client.
func (w *WebSocket) Register(cmd Command) error {
	if cmd.Name == "" || cmd.Handler == nil {
		return fmt.Errorf("gateway: command needs a name and a handler")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.index[cmd.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, cmd.Name)
	}
	w.index[cmd.Name] = len(w.commands)
	w.commands = append(w.commands, cmd)
	return nil
}

// Commands implements Client.
func (w *WebSocket) Commands() []Command {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Command(nil), w.commands...)
}

// Connect implements Client.
func (w *WebSocket) Connect(ctx context.Context, credential string, d Dispatcher) error {
	w.mu.Lock()
	if w.conn != nil {
		w.mu.Unlock()
		return ErrAlreadyConnected
	}
	infos := w.infos()
	w.mu.Unlock()

	header := http.Header{"Authorization": {"Bot " + credential}}
	conn, _, err := w.dialer.DialContext(ctx, w.url, header)
	if err != nil {
		return fmt.Errorf("gateway: dial: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	ready, err := w.handshake(conn, credential, infos)
	if !stop() {
		_ = conn.Close()
		return ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return err
	}

	done := make(chan struct{})
	w.mu.Lock()
	w.conn, w.done, w.closing = conn, done, false
	w.mu.Unlock()

	go w.readPump(conn, d, done)
	w.logger.Info("fazbot: gateway connected", "session", ready.ID, "commands", len(infos))
	return nil
}

// infos describes the registered commands. w.mu must be held.
func (w *WebSocket) infos() []CommandInfo {
	infos := make([]CommandInfo, 0, len(w.commands))
	for _, c := range w.commands {
		infos = append(infos, CommandInfo{Name: c.Name, Description: c.Description})
	}
	return infos
}

// Sync implements Syncer. It announces every registered command to the given
// guilds over the live connection.
func (w *WebSocket) Sync(ctx context.Context, guildIDs []uint64) error {
	w.mu.Lock()
	conn, closing := w.conn, w.closing
	infos := w.infos()
	w.mu.Unlock()
	if conn == nil || closing {
		return ErrNotConnected
	}
	guilds := make([]string, len(guildIDs))
	for i, id := range guildIDs {
		guilds[i] = strconv.FormatUint(id, 10)
	}
	if err := w.write(ctx, conn, Frame{Op: OpSync, Commands: infos, Guilds: guilds}); err != nil {
		return fmt.Errorf("gateway: sync: %w", err)
	}
	w.logger.Info("fazbot: commands synced", "guilds", len(guilds), "commands", len(infos))
	return nil
}

func (w *WebSocket) handshake(conn *websocket.Conn, credential string, infos []CommandInfo) (Frame, error) {
	_ = conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	if err := conn.WriteJSON(Frame{Op: OpIdentify, Token: credential, Commands: infos}); err != nil {
		return Frame{}, fmt.Errorf("gateway: identify: %w", err)
	}
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		return Frame{}, fmt.Errorf("gateway: await ready: %w", err)
	}
	if f.Op != OpReady {
		return Frame{}, fmt.Errorf("gateway: expected %q frame, got %q", OpReady, f.Op)
	}
	return f, nil
}

func (w *WebSocket) readPump(conn *websocket.Conn, d Dispatcher, done chan struct{}) {
	defer close(done)
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			w.mu.Lock()
			closing := w.closing
			w.mu.Unlock()
			if !closing {
				w.logger.Warn("fazbot: gateway connection lost", "error", err)
			}
			return
		}
		if f.Op == OpCommand {
			w.deliver(conn, d, f)
		}
	}
}

func (w *WebSocket) deliver(conn *websocket.Conn, d Dispatcher, f Frame) {
	in := NewInteraction(f.ID, f.Command, f.UserID, f.GuildID, f.Options, func(ctx context.Context, r Response) error {
		return w.write(ctx, conn, Frame{Op: OpResponse, ID: r.InteractionID, Content: r.Content, Error: r.Error})
	})

	w.mu.Lock()
	i, ok := w.index[f.Command]
	var cmd Command
	if ok {
		cmd = w.commands[i]
	}
	w.mu.Unlock()
	if !ok {
		metrics.CommandCounter.WithLabelValues("unknown", metrics.ResultError).Inc()
		_ = in.RespondError(context.Background(), "unknown command "+f.Command)
		return
	}

	err := d.Dispatch(func(ctx context.Context) error {
		err := cmd.Handler(ctx, in)
		metrics.CommandCounter.WithLabelValues(cmd.Name, metrics.Result(err)).Inc()
		if err != nil {
			w.logger.Warn("fazbot: command failed", "command", cmd.Name, "error", err)
			if !in.Responded() {
				_ = in.RespondError(ctx, "command failed")
			}
		}
		return nil
	})
	if err != nil {
		w.logger.Warn("fazbot: command not dispatched", "command", cmd.Name, "error", err)
		_ = in.RespondError(context.Background(), "bot is shutting down")
	}
}

func (w *WebSocket) write(ctx context.Context, conn *websocket.Conn, f Frame) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	deadline := time.Now().Add(w.writeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(f); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		return err
	}
	return nil
}

// Close implements Client. It waits for the read loop to exit.
func (w *WebSocket) Close(ctx context.Context) error {
	w.mu.Lock()
	conn, done := w.conn, w.done
	if conn == nil {
		w.mu.Unlock()
		return nil
	}
	first := !w.closing
	w.closing = true
	w.mu.Unlock()

	if first {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	if w.conn == conn {
		w.conn, w.done = nil, nil
	}
	w.mu.Unlock()
	if first {
		w.logger.Info("fazbot: gateway closed")
	}
	return nil
}
