package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/shsh-vms/internal/container"
	"github.com/ashureev/shsh-vms/internal/domain"
)

// Close codes sent when a connection is rejected before attaching.
const (
	CloseInvalidRequest websocket.StatusCode = 4000
	CloseUnauthorized   websocket.StatusCode = 4001
	CloseNotFound       websocket.StatusCode = 4004
	CloseNotRunning     websocket.StatusCode = 4009
)

const outputBufferSize = 32 * 1024

var defaultShell = []string{"/bin/bash"}

// Authenticator resolves an API token to a user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*domain.User, error)
}

// VMResolver returns a VM owned by the given user, or domain.ErrNotFound.
type VMResolver interface {
	Lookup(ctx context.Context, vmID, ownerID string) (*domain.VM, error)
}

// WebSocketHandler handles WebSocket-based terminal sessions.
type WebSocketHandler struct {
	auth          Authenticator
	vms           VMResolver
	rt            container.Runtime
	sm            *SessionManager
	allowedOrigin string
	isDev         bool
	shell         []string
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(auth Authenticator, vms VMResolver, rt container.Runtime, sm *SessionManager, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		auth:          auth,
		vms:           vms,
		rt:            rt,
		sm:            sm,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		shell:         defaultShell,
	}
}

// clientMessage is a frame sent by the browser.
type clientMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols uint   `json:"cols,omitempty"`
	Rows uint   `json:"rows,omitempty"`
}

// serverMessage is a frame sent to the browser.
type serverMessage struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}

	ctx := r.Context()
	vmID := r.URL.Query().Get("vm_id")

	user, err := h.auth.Authenticate(ctx, tokenFromRequest(r))
	if err != nil {
		h.reject(ws, CloseUnauthorized, "unauthorized")
		return
	}
	logger := slog.With("user_id", user.UserID, "vm_id", vmID)

	if vmID == "" {
		h.reject(ws, CloseInvalidRequest, "vm_id is required")
		return
	}

	vm, err := h.vms.Lookup(ctx, vmID, user.UserID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		h.reject(ws, CloseNotFound, "vm not found")
		return
	case err != nil:
		logger.Error("Failed to resolve VM for terminal", "error", err)
		h.reject(ws, websocket.StatusInternalError, "failed to resolve vm")
		return
	case vm.Status != domain.StatusRunning:
		h.reject(ws, CloseNotRunning, "vm is not running")
		return
	}

	logger.Info("Attaching terminal", "container_id", vm.RuntimeHandle)
	stream, err := h.rt.ExecAttach(ctx, vm.RuntimeHandle, h.shell, true)
	if err != nil {
		logger.Error("Failed to attach exec stream", "error", err)
		h.reject(ws, websocket.StatusInternalError, "failed to attach terminal")
		return
	}

	// The VM may have been stopped while the exec session was attaching.
	if current, err := h.vms.Lookup(ctx, vmID, user.UserID); err != nil || current.Status != domain.StatusRunning {
		logger.Info("VM left running state during attach", "error", err)
		_ = stream.Close()
		h.reject(ws, CloseNotRunning, "vm is not running")
		return
	}

	sess := h.sm.Register(ctx, user.UserID, vm.ID, stream, ws)
	defer h.sm.Unregister(sess.ID)
	logger = logger.With("session_id", sess.ID)

	if err := writeFrame(sess.Context(), ws, serverMessage{Type: "connected"}); err != nil {
		logger.Debug("Failed to send connected frame", "error", err)
		_ = ws.CloseNow()
		return
	}

	var g errgroup.Group
	g.Go(func() error {
		// Client gone: release the stream so the output pump unblocks.
		defer h.sm.Unregister(sess.ID)
		return h.inputLoop(sess, ws, stream, logger)
	})
	g.Go(func() error {
		return h.outputLoop(sess, ws, stream, logger)
	})
	if err := g.Wait(); err != nil {
		logger.Debug("Terminal pump ended with error", "error", err)
	}
	_ = ws.CloseNow()
	logger.Info("Terminal session ended")
}

func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// reject sends an error frame and closes with a distinct code.
func (h *WebSocketHandler) reject(ws *websocket.Conn, code websocket.StatusCode, message string) {
	if err := writeFrame(context.Background(), ws, serverMessage{Type: "error", Message: message}); err != nil {
		slog.Debug("Failed to send error frame", "error", err)
	}
	if err := ws.Close(code, message); err != nil {
		slog.Debug("Failed to close websocket", "error", err)
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// inputLoop forwards client frames to the exec stream until the client goes away.
func (h *WebSocketHandler) inputLoop(sess *Session, ws *websocket.Conn, stream container.Stream, logger *slog.Logger) error {
	ctx := sess.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				logger.Debug("WebSocket closed", "reason", err)
				return nil
			}
			logger.Warn("WebSocket read error", "error", err)
			return nil
		}
		sess.Touch()

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debug("Ignoring malformed frame", "error", err)
			continue
		}

		switch msg.Type {
		case "input":
			if _, err := stream.Write([]byte(msg.Data)); err != nil {
				logger.Warn("Exec stream write error", "error", err)
				return err
			}
		case "resize":
			if msg.Cols == 0 || msg.Rows == 0 {
				continue
			}
			if err := stream.Resize(ctx, msg.Cols, msg.Rows); err != nil {
				logger.Warn("Failed to resize", "error", err, "cols", msg.Cols, "rows", msg.Rows)
			}
		case "ping":
			if err := writeFrame(ctx, ws, serverMessage{Type: "pong"}); err != nil {
				logger.Debug("Failed to send pong", "error", err)
			}
		default:
			logger.Debug("Ignoring unknown frame", "type", msg.Type)
		}
	}
}

// outputLoop forwards exec output to the client. When the stream ends the
// client receives a disconnect frame and the connection is closed.
func (h *WebSocketHandler) outputLoop(sess *Session, ws *websocket.Conn, stream io.Reader, logger *slog.Logger) error {
	ctx := sess.Context()
	buf := make([]byte, outputBufferSize)
	var carry []byte

	for {
		n, readErr := stream.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			cut := completeUTF8(chunk)
			carry = append([]byte(nil), chunk[cut:]...)
			if cut > 0 {
				if err := writeFrame(ctx, ws, serverMessage{Type: "output", Data: string(chunk[:cut])}); err != nil {
					logger.Debug("Output write failed", "error", err)
					return nil
				}
			}
		}
		if readErr == nil {
			continue
		}

		if ctx.Err() != nil {
			return nil
		}
		if len(carry) > 0 {
			_ = writeFrame(ctx, ws, serverMessage{Type: "output", Data: string(carry)})
		}
		if errors.Is(readErr, io.EOF) {
			logger.Info("Exec stream ended")
			_ = writeFrame(ctx, ws, serverMessage{Type: "disconnect"})
			_ = ws.Close(websocket.StatusNormalClosure, "stream ended")
			return nil
		}

		logger.Warn("Exec stream read error", "error", readErr)
		_ = writeFrame(ctx, ws, serverMessage{Type: "error", Message: "terminal stream failed"})
		_ = ws.Close(websocket.StatusInternalError, "stream error")
		return readErr
	}
}

// completeUTF8 returns the length of b without a trailing incomplete UTF-8
// sequence, so multibyte characters split across reads stay intact.
func completeUTF8(b []byte) int {
	n := len(b)
	for i := n - 1; i >= 0 && i >= n-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return n
		}
		return i
	}
	return n
}

func writeFrame(ctx context.Context, ws *websocket.Conn, msg serverMessage) error {
	return wsjson.Write(ctx, ws, msg)
}
