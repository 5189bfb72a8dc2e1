// Package link implements the Client Link: a duplex, message-framed
// WebSocket channel, one per connected client. It is grounded on
// websocket.rs's tx/rx split and outgoing_task, translated from a
// tokio-tungstenite split socket to gorilla/websocket's single-reader,
// single-writer-goroutine convention (one dedicated writer fed by a
// buffered channel so concurrent handlers never write directly to the
// socket).
package link

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"path"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"gossh-gateway/internal/apperr"
	"gossh-gateway/internal/config"
	"gossh-gateway/internal/model"
	"gossh-gateway/internal/pump"
	"gossh-gateway/internal/recorder"
	"gossh-gateway/internal/registry"
	"gossh-gateway/internal/security"
	"gossh-gateway/internal/sshengine"
	"gossh-gateway/internal/transfer"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxProtocolErrors  = 10
	maxTransportErrors = 5
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades incoming HTTP requests to Client Link connections
// and wires each to the shared gateway components.
type Handler struct {
	ctx         context.Context
	cfg         config.Config
	registry    *registry.Registry
	gate        *security.Gate
	coordinator *transfer.Coordinator
	recorder    *recorder.Recorder
	pump        *pump.Pump
	log         zerolog.Logger
}

// NewHandler builds a link Handler. ctx bounds the lifetime of every
// Output Pump spawned for sessions this handler admits.
func NewHandler(
	ctx context.Context,
	cfg config.Config,
	reg *registry.Registry,
	gate *security.Gate,
	coordinator *transfer.Coordinator,
	rec *recorder.Recorder,
	p *pump.Pump,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		ctx:         ctx,
		cfg:         cfg,
		registry:    reg,
		gate:        gate,
		coordinator: coordinator,
		recorder:    rec,
		pump:        p,
		log:         log,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if !h.gate.AcquireConnection(ip) {
		http.Error(w, "too many connections from this address", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.gate.ReleaseConnection(ip)
		h.log.Warn().Err(err).Str("remote", ip).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		h:        h,
		conn:     conn,
		send:     make(chan []byte, 64),
		done:     make(chan struct{}),
		remoteIP: ip,
		sessions: make(map[string]struct{}),
	}
	go c.writeLoop()
	c.readLoop()
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Frame is the outgoing response envelope. Every response tag in
// spec.md §6 is representable with a subset of these fields.
type Frame struct {
	Type         string                        `json:"type"`
	SessionID    string                        `json:"sessionId,omitempty"`
	Status       string                        `json:"status,omitempty"`
	Data         string                        `json:"data,omitempty"`
	Batched      *bool                         `json:"batched,omitempty"`
	Message      string                        `json:"message,omitempty"`
	Code         string                        `json:"code,omitempty"`
	Details      string                        `json:"details,omitempty"`
	Timestamp    int64                         `json:"timestamp,omitempty"`
	Path         string                        `json:"path,omitempty"`
	Entries      []model.FileInfo              `json:"entries,omitempty"`
	TransferID   string                        `json:"transferId,omitempty"`
	Optimization *model.MobileOptimizationData `json:"optimization,omitempty"`
}

type client struct {
	h    *Handler
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	closed atomic.Bool

	remoteIP string

	mu            sync.Mutex
	sessions      map[string]struct{}
	protocolErrs  int
	transportErrs int
}

// Publish implements pump.Sink: every output chunk is recorded, then
// forwarded to the client with a best-effort, drop-on-overflow send.
func (c *client) Publish(sessionID, chunk string) bool {
	c.h.recorder.Append(sessionID, model.EventOutput, chunk, nil)
	if c.closed.Load() {
		return false
	}
	c.enqueue(Frame{
		Type:      "terminal_data",
		SessionID: sessionID,
		Data:      chunk,
		Batched:   boolPtr(false),
		Timestamp: time.Now().UnixMilli(),
	})
	return true
}

// SessionClosed implements pump.Sink: a fatal shell read error ends the
// recording and notifies the client.
func (c *client) SessionClosed(sessionID string, cause error) {
	c.h.recorder.Append(sessionID, model.EventError, cause.Error(), nil)
	c.h.recorder.Stop(sessionID)
	c.sendError(sessionID, string(apperr.CodeOf(cause)), cause.Error())
}

func boolPtr(b bool) *bool { return &b }

func (c *client) enqueue(frame Frame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- raw:
	default:
		c.h.log.Warn().Str("type", frame.Type).Str("session", frame.SessionID).Msg("dropped outgoing frame: slow consumer")
	}
}

func (c *client) sendError(sessionID, code, message string) {
	c.enqueue(Frame{Type: "ssh_error", SessionID: sessionID, Code: code, Message: message})
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case raw, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readLoop() {
	defer c.cleanup()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			c.h.log.Warn().Int("messageType", mt).Msg("ignoring non-text frame")
			continue
		}
		if int64(len(data)) > c.h.cfg.MessageSizeCap {
			c.sendError("", "MESSAGE_TOO_LARGE", "frame exceeds size cap")
			if c.bumpProtocolErr() {
				return
			}
			continue
		}

		if err := c.dispatch(data); err != nil {
			c.sendError("", string(apperr.CodeOf(err)), err.Error())
			if isTransportErr(err) {
				if c.bumpTransportErr() {
					return
				}
			} else if c.bumpProtocolErr() {
				return
			}
		}
	}
}

func isTransportErr(err error) bool {
	switch apperr.CodeOf(err) {
	case apperr.ConnectionFailed, apperr.FileOperationFailed, apperr.TransferError:
		return true
	default:
		return false
	}
}

func (c *client) bumpProtocolErr() bool {
	c.mu.Lock()
	c.protocolErrs++
	n := c.protocolErrs
	c.mu.Unlock()
	return n > maxProtocolErrors
}

func (c *client) bumpTransportErr() bool {
	c.mu.Lock()
	c.transportErrs++
	n := c.transportErrs
	c.mu.Unlock()
	return n > maxTransportErrors
}

func (c *client) cleanup() {
	c.closed.Store(true)
	close(c.done)
	c.conn.Close()
	c.h.gate.ReleaseConnection(c.remoteIP)

	c.mu.Lock()
	sessions := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		sessions = append(sessions, id)
	}
	c.mu.Unlock()

	for _, id := range sessions {
		c.disconnectSession(id, "link closed")
	}
}

// parseEnvelope accepts either a tagged object {type, ...fields} or a
// two-element array [event_name, payload].
func parseEnvelope(data []byte) (event string, payload json.RawMessage, err error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var tuple [2]json.RawMessage
		if err := json.Unmarshal(trimmed, &tuple); err != nil {
			return "", nil, err
		}
		var name string
		if err := json.Unmarshal(tuple[0], &name); err != nil {
			return "", nil, err
		}
		return name, tuple[1], nil
	}

	var tagged struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(trimmed, &tagged); err != nil {
		return "", nil, err
	}
	return tagged.Type, trimmed, nil
}

func (c *client) dispatch(data []byte) error {
	event, payload, err := parseEnvelope(data)
	if err != nil {
		return apperr.Wrap(apperr.WebSocketError, "invalid frame", err)
	}

	switch event {
	case "ssh_connect":
		return c.handleConnect(payload)
	case "terminal_input":
		return c.handleInput(payload)
	case "terminal_resize":
		return c.handleResize(payload)
	case "ssh_disconnect":
		return c.handleDisconnect(payload)
	case "sftp_list":
		return c.handleSftpList(payload)
	case "sftp_upload":
		return c.handleSftpUpload(payload)
	case "sftp_download":
		return c.handleSftpDownload(payload)
	case "sftp_cancel":
		return c.handleSftpCancel(payload)
	case "mobile_optimize":
		return c.handleMobileOptimize(payload)
	case "performance_metrics":
		return c.handlePerformanceMetrics(payload)
	default:
		return apperr.New(apperr.WebSocketError, "unrecognized event: "+event)
	}
}

type connectPayload struct {
	Config model.SessionConfig `json:"config"`
	Cols   *uint16             `json:"cols,omitempty"`
	Rows   *uint16             `json:"rows,omitempty"`
}

func (c *client) handleConnect(raw json.RawMessage) error {
	var p connectPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return apperr.New(apperr.ValidationError, "invalid ssh_connect payload")
	}

	if !c.h.gate.AllowRate(c.remoteIP) {
		return apperr.New(apperr.ResourceExhausted, "rate limit exceeded")
	}
	if c.h.gate.IsLockedOut(p.Config.Username) {
		return apperr.New(apperr.AuthFailed, "account locked out")
	}

	cols := c.h.cfg.DefaultCols
	if p.Cols != nil {
		cols = *p.Cols
	}
	rows := c.h.cfg.DefaultRows
	if p.Rows != nil {
		rows = *p.Rows
	}

	sess, err := c.h.registry.Insert(p.Config.ID, p.Config)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.h.ctx, sshengine.DialTimeout)
	defer cancel()
	transport, err := sshengine.Connect(ctx, p.Config, c.h.gate.VerifyHostKey)
	if err != nil {
		c.h.registry.Remove(sess.ID)
		c.h.gate.RecordAuthFailure(p.Config.Username)
		return err
	}
	c.h.gate.ResetAuthFailures(p.Config.Username)

	if err := transport.CreateShell(cols, rows, c.h.cfg.PTYType); err != nil {
		transport.Disconnect()
		c.h.registry.Remove(sess.ID)
		return err
	}

	sess.Lock()
	sess.SetTransport(transport)
	sess.SetSize(cols, rows)
	sess.Unlock()
	sess.Touch()

	c.mu.Lock()
	c.sessions[sess.ID] = struct{}{}
	c.mu.Unlock()

	if _, err := c.h.recorder.Start(sess.ID, p.Config.Username, p.Config.Hostname, cols, rows); err != nil {
		c.h.log.Warn().Err(err).Str("session", sess.ID).Msg("failed to start recording")
	} else {
		c.h.recorder.Append(sess.ID, model.EventConnect, "", nil)
	}

	c.h.pump.Spawn(c.h.ctx, sess.ID, c)

	c.enqueue(Frame{Type: "ssh_connected", SessionID: sess.ID, Status: "connected"})
	return nil
}

type inputPayload struct {
	Session string `json:"session"`
	Input   string `json:"input"`
}

func (c *client) handleInput(raw json.RawMessage) error {
	var p inputPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return apperr.New(apperr.ValidationError, "invalid terminal_input payload")
	}

	sess, err := c.h.registry.MustGet(p.Session)
	if err != nil {
		return err
	}

	sess.Lock()
	t := sess.Transport()
	if t == nil {
		sess.Unlock()
		return apperr.New(apperr.ConnectionFailed, "session not connected: "+p.Session)
	}
	err = t.WriteToShell([]byte(p.Input))
	sess.Unlock()
	if err != nil {
		return err
	}
	sess.Touch()

	c.h.recorder.Append(p.Session, model.EventInput, p.Input, nil)
	return nil
}

type resizePayload struct {
	Session string `json:"session"`
	Cols    uint16 `json:"cols"`
	Rows    uint16 `json:"rows"`
}

func (c *client) handleResize(raw json.RawMessage) error {
	var p resizePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return apperr.New(apperr.ValidationError, "invalid terminal_resize payload")
	}

	sess, err := c.h.registry.MustGet(p.Session)
	if err != nil {
		return err
	}

	sess.Lock()
	t := sess.Transport()
	if t == nil {
		sess.Unlock()
		return apperr.New(apperr.ConnectionFailed, "session not connected: "+p.Session)
	}
	err = t.ResizeShell(p.Cols, p.Rows)
	if err == nil {
		sess.SetSize(p.Cols, p.Rows)
	}
	sess.Unlock()
	if err != nil {
		return err
	}
	sess.Touch()

	c.h.recorder.Append(p.Session, model.EventResize, "", map[string]string{
		"cols": strconv.Itoa(int(p.Cols)),
		"rows": strconv.Itoa(int(p.Rows)),
	})
	return nil
}

func (c *client) handleDisconnect(raw json.RawMessage) error {
	var p struct {
		Session string `json:"session"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return apperr.New(apperr.ValidationError, "invalid ssh_disconnect payload")
	}
	c.disconnectSession(p.Session, "client requested disconnect")
	c.enqueue(Frame{Type: "ssh_disconnected", SessionID: p.Session})
	return nil
}

func (c *client) disconnectSession(sessionID, reason string) {
	sess, ok := c.h.registry.Remove(sessionID)
	if ok {
		sess.Lock()
		if t := sess.Transport(); t != nil {
			t.Disconnect()
		}
		sess.Unlock()
	}

	c.h.recorder.Append(sessionID, model.EventDisconnect, reason, nil)
	c.h.recorder.Stop(sessionID)

	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

type sftpListPayload struct {
	Session string `json:"session"`
	Path    string `json:"path"`
}

func (c *client) handleSftpList(raw json.RawMessage) error {
	var p sftpListPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return apperr.New(apperr.ValidationError, "invalid sftp_list payload")
	}

	sess, err := c.h.registry.MustGet(p.Session)
	if err != nil {
		return err
	}

	sess.Lock()
	t := sess.Transport()
	if t == nil {
		sess.Unlock()
		return apperr.New(apperr.ConnectionFailed, "session not connected: "+p.Session)
	}
	entries, err := t.ListDirectory(p.Path)
	sess.Unlock()
	if err != nil {
		return err
	}
	sess.Touch()

	c.enqueue(Frame{Type: "sftp_listing", SessionID: p.Session, Path: p.Path, Entries: entries})
	return nil
}

type sftpUploadPayload struct {
	Session string `json:"session"`
	Path    string `json:"path"`
	Name    string `json:"name"`
	Data    string `json:"data"`
}

func (c *client) handleSftpUpload(raw json.RawMessage) error {
	var p sftpUploadPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return apperr.New(apperr.ValidationError, "invalid sftp_upload payload")
	}

	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return apperr.Wrap(apperr.ValidationError, "invalid base64 file data", err)
	}

	transferID, err := c.h.coordinator.StartUpload(p.Session, p.Name, p.Path, data)
	if err != nil {
		return err
	}

	c.enqueue(Frame{Type: "transfer_started", SessionID: p.Session, TransferID: transferID})
	go c.watchTransfer(p.Session, transferID)
	return nil
}

type sftpDownloadPayload struct {
	Session string `json:"session"`
	Path    string `json:"path"`
	Name    string `json:"name,omitempty"`
}

func (c *client) handleSftpDownload(raw json.RawMessage) error {
	var p sftpDownloadPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return apperr.New(apperr.ValidationError, "invalid sftp_download payload")
	}

	name := p.Name
	if name == "" {
		name = path.Base(p.Path)
	}

	transferID, err := c.h.coordinator.StartDownload(p.Session, name, p.Path)
	if err != nil {
		return err
	}

	c.enqueue(Frame{Type: "transfer_started", SessionID: p.Session, TransferID: transferID})
	go c.watchTransfer(p.Session, transferID)
	return nil
}

// transferPollInterval bounds how quickly a transfer_completed/
// transfer_failed frame follows the underlying transfer reaching a
// terminal state.
const transferPollInterval = 100 * time.Millisecond

// watchTransfer polls the coordinator for transferID's outcome and
// emits a single terminal frame once it finishes, carrying the
// downloaded bytes (base64, like every other Data field on Frame) for
// a completed download. It gives up once the client disconnects.
func (c *client) watchTransfer(sessionID, transferID string) {
	ticker := time.NewTicker(transferPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		tr, ok := c.h.coordinator.Get(transferID)
		if !ok {
			return
		}

		switch tr.Status {
		case model.TransferCompleted:
			frame := Frame{Type: "transfer_completed", SessionID: sessionID, TransferID: transferID}
			if tr.Direction == model.Download {
				if data, ok := c.h.coordinator.Result(transferID); ok {
					frame.Data = base64.StdEncoding.EncodeToString(data)
				}
			}
			c.enqueue(frame)
			return
		case model.TransferFailed:
			c.enqueue(Frame{Type: "transfer_failed", SessionID: sessionID, TransferID: transferID, Message: tr.Error})
			return
		case model.TransferCancelled:
			// handleSftpCancel already acknowledges the cancellation
			// request synchronously; nothing further to tell the client.
			return
		}
	}
}

func (c *client) handleSftpCancel(raw json.RawMessage) error {
	var p struct {
		TransferID string `json:"transferId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return apperr.New(apperr.ValidationError, "invalid sftp_cancel payload")
	}
	if err := c.h.coordinator.Cancel(p.TransferID); err != nil {
		return err
	}
	c.enqueue(Frame{Type: "transfer_cancelled", TransferID: p.TransferID})
	return nil
}

type mobileOptimizePayload struct {
	Session string                       `json:"session"`
	Options model.MobileOptimizationData `json:"options"`
}

func (c *client) handleMobileOptimize(raw json.RawMessage) error {
	var p mobileOptimizePayload
	_ = json.Unmarshal(raw, &p) // advisory: a malformed payload is tolerated, not an error
	c.enqueue(Frame{Type: "mobile_optimized", SessionID: p.Session, Optimization: &p.Options})
	return nil
}

// handlePerformanceMetrics accepts a client's self-reported connection
// quality sample. Per spec.md's open question on persistence, the
// sample is logged for operational visibility but not written to the
// recorder or otherwise retained.
func (c *client) handlePerformanceMetrics(raw json.RawMessage) error {
	var p struct {
		Session string                   `json:"session"`
		Metrics model.PerformanceMetrics `json:"metrics"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return apperr.New(apperr.ValidationError, "invalid performance_metrics payload")
	}
	c.h.log.Debug().
		Str("session", p.Session).
		Int64("latencyMs", p.Metrics.Latency).
		Int64("bytesTransferred", p.Metrics.DataTransferred).
		Int64("commandsExecuted", p.Metrics.CommandsExecuted).
		Msg("client performance metrics")
	return nil
}
