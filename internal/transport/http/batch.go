package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/joshdurbin/linkbottle/internal/domain"
)

// Batch message types
const (
	batchStart  = "start"
	batchItem   = "item"
	batchFinish = "finish"
	batchCancel = "cancel"

	batchStarted    = "started"
	batchItemResult = "item_result"
	batchProgress   = "progress"
	batchFinished   = "finished"
	batchCancelled  = "cancelled"
	batchError      = "error"
)

const (
	batchIdleTimeout  = 60 * time.Second
	batchWriteTimeout = 10 * time.Second
	batchReadLimit    = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// identity comes from the gateway header, not cookies
		return true
	},
}

// batchMessage is sent by the client
type batchMessage struct {
	Type  string          `json:"type"`
	Total *int            `json:"total,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// batchReply is sent by the server
type batchReply struct {
	Type      string  `json:"type"`
	Index     int     `json:"index,omitempty"`
	Status    string  `json:"status,omitempty"`
	ID        int64   `json:"id,omitempty"`
	ShortURL  string  `json:"short_url,omitempty"`
	ShortCode *string `json:"short_code,omitempty"`
	Alias     *string `json:"alias,omitempty"`
	Created   bool    `json:"created,omitempty"`
	Code      int     `json:"code,omitempty"`
	Detail    string  `json:"detail,omitempty"`
	Processed *int    `json:"processed,omitempty"`
	Total     *int    `json:"total,omitempty"`
}

// batchSession tracks one websocket batch upload
type batchSession struct {
	conn      *websocket.Conn
	userID    int64
	total     *int
	index     int
	processed int
}

func (s *batchSession) send(reply batchReply) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(batchWriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(reply)
}

func (s *batchSession) counts(kind string) batchReply {
	processed := s.processed
	return batchReply{Type: kind, Processed: &processed, Total: s.total}
}

// BatchShorten handles GET /ws/batch. The client sends start, any number of
// item messages and then finish or cancel; every item gets an item_result.
func (h *Handler) BatchShorten(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("request_id", RequestID(r.Context())), zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(batchReadLimit)

	session := &batchSession{conn: conn, userID: uid}
	logger := h.logger.With(zap.String("request_id", RequestID(r.Context())), zap.Int64("user_id", uid))

	for {
		if err := conn.SetReadDeadline(time.Now().Add(batchIdleTimeout)); err != nil {
			return
		}

		var msg batchMessage
		if err := conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				if err := session.send(batchReply{Type: batchError, Detail: "Invalid JSON"}); err != nil {
					return
				}
				continue
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("batch connection ended", zap.Error(err))
			}
			return
		}

		var reply batchReply
		done := false
		switch msg.Type {
		case batchStart:
			session.total = msg.Total
			reply = batchReply{Type: batchStarted, Total: session.total}
		case batchItem:
			if err := session.send(h.batchItem(r, session, msg.Data)); err != nil {
				return
			}
			if session.total == nil {
				continue
			}
			reply = session.counts(batchProgress)
		case batchFinish:
			reply = session.counts(batchFinished)
			done = true
		case batchCancel:
			reply = session.counts(batchCancelled)
			done = true
		default:
			reply = batchReply{Type: batchError, Detail: "Unknown message type: " + msg.Type}
		}

		if err := session.send(reply); err != nil {
			return
		}
		if done {
			logger.Info("batch shorten ended",
				zap.String("reason", reply.Type), zap.Int("items", session.index), zap.Int("processed", session.processed))
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}

// batchItem shortens one item and builds its result
func (h *Handler) batchItem(r *http.Request, session *batchSession, data json.RawMessage) batchReply {
	session.index++
	reply := batchReply{Type: batchItemResult, Index: session.index}

	var req domain.ShortenRequest
	if len(data) == 0 || json.Unmarshal(data, &req) != nil || req.URL == "" {
		reply.Status = "error"
		reply.Code = http.StatusBadRequest
		reply.Detail = "URL is required"
		return reply
	}

	resp, err := h.links.Shorten(r.Context(), session.userID, req)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("batch item failed",
				zap.String("request_id", RequestID(r.Context())), zap.Int("index", session.index), zap.Error(err))
		}
		reply.Status = "error"
		reply.Code = status
		reply.Detail = errorDetail(status, err)
		return reply
	}

	session.processed++
	reply.Status = "ok"
	reply.ID = resp.ID
	reply.ShortURL = resp.ShortURL
	reply.ShortCode = resp.ShortCode
	reply.Alias = resp.Alias
	reply.Created = resp.Created
	return reply
}
