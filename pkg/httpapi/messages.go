package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kaamlink/chat-service/pkg/apperr"
	"github.com/kaamlink/chat-service/pkg/chat"
	"github.com/kaamlink/chat-service/pkg/event"
	"github.com/kaamlink/chat-service/pkg/model"
)

type messagesResponse struct {
	Messages []*model.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

// pageMessages walks history backwards: before is the oldest message id
// of the previous page, absent for the newest page. Messages come back
// oldest-first within the page.
func (s *Server) pageMessages(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.identity(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err, "")
		return
	}

	before := int64Query(r, "before", 0)
	limit := intQuery(r, "limit", 0)
	msgs, hasMore, err := s.chat.Page(r.Context(), claims.UserID, id, before, limit)
	if err != nil {
		s.fail(w, r, err, "")
		return
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: msgs, HasMore: hasMore})
}

type sendMessageRequest struct {
	ClientTempID string            `json:"client_temp_id,omitempty"`
	Kind         model.MessageKind `json:"kind,omitempty"`
	Content      string            `json:"content,omitempty"`
}

// sendMessage is the fallback send path. The response body doubles as
// the ack: it carries the authoritative message plus the caller's temp
// id, exactly like the message_ack fact on the realtime channel.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.identity(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err, "")
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, apperr.ErrInvalid.Wrap(err), "")
		return
	}
	msg, err := s.chat.Send(r.Context(), claims.UserID, id, chat.SendInput{
		ClientTempID: req.ClientTempID,
		Kind:         req.Kind,
		Content:      req.Content,
	})
	if err != nil {
		s.fail(w, r, err, req.ClientTempID)
		return
	}
	writeJSON(w, http.StatusOK, event.MessageAck{ClientTempID: req.ClientTempID, Message: *msg})
}

type sendAttachmentRequest struct {
	ClientTempID string            `json:"client_temp_id,omitempty"`
	Kind         model.MessageKind `json:"kind,omitempty"`
	Content      string            `json:"content,omitempty"`
	Attachment   *model.Attachment `json:"attachment"`
}

// sendAttachment accepts the descriptor the external storage service
// returned after upload. Bytes never pass through here.
func (s *Server) sendAttachment(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.identity(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err, "")
		return
	}

	var req sendAttachmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, apperr.ErrInvalid.Wrap(err), "")
		return
	}
	if req.Attachment == nil || req.Attachment.Size < 0 {
		s.fail(w, r, apperr.ErrInvalid.Wrap(errors.New("attachment descriptor required")), req.ClientTempID)
		return
	}
	if req.Kind == "" {
		req.Kind = model.KindFile
	}
	msg, err := s.chat.Send(r.Context(), claims.UserID, id, chat.SendInput{
		ClientTempID: req.ClientTempID,
		Kind:         req.Kind,
		Content:      req.Content,
		Attachment:   req.Attachment,
	})
	if err != nil {
		s.fail(w, r, err, req.ClientTempID)
		return
	}
	writeJSON(w, http.StatusOK, event.MessageAck{ClientTempID: req.ClientTempID, Message: *msg})
}

type editMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.identity(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err, "")
		return
	}

	var req editMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, apperr.ErrInvalid.Wrap(err), "")
		return
	}
	msg, err := s.chat.Edit(r.Context(), claims.UserID, id, req.Content, "")
	if err != nil {
		s.fail(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, event.MessageEdited{Message: *msg})
}

// deleteMessage tombstones. Deleting twice is a success both times, so a
// retry after a dropped response cannot surface an error.
func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.identity(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err, "")
		return
	}

	if err := s.chat.Delete(r.Context(), claims.UserID, id, ""); err != nil {
		s.fail(w, r, err, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
