package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/kaamlink/chat-service/pkg/apperr"
	"github.com/kaamlink/chat-service/pkg/event"
	"github.com/kaamlink/chat-service/pkg/model"
)

type conversationsResponse struct {
	Conversations []*model.ConversationSummary `json:"conversations"`
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.identity(w, r)
	if !ok {
		return
	}

	page := intQuery(r, "page", 0)
	limit := intQuery(r, "limit", 0)
	sums, err := s.chat.Conversations(r.Context(), claims.UserID, page, limit)
	if err != nil {
		s.fail(w, r, err, "")
		return
	}
	if sums == nil {
		sums = []*model.ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, conversationsResponse{Conversations: sums})
}

type startConversationRequest struct {
	EmployerID string `json:"employer_id"`
	SeekerID   string `json:"seeker_id"`
	JobID      string `json:"job_id"`
}

// startConversation resolves the conversation for an (employer, seeker,
// job) triple, creating it on first contact. It is idempotent; both
// participants resolve to the same conversation.
func (s *Server) startConversation(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.identity(w, r)
	if !ok {
		return
	}

	var req startConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, apperr.ErrInvalid.Wrap(err), "")
		return
	}
	sum, err := s.chat.StartConversation(r.Context(), claims.UserID, req.EmployerID, req.SeekerID, req.JobID)
	if err != nil {
		s.fail(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.identity(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err, "")
		return
	}

	sum, err := s.chat.Summary(r.Context(), claims.UserID, id)
	if err != nil {
		s.fail(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type markReadRequest struct {
	UpToMessageID int64 `json:"up_to_message_id"`
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.identity(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err, "")
		return
	}

	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, apperr.ErrInvalid.Wrap(err), "")
		return
	}
	marker, err := s.chat.MarkRead(r.Context(), claims.UserID, id, req.UpToMessageID, "")
	if err != nil {
		s.fail(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, event.MessagesRead{Marker: marker})
}

type presenceResponse struct {
	Participants []string `json:"participants"`
}

func (s *Server) listPresence(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.identity(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err, "")
		return
	}

	if err := s.chat.IsParticipant(r.Context(), claims.UserID, id); err != nil {
		s.fail(w, r, err, "")
		return
	}
	users, err := s.online.Online(r.Context(), id)
	if err != nil {
		s.fail(w, r, apperr.ErrInternal.Wrap(err), "")
		return
	}
	sort.Strings(users)
	writeJSON(w, http.StatusOK, presenceResponse{Participants: users})
}
