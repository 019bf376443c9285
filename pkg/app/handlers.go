package app

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/convergent/chatservice/pkg/api"
	myMiddleware "github.com/convergent/chatservice/pkg/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const maxUploadSize = 8 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8092,
	WriteBufferSize: 8092,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StatusOf maps an error to the HTTP status reported for it.
func StatusOf(err error) int {
	switch api.CodeOf(err) {
	case api.CodeNotFound:
		return http.StatusNotFound
	case api.CodeValidation:
		return http.StatusBadRequest
	case api.CodeTransientIO:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Unable to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", "err", err)
	}
	writeJSON(w, status, api.ErrorOf(err))
}

func decodeBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return api.Validation("unable to read request body: " + err.Error())
	}
	return nil
}

// messageResult carries an interactive write that may have partially
// succeeded: the message is stored even when error is set.
type messageResult struct {
	Message *api.Message `json:"message"`
	Error   *api.Error   `json:"error,omitempty"`
}

func (s *Server) currentUser(r *http.Request) (*api.User, error) {
	// UID from Access Token contained in Authorization header
	return s.userService.GetUser(r.Context(), myMiddleware.UID(r.Context()))
}

func (s *Server) GetConversationPointers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := myMiddleware.UID(r.Context())

		pointers, err := s.chatService.GetConversationPointers(r.Context(), uid)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pointers)
	}
}

func (s *Server) StartConversation() http.HandlerFunc {
	type request struct {
		RecipientId string `json:"recipientId"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		user, err := s.currentUser(r)
		if err != nil {
			writeError(w, err)
			return
		}

		pointer, err := s.chatService.StartConversation(r.Context(), user, req.RecipientId)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, pointer)
	}
}

func (s *Server) GetConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := myMiddleware.UID(r.Context())
		conversationId := chi.URLParam(r, "conversationId")

		conversation, err := s.chatService.GetConversation(r.Context(), uid, conversationId)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conversation)
		log.Debug("Successfully retrieved conversation", "conversation", conversationId)
	}
}

func (s *Server) GetMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := myMiddleware.UID(r.Context())
		conversationId := chi.URLParam(r, "conversationId")

		messages, err := s.chatService.GetMessages(r.Context(), uid, conversationId)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, messages)
	}
}

func (s *Server) AddMessage() http.HandlerFunc {
	type request struct {
		Text        string `json:"text"`
		Media       []byte `json:"media"`
		ContentType string `json:"contentType"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 2*maxUploadSize)
		var req request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		user, err := s.currentUser(r)
		if err != nil {
			writeError(w, err)
			return
		}

		var attachment *api.Attachment
		if len(req.Media) > 0 {
			attachment = &api.Attachment{Data: req.Media, ContentType: req.ContentType}
		}
		conversationId := chi.URLParam(r, "conversationId")
		message, err := s.chatService.AddMessage(r.Context(), user, conversationId, req.Text, attachment)
		s.writeMessageResult(w, message, err)
	}
}

func (s *Server) React() http.HandlerFunc {
	type request struct {
		Reaction api.Reaction `json:"reaction"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		user, err := s.currentUser(r)
		if err != nil {
			writeError(w, err)
			return
		}

		conversationId := chi.URLParam(r, "conversationId")
		messageId := chi.URLParam(r, "messageId")
		message, err := s.chatService.React(r.Context(), user, conversationId, messageId, req.Reaction)
		s.writeMessageResult(w, message, err)
	}
}

func (s *Server) writeMessageResult(w http.ResponseWriter, message *api.Message, err error) {
	if message == nil {
		writeError(w, err)
		return
	}
	result := messageResult{Message: message}
	if err != nil {
		log.Warn("Message stored with follow-up failure", "message", message.Id, "err", err)
		result.Error = api.ErrorOf(err)
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) SetTyping() http.HandlerFunc {
	type request struct {
		Typing bool `json:"typing"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		user, err := s.currentUser(r)
		if err != nil {
			writeError(w, err)
			return
		}

		conversationId := chi.URLParam(r, "conversationId")
		if err := s.chatService.SetUserTyping(r.Context(), user, conversationId, req.Typing); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) GetProfile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.currentUser(r)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}

func (s *Server) PatchProfile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := myMiddleware.UID(r.Context())

		patchJSON, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, api.Validation("unable to read request body"))
			return
		}

		user, err := s.userService.PatchProfile(r.Context(), uid, patchJSON)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}

func (s *Server) UploadProfileImage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := myMiddleware.UID(r.Context())

		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadSize))
		if err != nil {
			writeError(w, api.Validation("image is too large"))
			return
		}

		user, err := s.userService.UploadProfileImage(r.Context(), uid, data, r.Header.Get("Content-Type"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}

func (s *Server) SearchUsers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := chi.URLParam(r, "query")
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		users, err := s.userService.Search(r.Context(), query, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if users == nil {
			users = []api.Projection{}
		}
		writeJSON(w, http.StatusOK, users)
		log.Debug("Successfully retrieved users like", "query", query, "count", len(users))
	}
}

// DeleteAccount schedules the removal of the caller's account.
func (s *Server) DeleteAccount() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := myMiddleware.UID(r.Context())
		s.ScheduleDeletion(uid)
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) OnAuthCreate() http.HandlerFunc {
	type request struct {
		Uid      string  `json:"uid"`
		Email    string  `json:"email"`
		Name     *string `json:"name"`
		ImageUrl *string `json:"imageUrl"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		user, err := s.userService.OnAuthCreate(r.Context(), req.Uid, req.Email, req.Name, req.ImageUrl)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, user)
	}
}

func (s *Server) OnAuthDelete() http.HandlerFunc {
	type request struct {
		Uid string `json:"uid"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if req.Uid == "" {
			writeError(w, api.Validation("uid is required"))
			return
		}
		s.ScheduleDeletion(req.Uid)
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) ServeWs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := r.URL.Query().Get("uid")
		if uid == "" {
			http.Error(w, "uid in query param required", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("Websocket upgrade failed", "err", err)
			return
		}

		log.Debug("Connected to websocket", "uid", uid)
		client := api.NewClient(s.hub, conn, uid, api.ClientServices{
			Repo:     s.repo,
			Chat:     s.chatService,
			Users:    s.userService,
			Verifier: s.verifier,
		})
		client.Hub.Register <- client

		// Allow collection of memory referenced by the caller by doing all work in
		// new goroutines.
		go client.WritePump()
		go client.ReadPump()
	}
}
