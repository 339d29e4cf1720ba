package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatrelay/db"
	"chatrelay/models"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	callHistorySize = 100
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: originsIfSet(s.config.CORSOrigins),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWebSocket)

	r.Group(func(r chi.Router) {
		if s.config.AuthRatePerMin > 0 {
			r.Use(httprate.LimitByIP(s.config.AuthRatePerMin, time.Minute))
		}
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/me", s.handleMe)
		r.Get("/contacts", s.handleListContacts)
		r.Post("/contacts", s.handleAddContact)
		r.Get("/messages/{peerId}", s.handleHistory)
		r.Post("/messages", s.handleSendMessage)
		r.Get("/calls", s.handleListCalls)
		r.Post("/calls", s.handleSaveCall)
	})

	return r
}

func originsIfSet(in []string) []string {
	out := []string{}
	for _, o := range in {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

type userKey struct{}

func userFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(userKey{}).(int64)
	return id
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		if !strings.HasPrefix(strings.ToLower(raw), "bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := s.auth.Authenticate(r.Context(), strings.TrimSpace(raw[len("Bearer "):]))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeCodedError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	return dec.Decode(v)
}

// decodeOwnedBody decodes a body whose acting user comes from the token. It
// returns false after answering 400 when the body is malformed or names one
// of the forbidden id fields.
func decodeOwnedBody(w http.ResponseWriter, r *http.Request, v any, forbidden ...string) bool {
	var fields map[string]json.RawMessage
	if err := decodeBody(w, r, &fields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	for _, name := range forbidden {
		if _, ok := fields[name]; ok {
			writeCodedError(w, http.StatusBadRequest, codeUserIDNotAllowed, "user id cannot be provided in request body")
			return false
		}
	}
	raw, _ := json.Marshal(fields)
	if err := json.Unmarshal(raw, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

type credentials struct {
	Phone    string `json:"phone"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Phone = strings.TrimSpace(req.Phone)
	req.Name = strings.TrimSpace(req.Name)
	if req.Phone == "" || req.Name == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "phone, name and password are required")
		return
	}

	u, err := s.db.CreateUser(r.Context(), req.Phone, req.Name, req.Password)
	if errors.Is(err, db.ErrPhoneTaken) {
		writeError(w, http.StatusConflict, "phone already registered")
		return
	}
	if err != nil {
		s.log.Error("register", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.respondWithToken(w, http.StatusCreated, u)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Phone) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "phone and password are required")
		return
	}

	u, ok, err := s.db.AuthenticateUser(r.Context(), strings.TrimSpace(req.Phone), req.Password)
	if err != nil {
		s.log.Error("login", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	s.respondWithToken(w, http.StatusOK, u)
}

func (s *Server) respondWithToken(w http.ResponseWriter, status int, u models.User) {
	token, err := s.auth.Issue(u.ID)
	if err != nil {
		s.log.Error("issue token", zap.Int64("user_id", u.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, status, tokenResponse{Token: token, User: u})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, err := s.db.GetUser(r.Context(), userFrom(r.Context()))
	if errors.Is(err, db.ErrNoRows) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		s.log.Error("get user", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": u})
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := s.db.GetContacts(r.Context(), userFrom(r.Context()))
	if err != nil {
		s.log.Error("get contacts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	reg := s.engine.Registry()
	for i := range contacts {
		contacts[i].Online = reg.Online(contacts[i].UserID)
	}
	if contacts == nil {
		contacts = []models.Contact{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"contacts": contacts})
}

func (s *Server) handleAddContact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone string `json:"phone"`
		Alias string `json:"alias"`
	}
	if err := decodeBody(w, r, &req); err != nil || strings.TrimSpace(req.Phone) == "" {
		writeError(w, http.StatusBadRequest, "phone is required")
		return
	}
	owner := userFrom(r.Context())

	peer, err := s.db.GetUserByPhone(r.Context(), strings.TrimSpace(req.Phone))
	if errors.Is(err, db.ErrNoRows) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		s.log.Error("find contact", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if peer.ID == owner {
		writeError(w, http.StatusBadRequest, "cannot add yourself")
		return
	}

	if err := s.db.AddContact(r.Context(), owner, peer.ID, req.Alias); err != nil {
		s.log.Error("add contact", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contact": models.Contact{
		UserID: peer.ID,
		Phone:  peer.Phone,
		Name:   peer.Name,
		Alias:  strings.TrimSpace(req.Alias),
		Online: s.engine.Registry().Online(peer.ID),
	}})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	peer, err := strconv.ParseInt(chi.URLParam(r, "peerId"), 10, 64)
	if err != nil || peer <= 0 {
		writeError(w, http.StatusBadRequest, "invalid peer id")
		return
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	exists, err := s.db.UserExists(r.Context(), peer)
	if err != nil {
		s.log.Error("peer lookup", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	msgs, err := s.db.GetMessages(r.Context(), userFrom(r.Context()), peer, offset, limit)
	if err != nil {
		s.log.Error("get messages", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To      int64  `json:"to"`
		Content string `json:"content"`
	}
	if !decodeOwnedBody(w, r, &req, "senderId", "sender_id", "receiverId", "receiver_id", "userId", "user_id") {
		return
	}
	if req.To <= 0 {
		writeError(w, http.StatusBadRequest, "to and content are required")
		return
	}

	exists, err := s.db.UserExists(r.Context(), req.To)
	if err != nil {
		s.log.Error("recipient lookup", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !exists {
		writeCodedError(w, http.StatusNotFound, codeRecipientNotFound, "recipient not found")
		return
	}

	res, err := s.engine.Relay(r.Context(), userFrom(r.Context()), req.To, req.Content)
	if err != nil {
		code := errorCode(err)
		if code == codePersistence {
			s.log.Error("relay", zap.Error(err))
			writeCodedError(w, http.StatusInternalServerError, code, "message not stored")
			return
		}
		writeCodedError(w, http.StatusBadRequest, code, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": res.Message})
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := s.db.GetCalls(r.Context(), userFrom(r.Context()), callHistorySize)
	if err != nil {
		s.log.Error("get calls", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if calls == nil {
		calls = []models.Call{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": calls})
}

func (s *Server) handleSaveCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CalleeID  int64      `json:"callee_id"`
		Status    string     `json:"status"`
		StartedAt *time.Time `json:"started_at"`
		EndedAt   *time.Time `json:"ended_at"`
	}
	if !decodeOwnedBody(w, r, &req, "caller_id", "callerId") {
		return
	}
	if req.CalleeID <= 0 || strings.TrimSpace(req.Status) == "" {
		writeError(w, http.StatusBadRequest, "callee_id and status are required")
		return
	}

	exists, err := s.db.UserExists(r.Context(), req.CalleeID)
	if err != nil {
		s.log.Error("callee lookup", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	call, err := s.db.SaveCall(r.Context(), models.Call{
		CallerID:  userFrom(r.Context()),
		CalleeID:  req.CalleeID,
		Status:    strings.TrimSpace(req.Status),
		StartedAt: req.StartedAt,
		EndedAt:   req.EndedAt,
	})
	if err != nil {
		s.log.Error("save call", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"call": call})
}
