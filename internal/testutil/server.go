package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/notesync/internal/models"
)

// Server is an httptest backend implementing the notes REST API.
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	users         map[string]*user
	access        map[string]string
	refresh       map[string]string
	notes         map[int64]models.Note
	nextID        int64
	tokenSeq      int
	pageSize      int
	refreshCalls  int
	calls         map[string]int
	failures      map[string][]int
	rotateRefresh bool
}

type user struct {
	models.UserInfo
	password string
}

// NewServer starts a backend with no users and no notes.
func NewServer() *Server {
	s := &Server{
		users:    make(map[string]*user),
		access:   make(map[string]string),
		refresh:  make(map[string]string),
		notes:    make(map[int64]models.Note),
		nextID:   1,
		pageSize: 2,
		calls:    make(map[string]int),
		failures: make(map[string][]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/token/", s.handleToken)
	mux.HandleFunc("POST /api/auth/token/refresh/", s.handleRefresh)
	mux.HandleFunc("POST /api/auth/register/", s.handleRegister)
	mux.HandleFunc("GET /api/auth/userinfo/", s.authed(s.handleUserInfo))
	mux.HandleFunc("POST /api/auth/change-password/", s.authed(s.handleChangePassword))
	mux.HandleFunc("GET /api/notes/", s.authed(s.handleList))
	mux.HandleFunc("POST /api/notes/", s.authed(s.handleCreate))
	mux.HandleFunc("GET /api/notes/{id}/", s.authed(s.handleGet))
	mux.HandleFunc("PATCH /api/notes/{id}/", s.authed(s.handleUpdate))
	mux.HandleFunc("DELETE /api/notes/{id}/", s.authed(s.handleDelete))

	s.Server = httptest.NewServer(s.record(mux))
	return s
}

// AddUser registers an account.
func (s *Server) AddUser(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = &user{
		UserInfo: models.UserInfo{ID: int64(len(s.users) + 1), Username: username},
		password: password,
	}
}

// SeedNotes stores notes as if created remotely.
func (s *Server) SeedNotes(notes ...models.Note) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range notes {
		n.Pending = false
		s.notes[n.ID] = n
		if n.ID >= s.nextID {
			s.nextID = n.ID + 1
		}
	}
}

// Notes returns the stored notes ordered by id.
func (s *Server) Notes() []models.Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedNotes()
}

// SetPageSize changes the list page size.
func (s *Server) SetPageSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageSize = n
}

// SetRotateRefresh makes refresh responses carry a new refresh token.
func (s *Server) SetRotateRefresh(rotate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotateRefresh = rotate
}

// ExpireAccessTokens invalidates every access token. Refresh tokens
// keep working.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = make(map[string]string)
}

// RevokeSessions invalidates every token.
func (s *Server) RevokeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = make(map[string]string)
	s.refresh = make(map[string]string)
}

// FailNext makes the next requests matching "METHOD /path" answer with
// the given statuses.
func (s *Server) FailNext(method, path string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := method + " " + path
	s.failures[key] = append(s.failures[key], statuses...)
}

// RefreshCalls returns how many refresh requests were served.
func (s *Server) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

// Calls returns how many requests matched "METHOD /path".
func (s *Server) Calls(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method+" "+path]
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path

		s.mu.Lock()
		s.calls[key]++
		var status int
		if queued := s.failures[key]; len(queued) > 0 {
			status = queued[0]
			s.failures[key] = queued[1:]
		}
		s.mu.Unlock()

		if status != 0 {
			writeError(w, status, "", fmt.Sprintf("injected %d", status))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authed(next func(http.ResponseWriter, *http.Request, *user)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		s.mu.Lock()
		username, ok := s.access[token]
		u := s.users[username]
		s.mu.Unlock()

		if !ok || u == nil {
			writeError(w, http.StatusUnauthorized, "", "Given token not valid for any token type")
			return
		}
		next(w, r, u)
	}
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "Malformed request.")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[req.Username]
	if !ok || u.password != req.Password {
		writeError(w, http.StatusUnauthorized, "", "No active account found with the given credentials")
		return
	}
	writeJSON(w, http.StatusOK, s.issue(req.Username, true))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req models.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "Malformed request.")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshCalls++
	username, ok := s.refresh[req.Refresh]
	if !ok {
		writeError(w, http.StatusUnauthorized, "", "Token is invalid or expired")
		return
	}
	if s.rotateRefresh {
		delete(s.refresh, req.Refresh)
	}
	pair := s.issue(username, s.rotateRefresh)
	writeJSON(w, http.StatusOK, models.RefreshResponse{Access: pair.Access, Refresh: pair.Refresh})
}

// issue mints tokens. Callers hold s.mu.
func (s *Server) issue(username string, withRefresh bool) models.TokenPair {
	s.tokenSeq++
	pair := models.TokenPair{Access: fmt.Sprintf("access-%d", s.tokenSeq)}
	s.access[pair.Access] = username
	if withRefresh {
		pair.Refresh = fmt.Sprintf("refresh-%d", s.tokenSeq)
		s.refresh[pair.Refresh] = username
	}
	return pair
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "Malformed request.")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username", "This field may not be blank.")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[req.Username]; exists {
		writeError(w, http.StatusBadRequest, "username", "A user with that username already exists.")
		return
	}
	u := &user{
		UserInfo: models.UserInfo{
			ID:        int64(len(s.users) + 1),
			Username:  req.Username,
			Email:     req.Email,
			FirstName: req.FirstName,
			LastName:  req.LastName,
		},
		password: req.Password,
	}
	s.users[req.Username] = u
	writeJSON(w, http.StatusCreated, models.RegisterResponse{
		Username:  u.Username,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	})
}

func (s *Server) handleUserInfo(w http.ResponseWriter, _ *http.Request, u *user) {
	writeJSON(w, http.StatusOK, u.UserInfo)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, u *user) {
	var req models.ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "Malformed request.")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.OldPassword != u.password {
		writeError(w, http.StatusBadRequest, "old_password", "Wrong password.")
		return
	}
	u.password = req.NewPassword
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, _ *user) {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		page = 1
	}

	s.mu.Lock()
	all := s.sortedNotes()
	size := s.pageSize
	s.mu.Unlock()

	start := (page - 1) * size
	if start > len(all) {
		start = len(all)
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}

	list := models.NoteList{Count: len(all), Results: all[start:end]}
	if end < len(all) {
		next := fmt.Sprintf("%s/api/notes/?page=%d", s.URL, page+1)
		list.Next = &next
	}
	if page > 1 {
		prev := fmt.Sprintf("%s/api/notes/?page=%d", s.URL, page-1)
		list.Previous = &prev
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, u *user) {
	var req models.NoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "Malformed request.")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title", "This field may not be blank.")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	note := models.Note{
		ID:              s.nextID,
		Title:           req.Title,
		Description:     req.Description,
		CreatedAt:       now,
		UpdatedAt:       now,
		CreatorName:     strings.TrimSpace(u.FirstName + " " + u.LastName),
		CreatorUsername: u.Username,
	}
	s.nextID++
	s.notes[note.ID] = note
	writeJSON(w, http.StatusCreated, note)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, _ *user) {
	s.mu.Lock()
	note, ok := s.lookup(r)
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "", "Not found.")
		return
	}
	writeJSON(w, http.StatusOK, note)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, _ *user) {
	var req models.NoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "Malformed request.")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	note, ok := s.lookup(r)
	if !ok {
		writeError(w, http.StatusNotFound, "", "Not found.")
		return
	}
	note.Title = req.Title
	note.Description = req.Description
	note.UpdatedAt = time.Now().UTC()
	s.notes[note.ID] = note
	writeJSON(w, http.StatusOK, note)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, _ *user) {
	s.mu.Lock()
	defer s.mu.Unlock()

	note, ok := s.lookup(r)
	if !ok {
		writeError(w, http.StatusNotFound, "", "Not found.")
		return
	}
	delete(s.notes, note.ID)
	w.WriteHeader(http.StatusNoContent)
}

// lookup resolves the {id} path value. Callers hold s.mu.
func (s *Server) lookup(r *http.Request) (models.Note, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return models.Note{}, false
	}
	note, ok := s.notes[id]
	return note, ok
}

func (s *Server) sortedNotes() []models.Note {
	notes := make([]models.Note, 0, len(s.notes))
	for _, n := range s.notes {
		notes = append(notes, n)
	}
	sort.Slice(notes, func(i, j int) bool { return notes[i].ID < notes[j].ID })
	return notes
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, attr, detail string) {
	writeJSON(w, status, APIError(status, attr, detail))
}
