package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/gregtusar/accountdash/pkg/auth"
	"github.com/gregtusar/accountdash/pkg/dashboard"
	"github.com/gregtusar/accountdash/pkg/metacopier"
	"github.com/gregtusar/accountdash/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	headerUserEmail = "x-user-email"
	headerUserName  = "x-user-name"
)

// FetcherFactory returns a snapshot fetcher for an API key.
type FetcherFactory func(apiKey string) metacopier.Fetcher

type Options struct {
	Users    *auth.Directory
	Tokens   *auth.TokenIssuer
	Sessions *dashboard.Manager
	Fetchers FetcherFactory
	// DefaultAPIKey serves callers without a key of their own.
	DefaultAPIKey  string
	AllowedOrigins []string
	Port           string
}

type Server struct {
	opts       Options
	logger     *logrus.Logger
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

func NewServer(opts Options, logger *logrus.Logger) *Server {
	s := &Server{
		opts:   opts,
		logger: logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the routed HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/user", s.handleUser).Methods(http.MethodGet)
	r.HandleFunc("/api/accounts", s.handleAccounts).Methods(http.MethodGet)
	r.HandleFunc("/api/accounts/summary", s.handleSummary).Methods(http.MethodGet)
	r.HandleFunc("/api/stream", s.handleStream).Methods(http.MethodGet)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	return s.corsMiddleware(s.requestLogger(r))
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              ":" + s.opts.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting API server on port %s", s.opts.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-Email, X-User-Name")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		next.ServeHTTP(w, r)

		s.logger.WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
			"elapsed":    time.Since(start),
		}).Debug("Handled request")
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return s.originAllowed(origin)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"sessions":  s.opts.Sessions.Len(),
	}

	s.writeJSON(w, http.StatusOK, response)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Success bool         `json:"success"`
	User    *models.User `json:"user,omitempty"`
	Token   string       `json:"token,omitempty"`
	Error   string       `json:"error,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, loginResponse{Error: "Invalid request body"})
		return
	}

	if req.Email == "" || req.Password == "" {
		s.writeJSON(w, http.StatusBadRequest, loginResponse{Error: "Email and password are required"})
		return
	}

	user, err := s.opts.Users.Validate(req.Email, req.Password)
	if err != nil {
		s.logger.WithField("email", req.Email).Info("Rejected login")
		s.writeJSON(w, http.StatusUnauthorized, loginResponse{Error: "Invalid email or password"})
		return
	}

	token, err := s.opts.Tokens.Issue(user)
	if err != nil {
		s.logger.WithError(err).Error("Failed to issue session token")
		s.writeJSON(w, http.StatusInternalServerError, loginResponse{Error: "An error occurred during login"})
		return
	}

	s.writeJSON(w, http.StatusOK, loginResponse{Success: true, User: user, Token: token})
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identify(r)
	if !ok {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Not authenticated"})
		return
	}

	s.writeJSON(w, http.StatusOK, id)
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.accountsFor(r))
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, models.Summarize(s.accountsFor(r)))
}

// accountsFor serves the live session state when the caller has one and a
// fresh snapshot otherwise. It never fails; upstream problems yield [].
func (s *Server) accountsFor(r *http.Request) []models.Account {
	id, _ := s.identify(r)
	apiKey := s.apiKeyFor(id)
	if apiKey == "" {
		s.logger.Warn("No MetaCopier API key for request")
		return []models.Account{}
	}

	if session, ok := s.opts.Sessions.Lookup(apiKey); ok {
		return session.Accounts()
	}
	return s.opts.Fetchers(apiKey).Snapshot(r.Context())
}

// identify resolves the caller from a bearer token or the x-user-email /
// x-user-name headers.
func (s *Server) identify(r *http.Request) (models.Identity, bool) {
	return s.identifyToken(r, bearerToken(r))
}

// identifyToken resolves the caller from a session token, falling back to the
// identity headers when the token is empty or invalid.
func (s *Server) identifyToken(r *http.Request, token string) (models.Identity, bool) {
	var email, name string
	if token != "" {
		claims, err := s.opts.Tokens.Parse(token)
		if err != nil {
			s.logger.WithError(err).Debug("Ignoring invalid session token")
		} else {
			email, name = claims.Email, claims.Name
		}
	}
	if email == "" {
		email = r.Header.Get(headerUserEmail)
		name = r.Header.Get(headerUserName)
	}
	if email == "" {
		return models.Identity{}, false
	}

	id := models.Identity{
		ID:       "1",
		Name:     name,
		Email:    email,
		Initials: auth.Initials(name),
	}
	if id.Name == "" {
		id.Name = "User"
	}
	if u, ok := s.opts.Users.ByEmail(email); ok && u.ID != "" {
		id.ID = u.ID
	}
	return id, true
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		return ""
	}
	return token
}

func (s *Server) apiKeyFor(id models.Identity) string {
	if id.Email != "" {
		if u, ok := s.opts.Users.ByEmail(id.Email); ok && u.APIKey != "" {
			return u.APIKey
		}
	}
	return s.opts.DefaultAPIKey
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
