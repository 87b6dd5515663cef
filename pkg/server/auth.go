package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/thefeshin/hush/pkg/database"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

// clientIP extracts the address the defense engine and rate limiters key
// on. The socket peer is authoritative; X-Forwarded-For is honored only
// when proxy trust is configured AND the peer is one of the trusted
// proxies, since anyone else can put whatever they like in the header.
func (s *Server) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !s.config.TrustProxyHeaders || !s.isTrustedProxy(host) {
		return host
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}
	return host
}

func (s *Server) isTrustedProxy(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, network := range s.trustedProxies {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// handleRegister creates an account. Registration mistakes (taken name,
// weak password) are not authentication failures and never feed the
// defense engine.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.gateAuthRequest(w, r) {
		return
	}

	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if len(req.Username) < 3 || len(req.Username) > 32 {
		writeJSONError(w, http.StatusBadRequest, "username must be 3-32 characters")
		return
	}
	if len(req.Password) < 8 || len(req.Password) > 128 {
		writeJSONError(w, http.StatusBadRequest, "password must be 8-128 characters")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.config.BcryptCost)
	if err != nil {
		errorLog.Printf("Password hashing failed: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	user, err := s.db.CreateUser(req.Username, string(hash))
	if err != nil {
		if errors.Is(err, database.ErrUsernameTaken) {
			writeJSONError(w, http.StatusConflict, "username already taken")
			return
		}
		errorLog.Printf("User creation failed: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	s.respondWithToken(w, user)
}

// handleLogin verifies credentials and drives the defense engine: every
// failed attempt is recorded, a success clears the IP's record.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.gateAuthRequest(w, r) {
		return
	}
	ip := s.clientIP(r)

	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.db.GetUserByUsername(strings.TrimSpace(req.Username))
	if err != nil {
		if !errors.Is(err, database.ErrUserNotFound) {
			errorLog.Printf("User lookup failed: %v", err)
		}
		s.failAuth(w, ip)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		s.failAuth(w, ip)
		return
	}

	if err := s.defense.ResetFailures(ip); err != nil {
		errorLog.Printf("Failed to reset auth failures for %s: %v", ip, err)
	}
	if err := s.db.TouchLastLogin(user.ID); err != nil {
		errorLog.Printf("Failed to update last login: %v", err)
	}
	s.metrics.AuthSuccesses.Inc()
	s.respondWithToken(w, user)
}

// handleRefresh exchanges a still-valid token for a fresh one
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, ok := s.authenticate(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}
	user, err := s.db.GetUserByID(userID)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}
	s.respondWithToken(w, user)
}

// gateAuthRequest applies the block check and the strict auth bucket.
// Unlike the general middleware, a failing block lookup here denies the
// request: threshold enforcement fails closed.
func (s *Server) gateAuthRequest(w http.ResponseWriter, r *http.Request) bool {
	ip := s.clientIP(r)

	blocked, err := s.defense.CheckBlocked(ip)
	if err != nil {
		errorLog.Printf("Block check failed for %s: %v", ip, err)
		writeJSONError(w, http.StatusForbidden, "forbidden")
		return false
	}
	if blocked {
		writeJSONError(w, http.StatusForbidden, "forbidden")
		return false
	}

	if !s.authGuard.Allow(ip) {
		s.metrics.RateLimited.WithLabelValues("auth").Inc()
		writeJSONError(w, http.StatusTooManyRequests, "too many requests")
		return false
	}
	return true
}

// failAuth records the failure and answers with a deliberately uniform
// 401 whether the username existed or not
func (s *Server) failAuth(w http.ResponseWriter, ip string) {
	if _, err := s.defense.RecordFailure(ip); err != nil {
		errorLog.Printf("Failed to record auth failure for %s: %v", ip, err)
	}
	writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
}

func (s *Server) respondWithToken(w http.ResponseWriter, user *database.User) {
	token, err := s.issueToken(user.ID)
	if err != nil {
		errorLog.Printf("Token issuance failed: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "authentication failed")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   s.config.TokenTTLMinutes * 60,
	})
	writeJSON(w, http.StatusOK, authResponse{
		UserID:   user.ID,
		Username: user.Username,
		Token:    token,
	})
}

// authenticate pulls the session token from the Authorization header,
// cookie or query parameter and returns the user id
func (s *Server) authenticate(r *http.Request) (string, bool) {
	token := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	if token == "" {
		if cookie, err := r.Cookie(tokenCookieName); err == nil {
			token = cookie.Value
		}
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	userID, err := s.verifyToken(token)
	if err != nil {
		return "", false
	}
	return userID, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
