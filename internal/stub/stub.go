// Package stub is an in-memory interactsh server for tests. It implements
// register, poll and deregister and encrypts injected interactions for the
// registered public key exactly as a real server does.
package stub

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"go.uber.org/zap"

	"github.com/rsclarke/oastrix-client/internal/api"
	"github.com/rsclarke/oastrix-client/internal/auth"
	"github.com/rsclarke/oastrix-client/internal/events"
)

const maxBodyBytes = 1 << 16

type session struct {
	pub     *rsa.PublicKey
	secret  string
	pending [][]byte
	extra   []string
	tld     []string
	badKey  bool
}

type failure struct {
	status int
	body   string
	count  int
}

// Server holds registered sessions. The zero value is not usable; call New.
type Server struct {
	// Token, when set, must be presented in the Authorization header.
	Token string
	// NoContentWhenEmpty answers empty polls with 204.
	NoContentWhenEmpty bool
	Logger             *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
	calls    map[string]int
	failures map[string]*failure
	ts       *httptest.Server
}

func New() *Server {
	return &Server{
		Logger:   zap.NewNop(),
		sessions: make(map[string]*session),
		calls:    make(map[string]int),
		failures: make(map[string]*failure),
	}
}

// Start serves the handler on a loopback httptest server.
func (s *Server) Start() *httptest.Server {
	s.ts = httptest.NewServer(s.Handler())
	return s.ts
}

// StartTLS is Start over HTTPS with the httptest self-signed certificate.
func (s *Server) StartTLS() *httptest.Server {
	s.ts = httptest.NewTLSServer(s.Handler())
	return s.ts
}

// Close shuts down a started server.
func (s *Server) Close() {
	if s.ts != nil {
		s.ts.Close()
	}
}

// URL of the started server.
func (s *Server) URL() string {
	if s.ts == nil {
		return ""
	}
	return s.ts.URL
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+api.PathRegister, s.handleRegister)
	mux.HandleFunc("GET "+api.PathPoll, s.handlePoll)
	mux.HandleFunc("POST "+api.PathDeregister, s.handleDeregister)
	return s.countMiddleware(s.authMiddleware(s.failMiddleware(mux)))
}

// Calls returns how many requests reached path, including rejected ones.
func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

// TotalCalls sums Calls over every path.
func (s *Server) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// Registered reports whether correlationID has a live session.
func (s *Server) Registered(correlationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[correlationID]
	return ok
}

// SessionSecret returns the secret-key stored at registration.
func (s *Server) SessionSecret(correlationID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[correlationID]
	if !ok {
		return "", false
	}
	return sess.secret, true
}

// FailNext makes the next count requests to path fail with status and an
// {"error": msg} body.
func (s *Server) FailNext(path string, status int, msg string, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = &failure{status: status, body: msg, count: count}
}

// Inject queues a raw interaction document for the next poll.
func (s *Server) Inject(correlationID string, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[correlationID]
	if !ok {
		return fmt.Errorf("correlation id %q not registered", correlationID)
	}
	sess.pending = append(sess.pending, append([]byte(nil), doc...))
	return nil
}

// InjectInteraction marshals i and queues it.
func (s *Server) InjectInteraction(correlationID string, i *events.Interaction) error {
	doc, err := json.Marshal(i)
	if err != nil {
		return fmt.Errorf("marshal interaction: %w", err)
	}
	return s.Inject(correlationID, doc)
}

// InjectExtra queues a plaintext entry in the extra array.
func (s *Server) InjectExtra(correlationID string, doc string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[correlationID]
	if !ok {
		return fmt.Errorf("correlation id %q not registered", correlationID)
	}
	sess.extra = append(sess.extra, doc)
	return nil
}

// InjectTLD queues a plaintext entry in the tlddata array.
func (s *Server) InjectTLD(correlationID string, doc string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[correlationID]
	if !ok {
		return fmt.Errorf("correlation id %q not registered", correlationID)
	}
	sess.tld = append(sess.tld, doc)
	return nil
}

// CorruptNextKey makes the next non-empty poll wrap its AES key for a
// different RSA key.
func (s *Server) CorruptNextKey(correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[correlationID]
	if !ok {
		return fmt.Errorf("correlation id %q not registered", correlationID)
	}
	sess.badKey = true
	return nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" {
			presented := auth.ParseHeader(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare([]byte(presented), []byte(s.Token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) countMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[r.URL.Path]++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) failMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		f := s.failures[r.URL.Path]
		var status int
		var body string
		if f != nil && f.count > 0 {
			f.count--
			status, body = f.status, f.body
		}
		s.mu.Unlock()

		if status != 0 {
			writeJSON(w, status, api.ErrorResponse{Error: body})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CorrelationID == "" || req.SecretKey == "" {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "missing correlation-id or secret-key"})
		return
	}
	pub, err := parsePublicKey(req.PublicKey)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "could not decode public key: " + err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[req.CorrelationID]; exists {
		writeJSON(w, http.StatusConflict, api.ErrorResponse{Error: "correlation-id already registered"})
		return
	}
	s.sessions[req.CorrelationID] = &session{pub: pub, secret: req.SecretKey}
	s.Logger.Debug("registered", zap.String("correlation_id", req.CorrelationID))
	writeJSON(w, http.StatusOK, api.MessageResponse{Message: "registration successful"})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	secret := r.URL.Query().Get("secret")
	if id == "" || secret == "" {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "missing id or secret"})
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "could not get correlation-id from cache"})
		return
	}
	if !auth.VerifySecret(secret, sess.secret) {
		s.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Error: "invalid secret"})
		return
	}
	pending, extra, tld := sess.pending, sess.extra, sess.tld
	sess.pending, sess.extra, sess.tld = nil, nil, nil
	pub := sess.pub
	badKey := sess.badKey && len(pending) > 0
	if badKey {
		sess.badKey = false
	}
	s.mu.Unlock()

	if len(pending) == 0 && len(extra) == 0 && len(tld) == 0 && s.NoContentWhenEmpty {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := api.PollResponse{Data: []string{}, Extra: extra, TLDData: tld}
	if len(pending) > 0 {
		wrapTo := pub
		if badKey {
			other, err := rsa.GenerateKey(rand.Reader, pub.N.BitLen())
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "key generation failed"})
				return
			}
			wrapTo = &other.PublicKey
		}
		key, wrapped, err := NewWrappedKey(wrapTo)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "could not wrap key"})
			return
		}
		resp.AESKey = wrapped
		for _, doc := range pending {
			entry, err := EncryptEntry(key, doc)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "could not encrypt entry"})
				return
			}
			resp.Data = append(resp.Data, entry)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	var req api.DeregisterRequest
	if !decodeBody(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[req.CorrelationID]
	if !ok {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "could not get correlation-id from cache"})
		return
	}
	if !auth.VerifySecret(req.SecretKey, sess.secret) {
		writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Error: "invalid secret"})
		return
	}
	delete(s.sessions, req.CorrelationID)
	writeJSON(w, http.StatusOK, api.MessageResponse{Message: "deregistration successful"})
}

// NewWrappedKey returns a fresh AES-256 key and its base64 RSA-OAEP
// (SHA-256) wrapping for pub.
func NewWrappedKey(pub *rsa.PublicKey) ([]byte, string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, "", err
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, "", err
	}
	return key, base64.StdEncoding.EncodeToString(wrapped), nil
}

// EncryptEntry returns base64(iv || AES-256-CFB(doc)).
func EncryptEntry(key, doc []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	out := make([]byte, aes.BlockSize+len(doc))
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}
	//lint:ignore SA1019 interactsh servers encrypt with CFB.
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(out[aes.BlockSize:], doc)
	return base64.StdEncoding.EncodeToString(out), nil
}

func parsePublicKey(encoded string) (*rsa.PublicKey, error) {
	pemBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("not PEM encoded")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA key")
	}
	return pub, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, api.ErrorResponse{Error: "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "invalid JSON"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
