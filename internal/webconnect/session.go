// Package webconnect implements the stateful HTTP/JSON session protocol
// spoken by SMA WebConnect inverters: login, keyed and instantaneous value
// reads, meter history reads, and logout.
package webconnect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/kmederer/pvcollect/model"
)

const (
	urlLogin  = "/dyn/login.json"
	urlLogout = "/dyn/logout.json"
	urlValues = "/dyn/getValues.json"
	urlLogger = "/dyn/getLogger.json"
	urlOnline = "/dyn/getAllOnlValues.json"

	// Logger ids for the daily and five-minute production meters.
	historyKeyDaily = 28704
	historyKeyFine  = 28672

	transportAttempts = 3
	attemptTimeout    = 3 * time.Second
)

var userClasses = map[string]string{
	"user":      "usr",
	"installer": "istl",
}

// Config describes one device endpoint.
type Config struct {
	Name      string
	URL       string
	Password  string
	UserClass string

	// AttemptTimeout overrides the per-attempt timeout; zero means 3s.
	AttemptTimeout time.Duration
}

// Session is an authenticated connection to a single device. Establishment
// is lazy: the first call needing a session logs in. A device-side error in
// any reply invalidates the session so the next call logs in again.
type Session struct {
	name    string
	baseURL string
	login   loginRequest
	hc      *http.Client
	log     *zap.SugaredLogger
	timeout time.Duration

	mu       sync.Mutex
	deviceID string
	closed   bool

	// sid has its own guard: it is read on every request, including
	// requests issued while mu is held during login.
	sidMu sync.Mutex
	sid   string
}

func (s *Session) currentSID() string {
	s.sidMu.Lock()
	defer s.sidMu.Unlock()
	return s.sid
}

func (s *Session) setSID(sid string) {
	s.sidMu.Lock()
	s.sid = sid
	s.sidMu.Unlock()
}

type loginRequest struct {
	Right string `json:"right"`
	Pass  string `json:"pass"`
}

type valuesRequest struct {
	DestDev []string `json:"destDev"`
	Keys    []string `json:"keys,omitempty"`
}

type loggerRequest struct {
	DestDev []string `json:"destDev"`
	Key     int      `json:"key"`
	TStart  int64    `json:"tStart"`
	TEnd    int64    `json:"tEnd"`
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Err    *int            `json:"err"`
}

// NewSession validates the credentials and returns an unconnected session.
func NewSession(cfg Config, hc *http.Client, log *zap.SugaredLogger) (*Session, error) {
	right, ok := userClasses[cfg.UserClass]
	if !ok {
		return nil, &ProtocolError{Kind: BadUserClass, Device: cfg.Name}
	}
	if cfg.Password == "" {
		return nil, &ProtocolError{Kind: PasswordRequired, Device: cfg.Name}
	}
	if len(cfg.Password) > 12 {
		return nil, &ProtocolError{Kind: PasswordTooLong, Device: cfg.Name}
	}

	base := strings.TrimRight(cfg.URL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	timeout := cfg.AttemptTimeout
	if timeout <= 0 {
		timeout = attemptTimeout
	}
	if hc == nil {
		hc = &http.Client{}
	}
	return &Session{
		name:    cfg.Name,
		baseURL: base,
		login:   loginRequest{Right: right, Pass: cfg.Password},
		hc:      hc,
		log:     log,
		timeout: timeout,
	}, nil
}

// Name returns the configured device name.
func (s *Session) Name() string { return s.name }

// BaseURL returns the normalized device base URL.
func (s *Session) BaseURL() string { return s.baseURL }

// Login establishes a new session with the device.
func (s *Session) Login(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginLocked(ctx)
}

func (s *Session) loginLocked(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	env, err := s.fetchJSON(ctx, urlLogin, s.login)
	if err != nil {
		return err
	}
	if env.Err != nil {
		if *env.Err == 503 {
			return &ProtocolError{Kind: MaxSessions, Device: s.name, Code: *env.Err}
		}
		return &ProtocolError{Kind: MalformedLogin, Device: s.name, Code: *env.Err}
	}
	var result struct {
		Sid *string `json:"sid"`
	}
	if len(env.Result) > 0 {
		_ = json.Unmarshal(env.Result, &result)
	}
	if result.Sid == nil || *result.Sid == "" {
		return &ProtocolError{Kind: MalformedLogin, Device: s.name}
	}
	s.setSID(*result.Sid)
	s.log.Debugf("%s: session established with id %q", s.name, *result.Sid)
	return nil
}

// Close logs out and marks the session terminal. Logout failures are
// tolerated; the device may already have invalidated the session.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.currentSID() != "" {
		if _, err := s.fetchJSON(ctx, urlLogout, struct{}{}); err != nil {
			s.log.Debugf("%s: logout failed: %v", s.name, err)
		}
		s.setSID("")
	}
	s.closed = true
	return nil
}

// ReadInstantaneous returns the full instantaneous metric set.
func (s *Session) ReadInstantaneous(ctx context.Context) (model.RawValues, error) {
	body, err := s.readBody(ctx, urlOnline, valuesRequest{DestDev: []string{}})
	if err != nil {
		return nil, err
	}
	return s.decodeValues(body)
}

// ReadValues performs a targeted read for a key subset.
func (s *Session) ReadValues(ctx context.Context, keys []string) (model.RawValues, error) {
	body, err := s.readBody(ctx, urlValues, valuesRequest{DestDev: []string{}, Keys: keys})
	if err != nil {
		return nil, err
	}
	return s.decodeValues(body)
}

// ReadHistory reads the daily production meter history for [start, end).
func (s *Session) ReadHistory(ctx context.Context, start, end int64) ([]model.HistoryPoint, error) {
	return s.readLogger(ctx, historyKeyDaily, start, end)
}

// ReadFineHistory reads the five-minute production meter history.
func (s *Session) ReadFineHistory(ctx context.Context, start, end int64) ([]model.HistoryPoint, error) {
	return s.readLogger(ctx, historyKeyFine, start, end)
}

func (s *Session) readLogger(ctx context.Context, key int, start, end int64) ([]model.HistoryPoint, error) {
	body, err := s.readBody(ctx, urlLogger, loggerRequest{DestDev: []string{}, Key: key, TStart: start, TEnd: end})
	if err != nil {
		return nil, err
	}
	var points []model.HistoryPoint
	if err := json.Unmarshal(body, &points); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", s.name, ErrNoResult, err)
	}
	return points, nil
}

func (s *Session) decodeValues(body json.RawMessage) (model.RawValues, error) {
	values := make(model.RawValues)
	if err := json.Unmarshal(body, &values); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", s.name, ErrNoResult, err)
	}
	return values, nil
}

// readBody runs one request against an active session and unwraps the
// per-device result object, discovering the opaque device id on first use.
func (s *Session) readBody(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	if err := s.ensureSession(ctx); err != nil {
		return nil, err
	}

	env, err := s.fetchJSON(ctx, path, payload)
	if err != nil {
		// An undecodable body is as suspect as a missing result.
		if errors.Is(err, ErrNoResult) {
			s.invalidate(ctx)
		}
		return nil, err
	}
	if env.Err != nil {
		// A session that produced one error is never reused.
		s.invalidate(ctx)
		return nil, fmt.Errorf("%s: %w (err=%d)", s.name, ErrDeviceFault, *env.Err)
	}

	var result map[string]json.RawMessage
	if err := json.Unmarshal(env.Result, &result); err != nil || len(result) == 0 {
		s.invalidate(ctx)
		return nil, fmt.Errorf("%s: %w", s.name, ErrNoResult)
	}

	s.mu.Lock()
	if s.deviceID == "" {
		for id := range result {
			s.deviceID = id
			break
		}
	}
	id := s.deviceID
	s.mu.Unlock()

	body, ok := result[id]
	if !ok {
		s.invalidate(ctx)
		return nil, fmt.Errorf("%s: %w: no body for device id %q", s.name, ErrNoResult, id)
	}
	return body, nil
}

func (s *Session) ensureSession(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.currentSID() != "" {
		return nil
	}
	return s.loginLocked(ctx)
}

// invalidate forces a re-login on the next call, with a best-effort logout
// while the session id is still known.
func (s *Session) invalidate(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentSID() == "" {
		return
	}
	s.log.Errorf("%s: closing session to force another login attempt", s.name)
	if _, err := s.fetchJSON(ctx, urlLogout, struct{}{}); err != nil {
		s.log.Debugf("%s: logout failed: %v", s.name, err)
	}
	s.setSID("")
}

// fetchJSON posts one JSON payload with up to three attempts, each bounded
// by the per-attempt timeout. Exhausting the attempts yields ErrConnectivity.
func (s *Session) fetchJSON(ctx context.Context, path string, payload any) (*envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var env envelope
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, s.requestURL(path), bytes.NewReader(raw))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.hc.Do(req)
		if err != nil {
			if isRetriable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		defer resp.Body.Close()

		env = envelope{}
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrNoResult, err))
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, transportAttempts-1)); err != nil {
		if isRetriable(err) {
			return nil, fmt.Errorf("%s: %w: %v", s.baseURL, ErrConnectivity, err)
		}
		return nil, fmt.Errorf("%s: %w", s.name, err)
	}
	return &env, nil
}

// requestURL appends the session id as a query parameter once logged in.
func (s *Session) requestURL(path string) string {
	sid := s.currentSID()
	if sid == "" {
		return s.baseURL + path
	}
	return s.baseURL + path + "?sid=" + url.QueryEscape(sid)
}

func isRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return os.IsTimeout(err)
}
