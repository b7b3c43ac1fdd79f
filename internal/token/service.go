// Package token manages access token lifecycle for brokerage accounts:
// issuance, a per-account in-memory cache, a per-civil-day disk cache, and
// transient/fatal failure classification.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/seoulquant/kisbot/internal/broker"
	"github.com/seoulquant/kisbot/internal/config"
	"github.com/seoulquant/kisbot/internal/models"
)

// TokenError is a failure to obtain a usable token. Transient failures
// (transport never reached the endpoint) may be retried on the next cycle;
// fatal ones (the endpoint answered and refused) should stop the session.
type TokenError struct {
	Transient bool
	Err       error
}

func (e *TokenError) Error() string {
	if e.Transient {
		return "transient token failure: " + e.Err.Error()
	}
	return "fatal token failure: " + e.Err.Error()
}

func (e *TokenError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a token failure worth retrying.
func IsTransient(err error) bool {
	var te *TokenError
	return errors.As(err, &te) && te.Transient
}

// issueFunc matches broker.IssueToken; swappable for tests.
type issueFunc func(ctx context.Context, hc *http.Client, account *models.Account) (*models.Token, error)

type accountState struct {
	mu     sync.Mutex
	cached *models.Token
}

// Service issues and caches tokens for any number of accounts. Issuance is
// serialized per account so concurrent callers never mint twice.
type Service struct {
	dir    string
	loc    *time.Location
	hc     *http.Client
	logger *log.Logger

	now   func() time.Time
	issue issueFunc

	mu     sync.Mutex
	states map[models.AccountKind]*accountState
}

// NewService creates a token service caching to dir with civil days
// evaluated in loc.
func NewService(dir string, loc *time.Location, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(os.Stderr, "token: ", log.LstdFlags)
	}
	return &Service{
		dir:    dir,
		loc:    loc,
		hc:     &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		now:    time.Now,
		issue:  broker.IssueToken,
		states: make(map[models.AccountKind]*accountState),
	}
}

func (s *Service) state(kind models.AccountKind) *accountState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[kind]
	if !ok {
		st = &accountState{}
		s.states[kind] = st
	}
	return st
}

// GetValid returns a usable access token for account, minting one only when
// neither the memory cache nor the disk cache holds a token valid for the
// current civil day.
func (s *Service) GetValid(ctx context.Context, account *models.Account) (string, error) {
	st := s.state(account.Kind)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := s.now()
	if st.cached != nil && st.cached.UsableAt(now, s.loc) {
		return st.cached.AccessToken, nil
	}

	// A memory miss means either process start or day roll; in both cases
	// older civil days' cache files are dead weight.
	s.purgeStale(account.Kind, now)

	if tok := s.loadCached(account, now); tok != nil {
		st.cached = tok
		return tok.AccessToken, nil
	}

	tok, err := s.mint(ctx, account)
	if err != nil {
		return "", err
	}
	st.cached = tok
	return tok.AccessToken, nil
}

// ForceRefresh discards any cached token for account and mints a fresh one.
func (s *Service) ForceRefresh(ctx context.Context, account *models.Account) (*models.Token, error) {
	st := s.state(account.Kind)
	st.mu.Lock()
	defer st.mu.Unlock()

	tok, err := s.mint(ctx, account)
	if err != nil {
		return nil, err
	}
	st.cached = tok
	return tok, nil
}

// Info returns a copy of the cached token for kind, if any.
func (s *Service) Info(kind models.AccountKind) (models.Token, bool) {
	st := s.state(kind)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cached == nil {
		return models.Token{}, false
	}
	return *st.cached, true
}

// mint issues a token, classifies failures and persists successes.
// Caller holds the account mutex.
func (s *Service) mint(ctx context.Context, account *models.Account) (*models.Token, error) {
	tok, err := s.issue(ctx, s.hc, account)
	if err != nil {
		// Any answered HTTP >= 400, including a failing gateway, is a
		// refusal that re-minting will not cure. Only a transport error
		// that never reached the endpoint is worth retrying.
		var apiErr *broker.APIError
		if errors.As(err, &apiErr) {
			return nil, &TokenError{Transient: false, Err: err}
		}
		return nil, &TokenError{Transient: true, Err: err}
	}

	if err := s.persist(account, tok); err != nil {
		// Disk cache is an optimization; a minted token is still good.
		s.logger.Printf("failed to persist %s token cache: %v", account.Kind, err)
	}
	s.purgeStale(account.Kind, tok.IssuedAt)
	s.logger.Printf("issued new %s token, valid until %s",
		account.Kind, tok.ExpiresAt.In(s.loc).Format("2006-01-02 15:04"))
	return tok, nil
}

// ============ Disk Cache ============

func (s *Service) cachePath(kind models.AccountKind, day time.Time) string {
	return filepath.Join(s.dir, fmt.Sprintf("token_%s_%s.json", kind, day.In(s.loc).Format("20060102")))
}

// loadCached returns the disk-cached token for today if it is usable and
// was minted with the account's current credentials.
func (s *Service) loadCached(account *models.Account, now time.Time) *models.Token {
	path := s.cachePath(account.Kind, now)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	hash, err := os.ReadFile(path + ".hash")
	if err != nil || strings.TrimSpace(string(hash)) != config.CredentialHash(account) {
		// Credentials changed since this token was minted.
		s.logger.Printf("discarding %s token cache: credential mismatch", account.Kind)
		_ = os.Remove(path)
		_ = os.Remove(path + ".hash")
		return nil
	}

	var tok models.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		s.logger.Printf("discarding unreadable %s token cache: %v", account.Kind, err)
		_ = os.Remove(path)
		return nil
	}
	if !tok.UsableAt(now, s.loc) {
		return nil
	}
	return &tok
}

// persist writes the token and its credential-hash sidecar atomically.
func (s *Service) persist(account *models.Account, tok *models.Token) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}

	path := s.cachePath(account.Kind, tok.IssuedAt)
	raw, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	if err := writeAtomic(path, raw, 0o600); err != nil {
		return err
	}
	return writeAtomic(path+".hash", []byte(config.CredentialHash(account)), 0o600)
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// purgeStale removes cache files for kind from civil days other than today.
func (s *Service) purgeStale(kind models.AccountKind, today time.Time) {
	keep := filepath.Base(s.cachePath(kind, today))
	prefix := fmt.Sprintf("token_%s_", kind)

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if name == keep || name == keep+".hash" || name == keep+".tmp" {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			s.logger.Printf("failed to purge stale token file %s: %v", name, err)
		}
	}
}

// Source binds the service to one account so it satisfies the broker
// client's token dependency.
func (s *Service) Source(account *models.Account) *BoundSource {
	return &BoundSource{svc: s, account: account}
}

// BoundSource is a token source fixed to one account.
type BoundSource struct {
	svc     *Service
	account *models.Account
}

// GetValid returns a usable access token for the bound account.
func (b *BoundSource) GetValid(ctx context.Context) (string, error) {
	return b.svc.GetValid(ctx, b.account)
}
