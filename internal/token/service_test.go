package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seoulquant/kisbot/internal/broker"
	"github.com/seoulquant/kisbot/internal/models"
)

var seoul = mustLoc("Asia/Seoul")

func mustLoc(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func testAccount() *models.Account {
	return &models.Account{
		Kind:      models.KindPaper,
		Number:    "12345678",
		AppKey:    "key",
		AppSecret: "secret",
		RESTURL:   "https://example.invalid",
	}
}

func testService(t *testing.T, issue issueFunc) *Service {
	t.Helper()
	s := NewService(t.TempDir(), seoul, log.New(os.Stderr, "", 0))
	s.issue = issue
	return s
}

func freshToken(kind models.AccountKind, now time.Time) *models.Token {
	return &models.Token{
		Kind:        kind,
		AccessToken: "tok-" + string(kind),
		TokenType:   "Bearer",
		IssuedAt:    now,
		ExpiresAt:   now.Add(24 * time.Hour),
	}
}

func TestGetValidMintsOnce(t *testing.T) {
	var mints int32
	s := testService(t, func(ctx context.Context, hc *http.Client, a *models.Account) (*models.Token, error) {
		atomic.AddInt32(&mints, 1)
		return freshToken(a.Kind, time.Now()), nil
	})
	acct := testAccount()

	for i := 0; i < 5; i++ {
		got, err := s.GetValid(context.Background(), acct)
		if err != nil {
			t.Fatalf("GetValid() error = %v", err)
		}
		if got != "tok-paper" {
			t.Fatalf("GetValid() = %q", got)
		}
	}
	if mints != 1 {
		t.Fatalf("mints = %d, want 1", mints)
	}
}

func TestGetValidCoalescesConcurrentCallers(t *testing.T) {
	var mints int32
	s := testService(t, func(ctx context.Context, hc *http.Client, a *models.Account) (*models.Token, error) {
		atomic.AddInt32(&mints, 1)
		time.Sleep(20 * time.Millisecond)
		return freshToken(a.Kind, time.Now()), nil
	})
	acct := testAccount()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.GetValid(context.Background(), acct); err != nil {
				t.Errorf("GetValid() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if mints != 1 {
		t.Fatalf("mints = %d, want 1", mints)
	}
}

func TestGetValidUsesDiskCache(t *testing.T) {
	now := time.Now()
	acct := testAccount()

	first := testService(t, func(ctx context.Context, hc *http.Client, a *models.Account) (*models.Token, error) {
		return freshToken(a.Kind, now), nil
	})
	if _, err := first.GetValid(context.Background(), acct); err != nil {
		t.Fatal(err)
	}

	// Second service sharing the cache dir must not mint.
	second := NewService(first.dir, seoul, log.New(os.Stderr, "", 0))
	second.issue = func(ctx context.Context, hc *http.Client, a *models.Account) (*models.Token, error) {
		t.Error("disk-cached token should have been reused")
		return nil, errors.New("unexpected mint")
	}
	got, err := second.GetValid(context.Background(), acct)
	if err != nil {
		t.Fatalf("GetValid() error = %v", err)
	}
	if got != "tok-paper" {
		t.Fatalf("GetValid() = %q", got)
	}
}

func TestDiskCacheInvalidatedByCredentialChange(t *testing.T) {
	now := time.Now()
	acct := testAccount()

	var mints int32
	s := testService(t, func(ctx context.Context, hc *http.Client, a *models.Account) (*models.Token, error) {
		atomic.AddInt32(&mints, 1)
		return freshToken(a.Kind, now), nil
	})
	if _, err := s.GetValid(context.Background(), acct); err != nil {
		t.Fatal(err)
	}

	changed := *acct
	changed.AppSecret = "rotated"
	fresh := NewService(s.dir, seoul, log.New(os.Stderr, "", 0))
	fresh.issue = s.issue
	if _, err := fresh.GetValid(context.Background(), &changed); err != nil {
		t.Fatal(err)
	}
	if mints != 2 {
		t.Fatalf("mints = %d, want 2 (cache invalidated by credential rotation)", mints)
	}
}

func TestNearExpiryTokenReplaced(t *testing.T) {
	clock := time.Now()
	var mints int32
	s := testService(t, func(ctx context.Context, hc *http.Client, a *models.Account) (*models.Token, error) {
		atomic.AddInt32(&mints, 1)
		return &models.Token{
			Kind:        a.Kind,
			AccessToken: fmt.Sprintf("tok-%d", mints),
			IssuedAt:    clock,
			ExpiresAt:   clock.Add(24 * time.Hour),
		}, nil
	})
	s.now = func() time.Time { return clock }
	acct := testAccount()

	got, err := s.GetValid(context.Background(), acct)
	if err != nil {
		t.Fatal(err)
	}
	if got != "tok-1" {
		t.Fatalf("GetValid() = %q", got)
	}

	// Inside the pre-expiry margin the token is no longer usable.
	clock = clock.Add(24*time.Hour - models.ExpiryMargin + time.Minute)
	got, err = s.GetValid(context.Background(), acct)
	if err != nil {
		t.Fatal(err)
	}
	if got != "tok-2" {
		t.Fatalf("GetValid() = %q, want freshly minted token", got)
	}
}

func TestCivilDayRollInvalidates(t *testing.T) {
	// Issue late on day D with long physical validity, then ask just after
	// midnight KST: the day roll alone must force a fresh token.
	issued := time.Date(2026, 3, 2, 23, 0, 0, 0, seoul)
	clock := issued

	var mints int32
	s := testService(t, func(ctx context.Context, hc *http.Client, a *models.Account) (*models.Token, error) {
		atomic.AddInt32(&mints, 1)
		return &models.Token{
			Kind:        a.Kind,
			AccessToken: fmt.Sprintf("tok-%d", mints),
			IssuedAt:    clock,
			ExpiresAt:   clock.Add(24 * time.Hour),
		}, nil
	})
	s.now = func() time.Time { return clock }
	acct := testAccount()

	if _, err := s.GetValid(context.Background(), acct); err != nil {
		t.Fatal(err)
	}

	clock = time.Date(2026, 3, 3, 0, 10, 0, 0, seoul)
	got, err := s.GetValid(context.Background(), acct)
	if err != nil {
		t.Fatal(err)
	}
	if got != "tok-2" {
		t.Fatalf("GetValid() = %q, want token minted after midnight", got)
	}
}

func TestForceRefreshAlwaysMints(t *testing.T) {
	var mints int32
	s := testService(t, func(ctx context.Context, hc *http.Client, a *models.Account) (*models.Token, error) {
		atomic.AddInt32(&mints, 1)
		return freshToken(a.Kind, time.Now()), nil
	})
	acct := testAccount()

	if _, err := s.GetValid(context.Background(), acct); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ForceRefresh(context.Background(), acct); err != nil {
		t.Fatal(err)
	}
	if mints != 2 {
		t.Fatalf("mints = %d, want 2", mints)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		issueErr      error
		wantTransient bool
	}{
		{"rejected credentials", &broker.APIError{Kind: broker.FailClient, Status: 403}, false},
		{"gateway failure", &broker.APIError{Kind: broker.FailServer, Status: 500,
			BrokerCode: "EGW00001", BrokerMessage: "server down"}, false},
		{"transport failure", errors.New("connection refused"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testService(t, func(ctx context.Context, hc *http.Client, a *models.Account) (*models.Token, error) {
				return nil, tt.issueErr
			})
			_, err := s.GetValid(context.Background(), testAccount())
			if err == nil {
				t.Fatal("GetValid() = nil error")
			}
			var te *TokenError
			if !errors.As(err, &te) {
				t.Fatalf("error = %v, want *TokenError", err)
			}
			if te.Transient != tt.wantTransient {
				t.Fatalf("Transient = %v, want %v", te.Transient, tt.wantTransient)
			}
			if IsTransient(err) != tt.wantTransient {
				t.Fatalf("IsTransient() = %v, want %v", IsTransient(err), tt.wantTransient)
			}
		})
	}
}

func TestGatewayFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error_code":"EGW00001","error_description":"server down"}`)
	}))
	defer srv.Close()

	// Default issuance path against a failing gateway: the endpoint
	// answered and refused, so retrying next cycle cannot help.
	s := NewService(t.TempDir(), seoul, log.New(os.Stderr, "", 0))
	s.hc = srv.Client()
	acct := testAccount()
	acct.RESTURL = srv.URL

	_, err := s.GetValid(context.Background(), acct)
	if err == nil {
		t.Fatal("GetValid() = nil error")
	}
	if IsTransient(err) {
		t.Fatalf("IsTransient(%v) = true, want fatal", err)
	}
}

func TestPurgeStaleOnDiskCacheHit(t *testing.T) {
	now := time.Now()
	acct := testAccount()

	first := testService(t, func(ctx context.Context, hc *http.Client, a *models.Account) (*models.Token, error) {
		return freshToken(a.Kind, now), nil
	})
	if _, err := first.GetValid(context.Background(), acct); err != nil {
		t.Fatal(err)
	}

	stale := filepath.Join(first.dir, fmt.Sprintf("token_paper_%s.json",
		now.In(seoul).AddDate(0, 0, -1).Format("20060102")))
	if err := os.WriteFile(stale, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}

	// A restarted service finds today's disk cache and never mints, but
	// yesterday's files must still go.
	second := testService(t, func(ctx context.Context, hc *http.Client, a *models.Account) (*models.Token, error) {
		t.Fatal("mint should not happen with a valid disk cache")
		return nil, nil
	})
	second.dir = first.dir

	if _, err := second.GetValid(context.Background(), acct); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale cache file survived: %v", err)
	}
}

func TestPurgeStaleCacheFiles(t *testing.T) {
	now := time.Now()
	s := testService(t, func(ctx context.Context, hc *http.Client, a *models.Account) (*models.Token, error) {
		return freshToken(a.Kind, now), nil
	})

	stale := filepath.Join(s.dir, fmt.Sprintf("token_paper_%s.json",
		now.In(seoul).AddDate(0, 0, -1).Format("20060102")))
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetValid(context.Background(), testAccount()); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale cache file survived: %v", err)
	}
	today := s.cachePath(models.KindPaper, now)
	if _, err := os.Stat(today); err != nil {
		t.Fatalf("today's cache file missing: %v", err)
	}
	if _, err := os.Stat(today + ".hash"); err != nil {
		t.Fatalf("credential hash sidecar missing: %v", err)
	}
}

func TestInfo(t *testing.T) {
	s := testService(t, func(ctx context.Context, hc *http.Client, a *models.Account) (*models.Token, error) {
		return freshToken(a.Kind, time.Now()), nil
	})

	if _, ok := s.Info(models.KindPaper); ok {
		t.Fatal("Info() before mint should report absence")
	}
	if _, err := s.GetValid(context.Background(), testAccount()); err != nil {
		t.Fatal(err)
	}
	tok, ok := s.Info(models.KindPaper)
	if !ok || tok.AccessToken != "tok-paper" {
		t.Fatalf("Info() = %+v, %v", tok, ok)
	}
}

func TestBoundSource(t *testing.T) {
	s := testService(t, func(ctx context.Context, hc *http.Client, a *models.Account) (*models.Token, error) {
		return freshToken(a.Kind, time.Now()), nil
	})

	src := s.Source(testAccount())
	got, err := src.GetValid(context.Background())
	if err != nil {
		t.Fatalf("GetValid() error = %v", err)
	}
	if got != "tok-paper" {
		t.Fatalf("GetValid() = %q", got)
	}
}
