package upstream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/routerlab/gravitypool/account"
)

// TokenSourceResolver resolves bearer tokens through oauth2.TokenSource
// instances built per account by a factory. Sources are cached per account
// and reused; oauth2 handles refresh internally.
type TokenSourceResolver struct {
	// NewSource builds a token source for one account, typically from its
	// refresh token.
	NewSource func(ctx context.Context, acct *account.Account) (oauth2.TokenSource, error)

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// Token returns a valid bearer token for the account.
func (r *TokenSourceResolver) Token(ctx context.Context, acct *account.Account) (string, error) {
	r.mu.Lock()
	if r.sources == nil {
		r.sources = make(map[string]oauth2.TokenSource)
	}
	source, ok := r.sources[acct.Email]
	r.mu.Unlock()

	if !ok {
		var err error
		source, err = r.NewSource(ctx, acct)
		if err != nil {
			return "", fmt.Errorf("token source for %s: %w", acct.Email, err)
		}
		r.mu.Lock()
		r.sources[acct.Email] = source
		r.mu.Unlock()
	}

	token, err := source.Token()
	if err != nil {
		return "", fmt.Errorf("token for %s: %w", acct.Email, err)
	}
	return token.AccessToken, nil
}

// Invalidate drops the cached source so the next Token call rebuilds it.
func (r *TokenSourceResolver) Invalidate(email string) {
	r.mu.Lock()
	delete(r.sources, email)
	r.mu.Unlock()
}

const projectCacheTTL = 24 * time.Hour

type projectEntry struct {
	projectID string
	fetched   time.Time
}

// CodeAssistProjectResolver discovers the upstream project id for an account
// via the project-discovery endpoint. Results are cached for 24 hours, keyed
// by a hash of the account's refresh credential so re-authenticated accounts
// get a fresh lookup.
type CodeAssistProjectResolver struct {
	Caller    Caller
	BaseURLs  []string
	UserAgent string

	mu    sync.Mutex
	cache map[string]projectEntry
	now   func() time.Time
}

func credentialKey(acct *account.Account) string {
	h := sha256.Sum256([]byte(acct.RefreshToken))
	return hex.EncodeToString(h[:])
}

// ProjectID returns the cached project id or fetches it.
func (r *CodeAssistProjectResolver) ProjectID(ctx context.Context, acct *account.Account, token string) (string, error) {
	if r.now == nil {
		r.now = time.Now
	}
	key := credentialKey(acct)

	r.mu.Lock()
	if r.cache == nil {
		r.cache = make(map[string]projectEntry)
	}
	entry, ok := r.cache[key]
	r.mu.Unlock()
	if ok && r.now().Sub(entry.fetched) < projectCacheTTL {
		return entry.projectID, nil
	}

	projectID, err := r.fetch(ctx, token)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.cache[key] = projectEntry{projectID: projectID, fetched: r.now()}
	r.mu.Unlock()
	return projectID, nil
}

// Invalidate drops the cached project id for the account.
func (r *CodeAssistProjectResolver) Invalidate(acct *account.Account) {
	r.mu.Lock()
	delete(r.cache, credentialKey(acct))
	r.mu.Unlock()
}

func (r *CodeAssistProjectResolver) fetch(ctx context.Context, token string) (string, error) {
	body := []byte(`{"metadata":{"ideType":"ANTIGRAVITY","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}}`)
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("User-Agent", r.userAgent())

	var lastErr error
	for _, baseURL := range r.baseURLs() {
		resp, err := r.Caller.Call(ctx, token, http.MethodPost, ProjectURL(baseURL), headers, body)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, errRead := io.ReadAll(resp.Body)
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("project resolver: close body error: %v", errClose)
		}
		if errRead != nil {
			lastErr = errRead
			continue
		}
		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			lastErr = &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
			continue
		}

		root := gjson.ParseBytes(respBody)
		projectID := strings.TrimSpace(root.Get("cloudaicompanionProject").String())
		if projectID == "" {
			projectID = strings.TrimSpace(root.Get("cloudaicompanionProject.id").String())
		}
		if projectID == "" {
			return "", fmt.Errorf("project resolver: response carries no project id")
		}
		return projectID, nil
	}
	return "", fmt.Errorf("project resolver: all endpoints failed: %w", lastErr)
}

func (r *CodeAssistProjectResolver) baseURLs() []string {
	if len(r.BaseURLs) > 0 {
		return r.BaseURLs
	}
	return DefaultBaseURLs
}

func (r *CodeAssistProjectResolver) userAgent() string {
	if r.UserAgent != "" {
		return r.UserAgent
	}
	return DefaultUserAgent
}
