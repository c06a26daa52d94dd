package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/routerlab/gravitypool/account"
)

// Model is one catalog entry, optionally carrying the account's remaining
// quota for it.
type Model struct {
	ID          string
	DisplayName string
	Quota       *account.QuotaSnapshot
}

// CatalogFetcher retrieves the upstream model catalog for one credential.
// The same response feeds the model-validity cache and per-account quota
// snapshots.
type CatalogFetcher struct {
	Caller    Caller
	BaseURLs  []string
	UserAgent string
}

// Fetch lists the models visible to the token, with quota info where the
// upstream reports it.
func (f *CatalogFetcher) Fetch(ctx context.Context, token string) ([]Model, error) {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("User-Agent", f.userAgent())

	var lastErr error
	for _, baseURL := range f.baseURLs() {
		resp, err := f.Caller.Call(ctx, token, http.MethodPost, ModelsURL(baseURL), headers, []byte(`{}`))
		if err != nil {
			lastErr = err
			continue
		}
		body, errRead := io.ReadAll(resp.Body)
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("catalog fetch: close body error: %v", errClose)
		}
		if errRead != nil {
			lastErr = errRead
			continue
		}
		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			lastErr = &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
			if resp.StatusCode == http.StatusTooManyRequests {
				continue
			}
			return nil, lastErr
		}
		return parseCatalog(body), nil
	}
	return nil, fmt.Errorf("catalog fetch: all endpoints failed: %w", lastErr)
}

func parseCatalog(body []byte) []Model {
	result := gjson.GetBytes(body, "models")
	if !result.Exists() {
		return nil
	}
	now := time.Now()
	models := make([]Model, 0, len(result.Map()))
	for name, data := range result.Map() {
		id := strings.TrimSpace(name)
		if id == "" {
			continue
		}
		model := Model{ID: id, DisplayName: data.Get("displayName").String()}
		if model.DisplayName == "" {
			model.DisplayName = id
		}
		if quota := data.Get("quotaInfo"); quota.Exists() {
			snap := &account.QuotaSnapshot{
				ResetTime: quota.Get("resetTime").String(),
				Checked:   now,
			}
			if fraction := quota.Get("remainingFraction"); fraction.Exists() {
				value := fraction.Float()
				snap.RemainingFraction = &value
			}
			model.Quota = snap
		}
		models = append(models, model)
	}
	return models
}

func (f *CatalogFetcher) baseURLs() []string {
	if len(f.BaseURLs) > 0 {
		return f.BaseURLs
	}
	return DefaultBaseURLs
}

func (f *CatalogFetcher) userAgent() string {
	if f.UserAgent != "" {
		return f.UserAgent
	}
	return DefaultUserAgent
}
