// Package orchestrator drives the request lifecycle: pick an account, build
// the envelope, call the upstream, translate the result, and report the
// outcome back into the pool. Rate limits are retried with bounded backoff;
// other accounts are failed over to.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/routerlab/gravitypool/account"
	"github.com/routerlab/gravitypool/cache"
	"github.com/routerlab/gravitypool/config"
	"github.com/routerlab/gravitypool/pool"
	"github.com/routerlab/gravitypool/selection"
	"github.com/routerlab/gravitypool/translator/claude"
	"github.com/routerlab/gravitypool/upstream"
)

// Orchestrator executes translated chat requests against the upstream using
// the account pool.
type Orchestrator struct {
	Manager *pool.Manager
	Caller  upstream.Caller
	Builder *upstream.Builder
	Sigs    *cache.SignatureCache
	// Models validates requested model ids before a real call; nil skips
	// validation.
	Models   *cache.ModelCache
	Retry    config.RetryConfig
	BaseURLs []string
}

// ErrUnknownModel rejects a request naming a model the catalog does not list.
var ErrUnknownModel = errors.New("requested model is not available")

func (o *Orchestrator) baseURLs() []string {
	if len(o.BaseURLs) > 0 {
		return o.BaseURLs
	}
	return upstream.DefaultBaseURLs
}

func (o *Orchestrator) attempts() int {
	if o.Retry.MaxAttempts > 0 {
		return o.Retry.MaxAttempts
	}
	return 3
}

// backoff computes the delay before retrying attempt (zero-based): the
// upstream hint when present, exponential otherwise. ok is false when the
// delay exceeds the maximum acceptable wait and the attempt should be
// abandoned instead.
func (o *Orchestrator) backoff(attempt int, hint time.Duration) (time.Duration, bool) {
	base := time.Duration(o.Retry.BaseDelayMs) * time.Millisecond
	if base <= 0 {
		base = time.Second
	}
	maxDelay := time.Duration(o.Retry.MaxDelayMs) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = 32 * time.Second
	}
	maxWait := time.Duration(o.Retry.MaxWaitMs) * time.Millisecond
	if maxWait <= 0 {
		maxWait = time.Minute
	}

	delay := hint
	if delay <= 0 {
		delay = base << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	if delay > maxWait {
		return 0, false
	}
	return delay, true
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// call issues one generation request, walking the base-URL fallback order
// before the attempt counts as failed.
func (o *Orchestrator) call(ctx context.Context, token string, stream bool, envelope []byte) (*http.Response, error) {
	headers := o.Builder.Headers(stream)
	var lastErr error
	bases := o.baseURLs()
	for idx, base := range bases {
		url := upstream.GenerateURL(base)
		if stream {
			url = upstream.StreamURL(base)
		}
		resp, err := o.Caller.Call(ctx, token, http.MethodPost, url, headers, envelope)
		if err != nil {
			lastErr = err
			if idx+1 < len(bases) {
				log.Debugf("orchestrator: request error on %s, trying fallback: %v", base, err)
				continue
			}
			break
		}
		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			return resp, nil
		}
		body, _ := io.ReadAll(resp.Body)
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("orchestrator: close response body error: %v", errClose)
		}
		statusErr := &upstream.StatusError{
			Code:       resp.StatusCode,
			Body:       string(body),
			RetryAfter: upstream.RetryHint(resp.Header, body),
		}
		lastErr = statusErr
		// 429 on one endpoint may clear on the fallback.
		if statusErr.RateLimited() && idx+1 < len(bases) {
			log.Debugf("orchestrator: rate limited on %s, trying fallback", base)
			continue
		}
		return nil, statusErr
	}
	return nil, lastErr
}

// prepare selects an account and resolves everything needed for one attempt.
func (o *Orchestrator) prepare(ctx context.Context, model string, claudeBody []byte) (*account.Account, string, []byte, error) {
	sel, err := o.Manager.SelectAccount(model)
	if err != nil {
		return nil, "", nil, err
	}
	acct := sel.Account
	if sel.Wait > 0 {
		if errWait := wait(ctx, sel.Wait); errWait != nil {
			return nil, "", nil, errWait
		}
	}

	token, err := o.Manager.AccessToken(ctx, acct)
	if err != nil {
		// Only a definitive rejection by the authorization server condemns
		// the credential; transient resolution failures fail over.
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil &&
			retrieveErr.Response.StatusCode >= 400 && retrieveErr.Response.StatusCode < 500 {
			o.Manager.MarkInvalid(acct, fmt.Sprintf("credential rejected: %v", err))
		} else {
			o.Manager.NotifyFailure(acct, model)
		}
		return nil, "", nil, err
	}
	projectID, err := o.Manager.ProjectID(ctx, acct, token)
	if err != nil {
		o.Manager.NotifyFailure(acct, model)
		return nil, "", nil, err
	}

	inner := claude.ToUpstream(model, claudeBody, o.Sigs)
	envelope := o.Builder.Build(projectID, model, inner)
	return acct, token, envelope, nil
}

// handleCallError classifies one failed attempt, updates the pool, and
// returns the delay before the next attempt. retry is false when the error
// should surface immediately. refreshed tracks accounts whose cached token
// was already dropped once this request.
func (o *Orchestrator) handleCallError(acct *account.Account, model string, attempt int, err error, refreshed map[string]bool) (time.Duration, bool) {
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Unauthorized():
			// The first 401 per account is usually a stale cached token, not
			// a dead credential: drop the cache so the next attempt resolves
			// a fresh one. Only a repeat rejection condemns the account.
			if !refreshed[acct.Email] {
				refreshed[acct.Email] = true
				o.Manager.ClearTokenCache(acct.Email)
				log.Debugf("orchestrator: dropped cached token for %s after 401, retrying", acct.Email)
				return 0, true
			}
			o.Manager.MarkInvalid(acct, statusErr.Error())
			return 0, true
		case statusErr.RateLimited():
			o.Manager.MarkRateLimited(acct, model, statusErr.RetryAfter.Milliseconds())
			o.Manager.NotifyRateLimit(acct, model)
			delay, ok := o.backoff(attempt, statusErr.RetryAfter)
			if !ok {
				log.Warnf("orchestrator: retry delay beyond acceptable wait for %s, abandoning", acct.Email)
				return 0, false
			}
			return delay, true
		}
	}
	o.Manager.NotifyFailure(acct, model)
	delay, ok := o.backoff(attempt, 0)
	if !ok {
		return 0, false
	}
	return delay, true
}

// Execute performs a non-streaming generation and returns the translated
// response document.
func (o *Orchestrator) Execute(ctx context.Context, model string, claudeBody []byte) (string, error) {
	if o.Models != nil && !o.Models.IsValid(ctx, model) {
		return "", fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}

	var lastErr error
	refreshed := make(map[string]bool)
	for attempt := 0; attempt < o.attempts(); attempt++ {
		acct, token, envelope, err := o.prepare(ctx, model, claudeBody)
		if err != nil {
			var noCapacity *selection.NoCapacityError
			if errors.As(err, &noCapacity) {
				return "", err
			}
			lastErr = err
			continue
		}

		resp, err := o.call(ctx, token, false, envelope)
		if err != nil {
			lastErr = err
			delay, retry := o.handleCallError(acct, model, attempt, err, refreshed)
			if !retry {
				return "", err
			}
			if errWait := wait(ctx, delay); errWait != nil {
				return "", errWait
			}
			continue
		}

		body, errRead := io.ReadAll(resp.Body)
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("orchestrator: close response body error: %v", errClose)
		}
		if errRead != nil {
			o.Manager.NotifyFailure(acct, model)
			lastErr = errRead
			continue
		}

		out, errConv := claude.FromUpstream(model, body, o.Sigs)
		if errConv != nil {
			// Empty responses are retried on another attempt.
			o.Manager.NotifyFailure(acct, model)
			lastErr = errConv
			continue
		}
		o.Manager.NotifySuccess(acct, model)
		return out, nil
	}
	if lastErr == nil {
		lastErr = errors.New("orchestrator: no attempts made")
	}
	return "", lastErr
}

// ExecuteStream performs a streaming generation, emitting translated SSE
// events through emit as they arrive.
func (o *Orchestrator) ExecuteStream(ctx context.Context, model string, claudeBody []byte, emit func(event string)) error {
	if o.Models != nil && !o.Models.IsValid(ctx, model) {
		return fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}

	var lastErr error
	refreshed := make(map[string]bool)
	for attempt := 0; attempt < o.attempts(); attempt++ {
		acct, token, envelope, err := o.prepare(ctx, model, claudeBody)
		if err != nil {
			var noCapacity *selection.NoCapacityError
			if errors.As(err, &noCapacity) {
				return err
			}
			lastErr = err
			continue
		}

		resp, err := o.call(ctx, token, true, envelope)
		if err != nil {
			lastErr = err
			delay, retry := o.handleCallError(acct, model, attempt, err, refreshed)
			if !retry {
				return err
			}
			if errWait := wait(ctx, delay); errWait != nil {
				return errWait
			}
			continue
		}

		emitted, errStream := o.consumeStream(ctx, model, resp.Body, emit)
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("orchestrator: close stream body error: %v", errClose)
		}
		if errStream != nil {
			o.Manager.NotifyFailure(acct, model)
			lastErr = errStream
			// Retry only if nothing was emitted yet; a half-delivered stream
			// cannot be transparently restarted.
			if !emitted {
				continue
			}
			return errStream
		}

		o.Manager.NotifySuccess(acct, model)
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("orchestrator: no attempts made")
	}
	return lastErr
}

// consumeStream reads the upstream SSE body to completion, translating and
// emitting events as they arrive. It reports whether anything was emitted.
func (o *Orchestrator) consumeStream(ctx context.Context, model string, body io.Reader, emit func(event string)) (bool, error) {
	translator := claude.NewStreamTranslator(model, o.Sigs)
	splitter := &LineSplitter{}
	emitted := false

	forward := func(events []string) {
		for _, event := range events {
			emit(event)
			emitted = true
		}
	}

	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return emitted, err
		}
		n, err := body.Read(buf)
		if n > 0 {
			for _, line := range splitter.Feed(buf[:n]) {
				if payload := DataPayload(line); payload != nil {
					forward(translator.Translate(payload))
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return emitted, err
		}
	}
	if line := splitter.Flush(); line != nil {
		if payload := DataPayload(line); payload != nil {
			forward(translator.Translate(payload))
		}
	}

	final, err := translator.Finish()
	if err != nil {
		return emitted, err
	}
	forward(final)
	return emitted, nil
}
