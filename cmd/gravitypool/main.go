// Command gravitypool runs one chat request through the account pool and
// prints the result: the streaming SSE events on -stream, the response
// document otherwise. The request body (Anthropic message format) is read
// from stdin or -input.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/routerlab/gravitypool/account"
	"github.com/routerlab/gravitypool/cache"
	"github.com/routerlab/gravitypool/config"
	"github.com/routerlab/gravitypool/logging"
	"github.com/routerlab/gravitypool/orchestrator"
	"github.com/routerlab/gravitypool/pool"
	"github.com/routerlab/gravitypool/upstream"
)

const (
	oauthClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	oauthClientSecret = "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"
	oauthTokenURL     = "https://oauth2.googleapis.com/token"
)

func main() {
	var configPath string
	var inputPath string
	var model string
	var stream bool
	flag.StringVar(&configPath, "config", "config.yaml", "path to the configuration file")
	flag.StringVar(&inputPath, "input", "", "request body file (defaults to stdin)")
	flag.StringVar(&model, "model", "", "model id (overrides the request body's model)")
	flag.BoolVar(&stream, "stream", false, "stream SSE events instead of one document")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logging.Setup(cfg)

	body, err := readRequest(inputPath)
	if err != nil {
		log.Fatalf("read request: %v", err)
	}
	if model == "" {
		log.Fatal("a -model is required")
	}

	store, err := account.NewStore(cfg.AccountsFile)
	if err != nil {
		log.Fatalf("load accounts: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	caller := &upstream.HTTPCaller{}
	tokens := &upstream.TokenSourceResolver{
		NewSource: func(ctx context.Context, acct *account.Account) (oauth2.TokenSource, error) {
			oc := &oauth2.Config{
				ClientID:     oauthClientID,
				ClientSecret: oauthClientSecret,
				Endpoint:     oauth2.Endpoint{TokenURL: oauthTokenURL},
			}
			return oc.TokenSource(ctx, &oauth2.Token{RefreshToken: acct.RefreshToken}), nil
		},
	}
	projects := &upstream.CodeAssistProjectResolver{
		Caller:    caller,
		BaseURLs:  cfg.BaseURLs,
		UserAgent: cfg.UserAgent,
	}

	manager := pool.NewManager(cfg, store.Accounts(), tokens, projects)
	go func() {
		if errWatch := store.Watch(ctx, manager.ReplaceAccounts); errWatch != nil && ctx.Err() == nil {
			log.Errorf("account watch stopped: %v", errWatch)
		}
	}()

	catalog := &upstream.CatalogFetcher{Caller: caller, BaseURLs: cfg.BaseURLs, UserAgent: cfg.UserAgent}
	models := cache.NewModelCache(func(ctx context.Context) ([]cache.ModelInfo, error) {
		return fetchCatalog(ctx, manager, catalog)
	}, time.Duration(cfg.ModelCache.TTLMs)*time.Millisecond)

	orch := &orchestrator.Orchestrator{
		Manager:  manager,
		Caller:   caller,
		Builder:  &upstream.Builder{UserAgent: cfg.UserAgent},
		Sigs:     cache.NewSignatureCache(0),
		Models:   models,
		Retry:    cfg.Retry,
		BaseURLs: cfg.BaseURLs,
	}

	if stream {
		err = orch.ExecuteStream(ctx, model, body, func(event string) {
			fmt.Print(event)
		})
	} else {
		var out string
		out, err = orch.Execute(ctx, model, body)
		if err == nil {
			fmt.Println(out)
		}
	}
	if err != nil {
		log.Fatalf("request failed: %v", err)
	}
}

func readRequest(path string) ([]byte, error) {
	if path == "" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// fetchCatalog lists models with any usable credential and feeds the quota
// snapshots it carries back into selection.
func fetchCatalog(ctx context.Context, manager *pool.Manager, catalog *upstream.CatalogFetcher) ([]cache.ModelInfo, error) {
	accounts := manager.States().AvailableAccounts(manager.Accounts(), "")
	if len(accounts) == 0 {
		return nil, fmt.Errorf("no usable accounts")
	}
	var lastErr error
	for _, acct := range accounts {
		token, err := manager.AccessToken(ctx, acct)
		if err != nil {
			lastErr = err
			continue
		}
		entries, err := catalog.Fetch(ctx, token)
		if err != nil {
			lastErr = err
			continue
		}
		infos := make([]cache.ModelInfo, 0, len(entries))
		for _, entry := range entries {
			infos = append(infos, cache.ModelInfo{ID: entry.ID, DisplayName: entry.DisplayName})
			if entry.Quota != nil {
				manager.SetQuota(acct, entry.ID, *entry.Quota)
			}
		}
		return infos, nil
	}
	return nil, lastErr
}
