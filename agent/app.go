// Package agent wires the session store, refresh worker, event relay, and
// permission cache behind the local HTTP API the portal UI talks to.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sessiond/authz"
	"sessiond/devidp"
	"sessiond/relay"
	"sessiond/session"
)

// Storage keys shared with the session package.
const (
	sessionKeyWasSignedIn  = session.KeyWasSignedIn
	sessionKeyAuthState    = session.KeyAuthState
	sessionKeyAuthVerifier = session.KeyAuthVerifier
	sessionKeyPostAuthPath = session.KeyPostAuthPath
)

// App owns the agent's long-lived components and their lifecycle.
type App struct {
	cfg    Config
	logger *slog.Logger

	storage       *session.Storage
	store         *session.Store
	refresher     *session.Refresher
	popup         *session.PopupFlow
	cache         *authz.Cache
	relayClient   *relay.Client
	notifications *relay.List
	devIdP        *devidp.Provider

	discoveryMu sync.Mutex
	discovery   *session.DiscoveryDocument
}

// NewApp constructs and wires the application components.
func NewApp(cfg Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	storage, err := session.OpenStorage(cfg.Agent.StatePath)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}

	store := session.NewStore(session.StoreConfig{
		ClientID:    cfg.IdP.ClientID,
		RedirectURI: cfg.RedirectURI(),
		HTTPClient:  httpClient,
		Storage:     storage,
		Logger:      logger,
	})

	cache := authz.NewCache(authz.CacheConfig{
		ServiceURL: cfg.Services.AuthzURL,
		Token:      store.AccessToken,
		HTTPClient: httpClient,
		Logger:     logger,
	})

	notifications := relay.NewList(relay.ListConfig{
		ServiceURL: cfg.Services.NotificationURL,
		Token:      store.AccessToken,
		HTTPClient: httpClient,
		Logger:     logger,
	})

	relayClient := relay.NewClient(relay.ClientConfig{
		URL:    cfg.Services.EventRelayURL,
		Token:  store.AccessToken,
		Logger: logger,
	})

	app := &App{
		cfg:           cfg,
		logger:        logger,
		storage:       storage,
		store:         store,
		refresher:     session.NewRefresher(logger),
		cache:         cache,
		relayClient:   relayClient,
		notifications: notifications,
	}

	app.popup = session.NewPopupFlow(session.PopupFlowConfig{
		ClientID:   cfg.IdP.ClientID,
		Scope:      cfg.IdP.Scope,
		Storage:    storage,
		HTTPClient: httpClient,
		Logger:     logger,
	})

	// Session-scoped state dies with the session identity.
	store.OnSignOut(cache.Invalidate)
	store.OnSignOut(relayClient.Disconnect)
	store.OnSignOut(notifications.Clear)

	if cfg.Agent.DevMode {
		idp, err := devidp.New(logger)
		if err != nil {
			return nil, err
		}
		app.devIdP = idp
	}

	if err := relayClient.Dispatcher().Register(`^bento\.service\.wes$`,
		relay.RunStatusHandler(notifications, app.refreshOverview, logger)); err != nil {
		return nil, err
	}
	if err := relayClient.Dispatcher().Register(`^notification$`,
		relay.NotificationHandler(notifications, logger)); err != nil {
		return nil, err
	}

	return app, nil
}

// issuer resolves the identity provider issuer, preferring the embedded dev
// provider in dev mode.
func (a *App) issuer() string {
	if a.cfg.IdP.Issuer != "" {
		return a.cfg.IdP.Issuer
	}
	if a.devIdP != nil {
		return a.cfg.Agent.PublicURL + "/devidp"
	}
	return ""
}

// ensureDiscovery loads the provider's discovery document (cache-first) and
// hands the token endpoint to the store. Request handlers and the startup
// path call this concurrently; the mutex also collapses simultaneous first
// calls into a single fetch. Each caller re-attempts on failure; there is no
// retry loop.
func (a *App) ensureDiscovery(ctx context.Context) (*session.DiscoveryDocument, error) {
	a.discoveryMu.Lock()
	defer a.discoveryMu.Unlock()

	if a.discovery != nil {
		return a.discovery, nil
	}
	issuer := a.issuer()
	if issuer == "" {
		return nil, fmt.Errorf("identity provider issuer not configured")
	}
	doc, err := session.FetchDiscovery(ctx, a.storage, issuer)
	if err != nil {
		return nil, err
	}
	a.discovery = doc
	a.store.SetEndpoints(doc)
	return doc, nil
}

// Run starts the background workers and blocks until the context is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.devIdP != nil {
		a.devIdP.SetIssuer(a.issuer())
	}

	// A prior session warrants one silent refresh attempt at startup.
	if a.storage.Flag(sessionKeyWasSignedIn) {
		if _, err := a.ensureDiscovery(ctx); err != nil {
			a.logger.Warn("silent sign-in skipped, discovery failed", "error", err)
		}
	}
	a.store.MarkAttempted()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.refresher.Run(ctx) })
	g.Go(func() error { return a.relayClient.Run(ctx) })
	g.Go(func() error { return a.consumeRefreshPings(ctx) })
	g.Go(func() error { return a.consumePopupMessages(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// consumeRefreshPings turns worker pings into guarded refresh calls. The
// store's guard makes a ping a no-op when no refresh is warranted.
func (a *App) consumeRefreshPings(ctx context.Context) error {
	for {
		select {
		case <-a.refresher.Pings():
			if err := a.store.RefreshTokens(ctx); err != nil {
				a.logger.Warn("token refresh failed", "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// consumePopupMessages adopts tokens relayed from popup sign-ins, dropping
// messages whose origin does not match the expected popup origin.
func (a *App) consumePopupMessages(ctx context.Context) error {
	for {
		select {
		case msg := <-a.popup.Messages():
			if msg.Origin != a.popup.ExpectedOrigin() {
				a.logger.Warn("popup token message from unexpected origin dropped", "origin", msg.Origin)
				continue
			}
			if err := a.store.AdoptTokens(msg.Payload); err != nil {
				a.logger.Warn("adopt popup tokens failed", "error", err)
				continue
			}
			if err := a.storage.SetFlag(sessionKeyWasSignedIn); err != nil {
				a.logger.Warn("persist signed-in flag", "error", err)
			}
			a.afterSignIn()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// afterSignIn runs once per successful sign-in. The relay client picks the new
// token up on its own; user-dependent data just needs a nudge.
func (a *App) afterSignIn() {
	claims := a.store.Claims()
	if claims != nil {
		a.logger.Info("signed in", "subject", claims.Subject, "issuer", claims.Issuer)
	}
}

// refreshOverview is invoked when a workflow run completes and the data
// overview needs re-deriving. Cached permissions may have changed with the
// new data, so the cache is wiped.
func (a *App) refreshOverview(ctx context.Context) {
	a.logger.Info("workflow run completed, overview marked stale")
	a.cache.Invalidate()
}
