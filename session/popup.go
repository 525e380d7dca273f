package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// TokenMessage is the payload the popup side of the sign-in flow relays to
// the opener. The opener must validate Origin against the origin it expects
// before trusting the payload.
type TokenMessage struct {
	Origin  string
	Payload *TokenPayload
}

const popupClosePage = `<!DOCTYPE html>
<html><head><title>Signed in</title></head>
<body><p>Sign-in complete. This window will close.</p>
<script>window.close();</script></body></html>`

// PopupFlowConfig configures a PopupFlow.
type PopupFlowConfig struct {
	ClientID    string
	Scope       string
	Storage     *Storage
	HTTPClient  *http.Client
	Logger      *slog.Logger
	OpenBrowser func(url string) error
}

// PopupFlow runs the dedicated-window sign-in: it opens the browser at the
// authorization URL with a one-shot loopback redirect listener, performs the
// code exchange on the popup side, and relays the resulting tokens to the
// opener over Messages. The opener feeds them into its Store without ever
// calling the token endpoint itself.
//
// If the window is blocked or abandoned, no message is ever delivered and
// there is no timeout; the sign-in prompt stays available until the user
// retries.
type PopupFlow struct {
	mu         sync.Mutex
	active     *popupAttempt
	lastOrigin string

	messages    chan TokenMessage
	clientID    string
	scope       string
	storage     *Storage
	httpClient  *http.Client
	logger      *slog.Logger
	openBrowser func(string) error
}

type popupAttempt struct {
	authURL  string
	origin   string
	server   *http.Server
	listener net.Listener
	done     sync.Once
}

// NewPopupFlow constructs a PopupFlow.
func NewPopupFlow(cfg PopupFlowConfig) *PopupFlow {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	open := cfg.OpenBrowser
	if open == nil {
		open = OpenBrowser
	}
	return &PopupFlow{
		messages:    make(chan TokenMessage, 1),
		clientID:    cfg.ClientID,
		scope:       cfg.Scope,
		storage:     cfg.Storage,
		httpClient:  client,
		logger:      logger,
		openBrowser: open,
	}
}

// Messages delivers token payloads relayed from completed popup attempts.
func (f *PopupFlow) Messages() <-chan TokenMessage {
	return f.messages
}

// ExpectedOrigin is the loopback origin of the most recent attempt; the
// opener compares inbound message origins against it.
func (f *PopupFlow) ExpectedOrigin() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastOrigin
}

// Start launches a popup sign-in and returns the authorization URL. When an
// attempt is already open and unfinished, its URL is returned again instead
// of opening a duplicate window.
func (f *PopupFlow) Start(ctx context.Context, authorizationEndpoint, tokenEndpoint string) (string, error) {
	f.mu.Lock()
	if f.active != nil {
		url := f.active.authURL
		f.mu.Unlock()
		return url, nil
	}
	f.mu.Unlock()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("start popup callback listener: %w", err)
	}

	origin := fmt.Sprintf("http://127.0.0.1:%d", listener.Addr().(*net.TCPAddr).Port)
	redirectURI := origin + "/callback"

	authURL, err := CreateAuthURL(authorizationEndpoint, AuthConfig{
		ClientID:    f.clientID,
		RedirectURI: redirectURI,
		Scope:       f.scope,
	}, f.storage, "")
	if err != nil {
		listener.Close()
		return "", err
	}

	attempt := &popupAttempt{
		authURL:  authURL,
		origin:   origin,
		listener: listener,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		f.handlePopupCallback(attempt, tokenEndpoint, redirectURI, w, r)
	})
	attempt.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	f.mu.Lock()
	if f.active != nil {
		// Lost the race to a concurrent Start; reuse the winner.
		url := f.active.authURL
		f.mu.Unlock()
		listener.Close()
		return url, nil
	}
	f.active = attempt
	f.lastOrigin = origin
	f.mu.Unlock()

	go func() {
		if err := attempt.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			f.logger.Warn("popup callback server", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		f.finish(attempt)
	}()

	if err := f.openBrowser(authURL); err != nil {
		f.finish(attempt)
		return "", err
	}
	return authURL, nil
}

// handlePopupCallback is the popup side of the flow: validate state, redeem
// the code, relay the tokens to the opener, then let the window close itself.
func (f *PopupFlow) handlePopupCallback(attempt *popupAttempt, tokenEndpoint, redirectURI string, w http.ResponseWriter, r *http.Request) {
	defer f.finishAfterResponse(attempt)

	query := r.URL.Query()
	if errCode := query.Get("error"); errCode != "" {
		f.logger.Warn("popup authorization denied", "error", errCode, "description", query.Get("error_description"))
		http.Error(w, "Sign-in was not completed. You can close this window.", http.StatusBadRequest)
		return
	}

	storedState, _ := f.storage.Consume(KeyAuthState)
	verifier, _ := f.storage.Consume(KeyAuthVerifier)
	f.storage.Consume(KeyPostAuthPath)

	if storedState == "" || storedState != query.Get("state") {
		f.logger.Warn("popup state mismatch")
		http.Error(w, "Sign-in state mismatch. You can close this window.", http.StatusBadRequest)
		return
	}

	code := query.Get("code")
	if code == "" {
		http.Error(w, "Missing authorization code. You can close this window.", http.StatusBadRequest)
		return
	}

	payload, err := exchangeAuthorizationCode(r.Context(), f.httpClient, tokenEndpoint, code, verifier, f.clientID, redirectURI)
	if err != nil {
		f.logger.Warn("popup token exchange failed", "error", err)
		http.Error(w, "Sign-in failed. You can close this window.", http.StatusBadGateway)
		return
	}

	select {
	case f.messages <- TokenMessage{Origin: attempt.origin, Payload: payload}:
	default:
		f.logger.Warn("popup token message dropped, opener not listening")
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, popupClosePage)
}

// finishAfterResponse tears the attempt down shortly after the response has
// been written.
func (f *PopupFlow) finishAfterResponse(attempt *popupAttempt) {
	go func() {
		time.Sleep(time.Second)
		f.finish(attempt)
	}()
}

func (f *PopupFlow) finish(attempt *popupAttempt) {
	attempt.done.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = attempt.server.Shutdown(ctx)
		_ = attempt.listener.Close()

		f.mu.Lock()
		if f.active == attempt {
			f.active = nil
		}
		f.mu.Unlock()
	})
}
