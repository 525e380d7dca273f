package agent

import (
	"net/http"
	"net/url"
	"strings"
)

// callbackState is the outcome of evaluating one OAuth redirect request.
type callbackState int

const (
	callbackWaitingForConfig callbackState = iota
	callbackAlreadyAuthenticated
	callbackErrorParam
	callbackMissingCode
	callbackStateMismatch
	callbackExchanging
)

// callbackInput is everything the evaluation depends on, captured up front so
// the decision itself is a pure function.
type callbackInput struct {
	configReady   bool
	authenticated bool
	errorParam    string
	code          string
	queryState    string
	storedState   string
	hasStored     bool
}

// evaluateCallback decides how to treat a callback request. State and verifier
// validation completes strictly before any exchange is attempted.
func evaluateCallback(in callbackInput) callbackState {
	switch {
	case !in.configReady:
		return callbackWaitingForConfig
	case in.authenticated:
		return callbackAlreadyAuthenticated
	case in.errorParam != "":
		return callbackErrorParam
	case in.code == "":
		return callbackMissingCode
	case !in.hasStored || in.storedState != in.queryState:
		return callbackStateMismatch
	default:
		return callbackExchanging
	}
}

// handleCallback is the OAuth redirect target. The stored state, verifier, and
// post-auth path are consumed exactly once per attempt regardless of outcome,
// so a replayed redirect can never reach the exchange step twice.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	// Discovery runs before the one-shot state is consumed so a callback
	// that lands before configuration is ready survives for a retry.
	if !a.store.TokenEndpointKnown() {
		if _, err := a.ensureDiscovery(r.Context()); err != nil {
			a.logger.Error("callback received before identity provider discovery completed", "error", err)
			http.Error(w, "identity provider configuration not ready, retry sign-in", http.StatusServiceUnavailable)
			return
		}
	}

	storedState, hasStored := a.storage.Consume(sessionKeyAuthState)
	verifier, _ := a.storage.Consume(sessionKeyAuthVerifier)
	returnPath, _ := a.storage.Consume(sessionKeyPostAuthPath)

	in := callbackInput{
		configReady:   a.store.TokenEndpointKnown(),
		authenticated: a.store.Snapshot().Authenticated(),
		errorParam:    query.Get("error"),
		code:          query.Get("code"),
		queryState:    query.Get("state"),
		storedState:   storedState,
		hasStored:     hasStored,
	}

	switch evaluateCallback(in) {
	case callbackWaitingForConfig:
		a.logger.Error("callback received before identity provider discovery completed")
		http.Error(w, "identity provider configuration not ready, retry sign-in", http.StatusServiceUnavailable)

	case callbackAlreadyAuthenticated:
		a.redirectAfterAuth(w, r, returnPath)

	case callbackErrorParam:
		a.clearSignedInFlag()
		a.logger.Warn("authorization denied by identity provider",
			"error", in.errorParam, "description", query.Get("error_description"))
		http.Error(w, "Sign-in was not completed: "+in.errorParam, http.StatusBadRequest)

	case callbackMissingCode:
		a.clearSignedInFlag()
		a.logger.Warn("callback missing authorization code")
		a.redirectAfterAuth(w, r, "")

	case callbackStateMismatch:
		a.clearSignedInFlag()
		a.logger.Warn("callback state mismatch")
		http.Error(w, "Sign-in state mismatch, retry sign-in", http.StatusBadRequest)

	case callbackExchanging:
		if err := a.store.TokenHandoff(r.Context(), in.code, verifier); err != nil {
			a.clearSignedInFlag()
			a.logger.Warn("token handoff failed", "error", err)
			http.Error(w, "Sign-in failed: "+err.Error(), http.StatusBadGateway)
			return
		}
		if err := a.storage.SetFlag(sessionKeyWasSignedIn); err != nil {
			a.logger.Warn("persist signed-in flag", "error", err)
		}
		a.afterSignIn()
		a.redirectAfterAuth(w, r, returnPath)
	}
}

// redirectAfterAuth returns the user to where they were before sign-in began,
// falling back to the configured landing path. Only same-site paths are
// honored.
func (a *App) redirectAfterAuth(w http.ResponseWriter, r *http.Request, returnPath string) {
	target := a.cfg.Agent.DefaultLandingPath
	if safeReturnPath(returnPath) {
		target = returnPath
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// safeReturnPath rejects absolute URLs and protocol-relative paths so the
// stored return path cannot redirect off-site.
func safeReturnPath(path string) bool {
	if path == "" || !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") {
		return false
	}
	u, err := url.Parse(path)
	if err != nil {
		return false
	}
	return u.Scheme == "" && u.Host == ""
}

func (a *App) clearSignedInFlag() {
	if err := a.storage.ClearFlag(sessionKeyWasSignedIn); err != nil {
		a.logger.Warn("clear signed-in flag", "error", err)
	}
}
