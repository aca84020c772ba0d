package qwen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qwen-gateway/qwen-gateway/internal/codec"
	"github.com/qwen-gateway/qwen-gateway/internal/util"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultLoginURL is the Qwen web sign-in page.
	DefaultLoginURL = "https://chat.qwen.ai/auth?action=signin"
	// DefaultHomeURL is the page whose origin owns the session storage.
	DefaultHomeURL = "https://chat.qwen.ai"

	defaultLoginMarker       = "auth?action=signin"
	defaultEmailSelector     = `input[type="email"], input[name="email"]`
	defaultPasswordSelector  = `input[type="password"]`
	defaultSubmitSelector    = `form button[type="submit"], form button`
	defaultChallengeSelector = `#nc_1_wrapper, .nc-container, #baxia-dialog-content, iframe[src*="captcha"]`
	defaultLoginTimeout      = 90 * time.Second
)

// readLocalStorageJS returns every local-storage entry of the current origin.
const readLocalStorageJS = `(() => {
	const out = {};
	for (let i = 0; i < window.localStorage.length; i++) {
		const k = window.localStorage.key(i);
		out[k] = window.localStorage.getItem(k);
	}
	return out;
})()`

// Driver is the small set of browser capabilities the login flow needs.
// Implementations own one isolated browser context; Close must release it.
type Driver interface {
	Goto(ctx context.Context, url string) error
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	// WaitFor blocks until the JavaScript expression evaluates truthy or ctx ends.
	WaitFor(ctx context.Context, expression string) error
	Evaluate(ctx context.Context, expression string, out any) error
	Cookies(ctx context.Context) ([]codec.Cookie, error)
	Close() error
}

// DriverFactory starts a fresh browser context for one acquisition.
type DriverFactory func(ctx context.Context, headless bool) (Driver, error)

// State is a step of the login state machine.
type State int

const (
	StateIdle State = iota
	StateNavigatingLogin
	StateFillingForm
	StateSubmitting
	StateAwaitingRedirect
	StateExtractingBundle
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateIdle:             "idle",
	StateNavigatingLogin:  "navigating-login",
	StateFillingForm:      "filling-form",
	StateSubmitting:       "submitting",
	StateAwaitingRedirect: "awaiting-redirect",
	StateExtractingBundle: "extracting-bundle",
	StateDone:             "done",
	StateFailed:           "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// AcquirerOptions tunes the login flow. Zero values fall back to the Qwen defaults.
type AcquirerOptions struct {
	LoginURL          string
	HomeURL           string
	LoginMarker       string
	EmailSelector     string
	PasswordSelector  string
	SubmitSelector    string
	ChallengeSelector string
	Headless          bool
	// Timeout bounds the whole acquisition.
	Timeout time.Duration
	// RedirectWait bounds the wait for the post-submit redirect. Defaults to a third of Timeout.
	RedirectWait time.Duration
}

func (o AcquirerOptions) withDefaults() AcquirerOptions {
	if o.LoginURL == "" {
		o.LoginURL = DefaultLoginURL
	}
	if o.HomeURL == "" {
		o.HomeURL = DefaultHomeURL
	}
	if o.LoginMarker == "" {
		o.LoginMarker = defaultLoginMarker
	}
	if o.EmailSelector == "" {
		o.EmailSelector = defaultEmailSelector
	}
	if o.PasswordSelector == "" {
		o.PasswordSelector = defaultPasswordSelector
	}
	if o.SubmitSelector == "" {
		o.SubmitSelector = defaultSubmitSelector
	}
	if o.ChallengeSelector == "" {
		o.ChallengeSelector = defaultChallengeSelector
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultLoginTimeout
	}
	if o.RedirectWait <= 0 || o.RedirectWait > o.Timeout {
		o.RedirectWait = o.Timeout / 3
	}
	return o
}

// Acquirer drives a browser through the Qwen sign-in form and captures the
// resulting session bundle.
type Acquirer struct {
	newDriver DriverFactory
	opts      AcquirerOptions
}

// NewAcquirer builds an Acquirer on top of the given browser factory.
func NewAcquirer(factory DriverFactory, opts AcquirerOptions) *Acquirer {
	return &Acquirer{newDriver: factory, opts: opts.withDefaults()}
}

// loginRun tracks one pass through the state machine.
type loginRun struct {
	state State
	email string
}

func (r *loginRun) enter(s State) {
	log.Debugf("qwen login [%s]: %s -> %s", r.email, r.state, s)
	r.state = s
}

func (r *loginRun) fail(kind AuthErrorKind, err error) error {
	failedIn := r.state
	r.enter(StateFailed)
	return &AuthError{Kind: kind, State: failedIn, Err: err}
}

// Acquire logs in with cred and returns the captured bundle. The browser context
// is always torn down before returning, whatever the outcome.
func (a *Acquirer) Acquire(ctx context.Context, cred Credential) (bundle codec.Bundle, err error) {
	if strings.TrimSpace(cred.Email) == "" || cred.Password == "" {
		return codec.Bundle{}, ErrNoCredentials
	}
	run := &loginRun{state: StateIdle, email: util.HideAPIKey(cred.Key())}

	ctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	driver, err := a.newDriver(ctx, a.opts.Headless)
	if err != nil {
		return codec.Bundle{}, run.fail(classify(ctx, Timeout), fmt.Errorf("start browser: %w", err))
	}
	defer func() {
		if errClose := driver.Close(); errClose != nil {
			log.Warnf("qwen login: close browser: %v", errClose)
		}
	}()

	run.enter(StateNavigatingLogin)
	if err = driver.Goto(ctx, a.opts.LoginURL); err != nil {
		return codec.Bundle{}, run.fail(classify(ctx, Timeout), fmt.Errorf("open login page: %w", err))
	}
	if err = driver.WaitFor(ctx, presentJS(a.opts.EmailSelector)); err != nil {
		if a.challengePresent(ctx, driver) {
			return codec.Bundle{}, run.fail(ChallengeDetected, nil)
		}
		return codec.Bundle{}, run.fail(Timeout, fmt.Errorf("login form did not appear: %w", err))
	}

	run.enter(StateFillingForm)
	if err = driver.Fill(ctx, a.opts.EmailSelector, cred.Email); err != nil {
		return codec.Bundle{}, run.fail(classify(ctx, StillOnLoginPage), fmt.Errorf("fill email: %w", err))
	}
	if err = driver.Fill(ctx, a.opts.PasswordSelector, cred.Password); err != nil {
		return codec.Bundle{}, run.fail(classify(ctx, StillOnLoginPage), fmt.Errorf("fill password: %w", err))
	}

	run.enter(StateSubmitting)
	if err = driver.Click(ctx, a.opts.SubmitSelector); err != nil {
		return codec.Bundle{}, run.fail(classify(ctx, StillOnLoginPage), fmt.Errorf("submit login form: %w", err))
	}

	run.enter(StateAwaitingRedirect)
	waitCtx, waitCancel := context.WithTimeout(ctx, a.opts.RedirectWait)
	errWait := driver.WaitFor(waitCtx, redirectedJS(a.opts.LoginMarker, a.opts.ChallengeSelector))
	waitCancel()
	if errWait != nil && ctx.Err() != nil {
		return codec.Bundle{}, run.fail(Timeout, ctx.Err())
	}
	if a.challengePresent(ctx, driver) {
		return codec.Bundle{}, run.fail(ChallengeDetected, nil)
	}
	var current string
	if err = driver.Evaluate(ctx, "window.location.href", &current); err != nil {
		return codec.Bundle{}, run.fail(classify(ctx, StillOnLoginPage), fmt.Errorf("read location: %w", err))
	}
	if strings.Contains(current, a.opts.LoginMarker) {
		return codec.Bundle{}, run.fail(StillOnLoginPage, a.pageAlert(ctx, driver))
	}

	run.enter(StateExtractingBundle)
	if err = driver.Goto(ctx, a.opts.HomeURL); err != nil {
		return codec.Bundle{}, run.fail(classify(ctx, Timeout), fmt.Errorf("open home page: %w", err))
	}
	storage := map[string]string{}
	if err = driver.Evaluate(ctx, readLocalStorageJS, &storage); err != nil {
		return codec.Bundle{}, run.fail(classify(ctx, Timeout), fmt.Errorf("read local storage: %w", err))
	}
	cookies, err := driver.Cookies(ctx)
	if err != nil {
		return codec.Bundle{}, run.fail(classify(ctx, Timeout), fmt.Errorf("read cookies: %w", err))
	}
	bundle = codec.Bundle{LocalStorage: storage, Cookies: cookies}
	if _, err = CredentialsFromBundle(bundle); err != nil {
		return codec.Bundle{}, run.fail(StillOnLoginPage, err)
	}

	run.enter(StateDone)
	log.Infof("qwen login succeeded for %s (%d storage keys, %d cookies)", run.email, len(storage), len(cookies))
	return bundle, nil
}

func (a *Acquirer) challengePresent(ctx context.Context, driver Driver) bool {
	if ctx.Err() != nil {
		return false
	}
	var present bool
	if err := driver.Evaluate(ctx, presentJS(a.opts.ChallengeSelector), &present); err != nil {
		return false
	}
	return present
}

// pageAlert returns the page's visible error text, if any, as an error.
func (a *Acquirer) pageAlert(ctx context.Context, driver Driver) error {
	var text string
	js := `(() => { const el = document.querySelector('.error, .alert, [role="alert"]'); return el ? el.textContent.trim() : ""; })()`
	if err := driver.Evaluate(ctx, js, &text); err != nil || text == "" {
		return nil
	}
	return errors.New(text)
}

// classify maps a failure to Timeout when the acquisition deadline has passed.
func classify(ctx context.Context, fallback AuthErrorKind) AuthErrorKind {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Timeout
	}
	return fallback
}

func presentJS(selector string) string {
	return fmt.Sprintf("document.querySelector(%s) !== null", jsString(selector))
}

func redirectedJS(marker, challengeSelector string) string {
	return fmt.Sprintf("!window.location.href.includes(%s) || document.querySelector(%s) !== null",
		jsString(marker), jsString(challengeSelector))
}

func jsString(s string) string {
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`).Replace(s) + "'"
}
