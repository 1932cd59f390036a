// Package browser drives simulated sessions through a real Chrome instance
// over the DevTools protocol. It is the only package that touches the
// browser; everything above it deals in sessions and results.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/example/sessionsim/internal/fingerprint"
	"github.com/example/sessionsim/internal/runner"
	"github.com/example/sessionsim/internal/traffic"
)

// Errors returned by the browser package.
var (
	// ErrNavigation is returned when the target page cannot be loaded.
	ErrNavigation = errors.New("browser: navigation failed")
	// ErrEventTrigger is returned when a funnel event cannot be triggered.
	ErrEventTrigger = errors.New("browser: event trigger failed")
)

const (
	// defaultControlTimeout bounds waiting for a single page control.
	defaultControlTimeout = 5 * time.Second
	// defaultSessionTimeout bounds one whole session.
	defaultSessionTimeout = 3 * time.Minute
	// clickSettleDelay lets the tag fire after each triggered event.
	clickSettleDelay = 300 * time.Millisecond
)

// Config tunes the browser executor.
type Config struct {
	// TargetURL is the base navigation URL.
	TargetURL string

	// GTMSnippet, when set, is passed to the page as the _gtm parameter.
	GTMSnippet string

	// CMPSnippet, when set, is passed to the page as the _cmp parameter.
	CMPSnippet string

	// Headed runs Chrome with a visible window.
	Headed bool

	// NoSandbox disables the Chrome sandbox, needed when running as root
	// in containers.
	NoSandbox bool

	// ControlTimeout bounds waiting for a single sign button.
	// Default: 5s
	ControlTimeout time.Duration

	// SessionTimeout bounds one whole session.
	// Default: 3m
	SessionTimeout time.Duration
}

// ApplyDefaults applies default values to unset fields.
func (c *Config) ApplyDefaults() {
	if c.ControlTimeout == 0 {
		c.ControlTimeout = defaultControlTimeout
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = defaultSessionTimeout
	}
}

// StateProvider supplies saved storage state for returning users.
type StateProvider interface {
	LoadStorageState(userID string) []byte
}

// Executor runs sessions against a shared Chrome allocator. Each session
// gets its own browser context with a fresh fingerprint; returning users
// additionally get their saved cookies and localStorage back.
//
// Thread Safety: Safe for concurrent use; sessions run in isolated
// browser contexts.
type Executor struct {
	cfg    Config
	fp     *fingerprint.Generator
	states StateProvider
	log    *zap.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc
}

// New creates a browser executor and its Chrome allocator. A nil state
// provider means every user browses with a fresh identity.
func New(cfg Config, fp *fingerprint.Generator, states StateProvider, log *zap.Logger) (*Executor, error) {
	cfg.ApplyDefaults()
	if fp == nil {
		return nil, errors.New("browser: fingerprint generator is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", !cfg.Headed),
		chromedp.Flag("disable-gpu", !cfg.Headed),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-sync", true),
	)
	if cfg.NoSandbox {
		opts = append(opts, chromedp.Flag("no-sandbox", true))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Executor{
		cfg:         cfg,
		fp:          fp,
		states:      states,
		log:         log,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close releases the Chrome allocator.
func (e *Executor) Close() {
	if e.allocCancel != nil {
		e.allocCancel()
	}
}

// RunSession plays one session end to end: context setup, navigation with
// attribution, the timed event sequence, and state extraction. Every failure
// is caught here and reported through the result.
func (e *Executor) RunSession(ctx context.Context, sess *runner.Session) runner.SessionResult {
	start := time.Now()
	res := runner.SessionResult{SessionID: sess.ID}

	fail := func(err error) runner.SessionResult {
		res.Success = false
		res.Err = err
		res.Duration = time.Since(start)
		return res
	}

	// Sessions run to completion even when the scheduler is draining, so
	// the browser context hangs off the allocator, not the run context.
	// The session timeout is the only cancellation path.
	browserCtx, cancel := chromedp.NewContext(e.allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			e.log.Debug(fmt.Sprintf(format, args...), zap.String("session", sess.ID))
		}),
	)
	defer cancel()

	browserCtx, cancelTimeout := context.WithTimeout(browserCtx, e.cfg.SessionTimeout)
	defer cancelTimeout()

	fp := e.fp.Generate()

	var saved *StorageState
	if e.states != nil && !sess.User.IsNew {
		st, err := DecodeState(e.states.LoadStorageState(sess.User.ID))
		if err != nil {
			// Corrupt saved state means the user browses as if new.
			e.log.Warn("discarding unreadable user state",
				zap.String("user", sess.User.ID), zap.Error(err))
		} else {
			saved = st
		}
	}

	targetURL, err := e.buildTargetURL(sess.Source, time.Now().UnixMilli())
	if err != nil {
		return fail(err)
	}
	referrer := traffic.Referrer(sess.Source)
	origin := pageOrigin(targetURL)

	err = chromedp.Run(browserCtx,
		emulation.SetUserAgentOverride(fp.UserAgent),
		chromedp.EmulateViewport(int64(fp.Viewport.Width), int64(fp.Viewport.Height)),
		emulation.SetTimezoneOverride(fp.Timezone),
		emulation.SetLocaleOverride().WithLocale(fp.Locale),
		restoreCookies(saved),
		navigate(targetURL, referrer),
		chromedp.WaitReady("body", chromedp.ByQuery),
		restoreLocalStorage(saved, origin),
		chromedp.Sleep(sess.Timing.PageLoadWait()),
	)
	if err != nil {
		return fail(fmt.Errorf("%w: %s: %v", ErrNavigation, targetURL, err))
	}

	for i, te := range sess.Events {
		if i > 0 {
			if err := chromedp.Run(browserCtx, chromedp.Sleep(te.Delay)); err != nil {
				return fail(fmt.Errorf("%w: %s: %v", ErrEventTrigger, te.Event, err))
			}
		}
		if err := e.triggerEvent(browserCtx, te.Event.String()); err != nil {
			return fail(err)
		}
		res.EventCount++
		e.log.Debug("event triggered",
			zap.String("session", sess.ID),
			zap.Stringer("event", te.Event),
			zap.Int("position", i+1),
			zap.Int("total", len(sess.Events)))
	}

	var state StorageState
	if err := chromedp.Run(browserCtx, extractState(&state)); err != nil {
		return fail(fmt.Errorf("browser: extracting storage state: %w", err))
	}
	encoded, err := state.Encode()
	if err != nil {
		return fail(err)
	}

	res.Success = true
	res.State = encoded
	res.Duration = time.Since(start)
	return res
}

// triggerEvent clicks the sign button carrying the event name. The page
// under test exposes one button per funnel event.
func (e *Executor) triggerEvent(browserCtx context.Context, event string) error {
	selector := fmt.Sprintf(`.sign-btn[data-event=%q]`, event)

	tctx, cancel := context.WithTimeout(browserCtx, e.cfg.ControlTimeout)
	defer cancel()

	err := chromedp.Run(tctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
		chromedp.Sleep(clickSettleDelay),
	)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrEventTrigger, event, err)
	}
	return nil
}

// navigate loads the target URL, carrying the acquisition referrer so the
// tag attributes the session correctly.
func navigate(targetURL, referrer string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		nav := page.Navigate(targetURL)
		if referrer != "" {
			nav = nav.WithReferrer(referrer)
		}
		_, _, errText, _, err := nav.Do(ctx)
		if err != nil {
			return err
		}
		if errText != "" {
			return errors.New(errText)
		}
		return nil
	}
}

// buildTargetURL layers the tag-management parameters on top of the
// attribution URL. gtm_debug is always set so GA4 DebugView picks the
// session up.
func (e *Executor) buildTargetURL(src traffic.Source, nowMillis int64) (string, error) {
	base, err := traffic.BuildURL(e.cfg.TargetURL, src)
	if err != nil {
		return "", err
	}

	var extra strings.Builder
	if e.cfg.GTMSnippet != "" {
		extra.WriteString("_gtm=" + url.QueryEscape(e.cfg.GTMSnippet))
	}
	if e.cfg.CMPSnippet != "" {
		if extra.Len() > 0 {
			extra.WriteByte('&')
		}
		extra.WriteString("_cmp=" + url.QueryEscape(e.cfg.CMPSnippet))
	}
	if extra.Len() > 0 {
		extra.WriteByte('&')
	}
	extra.WriteString("gtm_debug=" + strconv.FormatInt(nowMillis, 10))

	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + extra.String(), nil
}

// Ensure Executor implements runner.Executor
var _ runner.Executor = (*Executor)(nil)
