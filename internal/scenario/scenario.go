// Package scenario provides the stochastic funnel model for the session
// simulator. A scenario is a named funnel archetype that expands into an
// ordered sequence of GA4 e-commerce events with per-event delays.
package scenario

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Errors returned by the scenario package.
var (
	// ErrInvalidRates is returned when funnel rates are invalid.
	ErrInvalidRates = errors.New("scenario: invalid funnel rates")
	// ErrInvalidTiming is returned when the timing configuration is invalid.
	ErrInvalidTiming = errors.New("scenario: invalid timing configuration")
)

// Type identifies a funnel scenario archetype.
type Type int

// The closed set of scenario types, in cumulative-selection order.
const (
	TypeBounce Type = iota
	TypeBrowse
	TypeCartAbandon
	TypeCheckoutAbandon
	TypePurchase
)

// String returns the scenario name as used in configuration and logs.
func (t Type) String() string {
	switch t {
	case TypeBounce:
		return "bounce"
	case TypeBrowse:
		return "browse"
	case TypeCartAbandon:
		return "cart_abandon"
	case TypeCheckoutAbandon:
		return "checkout_abandon"
	case TypePurchase:
		return "purchase"
	default:
		return fmt.Sprintf("scenario(%d)", int(t))
	}
}

// Types lists all scenario types in selection order.
func Types() []Type {
	return []Type{TypeBounce, TypeBrowse, TypeCartAbandon, TypeCheckoutAbandon, TypePurchase}
}

// Event identifies a GA4 e-commerce funnel event.
type Event int

// The closed set of funnel events.
const (
	EventPageView Event = iota
	EventViewItemList
	EventViewItem
	EventSelectItem
	EventAddToCart
	EventRemoveFromCart
	EventBeginCheckout
	EventAddPaymentInfo
	EventPurchase
)

// String returns the GA4 event name.
func (e Event) String() string {
	switch e {
	case EventPageView:
		return "page_view"
	case EventViewItemList:
		return "view_item_list"
	case EventViewItem:
		return "view_item"
	case EventSelectItem:
		return "select_item"
	case EventAddToCart:
		return "add_to_cart"
	case EventRemoveFromCart:
		return "remove_from_cart"
	case EventBeginCheckout:
		return "begin_checkout"
	case EventAddPaymentInfo:
		return "add_payment_info"
	case EventPurchase:
		return "purchase"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// delayMultiplier returns the fixed per-event delay factor. Events that model
// reading or form filling get longer dwell times than quick clicks.
func (e Event) delayMultiplier() float64 {
	switch e {
	case EventPageView:
		return 0.5
	case EventViewItemList:
		return 1.2
	case EventViewItem:
		return 1.5
	case EventSelectItem:
		return 0.8
	case EventAddToCart:
		return 0.6
	case EventRemoveFromCart:
		return 0.5
	case EventBeginCheckout:
		return 1.0
	case EventAddPaymentInfo:
		return 2.0
	case EventPurchase:
		return 1.5
	default:
		return 1.0
	}
}

// FunnelRates configures the probability of each scenario type.
// Rates need not sum to 1; any residual probability mass falls through to
// the bounce scenario. No normalization is performed.
type FunnelRates struct {
	// Bounce is the probability of a single-page-view session.
	Bounce float64 `yaml:"bounceRate" json:"bounceRate"`

	// Browse is the probability of a browsing session without cart activity.
	Browse float64 `yaml:"browseRate" json:"browseRate"`

	// CartAbandon is the probability of a session that adds to cart but
	// never reaches checkout.
	CartAbandon float64 `yaml:"cartAbandonRate" json:"cartAbandonRate"`

	// CheckoutAbandon is the probability of a session that begins checkout
	// but does not purchase.
	CheckoutAbandon float64 `yaml:"checkoutAbandonRate" json:"checkoutAbandonRate"`

	// Purchase is the probability of a completed purchase session.
	Purchase float64 `yaml:"purchaseRate" json:"purchaseRate"`
}

// Validate validates the funnel rates.
func (r *FunnelRates) Validate() error {
	for _, rate := range []float64{r.Bounce, r.Browse, r.CartAbandon, r.CheckoutAbandon, r.Purchase} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%w: rates must be in [0,1]", ErrInvalidRates)
		}
	}
	return nil
}

// IsZero reports whether no rate has been configured.
func (r *FunnelRates) IsZero() bool {
	return r.Bounce == 0 && r.Browse == 0 && r.CartAbandon == 0 &&
		r.CheckoutAbandon == 0 && r.Purchase == 0
}

// ApplyDefaults applies the default funnel distribution when no rate is set.
func (r *FunnelRates) ApplyDefaults() {
	if r.IsZero() {
		r.Bounce = 0.30
		r.Browse = 0.30
		r.CartAbandon = 0.20
		r.CheckoutAbandon = 0.12
		r.Purchase = 0.08
	}
}

// rate returns the configured rate for a scenario type.
func (r *FunnelRates) rate(t Type) float64 {
	switch t {
	case TypeBounce:
		return r.Bounce
	case TypeBrowse:
		return r.Browse
	case TypeCartAbandon:
		return r.CartAbandon
	case TypeCheckoutAbandon:
		return r.CheckoutAbandon
	case TypePurchase:
		return r.Purchase
	default:
		return 0
	}
}

// Timing configures session pacing in milliseconds.
type Timing struct {
	// PageLoadWaitMs is the settle time after initial navigation.
	// Default: 3000
	PageLoadWaitMs int `yaml:"pageLoadWaitMs" json:"pageLoadWaitMs"`

	// MinEventDelayMs is the minimum base delay between events.
	// Default: 1500
	MinEventDelayMs int `yaml:"minEventDelayMs" json:"minEventDelayMs"`

	// MaxEventDelayMs is the maximum base delay between events.
	// Default: 12000
	MaxEventDelayMs int `yaml:"maxEventDelayMs" json:"maxEventDelayMs"`
}

// Validate validates the timing configuration.
func (t *Timing) Validate() error {
	if t.PageLoadWaitMs < 0 || t.MinEventDelayMs < 0 || t.MaxEventDelayMs < 0 {
		return fmt.Errorf("%w: delays must be non-negative", ErrInvalidTiming)
	}
	if t.MaxEventDelayMs > 0 && t.MinEventDelayMs > t.MaxEventDelayMs {
		return fmt.Errorf("%w: minEventDelayMs must be <= maxEventDelayMs", ErrInvalidTiming)
	}
	return nil
}

// ApplyDefaults applies default values to unset fields.
func (t *Timing) ApplyDefaults() {
	if t.PageLoadWaitMs == 0 {
		t.PageLoadWaitMs = 3000
	}
	if t.MinEventDelayMs == 0 {
		t.MinEventDelayMs = 1500
	}
	if t.MaxEventDelayMs == 0 {
		t.MaxEventDelayMs = 12000
	}
}

// PageLoadWait returns the post-navigation settle time as a duration.
func (t *Timing) PageLoadWait() time.Duration {
	return time.Duration(t.PageLoadWaitMs) * time.Millisecond
}

// TimedEvent is one event of an expanded scenario together with the delay to
// wait before triggering it. The sequence is fixed at generation time and
// never mutated afterward.
type TimedEvent struct {
	Event Event
	Delay time.Duration
}

// Engine selects scenario types and expands them into event sequences.
// All randomness comes from a single injected generator so that runs can be
// reproduced from a seed.
//
// Thread Safety: Safe for concurrent use.
type Engine struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewEngine creates a scenario engine backed by the given random generator.
// A nil generator gets a time-seeded one.
func NewEngine(rng *rand.Rand) *Engine {
	if rng == nil {
		now := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(now, now>>32))
	}
	return &Engine{rng: rng}
}

// SelectType draws a scenario type from the configured funnel distribution.
// The categories are walked in a fixed order accumulating their rates; the
// first category whose cumulative sum exceeds the draw wins. If the rates sum
// to less than 1, the unreached mass falls through to bounce. The fallthrough
// is deliberate, not a normalization.
func (e *Engine) SelectType(rates FunnelRates) Type {
	e.mu.Lock()
	draw := e.rng.Float64()
	e.mu.Unlock()
	return selectTypeFromDraw(draw, rates)
}

// selectTypeFromDraw performs the cumulative walk for a given draw in [0,1).
func selectTypeFromDraw(draw float64, rates FunnelRates) Type {
	cumulative := 0.0
	for _, t := range Types() {
		cumulative += rates.rate(t)
		if draw < cumulative {
			return t
		}
	}
	return TypeBounce
}

// Sequence generates a fresh event sequence for a scenario type. Each branch
// probability is drawn independently per call; repeats are not suppressed.
// Sequences are funnel-consistent by construction: every purchase sequence
// contains its begin_checkout and add_payment_info prefix.
func (e *Engine) Sequence(t Type) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch t {
	case TypeBounce:
		return e.bounceSequence()
	case TypeBrowse:
		return e.browseSequence()
	case TypeCartAbandon:
		return e.cartAbandonSequence()
	case TypeCheckoutAbandon:
		return e.checkoutAbandonSequence()
	case TypePurchase:
		return e.purchaseSequence()
	default:
		return e.bounceSequence()
	}
}

func (e *Engine) bounceSequence() []Event {
	return []Event{EventPageView}
}

func (e *Engine) browseSequence() []Event {
	events := []Event{EventPageView, EventViewItemList}
	loops := 1 + e.rng.IntN(5)

	for i := 0; i < loops; i++ {
		if e.rng.Float64() < 0.7 {
			events = append(events, EventViewItem)
		}
		if e.rng.Float64() < 0.4 {
			events = append(events, EventSelectItem)
		}
		if e.rng.Float64() < 0.3 && i < loops-1 {
			events = append(events, EventViewItemList)
		}
	}

	return events
}

func (e *Engine) cartAbandonSequence() []Event {
	events := e.browseSequence()
	events = append(events, EventAddToCart)

	// Secondary browse-and-maybe-add cycle.
	if e.rng.Float64() < 0.4 {
		events = append(events, EventViewItemList)
		if e.rng.Float64() < 0.6 {
			events = append(events, EventViewItem)
		}
		if e.rng.Float64() < 0.5 {
			events = append(events, EventAddToCart)
		}
	}

	if e.rng.Float64() < 0.3 {
		events = append(events, EventRemoveFromCart)
		if e.rng.Float64() < 0.4 {
			events = append(events, EventAddToCart)
		}
	}

	return events
}

func (e *Engine) checkoutAbandonSequence() []Event {
	events := e.cartAbandonSequence()
	events = append(events, EventBeginCheckout)

	if e.rng.Float64() < 0.6 {
		events = append(events, EventAddPaymentInfo)
	}

	return events
}

func (e *Engine) purchaseSequence() []Event {
	events := e.checkoutAbandonSequence()

	hasPayment := false
	for _, ev := range events {
		if ev == EventAddPaymentInfo {
			hasPayment = true
			break
		}
	}
	if !hasPayment {
		events = append(events, EventAddPaymentInfo)
	}

	events = append(events, EventPurchase)
	return events
}

// EventDelay draws a dwell time for an event: a uniform integer delay in
// [MinEventDelayMs, MaxEventDelayMs] scaled by the event's fixed multiplier
// and rounded to the nearest millisecond.
func (e *Engine) EventDelay(ev Event, timing Timing) time.Duration {
	e.mu.Lock()
	base := timing.MinEventDelayMs
	if span := timing.MaxEventDelayMs - timing.MinEventDelayMs; span > 0 {
		base += e.rng.IntN(span + 1)
	}
	e.mu.Unlock()

	ms := math.Round(float64(base) * ev.delayMultiplier())
	return time.Duration(ms) * time.Millisecond
}

// Expand generates the full timed sequence for a scenario type. The first
// event carries no delay; the page has just finished loading when it fires.
func (e *Engine) Expand(t Type, timing Timing) []TimedEvent {
	events := e.Sequence(t)
	timed := make([]TimedEvent, len(events))
	for i, ev := range events {
		timed[i] = TimedEvent{Event: ev}
		if i > 0 {
			timed[i].Delay = e.EventDelay(ev, timing)
		}
	}
	return timed
}
