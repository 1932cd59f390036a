package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
)

// StorageState is the persisted browser identity of a virtual user: cookies
// plus per-origin localStorage. The shape stays stable across runs so state
// written by one simulator version restores in the next.
type StorageState struct {
	Cookies []Cookie      `json:"cookies"`
	Origins []OriginState `json:"origins"`
}

// Cookie is one persisted cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// OriginState is the localStorage content of one origin.
type OriginState struct {
	Origin       string             `json:"origin"`
	LocalStorage []LocalStorageItem `json:"localStorage"`
}

// LocalStorageItem is one localStorage entry.
type LocalStorageItem struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// DecodeState parses persisted storage state. Nil or empty input yields nil.
func DecodeState(data []byte) (*StorageState, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var st StorageState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("browser: decoding storage state: %w", err)
	}
	return &st, nil
}

// Encode serializes the state for persistence.
func (s *StorageState) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("browser: encoding storage state: %w", err)
	}
	return data, nil
}

// cookieParams converts persisted cookies into CDP set-cookie parameters.
func (s *StorageState) cookieParams() []*network.CookieParam {
	params := make([]*network.CookieParam, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.SameSite != "" {
			p.SameSite = network.CookieSameSite(c.SameSite)
		}
		if c.Expires > 0 {
			t := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
			p.Expires = &t
		}
		params = append(params, p)
	}
	return params
}

// localStorageFor returns the saved localStorage entries for an origin.
func (s *StorageState) localStorageFor(origin string) []LocalStorageItem {
	for _, o := range s.Origins {
		if o.Origin == origin {
			return o.LocalStorage
		}
	}
	return nil
}

// restoreCookies installs the saved cookies into the browser context. Runs
// before navigation so the first request already carries them.
func restoreCookies(st *StorageState) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		if st == nil || len(st.Cookies) == 0 {
			return nil
		}
		return storage.SetCookies(st.cookieParams()).Do(ctx)
	}
}

// restoreLocalStorage replays saved localStorage entries. localStorage is
// origin-scoped, so this must run after navigation has loaded the origin.
func restoreLocalStorage(st *StorageState, origin string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		if st == nil {
			return nil
		}
		items := st.localStorageFor(origin)
		if len(items) == 0 {
			return nil
		}
		payload, err := json.Marshal(items)
		if err != nil {
			return err
		}
		js := fmt.Sprintf(
			`(() => { for (const it of %s) { localStorage.setItem(it.name, it.value); } })()`,
			payload)
		return chromedp.Evaluate(js, nil).Do(ctx)
	}
}

// extractState reads the current cookies and localStorage out of the browser
// context into a fresh StorageState.
func extractState(out *StorageState) chromedp.Tasks {
	var cookies []*network.Cookie
	var origin string
	var items []LocalStorageItem

	return chromedp.Tasks{
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = storage.GetCookies().Do(ctx)
			return err
		}),
		chromedp.Evaluate(`window.location.origin`, &origin),
		chromedp.Evaluate(localStorageDumpJS, &items),
		chromedp.ActionFunc(func(context.Context) error {
			out.Cookies = make([]Cookie, 0, len(cookies))
			for _, c := range cookies {
				out.Cookies = append(out.Cookies, Cookie{
					Name:     c.Name,
					Value:    c.Value,
					Domain:   c.Domain,
					Path:     c.Path,
					Expires:  c.Expires,
					HTTPOnly: c.HTTPOnly,
					Secure:   c.Secure,
					SameSite: string(c.SameSite),
				})
			}
			if len(items) > 0 {
				out.Origins = []OriginState{{Origin: origin, LocalStorage: items}}
			}
			return nil
		}),
	}
}

const localStorageDumpJS = `(() => {
	const items = [];
	for (let i = 0; i < localStorage.length; i++) {
		const k = localStorage.key(i);
		items.push({name: k, value: localStorage.getItem(k)});
	}
	return items;
})()`

// pageOrigin returns the origin of a URL, used to scope restored
// localStorage entries.
func pageOrigin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
