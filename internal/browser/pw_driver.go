package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/neboloop/signon/internal/apperr"
)

// PlaywrightDriver attaches to a profile's Chrome with playwright's
// ConnectOverCDP. The playwright driver process is started once per process.
type PlaywrightDriver struct {
	once sync.Once
	pw   *playwright.Playwright
	err  error
}

func (d *PlaywrightDriver) start() (*playwright.Playwright, error) {
	d.once.Do(func() {
		// Browsers are launched by the pool, only the driver is needed.
		if err := playwright.Install(&playwright.RunOptions{SkipInstallBrowsers: true}); err != nil {
			d.err = fmt.Errorf("failed to install playwright driver: %w", err)
			return
		}
		d.pw, d.err = playwright.Run()
	})
	return d.pw, d.err
}

func (d *PlaywrightDriver) Open(ctx context.Context, inst *Instance) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := d.start()
	if err != nil {
		return nil, apperr.Driver(apperr.ReasonDriver, err)
	}

	browser, err := pw.Chromium.ConnectOverCDP(inst.CDPURL)
	if err != nil {
		return nil, apperr.Driver(apperr.ReasonDriver, fmt.Errorf("failed to connect to CDP at %s: %w", inst.CDPURL, err))
	}

	var bctx playwright.BrowserContext
	if contexts := browser.Contexts(); len(contexts) > 0 {
		bctx = contexts[0]
	} else if bctx, err = browser.NewContext(); err != nil {
		_ = browser.Close()
		return nil, apperr.Driver(apperr.ReasonDriver, err)
	}

	var page playwright.Page
	if pages := bctx.Pages(); len(pages) > 0 {
		page = pages[0]
	} else if page, err = bctx.NewPage(); err != nil {
		_ = browser.Close()
		return nil, apperr.Driver(apperr.ReasonDriver, err)
	}

	return &pwPage{browser: browser, bctx: bctx, page: page}, nil
}

// Shutdown stops the playwright driver process.
func (d *PlaywrightDriver) Shutdown() error {
	if d.pw == nil {
		return nil
	}
	return d.pw.Stop()
}

type pwPage struct {
	browser playwright.Browser
	bctx    playwright.BrowserContext
	page    playwright.Page
}

// pwTimeout converts the ctx deadline into playwright's millisecond timeout.
func pwTimeout(ctx context.Context) *float64 {
	if dl, ok := ctx.Deadline(); ok {
		ms := time.Until(dl).Milliseconds()
		if ms < 1 {
			ms = 1
		}
		return playwright.Float(float64(ms))
	}
	return nil
}

func (p *pwPage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   pwTimeout(ctx),
	})
	return err
}

func (p *pwPage) Fill(ctx context.Context, selector, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.page.Locator(selector).First().Fill(value, playwright.LocatorFillOptions{Timeout: pwTimeout(ctx)})
}

func (p *pwPage) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.page.Locator(selector).First().Click(playwright.LocatorClickOptions{Timeout: pwTimeout(ctx)})
}

func (p *pwPage) WaitVisible(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: pwTimeout(ctx),
	})
}

func (p *pwPage) Press(ctx context.Context, selector, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if selector == "" {
		return p.page.Keyboard().Press(key)
	}
	return p.page.Locator(selector).First().Press(key, playwright.LocatorPressOptions{Timeout: pwTimeout(ctx)})
}

func (p *pwPage) URL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.page.URL(), nil
}

func (p *pwPage) Exists(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	n, err := p.page.Locator(selector).Count()
	return n > 0, err
}

func (p *pwPage) Text(ctx context.Context, selector string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	loc := p.page.Locator(selector)
	if n, err := loc.Count(); err != nil || n == 0 {
		return "", err
	}
	return loc.First().InnerText(playwright.LocatorInnerTextOptions{Timeout: pwTimeout(ctx)})
}

func (p *pwPage) ClearState(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.bctx.ClearCookies(); err != nil {
		return err
	}
	_, err := p.page.Evaluate(`() => { try { localStorage.clear(); sessionStorage.clear(); } catch (e) {} }`)
	return err
}

func (p *pwPage) Close() error {
	return p.browser.Close()
}
