package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/neboloop/signon/internal/apperr"
)

// CDPDriver attaches to a profile's Chrome with chromedp over its
// remote-debugging port.
type CDPDriver struct {
	DiscoverTimeout time.Duration
}

func (d CDPDriver) Open(ctx context.Context, inst *Instance) (Page, error) {
	timeout := d.DiscoverTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	wsURL, err := GetChromeWebSocketURL(inst.CDPURL, timeout)
	if err != nil {
		return nil, apperr.Driver(apperr.ReasonDriver, fmt.Errorf("discover CDP endpoint on %s: %w", inst.CDPURL, err))
	}

	// The page outlives ctx, so the allocator hangs off Background. The
	// first Run allocates the browser connection and ties it to the context
	// it runs on, so it must run on tabCtx itself and be bounded from outside.
	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(context.Background(), wsURL)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	p := &cdpPage{ctx: tabCtx, cancel: func() { cancelTab(); cancelAlloc() }}

	attached := make(chan error, 1)
	go func() { attached <- chromedp.Run(tabCtx) }()

	wait := time.NewTimer(timeout)
	defer wait.Stop()
	select {
	case err = <-attached:
	case <-ctx.Done():
		err = ctx.Err()
	case <-wait.C:
		err = fmt.Errorf("no target after %s", timeout)
	}
	if err != nil {
		p.cancel()
		return nil, apperr.Driver(apperr.ReasonDriver, fmt.Errorf("attach target: %w", err))
	}
	return p, nil
}

type cdpPage struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// run executes actions on the attached tab, bounded by the caller's ctx.
// Deriving from p.ctx is safe only once the target exists.
func (p *cdpPage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok {
		var cancelDL context.CancelFunc
		runCtx, cancelDL = context.WithDeadline(runCtx, dl)
		defer cancelDL()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *cdpPage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *cdpPage) Fill(ctx context.Context, selector, value string) error {
	return p.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (p *cdpPage) Click(ctx context.Context, selector string) error {
	return p.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
}

func (p *cdpPage) WaitVisible(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (p *cdpPage) Press(ctx context.Context, selector, key string) error {
	k := cdpKey(key)
	if selector == "" {
		return p.run(ctx, chromedp.KeyEvent(k))
	}
	return p.run(ctx, chromedp.SendKeys(selector, k, chromedp.ByQuery))
}

func (p *cdpPage) URL(ctx context.Context) (string, error) {
	var url string
	err := p.run(ctx, chromedp.Location(&url))
	return url, err
}

func (p *cdpPage) Exists(ctx context.Context, selector string) (bool, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return false, err
	}
	var ok bool
	err = p.run(ctx, chromedp.Evaluate(fmt.Sprintf(`document.querySelector(%s) !== null`, sel), &ok))
	return ok, err
}

func (p *cdpPage) Text(ctx context.Context, selector string) (string, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return "", err
	}
	var text string
	err = p.run(ctx, chromedp.Evaluate(
		fmt.Sprintf(`(function(){ const el = document.querySelector(%s); return el ? el.innerText : ""; })()`, sel), &text))
	return text, err
}

func (p *cdpPage) ClearState(ctx context.Context) error {
	return p.run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			return network.ClearBrowserCookies().Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return network.ClearBrowserCache().Do(ctx)
		}),
		chromedp.Evaluate(`try { localStorage.clear(); sessionStorage.clear(); } catch (e) {}`, nil),
	)
}

func (p *cdpPage) Close() error {
	p.cancel()
	return nil
}

func cdpKey(key string) string {
	switch key {
	case "Enter":
		return kb.Enter
	case "Tab":
		return kb.Tab
	case "Escape":
		return kb.Escape
	default:
		return key
	}
}
