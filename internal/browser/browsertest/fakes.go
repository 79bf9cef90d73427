// Package browsertest provides in-memory launchers, drivers and pages for
// exercising the pool and runner without a browser.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/neboloop/signon/internal/browser"
	"github.com/neboloop/signon/internal/credential"
)

// Disk simulates a profile's user data dir. Launch always hands out a new one.
type Disk struct {
	mu   sync.Mutex
	data map[string]string
}

func (d *Disk) Get(k string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.data[k]
	return v, ok
}

func (d *Disk) Set(k, v string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data[k] = v
}

func (d *Disk) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.data)
}

// Launcher is a fake browser.Launcher.
type Launcher struct {
	mu       sync.Mutex
	launches map[string]int
	failNext map[string]int
	alive    map[string]bool
	times    []time.Time
}

func NewLauncher() *Launcher {
	return &Launcher{
		launches: make(map[string]int),
		failNext: make(map[string]int),
		alive:    make(map[string]bool),
	}
}

// FailNext makes the next n launches of profileID fail.
func (l *Launcher) FailNext(profileID string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext[profileID] = n
}

func (l *Launcher) Launch(ctx context.Context, slot browser.Slot) (*browser.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.times = append(l.times, time.Now())
	if l.failNext[slot.ProfileID] > 0 {
		l.failNext[slot.ProfileID]--
		return nil, fmt.Errorf("fake launch failure on port %d", slot.ControlPort)
	}
	l.launches[slot.ProfileID]++
	l.alive[slot.ProfileID] = true
	return &browser.Instance{
		Slot:      slot,
		CDPURL:    fmt.Sprintf("http://127.0.0.1:%d", slot.ControlPort),
		StartedAt: time.Now(),
		Handle:    &Disk{data: make(map[string]string)},
	}, nil
}

func (l *Launcher) Stop(inst *browser.Instance) error {
	if inst == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alive[inst.Slot.ProfileID] = false
	return nil
}

func (l *Launcher) Alive(inst *browser.Instance) bool {
	if inst == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.alive[inst.Slot.ProfileID]
}

// Kill simulates a browser crash.
func (l *Launcher) Kill(profileID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alive[profileID] = false
}

func (l *Launcher) Launches(profileID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches[profileID]
}

// LaunchTimes returns every launch attempt in order.
func (l *Launcher) LaunchTimes() []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Time(nil), l.times...)
}

// Hook is called on every page action. Returning an error fails the action.
type Hook func(ctx context.Context, p *Page, action, selector, value string) error

// Driver is a fake browser.Driver.
type Driver struct {
	mu       sync.Mutex
	pages    []*Page
	openErrs int

	// Hook is installed on every page opened after it is set.
	Hook Hook
	// ClearErr is returned by ClearState of pages opened after it is set.
	ClearErr error
}

func NewDriver() *Driver { return &Driver{} }

// FailOpens makes the next n Open calls fail.
func (d *Driver) FailOpens(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErrs = n
}

func (d *Driver) Open(ctx context.Context, inst *browser.Instance) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErrs > 0 {
		d.openErrs--
		return nil, errors.New("fake driver open failure")
	}
	disk, _ := inst.Handle.(*Disk)
	if disk == nil {
		disk = &Disk{data: make(map[string]string)}
	}
	p := &Page{
		Disk:     disk,
		Profile:  inst.Slot.ProfileID,
		url:      "about:blank",
		nodes:    make(map[string]string),
		hook:     d.Hook,
		clearErr: d.ClearErr,
	}
	d.pages = append(d.pages, p)
	return p, nil
}

// Pages returns every page opened so far.
func (d *Driver) Pages() []*Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Page(nil), d.pages...)
}

// Last returns the most recently opened page.
func (d *Driver) Last() *Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pages) == 0 {
		return nil
	}
	return d.pages[len(d.pages)-1]
}

// Page is a fake browser.Page. Filled values are written to the Disk so
// state leaks between runs are observable.
type Page struct {
	Disk    *Disk
	Profile string

	mu       sync.Mutex
	url      string
	nodes    map[string]string
	actions  []string
	hook     Hook
	clearErr error
	closed   bool
}

// SetURL moves the page.
func (p *Page) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
}

// Show makes selector exist with the given text.
func (p *Page) Show(selector, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes[selector] = text
}

// Hide removes selector.
func (p *Page) Hide(selector string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.nodes, selector)
}

func (p *Page) Actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.actions...)
}

func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) act(ctx context.Context, action, selector, value string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("page closed")
	}
	p.actions = append(p.actions, action+" "+selector)
	hook := p.hook
	p.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, p, action, selector, value); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.act(ctx, "navigate", url, ""); err != nil {
		return err
	}
	p.SetURL(url)
	return nil
}

func (p *Page) Fill(ctx context.Context, selector, value string) error {
	if err := p.act(ctx, "fill", selector, value); err != nil {
		return err
	}
	p.Disk.Set("filled:"+selector, value)
	return nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	return p.act(ctx, "click", selector, "")
}

func (p *Page) WaitVisible(ctx context.Context, selector string) error {
	return p.act(ctx, "wait", selector, "")
}

func (p *Page) Press(ctx context.Context, selector, key string) error {
	return p.act(ctx, "press", selector, key)
}

func (p *Page) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, ctx.Err()
}

func (p *Page) Exists(ctx context.Context, selector string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.nodes[selector]
	return ok, ctx.Err()
}

func (p *Page) Text(ctx context.Context, selector string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodes[selector], ctx.Err()
}

// ClearState deliberately leaves the Disk alone: only a relaunch wipes it.
func (p *Page) ClearState(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clearErr != nil {
		return p.clearErr
	}
	return ctx.Err()
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Credentials is a fixed credential resolver.
type Credentials struct {
	Username string
	Password string
	Err      error
}

func (c Credentials) Resolve(ctx context.Context, ref string) (credential.Credentials, error) {
	if c.Err != nil {
		return credential.Credentials{}, c.Err
	}
	return credential.Credentials{Username: c.Username, Password: c.Password}, ctx.Err()
}

// SignInHook lands on successURL when submitSelector is clicked or pressed.
func SignInHook(submitSelector, successURL string) Hook {
	return func(_ context.Context, p *Page, action, selector, _ string) error {
		if (action == "click" || action == "press") && selector == submitSelector {
			p.SetURL(successURL)
		}
		return nil
	}
}
