package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/qwen-gateway/qwen-gateway/internal/auth/qwen"
	"github.com/qwen-gateway/qwen-gateway/internal/codec"
	log "github.com/sirupsen/logrus"
)

const pollInterval = 250 * time.Millisecond

// ChromeOptions configures the Chrome instance started for a login.
type ChromeOptions struct {
	ExecPath  string
	ProxyURL  string
	UserAgent string
}

// ChromeDriver is a qwen.Driver backed by a dedicated Chrome process.
type ChromeDriver struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
}

var _ qwen.Driver = (*ChromeDriver)(nil)

// NewChromeFactory returns a qwen.DriverFactory launching Chrome with opts.
func NewChromeFactory(opts ChromeOptions) qwen.DriverFactory {
	return func(ctx context.Context, headless bool) (qwen.Driver, error) {
		return NewChromeDriver(ctx, headless, opts)
	}
}

// NewChromeDriver starts Chrome and opens one tab. The browser lives until
// Close is called or ctx is done.
func NewChromeDriver(ctx context.Context, headless bool, opts ChromeOptions) (*ChromeDriver, error) {
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1280, 900),
	)
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = qwen.WebUserAgent
	}
	allocOpts = append(allocOpts, chromedp.UserAgent(userAgent))
	execPath := opts.ExecPath
	if execPath == "" {
		execPath = FindChrome()
	}
	if execPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(execPath))
	}
	if opts.ProxyURL != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.ProxyURL))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	tabCtx, cancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(log.Debugf))
	d := &ChromeDriver{ctx: tabCtx, cancel: cancel, allocCancel: allocCancel}

	// The first Run allocates the browser and must use the tab context itself,
	// otherwise the process is bound to a shorter-lived child context.
	stop := context.AfterFunc(ctx, cancel)
	err := chromedp.Run(tabCtx)
	stop()
	if err != nil {
		_ = d.Close()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("launch chrome: %w", err)
	}
	log.Debugf("chrome started (headless=%v, exec=%q)", headless, execPath)
	return d, nil
}

// run executes actions on the tab, bounded by the caller's ctx.
func (d *ChromeDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(d.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (d *ChromeDriver) Goto(ctx context.Context, url string) error {
	return d.run(ctx, chromedp.Navigate(url))
}

func (d *ChromeDriver) Fill(ctx context.Context, selector, value string) error {
	return d.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (d *ChromeDriver) Click(ctx context.Context, selector string) error {
	return d.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

// WaitFor polls expression until it is truthy.
func (d *ChromeDriver) WaitFor(ctx context.Context, expression string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		var ok bool
		if err := d.run(ctx, chromedp.Evaluate("Boolean("+expression+")", &ok)); err != nil && ctx.Err() == nil {
			// Evaluations fail while a navigation is committing; keep polling.
			log.Debugf("chrome wait: %v", err)
		} else if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *ChromeDriver) Evaluate(ctx context.Context, expression string, out any) error {
	return d.run(ctx, chromedp.Evaluate(expression, out))
}

func (d *ChromeDriver) Cookies(ctx context.Context) ([]codec.Cookie, error) {
	var cookies []*network.Cookie
	err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var errGet error
		cookies, errGet = network.GetCookies().Do(ctx)
		return errGet
	}))
	if err != nil {
		return nil, err
	}
	out := make([]codec.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c == nil {
			continue
		}
		out = append(out, codec.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: c.SameSite.String(),
		})
	}
	return out, nil
}

// Close shuts the tab and the Chrome process down.
func (d *ChromeDriver) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.allocCancel != nil {
		d.allocCancel()
	}
	if err := d.ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
