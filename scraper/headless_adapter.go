package scraper

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"pricewatch/logger"
	"pricewatch/models"
)

// systemChromium is used when present, as in the container image.
const systemChromium = "/usr/bin/chromium-browser"

const (
	defaultRenderWait = 10 * time.Second
	pageCloseTimeout  = 5 * time.Second
)

// HeadlessAdapter renders the search page in headless Chromium before
// extracting offers, for sources that build results client side.
type HeadlessAdapter struct {
	*BaseAdapter
	selectors selectorSet

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
}

// NewHeadlessAdapter creates an uninitialized headless adapter.
func NewHeadlessAdapter(source models.PriceScrapingSource, opts Options) *HeadlessAdapter {
	return &HeadlessAdapter{
		BaseAdapter: newBaseAdapter(source, opts),
		selectors:   newSelectorSet(source.Config.Selectors),
	}
}

// Initialize validates the config and launches the browser.
func (a *HeadlessAdapter) Initialize(ctx context.Context) error {
	if err := a.selectors.validate(); err != nil {
		return fmt.Errorf("%s: %w", a.source.Name, err)
	}
	if err := a.initHTTP(); err != nil {
		return err
	}

	l := launcher.New().
		Headless(true).
		NoSandbox(true).
		Leakless(false)

	switch {
	case a.opts.BrowserBin != "":
		l = l.Bin(a.opts.BrowserBin)
	default:
		if _, err := os.Stat(systemChromium); err == nil {
			l = l.Bin(systemChromium)
		}
	}
	if a.source.Config.ProxyURL != "" {
		l = l.Proxy(a.source.Config.ProxyURL)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("%w: %s: launch browser: %v", ErrAdapterUnavailable, a.source.Name, err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return fmt.Errorf("%w: %s: connect browser: %v", ErrAdapterUnavailable, a.source.Name, err)
	}

	a.mu.Lock()
	a.launcher = l
	a.browser = browser
	a.mu.Unlock()

	a.markReady()
	a.log.Info("Headless adapter initialized", logger.String("control_url", controlURL))
	return nil
}

// Search renders the search page and extracts offers.
func (a *HeadlessAdapter) Search(ctx context.Context, product models.NormalizedProduct) ([]models.Observation, error) {
	return a.search(ctx, product, a.fetch)
}

func (a *HeadlessAdapter) fetch(ctx context.Context, pageURL string) ([]rawOffer, error) {
	a.mu.Lock()
	browser := a.browser
	a.mu.Unlock()
	if browser == nil {
		return nil, fmt.Errorf("%w: %s browser is closed", ErrAdapterUnavailable, a.source.Name)
	}

	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return nil, fmt.Errorf("%w: %s: open page: %v", ErrAdapterUnavailable, a.source.Name, err)
	}
	defer a.closePage(page)

	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: userAgent}); err != nil {
		return nil, fmt.Errorf("%w: set user agent: %v", ErrTransient, err)
	}
	if headers := a.source.Config.Headers; len(headers) > 0 {
		pairs := make([]string, 0, len(headers)*2)
		for k, v := range headers {
			pairs = append(pairs, k, v)
		}
		if _, err := page.SetExtraHeaders(pairs); err != nil {
			return nil, fmt.Errorf("%w: set headers: %v", ErrTransient, err)
		}
	}

	if err := page.Navigate(pageURL); err != nil {
		return nil, fmt.Errorf("%w: navigate: %v", ErrTransient, err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("%w: wait load: %v", ErrTransient, err)
	}

	// results are often rendered after load; a miss here is decided by extraction
	_, _ = page.Timeout(defaultRenderWait).Element(a.selectors.Item)

	html, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("%w: read html: %v", ErrTransient, err)
	}
	return extractOffers([]byte(html), a.selectors, a.detector)
}

// closePage closes the tab even when the call's context is already done.
func (a *HeadlessAdapter) closePage(page *rod.Page) {
	ctx, cancel := context.WithTimeout(context.Background(), pageCloseTimeout)
	defer cancel()
	if err := page.Context(ctx).Close(); err != nil {
		a.log.Warn("Failed to close browser page", logger.Error(err))
	}
}

// Shutdown closes the browser. Safe to call more than once.
func (a *HeadlessAdapter) Shutdown() error {
	a.markStopped()

	a.mu.Lock()
	browser, l := a.browser, a.launcher
	a.browser, a.launcher = nil, nil
	a.mu.Unlock()

	var err error
	if browser != nil {
		err = browser.Close()
	}
	if l != nil {
		l.Kill()
	}
	return err
}
