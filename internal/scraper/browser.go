package scraper

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// BrowserConfig configures browser behavior
type BrowserConfig struct {
	Headless      bool
	StartTimeout  time.Duration
	UserAgent     string
	ProxyURL      string
	DisableImages bool
	WindowWidth   int
	WindowHeight  int
}

// DefaultBrowserConfig returns sensible defaults
func DefaultBrowserConfig() *BrowserConfig {
	return &BrowserConfig{
		Headless:      true,
		StartTimeout:  30 * time.Second,
		UserAgent:     "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		DisableImages: true,
		WindowWidth:   1920,
		WindowHeight:  1080,
	}
}

// BrowserFactory launches one headless Chrome per session, each with its own
// user data directory
type BrowserFactory struct {
	config *BrowserConfig
	logger *zap.Logger
	opts   []chromedp.ExecAllocatorOption
}

// NewBrowserFactory creates a session factory backed by chromedp
func NewBrowserFactory(logger *zap.Logger, config *BrowserConfig) *BrowserFactory {
	if config == nil {
		config = DefaultBrowserConfig()
	}

	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.UserAgent(config.UserAgent),
		chromedp.WindowSize(config.WindowWidth, config.WindowHeight),
	}

	if config.Headless {
		opts = append(opts, chromedp.Headless)
	}

	if config.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(config.ProxyURL))
	}

	if config.DisableImages {
		opts = append(opts, chromedp.Flag("blink-settings", "imagesEnabled=false"))
	}

	return &BrowserFactory{
		config: config,
		logger: logger,
		opts:   opts,
	}
}

// NewSession starts a browser using dataDir as its profile directory.
func (f *BrowserFactory) NewSession(ctx context.Context, dataDir string) (Session, error) {
	opts := append(append([]chromedp.ExecAllocatorOption(nil), f.opts...), chromedp.UserDataDir(dataDir))

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(f.logger.Sugar().Debugf),
	)

	// The first Run launches the browser and binds it to browserCtx, so it must
	// not carry a deadline. Startup is bounded by racing it against ctx.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()

	timer := time.NewTimer(f.config.StartTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-started:
	case <-timer.C:
		err = fmt.Errorf("browser did not start within %s", f.config.StartTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	f.logger.Debug("Browser session started", zap.String("data_dir", dataDir))
	return &BrowserSession{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		logger:      f.logger,
	}, nil
}

// BrowserSession is a running chromedp browser
type BrowserSession struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// Context returns the chromedp context of the browser tab.
func (s *BrowserSession) Context() context.Context {
	return s.ctx
}

// Sanitize clears cookies, HTTP cache and web storage, then parks the tab on
// a blank page.
func (s *BrowserSession) Sanitize(ctx context.Context) error {
	runCtx, cancel := bind(ctx, s.ctx, 10*time.Second)
	defer cancel()

	return chromedp.Run(runCtx,
		chromedp.Evaluate(`(function(){try{localStorage.clear();sessionStorage.clear();}catch(e){}return true;})()`, nil),
		network.ClearBrowserCookies(),
		network.ClearBrowserCache(),
		chromedp.Navigate("about:blank"),
	)
}

// Close shuts the browser down and releases the allocator.
func (s *BrowserSession) Close() error {
	closeCtx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	err := chromedp.Cancel(closeCtx)
	s.cancel()
	s.allocCancel()
	return err
}

// bind derives a context from the browser context that is also cancelled
// when ctx is done or timeout elapses.
func bind(ctx, browserCtx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(browserCtx, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

// fetchHTML navigates to url, waits for waitSelector and returns the
// document HTML.
func fetchHTML(ctx context.Context, url, waitSelector string) (string, error) {
	var html string

	actions := []chromedp.Action{
		chromedp.Navigate(url),
	}

	if waitSelector != "" {
		actions = append(actions, chromedp.WaitReady(waitSelector, chromedp.ByQuery))
	} else {
		actions = append(actions, chromedp.WaitReady("body", chromedp.ByQuery))
	}

	actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
		node, err := dom.GetDocument().Do(ctx)
		if err != nil {
			return err
		}
		html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
		return err
	}))

	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", fmt.Errorf("failed to fetch page: %w", err)
	}
	return html, nil
}
