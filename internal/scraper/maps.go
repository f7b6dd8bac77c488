package scraper

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/placescout/backend/internal/domain"
)

const mapsSearchURL = "https://www.google.com/maps/search/"

// resultLinkSelector matches the result cards in the search sidebar.
const resultLinkSelector = "a.hfpxzc"

// MapsConfig tunes scrolling and page loading
type MapsConfig struct {
	SearchTimeout   time.Duration
	PageTimeout     time.Duration
	InitialWait     time.Duration
	ScrollDelay     time.Duration
	MaxScrolls      int
	MoreAfterStalls int
	StopAfterStalls int
	// PageInterval paces place page loads across all sessions
	PageInterval time.Duration
	PageBurst    int
}

// DefaultMapsConfig returns sensible defaults
func DefaultMapsConfig() *MapsConfig {
	return &MapsConfig{
		SearchTimeout:   3 * time.Minute,
		PageTimeout:     20 * time.Second,
		InitialWait:     10 * time.Second,
		ScrollDelay:     2 * time.Second,
		MaxScrolls:      50,
		MoreAfterStalls: 3,
		StopAfterStalls: 6,
		PageInterval:    time.Second,
		PageBurst:       2,
	}
}

// MapsScraper enumerates and extracts places from Google Maps
type MapsScraper struct {
	config     *MapsConfig
	strategies FieldStrategies
	pacer      *rate.Limiter
	logger     *zap.Logger
}

// NewMapsScraper creates a new Google Maps scraper
func NewMapsScraper(logger *zap.Logger, config *MapsConfig) *MapsScraper {
	if config == nil {
		config = DefaultMapsConfig()
	}
	return &MapsScraper{
		config:     config,
		strategies: DefaultFieldStrategies(),
		pacer:      rate.NewLimiter(rate.Every(config.PageInterval), max(1, config.PageBurst)),
		logger:     logger,
	}
}

// BuildSearchURL returns the maps search URL, centred on the coordinates
// when given.
func BuildSearchURL(req domain.SearchRequest) string {
	keyword := strings.ReplaceAll(url.PathEscape(strings.TrimSpace(req.Query)), "%20", "+")
	u := mapsSearchURL + keyword
	if req.Coordinates != nil {
		u += fmt.Sprintf("/@%s,%s,14z",
			strconv.FormatFloat(req.Coordinates.Lat, 'f', -1, 64),
			strconv.FormatFloat(req.Coordinates.Lng, 'f', -1, 64))
	}
	return u
}

// Enumerate opens the search page and scrolls the result list until target
// unique place links are collected or the list stops growing.
func (s *MapsScraper) Enumerate(ctx context.Context, sess Session, req domain.SearchRequest, target int, progress ProgressFunc) ([]string, error) {
	runCtx, cancel := bind(ctx, sess.Context(), s.config.SearchTimeout)
	defer cancel()

	searchURL := BuildSearchURL(req)
	s.logger.Info("Starting maps search",
		zap.String("query", req.Query),
		zap.String("url", searchURL),
		zap.Int("target", target),
	)

	if err := chromedp.Run(runCtx, chromedp.Navigate(searchURL)); err != nil {
		return nil, fmt.Errorf("failed to open search page: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(runCtx, s.config.InitialWait)
	err := chromedp.Run(waitCtx, chromedp.WaitReady(resultLinkSelector, chromedp.ByQuery))
	waitCancel()
	if err != nil {
		if runCtx.Err() != nil {
			return nil, fmt.Errorf("search page did not load: %w", runCtx.Err())
		}
		// a place query can land directly on a single place page
		s.logger.Debug("No result list appeared", zap.String("query", req.Query))
		return nil, nil
	}

	set := newRefSet()
	stalls := 0
	for scroll := 0; set.Len() < target && scroll < s.config.MaxScrolls; scroll++ {
		var links []string
		if err := chromedp.Run(runCtx, chromedp.Evaluate(collectLinksJS, &links)); err != nil {
			return nil, fmt.Errorf("failed to read result links: %w", err)
		}
		added := set.Add(links...)
		if progress != nil {
			progress(min(set.Len(), target), target)
		}
		if set.Len() >= target {
			break
		}

		if added == 0 {
			stalls++
			if stalls == s.config.MoreAfterStalls {
				var clicked bool
				_ = chromedp.Run(runCtx, chromedp.Evaluate(clickMoreJS, &clicked))
				if clicked {
					stalls = 0
				}
			}
			if stalls >= s.config.StopAfterStalls {
				s.logger.Debug("Result list exhausted", zap.Int("found", set.Len()))
				break
			}
		} else {
			stalls = 0
		}

		if err := chromedp.Run(runCtx,
			chromedp.Evaluate(fmt.Sprintf(scrollJS, scroll%4), nil),
			chromedp.Sleep(s.config.ScrollDelay),
		); err != nil {
			return nil, fmt.Errorf("failed to scroll results: %w", err)
		}
	}

	refs := set.Items()
	if len(refs) > target {
		refs = refs[:target]
	}
	s.logger.Info("Maps search completed", zap.String("query", req.Query), zap.Int("found", len(refs)))
	return refs, nil
}

// Extract loads one place page and reads its fields.
func (s *MapsScraper) Extract(ctx context.Context, sess Session, ref string) (domain.Listing, error) {
	if err := s.pacer.Wait(ctx); err != nil {
		return domain.ErrorListing(), err
	}

	runCtx, cancel := bind(ctx, sess.Context(), s.config.PageTimeout)
	defer cancel()

	html, err := fetchHTML(runCtx, ref, "h1")
	if err != nil {
		return domain.ErrorListing(), err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return domain.ErrorListing(), fmt.Errorf("failed to parse HTML: %w", err)
	}
	return s.strategies.ParseListing(doc), nil
}

// refSet keeps unique references in discovery order
type refSet struct {
	seen  map[string]struct{}
	items []string
}

func newRefSet() *refSet {
	return &refSet{seen: make(map[string]struct{})}
}

func (r *refSet) Add(refs ...string) int {
	added := 0
	for _, ref := range refs {
		if ref == "" || !strings.Contains(ref, "maps/place") {
			continue
		}
		if _, ok := r.seen[ref]; ok {
			continue
		}
		r.seen[ref] = struct{}{}
		r.items = append(r.items, ref)
		added++
	}
	return added
}

func (r *refSet) Len() int        { return len(r.items) }
func (r *refSet) Items() []string { return append([]string(nil), r.items...) }

const collectLinksJS = `Array.from(document.querySelectorAll('a.hfpxzc')).map(a => a.href).filter(h => h && h.includes('maps/place'))`

const clickMoreJS = `(function(){
  const sels = ['button[jsaction*="pane.resultList.moreResults"]', '.VfPpkd-LgbsSe[jsaction*="moreResults"]'];
  for (const s of sels) {
    const b = document.querySelector(s);
    if (b && b.offsetParent !== null) { b.click(); return true; }
  }
  return false;
})()`

// scrollJS finds the scrollable ancestor of the first result and scrolls it
// using one of four methods selected by %d.
const scrollJS = `(function(method){
  function scrollable(el){
    for (let i = 0; el && i < 10; i++, el = el.parentElement) {
      const oy = getComputedStyle(el).overflowY;
      if (el.scrollHeight > el.clientHeight && el.scrollHeight > 100 && ['auto','scroll','overlay'].includes(oy)) return el;
    }
    return null;
  }
  const first = document.querySelector('a.hfpxzc');
  const feed = scrollable(first) || document.querySelector("div[role='feed']") || document.querySelector('.m6QErb') || document.scrollingElement;
  const before = feed.scrollTop;
  switch (method) {
    case 0: feed.scrollTo({top: feed.scrollTop + 800, behavior: 'smooth'}); break;
    case 1: for (let i = 0; i < 8; i++) feed.scrollTop += 100; break;
    case 2: for (let i = 0; i < 16; i++) feed.dispatchEvent(new WheelEvent('wheel', {deltaY: 50, bubbles: true, cancelable: true})); feed.scrollTop += 400; break;
    default: feed.scrollTop += feed.clientHeight;
  }
  if (feed.scrollTop === before) window.scrollBy(0, 800);
  const links = document.querySelectorAll('a.hfpxzc');
  if (links.length > 3) links[links.length - 1].scrollIntoView({block: 'end'});
  return feed.scrollTop;
})(%d)`
