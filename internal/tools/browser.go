package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

const browserTimeout = 30 * time.Second

// BrowserTool drives a headless browser via rod. The browser launches
// lazily on first use and is shared across invocations.
type BrowserTool struct {
	mu      sync.Mutex
	browser *rod.Browser
}

func NewBrowserTool() *BrowserTool {
	return &BrowserTool{}
}

func (t *BrowserTool) Name() string        { return "browser" }
func (t *BrowserTool) Description() string { return "Navigate pages and extract their text content" }

func (t *BrowserTool) connect() (*rod.Browser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.browser != nil {
		return t.browser, nil
	}
	browser := rod.New()
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	t.browser = browser
	return browser, nil
}

// Close shuts the shared browser down.
func (t *BrowserTool) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.browser != nil {
		_ = t.browser.Close()
		t.browser = nil
	}
}

func (t *BrowserTool) Execute(ctx context.Context, args map[string]any) *Result {
	targetURL, _ := args["url"].(string)
	if targetURL == "" {
		return ErrorResult("url is required")
	}
	selector, _ := args["selector"].(string)
	if selector == "" {
		selector = "body"
	}

	browser, err := t.connect()
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}

	ctx, cancel := context.WithTimeout(ctx, browserTimeout)
	defer cancel()

	page, err := browser.Page(proto.TargetCreateTarget{URL: targetURL})
	if err != nil {
		return ErrorResult(fmt.Sprintf("open %s: %v", targetURL, err)).WithError(err)
	}
	defer page.Close()
	page = page.Context(ctx)

	if err := page.WaitLoad(); err != nil {
		return ErrorResult(fmt.Sprintf("load %s: %v", targetURL, err)).WithError(err)
	}
	el, err := page.Element(selector)
	if err != nil {
		return ErrorResult(fmt.Sprintf("select %q on %s: %v", selector, targetURL, err)).WithError(err)
	}
	text, err := el.Text()
	if err != nil {
		return ErrorResult(fmt.Sprintf("extract text: %v", err)).WithError(err)
	}
	return NewResult(text)
}
