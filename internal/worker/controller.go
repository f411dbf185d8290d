// Package worker is the per-session automation process. It drives one
// Playwright browser and exposes it as MCP tools over stdio.
package worker

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/playwright-community/playwright-go"
)

const (
	defaultViewportWidth  = 1280
	defaultViewportHeight = 800
	defaultTimeoutMillis  = 30000
)

// PageInfo is the observable browser state reported with most results.
type PageInfo struct {
	URL   string
	Title string
}

// Controller owns one Playwright browser for one session. All methods are
// serialized; the server never runs two tool calls at once anyway.
type Controller struct {
	mu       sync.Mutex
	pw       *playwright.Playwright
	browser  playwright.Browser
	context  playwright.BrowserContext
	page     playwright.Page
	headless bool
	running  bool
}

// NewController creates an idle controller. Initialize starts the browser.
func NewController() *Controller {
	return &Controller{}
}

// Initialize installs driver binaries if needed, launches Chromium, and opens
// the start URL. Calling it twice is an error; use Restart.
func (c *Controller) Initialize(headless bool, url string) (*PageInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil, fmt.Errorf("browser already initialized")
	}
	return c.startLocked(headless, url)
}

func (c *Controller) startLocked(headless bool, url string) (*PageInfo, error) {
	if c.pw == nil {
		// Driver output must stay off stdout, which carries the MCP transport.
		opts := &playwright.RunOptions{Verbose: false, Stdout: io.Discard, Stderr: io.Discard}
		if err := playwright.Install(opts); err != nil {
			return nil, fmt.Errorf("install playwright driver: %w", err)
		}
		pw, err := playwright.Run(opts)
		if err != nil {
			return nil, fmt.Errorf("start playwright: %w", err)
		}
		c.pw = pw
	}

	browser, err := c.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(headless),
	})
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	context, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: defaultViewportWidth, Height: defaultViewportHeight},
	})
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("create browser context: %w", err)
	}

	page, err := context.NewPage()
	if err != nil {
		_ = context.Close()
		_ = browser.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}
	page.SetDefaultTimeout(defaultTimeoutMillis)

	c.browser = browser
	c.context = context
	c.page = page
	c.headless = headless
	c.running = true

	if url != "" {
		if _, err := page.Goto(url, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		}); err != nil {
			return c.infoLocked(), fmt.Errorf("open %s: %w", url, err)
		}
	}
	return c.infoLocked(), nil
}

// Navigate opens the URL in the current page.
func (c *Controller) Navigate(url string) (*PageInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireBrowserLocked(); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "https://" + url
	}
	if _, err := c.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return c.infoLocked(), fmt.Errorf("navigate to %s: %w", url, err)
	}
	return c.infoLocked(), nil
}

// Restart closes the current browser and starts a fresh one, optionally
// reopening a URL.
func (c *Controller) Restart(headless bool, url string) (*PageInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopBrowserLocked()
	return c.startLocked(headless, url)
}

// Info reports the current URL and title.
func (c *Controller) Info() (*PageInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireBrowserLocked(); err != nil {
		return nil, err
	}
	return c.infoLocked(), nil
}

// Headless reports the launch mode of the running browser.
func (c *Controller) Headless() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headless
}

// Screenshot captures the viewport as base64 JPEG. maxWidth shrinks the
// viewport first when the page is wider, keeping payloads small.
func (c *Controller) Screenshot(maxWidth, quality int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireBrowserLocked(); err != nil {
		return "", err
	}
	if quality <= 0 || quality > 100 {
		quality = 70
	}
	if maxWidth > 0 {
		if size := c.page.ViewportSize(); size != nil && size.Width > maxWidth {
			height := size.Height * maxWidth / size.Width
			if err := c.page.SetViewportSize(maxWidth, height); err != nil {
				return "", fmt.Errorf("resize viewport: %w", err)
			}
		}
	}
	data, err := c.page.Screenshot(playwright.PageScreenshotOptions{
		Type:    playwright.ScreenshotTypeJpeg,
		Quality: playwright.Int(quality),
	})
	if err != nil {
		return "", fmt.Errorf("capture screenshot: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Close tears down the browser and the Playwright driver. Idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopBrowserLocked()
	if c.pw != nil {
		if err := c.pw.Stop(); err != nil {
			c.pw = nil
			return fmt.Errorf("stop playwright: %w", err)
		}
		c.pw = nil
	}
	return nil
}

func (c *Controller) stopBrowserLocked() {
	if !c.running {
		return
	}
	if c.page != nil {
		_ = c.page.Close()
	}
	if c.context != nil {
		_ = c.context.Close()
	}
	if c.browser != nil {
		_ = c.browser.Close()
	}
	c.page = nil
	c.context = nil
	c.browser = nil
	c.running = false
}

func (c *Controller) requireBrowserLocked() error {
	if !c.running || c.page == nil {
		return fmt.Errorf("browser not initialized")
	}
	return nil
}

func (c *Controller) infoLocked() *PageInfo {
	info := &PageInfo{}
	if c.page == nil {
		return info
	}
	info.URL = c.page.URL()
	if title, err := c.page.Title(); err == nil {
		info.Title = title
	}
	return info
}
