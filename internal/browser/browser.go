// Package browser selects the driver that backs fetch sessions.
package browser

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fetch/internal/browser/chrome"
	"github.com/JakeFAU/browser-fetch/internal/browser/playwright"
	"github.com/JakeFAU/browser-fetch/internal/config"
	"github.com/JakeFAU/browser-fetch/internal/fetch"
)

// NewOpener returns the Opener for the configured driver.
func NewOpener(cfg config.BrowserConfig, logger *zap.Logger) (fetch.Opener, error) {
	switch cfg.Driver {
	case "", config.DriverChromedp:
		return chrome.NewLauncher(logger), nil
	case config.DriverPlaywright:
		return playwright.NewLauncher(logger, cfg.InstallDriver), nil
	default:
		return nil, fmt.Errorf("unknown browser driver %q", cfg.Driver)
	}
}
