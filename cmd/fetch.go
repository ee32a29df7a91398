package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/browser-fetch/internal/fetch"
	"github.com/JakeFAU/browser-fetch/internal/output"
)

func newFetchCmd() *cobra.Command {
	var (
		outputPath     string
		selector       string
		textOnly       bool
		login          bool
		waitSeconds    int
		timeoutSeconds int
	)
	cmd := &cobra.Command{
		Use:   "fetch URL",
		Short: "Fetch one page with the saved browser profile",
		Long: `Opens the browser profile, loads URL, waits for the network to settle and
prints the page HTML (or text with --text) to stdout. Run once with --login to
sign in by hand; later fetches reuse the saved session, optionally --headless.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := appFrom(cmd.Context())
			if err != nil {
				return err
			}
			opts := a.cfg.Browser.OpenOptions("")
			if cmd.Flags().Changed("timeout") {
				opts.NavTimeout = time.Duration(timeoutSeconds) * time.Second
			}

			if login {
				msg, err := fetch.Login(cmd.Context(), a.opener, opts, args[0], cmd.InOrStdin(), cmd.ErrOrStderr(), a.logger)
				if err != nil {
					return err
				}
				return output.Write(msg, outputPath, cmd.OutOrStdout(), cmd.ErrOrStderr())
			}

			wait := a.cfg.Browser.DefaultWait
			if cmd.Flags().Changed("wait") {
				if wait, err = fetch.WaitSeconds(int64(waitSeconds)); err != nil {
					return err
				}
			}
			req := fetch.Request{
				URL:      args[0],
				TextOnly: textOnly,
				Selector: selector,
				Wait:     wait,
			}
			content, err := fetch.Once(cmd.Context(), a.opener, opts, req, a.logger)
			if err != nil {
				return err
			}
			return output.Write(content, outputPath, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringVarP(&outputPath, "output", "o", "", "output file (default: stdout)")
	f.String("profile-dir", "", "browser profile directory (default: ~/.config/browser-fetch/profile)")
	f.BoolVar(&textOnly, "text", false, "extract text content only")
	f.StringVar(&selector, "selector", "", "CSS selector of the element to extract")
	f.IntVar(&waitSeconds, "wait", 5, "seconds to wait after the page settles")
	f.BoolVar(&login, "login", false, "open a visible browser to log in, then save the session")
	f.Bool("headless", false, "run without a window (needs an existing session)")
	f.IntVar(&timeoutSeconds, "timeout", 30, "page load timeout in seconds")
	return cmd
}
