package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/browser-fetch/internal/auth"
	"github.com/JakeFAU/browser-fetch/internal/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve START_URL",
		Short: "Keep a browser open and serve fetches over HTTP",
		Long: `Opens the browser at START_URL so you can log in, then serves
GET /fetch?url=... against that same page until /shutdown or Ctrl-C.
Requests are handled one at a time in arrival order.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := appFrom(cmd.Context())
			if err != nil {
				return err
			}
			token := a.cfg.Server.Token
			if a.cfg.Server.RequireToken && token == "" {
				if token, err = auth.NewToken(); err != nil {
					return err
				}
			}

			ctl := server.New(a.opener, server.Config{
				Addr:            a.cfg.Server.Addr(),
				Session:         a.cfg.Browser.OpenOptions(args[0]),
				Token:           token,
				QueueDepth:      a.cfg.Server.QueueDepth,
				FetchRate:       a.cfg.Server.FetchRate,
				DefaultWait:     a.cfg.Browser.DefaultWait,
				ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
				MetricsEnabled:  a.cfg.Server.MetricsEnabled,
				Banner:          cmd.ErrOrStderr(),
			}, a.logger)
			return ctl.Run(cmd.Context())
		},
	}

	f := cmd.Flags()
	f.Int("port", 8080, "port to listen on")
	f.String("host", "127.0.0.1", "interface to bind")
	f.String("profile-dir", "", "browser profile directory (default: ~/.config/browser-fetch/profile)")
	f.Bool("ephemeral", false, "use a throwaway browser context instead of the profile")
	f.Bool("require-token", false, "require a generated secret token for /fetch and /shutdown")
	f.Bool("headless", false, "run without a window")
	return cmd
}
