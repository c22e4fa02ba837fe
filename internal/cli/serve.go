package cli

import (
	"time"

	"github.com/spf13/cobra"
)

var (
	serveListen    string
	serveEndpoint  string
	serveInterval  time.Duration
	serveRetention time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Poll the meter and serve the query API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		flags := cmd.Flags()
		if flags.Changed("listen") {
			a.Config.HTTP.ListenAddr = serveListen
		}
		if flags.Changed("endpoint") {
			a.Config.Source.Endpoint = serveEndpoint
		}
		if flags.Changed("interval") {
			a.Config.Sampler.Interval = serveInterval
		}
		if flags.Changed("retention") {
			a.Config.Retention.Window = serveRetention
		}
		if err := a.Config.Validate(); err != nil {
			return err
		}
		return a.Serve(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "HTTP listen address (overrides http.listen_addr)")
	serveCmd.Flags().StringVar(&serveEndpoint, "endpoint", "", "Meter endpoint, e.g. sim://tc66c or http://bridge:8080/reading")
	serveCmd.Flags().DurationVar(&serveInterval, "interval", 0, "Poll interval (overrides sampler.interval)")
	serveCmd.Flags().DurationVar(&serveRetention, "retention", 0, "Retention window (overrides retention.window)")
}
