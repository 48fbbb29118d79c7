package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/pairpilot/pkg/config"
	"github.com/cuemby/pairpilot/pkg/health"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe the relay, API and Redis a peer is configured to use",
	RunE:  runCheck,
}

func init() {
	checkCmd.Flags().Duration("timeout", 5*time.Second, "Timeout per probe")
	rootCmd.AddCommand(checkCmd)
}

// printReporter collects probe results for printing
type printReporter map[string]string

func (p printReporter) Set(name string, healthy bool, message string) {
	mark := "✓"
	if !healthy {
		mark = "✗"
	}
	p[name] = fmt.Sprintf("%s %s: %s", mark, name, message)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	out := printReporter{}
	m := health.NewMonitor(out, health.Config{Timeout: timeout, Retries: 1})
	addProbes(m, cfg)
	if len(m.Names()) == 0 {
		fmt.Println("Nothing to check")
		return nil
	}

	m.RunOnce(context.Background())

	failed := 0
	statuses := m.Statuses()
	for _, name := range m.Names() {
		fmt.Println(out[name])
		if !statuses[name].Healthy {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d checks failed", failed, len(statuses))
	}
	return nil
}

// addProbes registers a probe for every remote dependency in cfg
func addProbes(m *health.Monitor, cfg config.Config) {
	switch cfg.Transport.Kind {
	case config.TransportWebSocket:
		if u := healthURL(cfg.Transport.URL); u != "" {
			m.Add("relay", health.NewHTTPChecker(u))
		}
	case config.TransportRedis:
		m.Add("transport-redis", health.NewTCPChecker(cfg.Transport.RedisAddr))
	}
	if cfg.Snapshot.Backend == config.SnapshotHTTP {
		if u := healthURL(cfg.Snapshot.URL); u != "" {
			m.Add("snapshot-api", health.NewHTTPChecker(u).WithBearer(cfg.Identity.Token))
		}
	}
	if cfg.RateLimit.URL != "" {
		if u := healthURL(cfg.RateLimit.URL); u != "" {
			m.Add("ratelimit-api", health.NewHTTPChecker(u))
		}
	}
}

// healthURL maps a relay or API URL to its /health endpoint
func healthURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/health"
	u.RawQuery = ""
	return strings.TrimSuffix(u.String(), "?")
}
