package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"proxy-speedtest/pkg/config"
	"proxy-speedtest/pkg/connector"
	"proxy-speedtest/pkg/database"
	"proxy-speedtest/pkg/models"
	"proxy-speedtest/pkg/orchestrator"
	"proxy-speedtest/pkg/probe"
	"proxy-speedtest/pkg/supervisor"
)

var (
	debugFlag bool
	logger    *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "proxy-speedtest",
	Short: "A tool for measuring latency and bandwidth through proxies",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Set up logging based on the debug flag
		var logLevel slog.Level
		if debugFlag {
			logLevel = slog.LevelDebug
		} else {
			logLevel = slog.LevelInfo
		}

		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
	},
}

var testCmd = &cobra.Command{
	Use:   "test [config-paths]",
	Short: "Run a speed test over every proxy in the given configs",
	Long: `Run a speed test over every proxy found in the given configuration
sources. [config-paths] is a comma-separated list of local file paths or
http(s) URLs to Clash-format subscription files.

By default proxies with a natively supported protocol (ss, socks5, http,
https) are tested directly and concurrently. With --delegated, every
proxy is tested one at a time through a supervised forwarder process.`,
	Example: "test ./subscription.yaml --fast --filter 'HK|SG'",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		proxies, err := loadProxies(cmd, args[0])
		if err != nil {
			logger.Error("Error loading proxies", "error", err)
			os.Exit(1)
		}
		if len(proxies) == 0 {
			logger.Error("No proxies left to test after filtering")
			os.Exit(1)
		}

		delegated, _ := cmd.Flags().GetBool("delegated")
		strategy := models.StrategyDirect
		if delegated {
			strategy = models.StrategyDelegated
		}

		session := buildSession(cmd, proxies, strategy)

		logger.Info("Session configured",
			"id", session.ID,
			"proxies", len(session.Proxies),
			"strategy", session.Strategy,
			"server", session.ServerURL)

		outcomes, err := runSession(cmd, session)
		if err != nil {
			logger.Error("Session failed", "error", err)
			os.Exit(1)
		}

		reportVerdicts(session, outcomes)

		if viper.GetString("database.host") != "" {
			if err := storeOutcomes(session, outcomes); err != nil {
				logger.Error("Error storing outcomes", "error", err)
				os.Exit(1)
			}
			logger.Info("Outcomes stored", "session", session.ID)
		}
	},
}

func loadProxies(cmd *cobra.Command, paths string) ([]models.Proxy, error) {
	proxies, err := config.LoadProxies(paths)
	if err != nil {
		return nil, err
	}

	if pattern, _ := cmd.Flags().GetString("filter"); pattern != "" {
		proxies, err = config.FilterByName(proxies, pattern)
		if err != nil {
			return nil, err
		}
	}
	if keywords, _ := cmd.Flags().GetString("block"); keywords != "" {
		proxies = config.BlockKeywords(proxies, keywords)
	}

	return proxies, nil
}

func buildSession(cmd *cobra.Command, proxies []models.Proxy, strategy models.Strategy) *models.Session {
	session := models.NewSession(proxies, strategy)

	if v, _ := cmd.Flags().GetString("server-url"); v != "" {
		session.ServerURL = v
	}
	if v, _ := cmd.Flags().GetInt("concurrency"); v > 0 {
		session.Concurrency = v
	}
	if v, _ := cmd.Flags().GetInt("chunk-concurrency"); v > 0 {
		session.ChunkConcurrency = v
	}
	if v, _ := cmd.Flags().GetInt("latency-samples"); v > 0 {
		session.LatencySamples = v
	}
	if v, _ := cmd.Flags().GetDuration("connect-timeout"); v > 0 {
		session.ConnectTimeout = v
	}
	if v, _ := cmd.Flags().GetDuration("latency-timeout"); v > 0 {
		session.LatencyTimeout = v
	}
	if v, _ := cmd.Flags().GetDuration("download-timeout"); v > 0 {
		session.DownloadTimeout = v
	}
	if v, _ := cmd.Flags().GetDuration("upload-timeout"); v > 0 {
		session.UploadTimeout = v
	}
	if v, _ := cmd.Flags().GetInt64("download-size"); v >= 0 {
		session.DownloadSize = v
	}
	if v, _ := cmd.Flags().GetInt64("upload-size"); v >= 0 {
		session.UploadSize = v
	}

	session.FastMode, _ = cmd.Flags().GetBool("fast")
	session.ResolveEgress, _ = cmd.Flags().GetBool("resolve-egress")
	session.MaxLatency, _ = cmd.Flags().GetDuration("max-latency")

	if v, _ := cmd.Flags().GetFloat64("min-download-speed"); v > 0 {
		session.MinDownloadSpeed = v * 1024 * 1024
	}
	if v, _ := cmd.Flags().GetFloat64("min-upload-speed"); v > 0 {
		session.MinUploadSpeed = v * 1024 * 1024
	}

	return session
}

func runSession(cmd *cobra.Command, session *models.Session) ([]models.Outcome, error) {
	latency := probe.NewLatencyProbe(session.ServerURL, session.LatencySamples, session.LatencyTimeout)
	bandwidth := probe.NewBandwidthProbe(session.ServerURL, session.DownloadTimeout, session.UploadTimeout)

	progress := func(o models.Outcome) {
		if o.Err != nil {
			logger.Warn("Proxy failed", "proxy", o.ProxyName, "error", o.Err)
			return
		}
		attrs := []any{
			"proxy", o.ProxyName,
			"latency", o.Latency.Avg.Round(time.Millisecond),
			"jitter", o.Latency.Jitter.Round(time.Millisecond),
			"loss", fmt.Sprintf("%.0f%%", o.Latency.PacketLoss*100),
		}
		if o.Download != nil {
			attrs = append(attrs, "download", formatSpeed(o.Download.Speed))
		}
		if o.Upload != nil {
			attrs = append(attrs, "upload", formatSpeed(o.Upload.Speed))
		}
		if o.Egress != nil {
			attrs = append(attrs, "egress", o.Egress.IP, "country", o.Egress.Country)
		}
		if o.DirectFallback {
			attrs = append(attrs, "fallback", true)
		}
		logger.Info("Proxy tested", attrs...)
	}

	if session.Strategy == models.StrategyDelegated {
		binary, _ := cmd.Flags().GetString("forwarder-binary")
		tempDir, _ := cmd.Flags().GetString("temp-dir")
		readyTimeout, _ := cmd.Flags().GetDuration("ready-timeout")

		sup := supervisor.New(supervisor.Options{
			Binary:       binary,
			TempDir:      tempDir,
			ReadyTimeout: readyTimeout,
		})

		o := orchestrator.NewDelegated(session, sup, latency, bandwidth)
		o.SetProgress(progress)
		return o.Run(context.Background())
	}

	conn := connector.NewDirect(session.ConnectTimeout)
	o := orchestrator.New(session, conn, latency, bandwidth)
	o.SetProgress(progress)
	return o.Run(context.Background())
}

func reportVerdicts(session *models.Session, outcomes []models.Outcome) {
	verdicts := orchestrator.ApplyFilters(session, outcomes)

	passed := 0
	for _, v := range verdicts {
		if v.Pass {
			passed++
			continue
		}
		logger.Info("Proxy filtered out", "proxy", v.ProxyName, "reasons", v.Reasons)
	}

	logger.Info("Speed test finished",
		"tested", len(outcomes),
		"passed", passed,
		"filtered", len(outcomes)-passed)
}

func storeOutcomes(session *models.Session, outcomes []models.Outcome) error {
	db, err := database.NewDB()
	if err != nil {
		return fmt.Errorf("error connecting to database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.InitSchema(ctx); err != nil {
		return fmt.Errorf("error initializing database schema: %v", err)
	}

	return db.InsertOutcomes(ctx, session, outcomes)
}

func formatSpeed(bytesPerSec float64) string {
	return fmt.Sprintf("%.2fMB/s", bytesPerSec/(1024*1024))
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")

	testCmd.Flags().String("server-url", "", "Measurement server base URL")
	testCmd.Flags().Int("concurrency", 0, "Number of proxies tested in parallel (direct strategy)")
	testCmd.Flags().Int("chunk-concurrency", 0, "Number of parallel download chunks per proxy")
	testCmd.Flags().Int("latency-samples", 0, "Number of latency pings per proxy")
	testCmd.Flags().Duration("connect-timeout", 0, "Timeout for establishing a proxy connection")
	testCmd.Flags().Duration("latency-timeout", 0, "Timeout per latency ping")
	testCmd.Flags().Duration("download-timeout", 0, "Timeout per download chunk attempt")
	testCmd.Flags().Duration("upload-timeout", 0, "Timeout per upload chunk attempt")
	testCmd.Flags().Int64("download-size", -1, "Total download size in bytes (0 disables)")
	testCmd.Flags().Int64("upload-size", -1, "Total upload size in bytes (0 disables)")
	testCmd.Flags().Bool("fast", false, "Latency only, skip bandwidth tests")
	testCmd.Flags().Bool("resolve-egress", false, "Look up each proxy's exit IP and location")
	testCmd.Flags().Duration("max-latency", 0, "Filter out proxies slower than this")
	testCmd.Flags().Float64("min-download-speed", 0, "Filter out proxies below this download speed (MB/s)")
	testCmd.Flags().Float64("min-upload-speed", 0, "Filter out proxies below this upload speed (MB/s)")
	testCmd.Flags().String("filter", "", "Only test proxies whose name matches this regular expression")
	testCmd.Flags().String("block", "", "Skip proxies whose name contains any of these |-separated keywords")
	testCmd.Flags().Bool("delegated", false, "Test every proxy through a supervised forwarder process")
	testCmd.Flags().String("forwarder-binary", "", "Forwarder executable for the delegated strategy")
	testCmd.Flags().String("temp-dir", "", "Parent directory for generated forwarder configs")
	testCmd.Flags().Duration("ready-timeout", 0, "How long to wait for the forwarder to become ready")

	rootCmd.AddCommand(testCmd)
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.proxy-speedtest")
	viper.AddConfigPath("/etc/proxy-speedtest/")

	// A config file is only needed for database persistence.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
