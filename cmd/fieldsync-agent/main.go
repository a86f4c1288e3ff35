package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/fieldsync/internal/logging"
	"github.com/agentworkforce/fieldsync/internal/syncclient"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type agentConfig struct {
	ServerURL      string
	StateDir       string
	InboxDir       string
	ClientID       string
	Interval       time.Duration
	IntervalJitter float64
	Timeout        time.Duration
	BatchSize      int
	Stream         bool
	Log            logging.Options
}

func registerFlags(flags *pflag.FlagSet) {
	flags.String("server-url", "http://127.0.0.1:8080", "sync server base URL")
	flags.String("state-dir", ".fieldsync-agent", "directory holding the outbox and local mirror")
	flags.String("inbox-dir", "", "directory watched for operation files (default <state-dir>/inbox)")
	flags.String("client-id", "", "client id; issued by the server when empty")
	flags.Duration("interval", 30*time.Second, "sync interval")
	flags.Float64("interval-jitter", 0.2, "sync interval jitter ratio (0.0-1.0)")
	flags.Duration("timeout", time.Minute, "per-sync timeout")
	flags.Int("batch-size", 100, "operations per batch")
	flags.Bool("stream", true, "subscribe to server change notifications")
	flags.String("log-level", "info", "log level")
	flags.String("log-format", "text", "log format: json or text")
	flags.String("log-file", "", "write logs to a rotated file instead of stderr")
}

func loadConfig(flags *pflag.FlagSet, configFile string) (agentConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("FIELDSYNC_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return agentConfig{}, err
	}
	if configFile = strings.TrimSpace(configFile); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return agentConfig{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	cfg := agentConfig{
		ServerURL:      v.GetString("server-url"),
		StateDir:       v.GetString("state-dir"),
		InboxDir:       v.GetString("inbox-dir"),
		ClientID:       v.GetString("client-id"),
		Interval:       v.GetDuration("interval"),
		IntervalJitter: clampJitterRatio(v.GetFloat64("interval-jitter")),
		Timeout:        v.GetDuration("timeout"),
		BatchSize:      v.GetInt("batch-size"),
		Stream:         v.GetBool("stream"),
		Log: logging.Options{
			Level:  v.GetString("log-level"),
			Format: v.GetString("log-format"),
			File:   v.GetString("log-file"),
		},
	}
	if strings.TrimSpace(cfg.StateDir) == "" {
		return cfg, fmt.Errorf("state-dir is required")
	}
	if strings.TrimSpace(cfg.InboxDir) == "" {
		cfg.InboxDir = filepath.Join(cfg.StateDir, "inbox")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:          "fieldsync-agent",
		Short:        "Device-side sync agent: outbox, push, pull and local mirror",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml, toml or json)")
	registerFlags(root.PersistentFlags())

	open := func(cmd *cobra.Command) (*session, error) {
		cfg, err := loadConfig(cmd.Flags(), configFile)
		if err != nil {
			return nil, err
		}
		return openSession(cfg)
	}

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Sync on an interval, on inbox drops and on server notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := open(cmd)
			if err != nil {
				return err
			}
			defer sess.Close()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, sess)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := open(cmd)
			if err != nil {
				return err
			}
			defer sess.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), sess.cfg.Timeout)
			defer cancel()
			report, err := sess.agent.SyncOnce(ctx)
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), report, sess.agent)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "enqueue <file.json>",
		Short: "Queue the operations in a JSON file (one object or an array)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := open(cmd)
			if err != nil {
				return err
			}
			defer sess.Close()
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			ops, err := syncclient.DecodeOperations(data)
			if err != nil {
				return fmt.Errorf("decode %s: %w", args[0], err)
			}
			for _, op := range ops {
				stored, err := sess.agent.Enqueue(op)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queued %s %s %s/%s\n", stored.ID, stored.Kind, stored.Entity, stored.RecordID)
			}
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the client id, watermark and outbox depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := open(cmd)
			if err != nil {
				return err
			}
			defer sess.Close()
			return printReport(cmd.OutOrStdout(), syncclient.SyncReport{}, sess.agent)
		},
	})
	return root
}

type session struct {
	cfg       agentConfig
	agent     *syncclient.Agent
	client    *syncclient.HTTPClient
	logger    *logrus.Logger
	logCloser io.Closer
}

func openSession(cfg agentConfig) (*session, error) {
	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	client := syncclient.NewHTTPClient(cfg.ServerURL, &http.Client{Timeout: cfg.Timeout})
	agent, err := syncclient.NewAgent(client, syncclient.AgentOptions{
		Dir:       cfg.StateDir,
		ClientID:  cfg.ClientID,
		BatchSize: cfg.BatchSize,
		Logger:    logger,
	})
	if err != nil {
		_ = logCloser.Close()
		return nil, err
	}
	return &session{cfg: cfg, agent: agent, client: client, logger: logger, logCloser: logCloser}, nil
}

func (s *session) Close() {
	if err := s.agent.Close(); err != nil {
		s.logger.WithError(err).Error("closing agent")
	}
	_ = s.logCloser.Close()
}

func run(ctx context.Context, sess *session) error {
	cfg, agent, logger := sess.cfg, sess.agent, sess.logger
	nudge := make(chan struct{}, 1)
	poke := func() {
		select {
		case nudge <- struct{}{}:
		default:
		}
	}

	inbox, err := syncclient.NewInbox(cfg.InboxDir, agent, logger)
	if err != nil {
		return err
	}
	go func() {
		if err := inbox.Run(ctx); err != nil {
			logger.WithError(err).Error("inbox watcher stopped")
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-inbox.Queued():
				poke()
			}
		}
	}()
	if cfg.Stream {
		go streamChanges(ctx, agent, sess.client, logger, poke)
	}

	syncOnce := func() {
		syncCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		report, err := agent.SyncOnce(syncCtx)
		if err != nil {
			logger.WithError(err).Warn("sync pass failed")
			return
		}
		if report.Pushed+report.Pulled+report.Conflicts+report.Rejected > 0 {
			logger.WithFields(logrus.Fields{
				"pushed":    report.Pushed,
				"pulled":    report.Pulled,
				"conflicts": report.Conflicts,
				"rejected":  report.Rejected,
				"pending":   agent.Pending(),
			}).Info("sync pass completed")
		}
	}

	syncOnce()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(cfg.Interval, cfg.IntervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.WithField("reason", ctx.Err()).Info("agent stopping")
			return nil
		case <-nudge:
			syncOnce()
		case <-timer.C:
			syncOnce()
			timer.Reset(jitteredIntervalWithSample(cfg.Interval, cfg.IntervalJitter, rng.Float64()))
		}
	}
}

// streamChanges keeps a change stream open, reconnecting with backoff, and
// pokes the sync loop whenever another client changed something.
func streamChanges(ctx context.Context, agent *syncclient.Agent, client *syncclient.HTTPClient, logger logrus.FieldLogger, poke func()) {
	backoff := time.Second
	for ctx.Err() == nil {
		clientID := agent.ClientID()
		if clientID == "" {
			// Registration happens on the first sync pass.
			if !sleepContext(ctx, time.Second) {
				return
			}
			continue
		}
		connected := time.Now()
		err := client.Subscribe(ctx, clientID, func(event syncclient.StreamEvent) {
			if event.Type == "changes" {
				poke()
			}
		})
		if ctx.Err() != nil {
			return
		}
		if time.Since(connected) > time.Minute {
			backoff = time.Second
		}
		logger.WithError(err).WithField("retry_in", backoff.String()).Debug("change stream closed")
		if !sleepContext(ctx, backoff) {
			return
		}
		if backoff < time.Minute {
			backoff *= 2
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func printReport(out io.Writer, report syncclient.SyncReport, agent *syncclient.Agent) error {
	lastSync := "never"
	if ts := agent.LastSync(); ts != nil {
		lastSync = ts.Format(time.RFC3339Nano)
	}
	clientID := agent.ClientID()
	if clientID == "" {
		clientID = "(unregistered)"
	}
	_, err := fmt.Fprintf(out, "client %s\nlast sync %s\npending %d\npushed %d pulled %d conflicts %d rejected %d retrying %d\n",
		clientID, lastSync, agent.Pending(),
		report.Pushed, report.Pulled, report.Conflicts, report.Rejected, report.Retrying)
	return err
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
