// Command slang runs an SLA-NG probe agent: it exchanges timestamped
// ping/pong probes with its configured peers and reports delay samples.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/GBert/SLANG/pkg/config"
	"github.com/GBert/SLANG/pkg/packet"
	"github.com/GBert/SLANG/pkg/report"
	"github.com/GBert/SLANG/pkg/session"
	"github.com/GBert/SLANG/pkg/socket"
)

var root *cobra.Command

func init() {
	root = &cobra.Command{
		Use:   "slang",
		Short: "active network performance probe agent",
		RunE:  run,
	}
	root.PersistentFlags().StringP("config", "c", "", "path to YAML config")
	root.PersistentFlags().String("mode", "", "timestamp mode: userland or kernel")
	root.PersistentFlags().IntP("port", "p", 0, "probe/control port")
	root.PersistentFlags().Int("interval", 0, "probe interval (ms)")
	root.PersistentFlags().StringArray("peer", nil, "peer address (host:port), repeatable")
	root.PersistentFlags().Bool("debug", false, "debug logging")
}

func run(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	if debug, _ := root.PersistentFlags().GetBool("debug"); debug {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Startup-time resource acquisition is the only fatal territory.
	udpFD, tcpFD, err := socket.BindPair(cfg.Port)
	if err != nil {
		log.Fatalf("bind: %v", err)
	}
	defer unix.Close(udpFD)

	if err := socket.EnableTimestamping(udpFD, cfg.Mode() == packet.ModeKernel); err != nil {
		if cfg.Mode() == packet.ModeKernel {
			log.Fatalf("kernel timestamping unavailable: %v", err)
		}
		log.Warnf("rx timestamping unavailable, falling back to userland clock: %v", err)
	}
	if cfg.TrafficClass != 0 {
		if err := socket.ApplyTrafficClass(udpFD, cfg.TrafficClass); err != nil {
			log.Warnf("traffic class: %v", err)
		}
	}

	ln, err := socket.Listener(tcpFD)
	if err != nil {
		log.Fatalf("control listener: %v", err)
	}
	defer ln.Close()

	rep := report.NewChannel(cfg.ReportBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		report.Summarize(rep.Samples(), 1000, 3)
	}()

	xcvr := packet.NewTransceiver(udpFD, cfg.Mode())
	engine, err := session.NewEngine(cfg, xcvr, ln, rep)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Infof("probing %d peer(s) on port %d, %s timestamps", len(cfg.Peers), cfg.Port, cfg.Mode())
	err = engine.Run(ctx)

	rep.Close()
	<-done
	if dropped := rep.Dropped(); dropped > 0 {
		log.Warnf("%d sample(s) dropped by reporter backpressure", dropped)
	}
	c := engine.Counters()
	log.Infof("lost=%d rejected=%d invalid=%d send_errors=%d", c.Lost, c.Rejected, c.Invalid, c.SendErrors)

	if err == context.Canceled {
		return nil
	}
	return err
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if path, _ := root.PersistentFlags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	} else {
		cfg = &config.Config{}
		config.ApplyDefaults(cfg)
	}

	if mode, _ := root.PersistentFlags().GetString("mode"); mode != "" {
		cfg.TimestampMode = mode
	}
	if port, _ := root.PersistentFlags().GetInt("port"); port != 0 {
		cfg.Port = port
	}
	if iv, _ := root.PersistentFlags().GetInt("interval"); iv != 0 {
		cfg.ProbeIntervalMS = iv
	}
	if peers, _ := root.PersistentFlags().GetStringArray("peer"); len(peers) > 0 {
		cfg.Peers = append(cfg.Peers, peers...)
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000000"})
	if err := root.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
