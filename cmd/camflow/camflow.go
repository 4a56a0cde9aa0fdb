package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/camflow/server/app"
	"github.com/cyclopcam/camflow/server/config"
	"github.com/cyclopcam/logs"
)

func check(err error) {
	if err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}
}

func main() {
	parser := argparse.NewParser("camflow", "Camera AI pipeline")
	configFile := parser.String("c", "config", &argparse.Options{Help: "JSON configuration file. If empty, the built-in defaults are used.", Default: ""})
	timeout := parser.Int("t", "timeout", &argparse.Options{Help: "Stop after this many seconds. Zero runs until interrupted.", Default: 0})
	printLatency := parser.Flag("", "print-latency", &argparse.Options{Help: "Print the average latency of each stage on exit", Default: false})
	printCounters := parser.Flag("", "print-counters", &argparse.Options{Help: "Print the debug counters of each stage on exit", Default: false})
	udpHost := parser.String("", "udp-host", &argparse.Options{Help: "Override the RTP destination host", Default: ""})
	udpPort := parser.Int("", "udp-port", &argparse.Options{Help: "Override the RTP destination port", Default: 0})
	threshold := parser.Float("", "threshold", &argparse.Options{Help: "Override the minimum detection confidence", Default: 0.0})
	noTiling := parser.Flag("", "no-tiling", &argparse.Options{Help: "Detect on the detection stream instead of tiling the main stream", Default: false})
	writeConfig := parser.String("", "write-config", &argparse.Options{Help: "Write the effective configuration to this file, and exit", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	if *configFile != "" {
		cfg, err = config.LoadConfig(*configFile)
		check(err)
	}
	if *udpHost != "" {
		cfg.UDP.Host = *udpHost
	}
	if *udpPort != 0 {
		cfg.UDP.Port = *udpPort
	}
	if *threshold != 0 {
		cfg.Model.Threshold = float32(*threshold)
	}
	if *noTiling {
		cfg.Tiling.Enabled = false
	}
	if *writeConfig != "" {
		check(cfg.Save(*writeConfig))
		return
	}

	if err := run(logger, cfg, time.Duration(*timeout)*time.Second, *printLatency, *printCounters); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	logger.Infof("Exiting")
}

// Runs the pipeline until a signal arrives, or until 'timeout' expires.
// The app is closed on every return path.
func run(logger logs.Log, cfg *config.Config, timeout time.Duration, printLatency, printCounters bool) error {
	a, err := app.New(logger, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Infof("%v", a.Summary())
	if err := a.Start(); err != nil {
		return fmt.Errorf("Failed to start pipeline: %w", err)
	}

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	var expired <-chan time.Time
	if timeout > 0 {
		expired = time.After(timeout)
	}
	select {
	case sig := <-signals:
		logger.Infof("Received signal %v", sig)
	case <-expired:
		logger.Infof("Timeout of %v expired", timeout)
	}

	daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err := a.Stop(); err != nil {
		logger.Errorf("Error stopping pipeline: %v", err)
	}
	if printLatency {
		a.WriteLatency(os.Stdout)
	}
	if printCounters {
		a.WriteCounters(os.Stdout)
	}
	return nil
}
