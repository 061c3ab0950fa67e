package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring"
	"github.com/slackhq/vring/config"
	"github.com/slackhq/vring/util"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	configTest := flag.Bool("test", false, "Test the config without running the simulation. Non zero exit indicates a faulty config")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")
	requests := flag.Int("requests", 100000, "Number of requests to push through the device")
	fragments := flag.Int("fragments", 2, "Fragments per request, the last one is written by the device")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("-config flag must be set")
		flag.Usage()
		os.Exit(1)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	err := c.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load config: %s", err)
		os.Exit(1)
	}

	if err := vring.ConfigureLogger(l, c); err != nil {
		fmt.Printf("failed to configure the logger: %s", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c.RegisterReloadCallback(func(c *config.C) {
		if err := vring.ConfigureLogger(l, c); err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})
	c.CatchHUP(ctx)

	s, err := run(ctx, l, c, workload{requests: *requests, fragments: *fragments}, *configTest)
	if err != nil {
		util.LogWithContextIfNeeded("Simulation failed", err, l)
		os.Exit(1)
	}

	if s != nil {
		l.WithField("summary", s.String()).Info("Simulation finished")
	}

	os.Exit(0)
}
