package vring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/config"
)

// StartStats exports reg as configured by the stats block of c until ctx is
// done. With configTest set everything is validated but nothing is started.
func StartStats(ctx context.Context, l *logrus.Logger, c *config.C, reg metrics.Registry, buildVersion string, configTest bool) error {
	mType := c.GetString("stats.type", "")
	if mType == "" || mType == "none" {
		return nil
	}

	interval := c.GetDuration("stats.interval", 0)
	if interval == 0 {
		return fmt.Errorf("stats.interval was an invalid duration: %s", c.GetString("stats.interval", ""))
	}

	var err error
	switch mType {
	case "graphite":
		err = startGraphiteStats(l, interval, c, reg, configTest)
	case "prometheus":
		err = startPrometheusStats(ctx, l, interval, c, reg, buildVersion, configTest)
	default:
		return fmt.Errorf("stats.type was not understood: %s", mType)
	}
	if err != nil {
		return err
	}

	if !configTest {
		metrics.RegisterRuntimeMemStats(reg)
		go metrics.CaptureRuntimeMemStats(reg, interval)
	}

	return nil
}

func startGraphiteStats(l *logrus.Logger, i time.Duration, c *config.C, reg metrics.Registry, configTest bool) error {
	proto := c.GetString("stats.protocol", "tcp")
	host := c.GetString("stats.host", "")
	if host == "" {
		return errors.New("stats.host can not be empty")
	}

	prefix := c.GetString("stats.prefix", "vring")
	addr, err := net.ResolveTCPAddr(proto, host)
	if err != nil {
		return fmt.Errorf("error while setting up graphite sink: %s", err)
	}

	l.Infof("Starting graphite. Interval: %s, prefix: %s, addr: %s", i, prefix, addr)
	if !configTest {
		go graphite.Graphite(reg, i, prefix, addr)
	}
	return nil
}

func startPrometheusStats(ctx context.Context, l *logrus.Logger, i time.Duration, c *config.C, reg metrics.Registry, buildVersion string, configTest bool) error {
	namespace := c.GetString("stats.namespace", "")
	subsystem := c.GetString("stats.subsystem", "")

	listen := c.GetString("stats.listen", "")
	if listen == "" {
		return fmt.Errorf("stats.listen should not be empty")
	}

	path := c.GetString("stats.path", "")
	if path == "" {
		return fmt.Errorf("stats.path should not be empty")
	}

	pr := prometheus.NewRegistry()
	pClient := mp.NewPrometheusProvider(reg, namespace, subsystem, pr, i)

	// Export our version information as labels on a static gauge
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "info",
		Help:      "Version information for the vring binary",
		ConstLabels: prometheus.Labels{
			"version":   buildVersion,
			"goversion": runtime.Version(),
		},
	})
	pr.MustRegister(g)
	g.Set(1)

	if configTest {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: l}))
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go pClient.UpdatePrometheusMetrics()
	go func() {
		l.Infof("Prometheus stats listening on %s at %s", listen, path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.WithError(err).Error("Prometheus stats server failed")
		}
	}()
	context.AfterFunc(ctx, func() {
		_ = srv.Close()
	})

	return nil
}
