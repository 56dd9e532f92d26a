package stats

import (
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/seaweedfs/blockfilter/weed/glog"
)

const (
	Namespace = "BlockFilter"
)

var (
	Gather = prometheus.NewRegistry()

	FilterRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "filter",
			Name:      "request_total",
			Help:      "Counter of filter client requests.",
		}, []string{"verb", "code"})

	FilterRequestHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "filter",
			Name:      "request_seconds",
			Help:      "Bucketed histogram of filter client request processing time.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 24),
		}, []string{"verb"})

	FilterRedoCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "filter",
			Name:      "redo_total",
			Help:      "Counter of client operations attempted again after a channel problem.",
		}, []string{"verb"})

	FilterChannelProblemCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "channel",
			Name:      "problem_total",
			Help:      "Counter of problems reported against a downstream channel.",
		}, []string{"channel", "kind"})

	FilterChannelRestartCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "channel",
			Name:      "restart_total",
			Help:      "Counter of supervisor restarts requested for a downstream channel.",
		}, []string{"channel"})

	FilterChannelDemotionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "channel",
			Name:      "demotion_total",
			Help:      "Counter of channels dropped from the mirror after exhausting restarts.",
		}, []string{"channel"})

	FilterChecksumMismatchCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "checksum",
			Name:      "mismatch_total",
			Help:      "Counter of sectors whose stored checksum did not match.",
		}, []string{"fatal"})

	FilterMirroringGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "filter",
			Name:      "mirroring",
			Help:      "1 while writes are duplicated to the mirror channel.",
		})
)

func init() {
	Gather.MustRegister(FilterRequestCounter)
	Gather.MustRegister(FilterRequestHistogram)
	Gather.MustRegister(FilterRedoCounter)
	Gather.MustRegister(FilterChannelProblemCounter)
	Gather.MustRegister(FilterChannelRestartCounter)
	Gather.MustRegister(FilterChannelDemotionCounter)
	Gather.MustRegister(FilterChecksumMismatchCounter)
	Gather.MustRegister(FilterMirroringGauge)
	Gather.MustRegister(collectors.NewGoCollector())
	Gather.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func LoopPushingMetric(name, instance, addr string, intervalSeconds int) {
	if addr == "" || intervalSeconds == 0 {
		return
	}

	glog.V(0).Infof("%s server sends metrics to %s every %d seconds", name, addr, intervalSeconds)

	pusher := push.New(addr, name).Gatherer(Gather).Grouping("instance", instance)

	for {
		err := pusher.Push()
		if err != nil && !strings.HasPrefix(err.Error(), "unexpected status code 200") {
			glog.V(0).Infof("could not push metrics to prometheus push gateway %s: %v", addr, err)
		}
		if intervalSeconds <= 0 {
			intervalSeconds = 15
		}
		time.Sleep(time.Duration(intervalSeconds) * time.Second)
	}
}

func JoinHostPort(host string, port int) string {
	portStr := strconv.Itoa(port)
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return host + ":" + portStr
	}
	return net.JoinHostPort(host, portStr)
}

func StartMetricsServer(ip string, port int) {
	if port == 0 {
		return
	}
	http.Handle("/metrics", promhttp.HandlerFor(Gather, promhttp.HandlerOpts{}))
	handler := sentryhttp.New(sentryhttp.Options{}).Handle(http.DefaultServeMux)
	log.Fatal(http.ListenAndServe(JoinHostPort(ip, port), handler))
}
