// Command bsdm-proxy runs the caching MITM forward proxy and its admin
// endpoint.
package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	flag "github.com/jnovack/flag"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/onixus/bsdm-proxy/pkg/admin"
	"github.com/onixus/bsdm-proxy/pkg/ca"
	"github.com/onixus/bsdm-proxy/pkg/cache"
	"github.com/onixus/bsdm-proxy/pkg/events"
	"github.com/onixus/bsdm-proxy/pkg/flight"
	"github.com/onixus/bsdm-proxy/pkg/logging"
	"github.com/onixus/bsdm-proxy/pkg/proxy"
	"github.com/onixus/bsdm-proxy/pkg/signals"
	"github.com/onixus/bsdm-proxy/pkg/upstream"
)

var (
	flagAddr      = flag.String("http-addr", ":1488", "proxy listen address")
	flagAdminAddr = flag.String("metrics-addr", ":8080", "admin/metrics listen address")
	flagLogLevel  = flag.String("log-level", "info", "log level: debug|info|warn|error")

	flagCacheCapacity = flag.Int("cache-capacity", 4096, "max cached entries")
	flagMaxBodySize   = flag.Int64("max-body-size", 10_000_000, "max cacheable body bytes")
	flagDefaultTTL    = flag.Int("default-ttl-seconds", 3600, "TTL when the response has no directives")
	flagMaxTTL        = flag.Int("max-ttl-seconds", 86400, "ceiling on derived TTLs")

	flagPoolIdleTimeout = flag.Int("upstream-pool-idle-timeout", 90, "seconds before idle upstream connections close")
	flagPoolMaxIdle     = flag.Int("upstream-pool-max-idle-per-host", 8, "max idle upstream connections per host")
	flagFetchTimeout    = flag.Int("fetch-timeout-seconds", 30, "overall origin fetch deadline")
	flagIdleTimeout     = flag.Int("idle-timeout-seconds", 120, "client connection/tunnel idle timeout")

	flagQueueCapacity = flag.Int("event-queue-capacity", 1024, "publisher queue size")
	flagBatchSize     = flag.Int("event-batch-size", 100, "publisher batch size")
	flagBatchTimeout  = flag.Int("event-batch-timeout-ms", 500, "publisher batch timeout in milliseconds")
	flagKafkaBrokers  = flag.String("kafka-brokers", "", "comma-separated Kafka brokers; empty disables the bus")
	flagKafkaTopic    = flag.String("kafka-topic", "cache-events", "Kafka topic for cache events")

	flagRootPem = flag.String("root-pem", "", "combined root CA PEM (cert+key)")
	flagCACert  = flag.String("ca-cert", "", "root CA certificate file")
	flagCAKey   = flag.String("ca-key", "", "root CA key file")
	flagDN      = flag.String("dn", "", "DN for a generated root CA when none is provided")
	flagRootOut = flag.String("root-out", "", "write a generated root CA (combined PEM) here")
	flagLeafTTL = flag.Int("leaf-ttl-seconds", 30*24*3600, "minted leaf validity")
	flagLeafCap = flag.Int("cert-cache-capacity", 1024, "max cached leaf certificates")
)

func main() {
	flag.Parse()
	logging.Setup(*flagLogLevel)

	root := loadRootCA()
	mint, err := ca.NewMint(root, *flagLeafCap, time.Duration(*flagLeafTTL)*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build certificate mint")
	}

	store := cache.NewStore(*flagCacheCapacity)
	gate := flight.NewGate[*cache.Artifact]()
	client := upstream.New(upstream.Config{
		MaxBodyBytes:   *flagMaxBodySize,
		MaxIdlePerHost: *flagPoolMaxIdle,
		IdleTimeout:    time.Duration(*flagPoolIdleTimeout) * time.Second,
	})

	var sink events.Sink = events.NopSink{}
	if *flagKafkaBrokers != "" {
		sink = events.NewKafkaSink(strings.Split(*flagKafkaBrokers, ","), *flagKafkaTopic)
		log.Info().Str("brokers", *flagKafkaBrokers).Str("topic", *flagKafkaTopic).Msg("event bus enabled")
	}
	publisher := events.NewPublisher(sink, events.PublisherConfig{
		QueueCapacity: *flagQueueCapacity,
		BatchSize:     *flagBatchSize,
		BatchTimeout:  time.Duration(*flagBatchTimeout) * time.Millisecond,
	})

	metrics := admin.NewMetrics()
	metrics.CacheStats = func() (int, int64) {
		st := store.Stats()
		return st.Entries, st.Bytes
	}
	metrics.EventsDropped = publisher.Dropped
	metrics.EventsFailed = publisher.Failed
	metrics.LeafSigns = mint.Signs

	srv := proxy.NewServer(*flagAddr, proxy.Config{
		Store: store,
		Policy: cache.Policy{
			MaxBodySize: *flagMaxBodySize,
			DefaultTTL:  time.Duration(*flagDefaultTTL) * time.Second,
			MaxTTL:      time.Duration(*flagMaxTTL) * time.Second,
		},
		Gate:         gate,
		Mint:         mint,
		Upstream:     client,
		Events:       publisher,
		Metrics:      metrics,
		FetchTimeout: time.Duration(*flagFetchTimeout) * time.Second,
		IdleTimeout:  time.Duration(*flagIdleTimeout) * time.Second,
	})

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("/healthz", admin.HandleHealth)
	adminMux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) { admin.HandleMetrics(w, metrics) })
	adminMux.HandleFunc("/statusz", func(w http.ResponseWriter, _ *http.Request) { admin.HandleStatusz(w, metrics) })
	adminMux.HandleFunc("/varz", func(w http.ResponseWriter, _ *http.Request) {
		admin.HandleVarz(w, map[string]interface{}{
			"addr":           *flagAddr,
			"cache_capacity": *flagCacheCapacity,
			"max_body_size":  *flagMaxBodySize,
			"kafka_topic":    *flagKafkaTopic,
		})
	})
	adminMux.HandleFunc("/cert", func(w http.ResponseWriter, _ *http.Request) { admin.HandleCert(w, root.PEM()) })
	adminSrv := &http.Server{Addr: *flagAdminAddr, Handler: adminMux}

	ctx := signals.Setup()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", *flagAdminAddr).Msg("admin HTTP starting")
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return adminSrv.Shutdown(shutCtx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("server failed")
	}

	publisher.Close(5 * time.Second)
	log.Info().Msg("bsdm-proxy stopped")
}

// loadRootCA loads the configured root CA, or generates a self-signed one so
// the proxy can still come up in a fresh environment.
func loadRootCA() *ca.RootCA {
	root, err := ca.NewRootCAFromFiles(*flagRootPem, *flagCACert, *flagCAKey)
	if err == nil {
		return root
	}

	nameSpec := *flagDN
	if nameSpec == "" {
		nameSpec = "bsdm-proxy"
	}
	name, perr := ca.ParseDN(nameSpec)
	if perr != nil {
		log.Fatal().Err(perr).Msg("failed to parse dn")
	}
	root, gerr := ca.GenerateRootCASelfSigned(name)
	if gerr != nil {
		log.Fatal().Err(gerr).Msg("failed to generate root CA")
	}
	log.Warn().Err(err).Msg("no usable root CA provided; generated a self-signed root")
	if *flagRootOut != "" {
		if werr := root.SaveCombined(*flagRootOut); werr != nil {
			log.Error().Err(werr).Str("path", *flagRootOut).Msg("failed to save generated root CA")
		}
	}
	return root
}
