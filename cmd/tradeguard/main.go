package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/microsoft/go-mssqldb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"tradeguard/adapter"
	"tradeguard/exitmanager"
	"tradeguard/ledger"
	"tradeguard/obs"
	"tradeguard/reconciler"
)

var (
	addrFlag              = flag.String("addr", ":8083", "HTTP listen address for /metrics and /healthz")
	exchangeURLFlag       = flag.String("exchange-url", envOrDefault("EXCHANGE_URL", "http://localhost:8090"), "Futures exchange REST base URL")
	checkIntervalFlag     = flag.Duration("check-interval", 60*time.Second, "Staged-exit evaluation interval")
	reconcileIntervalFlag = flag.Duration("reconcile-interval", 15*time.Minute, "Reconciliation pass interval")
	leaseTTLFlag          = flag.Duration("lease-ttl", 30*time.Second, "Lease timeout")
	duplicateWindowFlag   = flag.Duration("duplicate-window", 30*time.Second, "Recent-completion suppression window")
	epsilonFlag           = flag.String("epsilon", "0.0001", "Quantity comparison tolerance")
	mssqlHostFlag         = flag.String("sql-host", envOrDefault("MSSQL_HOST", "localhost"), "SQL Server host")
	mssqlPortFlag         = flag.String("sql-port", envOrDefault("MSSQL_PORT", "1433"), "SQL Server port")
	mssqlUserFlag         = flag.String("sql-user", envOrDefault("MSSQL_USER", "sa"), "SQL Server user")
	mssqlPasswordFlag     = flag.String("sql-password", envOrDefault("MSSQL_SA_PASSWORD", ""), "SQL Server password")
	mssqlDBFlag           = flag.String("sql-db", envOrDefault("MSSQL_DATABASE", "tradeguard"), "SQL Server database")
	mssqlEncryptFlag      = flag.String("sql-encrypt", envOrDefault("MSSQL_ENCRYPT", "disable"), "SQL Server encrypt setting")
)

func main() {
	flag.Parse()

	epsilon, err := decimal.NewFromString(*epsilonFlag)
	if err != nil {
		log.Fatalf("parse epsilon: %v", err)
	}

	dsn, err := buildSQLServerDSN(*mssqlHostFlag, *mssqlPortFlag, *mssqlUserFlag, *mssqlPasswordFlag, *mssqlDBFlag, *mssqlEncryptFlag)
	if err != nil {
		log.Fatalf("build SQL Server DSN: %v", err)
	}

	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		log.Fatalf("open SQL Server: %v", err)
	}
	defer func() {
		_ = db.Close()
	}()

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		log.Fatalf("ping SQL Server: %v", err)
	}
	cancel()

	store, err := ledger.NewStore(db)
	if err != nil {
		log.Fatalf("construct store: %v", err)
	}

	metrics := obs.NewMetrics(prometheus.DefaultRegisterer)

	client, err := adapter.NewRestClient(*exchangeURLFlag, 5*time.Second)
	if err != nil {
		log.Fatalf("construct exchange client: %v", err)
	}
	executor, err := adapter.NewLedgerExecutor(store, client, nil)
	if err != nil {
		log.Fatalf("construct stage executor: %v", err)
	}

	holderID := holderIdentity()
	manager, err := exitmanager.NewManager(store, executor, client, exitmanager.Clock{}, exitmanager.Config{
		HolderID:        holderID,
		LeaseTTL:        *leaseTTLFlag,
		DuplicateWindow: *duplicateWindowFlag,
	}, metrics)
	if err != nil {
		log.Fatalf("construct exit manager: %v", err)
	}

	repairer, err := reconciler.NewRepairer(store, client, reconciler.Clock{}, metrics)
	if err != nil {
		log.Fatalf("construct repairer: %v", err)
	}
	checker, err := reconciler.NewChecker(store, client, repairer, reconciler.Clock{}, reconciler.CheckerConfig{
		Interval: *reconcileIntervalFlag,
		Epsilon:  epsilon,
	}, metrics)
	if err != nil {
		log.Fatalf("construct checker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go checker.Run(ctx)
	go runCheckLoop(ctx, manager, metrics, holderID, *checkIntervalFlag)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		healthCtx, healthCancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer healthCancel()
		if err := db.PingContext(healthCtx); err != nil {
			http.Error(w, "db unreachable", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})

	httpServer := &http.Server{
		Addr:    *addrFlag,
		Handler: mux,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
	}()

	log.Printf("tradeguard listening on %s holder_id=%s", *addrFlag, holderID)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server: %v", err)
	}
}

// runCheckLoop drives the staged-exit coordinator: an immediate pass, then
// one per interval. Cancellation stops future ticks; a pass in progress runs
// to completion.
func runCheckLoop(ctx context.Context, manager *exitmanager.Manager, metrics *obs.Metrics, callerID string, interval time.Duration) {
	runOnce := func() {
		start := time.Now()
		passCtx, passCancel := context.WithTimeout(ctx, interval)
		report, err := manager.RunCheck(passCtx, callerID)
		passCancel()
		metrics.ObservePass("check", time.Since(start))
		if err != nil {
			log.Printf("check_pass_failed caller_id=%s error=%v", callerID, err)
			return
		}
		if report.Executed > 0 || report.Skipped > 0 {
			log.Printf("check_pass_done caller_id=%s executed=%d skipped=%d", callerID, report.Executed, report.Skipped)
		}
	}

	runOnce()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce()
		}
	}
}

func holderIdentity() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "tradeguard"
	}
	return hostname + "-" + uuid.NewString()[:8]
}

func envOrDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func buildSQLServerDSN(host, port, user, password, database, encrypt string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("sql password is required")
	}
	uri := &url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(user, password),
		Host:   fmt.Sprintf("%s:%s", host, port),
	}
	query := url.Values{}
	query.Set("database", database)
	query.Set("encrypt", encrypt)
	uri.RawQuery = query.Encode()
	return uri.String(), nil
}
