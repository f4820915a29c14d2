// cmd/generation-daemon/main.go
package main

import (
	"context"
	"encoding/json"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"generation-core/internal/common/config"
	apperrors "generation-core/internal/common/errors"
	"generation-core/internal/common/logger"
	"generation-core/internal/common/observability"
	"generation-core/internal/common/retry"
	"generation-core/internal/engine"
	"generation-core/internal/entitlement"
	"generation-core/internal/quota"
	"generation-core/internal/store"
	"generation-core/internal/worker"
)

func main() {
	zapLog := logger.New("info", "console")
	defer zapLog.Sync()

	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting generation daemon...")

	cfg, err := config.Load()
	if err != nil {
		zapLog.Fatal("config load failed", zap.Error(err))
	}

	obs := observability.New("generation-daemon")
	defer obs.Shutdown()

	ctx := context.Background()

	infraPolicy := retry.Policy{MaxAttempts: 10, InitialDelay: 2 * time.Second, Factor: 2}

	// --- Init Redis (durable store + entitlement cache) with retry ---
	var durable *store.RedisStore
	err = retry.Do(ctx, infraPolicy, log, "Redis connection", func(ctx context.Context) error {
		var err error
		durable, err = store.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return durable.Ping(ctx)
	})
	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer durable.Close()
	zapLog.Info("Redis connected successfully")

	// --- Init PostgreSQL quota authority with retry ---
	var authority *quota.PostgresAuthority
	err = retry.Do(ctx, infraPolicy, log, "PostgreSQL connection", func(ctx context.Context) error {
		var err error
		authority, err = quota.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return authority.Ping(ctx)
	})
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer authority.Close()
	zapLog.Info("PostgreSQL quota authority connected successfully")

	// --- Quota ledger with background rollback queue ---
	queueCtx, queueCancel := context.WithCancel(ctx)
	defer queueCancel()
	rollbacks := quota.NewRollbackQueue(authority, log)
	rollbacks.Start(queueCtx)
	defer rollbacks.Stop()

	ledger := quota.NewLedger(authority, rollbacks, log)

	// --- Entitlement validation ---
	entAuthority := entitlement.NewHTTPAuthority(
		cfg.Entitlement.AuthorityURL,
		cfg.Entitlement.APIKey,
		time.Duration(cfg.Entitlement.RequestTimeout)*time.Millisecond,
	)
	entCache := entitlement.NewRedisCache(
		durable.Client,
		time.Duration(cfg.Entitlement.CacheTTL)*time.Second,
	)
	validator := entitlement.NewValidator(entCache, entAuthority, log)
	identity := entitlement.NewIdentity(durable, log)

	// --- Remote generation worker client ---
	workerClient := worker.NewClient(
		cfg.Worker.BaseURL,
		cfg.Worker.APIKey,
		time.Duration(cfg.Worker.RequestTimeout)*time.Millisecond,
	)

	// --- Engine ---
	eng := engine.New(engine.Deps{
		Config:        cfg.Engine,
		Quota:         cfg.Quota,
		Worker:        workerClient,
		Records:       store.NewJobRecordStore(durable),
		Ledger:        ledger,
		Entitlements:  validator,
		Identity:      identity,
		Logger:        log,
		Observability: obs,
	})

	// Settle whatever the previous process left behind before accepting
	// new submissions.
	outcome := eng.Reconcile(ctx)
	zapLog.Info("startup reconciliation complete", zap.String("outcome", string(outcome)))

	// --- API Server ---
	api := http.NewServeMux()
	registerAPI(api, eng)
	apiServer := &http.Server{
		Addr:    cfg.HTTP.ListenAddress,
		Handler: api,
	}
	go func() {
		zapLog.Info("API server listening", zap.String("address", cfg.HTTP.ListenAddress))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLog.Error("API server failed", zap.Error(err))
		}
	}()

	// --- Health & Metrics Server ---
	go func() {
		http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "healthy",
				"time":   time.Now().Format(time.RFC3339),
			})
		})
		http.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "ready",
				"time":   time.Now().Format(time.RFC3339),
			})
		})
		http.Handle("/metrics", promhttp.Handler())
		zapLog.Info("Health/Metrics server listening", zap.String("address", cfg.HTTP.MetricsAddress))
		if err := http.ListenAndServe(cfg.HTTP.MetricsAddress, nil); err != nil {
			zapLog.Error("Health/Metrics server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, stopping...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop polling first so nothing new lands in the rollback queue while
	// it drains. The persisted record survives; recovery settles the job
	// on the next start.
	eng.EnterBackground()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("API server shutdown failed", zap.Error(err))
	}

	zapLog.Info("Generation daemon stopped gracefully")
}

// registerAPI wires the engine commands onto the mux.
func registerAPI(mux *http.ServeMux, eng *engine.Engine) {
	mux.HandleFunc("/v1/generation", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, eng.View())
		case http.MethodPost:
			var req struct {
				InputRef string `json:"inputRef"`
				Prompt   string `json:"prompt"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InputRef == "" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "inputRef is required"})
				return
			}
			if err := eng.RequestGeneration(r.Context(), req.InputRef, req.Prompt); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusAccepted, eng.View())
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/v1/generation/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		eng.CancelCurrentGeneration(r.Context())
		writeJSON(w, http.StatusOK, eng.View())
	})

	mux.HandleFunc("/v1/generation/ack", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		eng.AcknowledgeResult(r.Context())
		writeJSON(w, http.StatusOK, eng.View())
	})

	mux.HandleFunc("/v1/app/background", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		eng.EnterBackground()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/v1/app/foreground", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		eng.EnterForeground(r.Context())
		writeJSON(w, http.StatusOK, eng.View())
	})
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

// writeError maps engine error kinds to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch apperrors.KindOf(err) {
	case apperrors.KindDuplicateInFlight:
		code = http.StatusConflict
	case apperrors.KindQuotaExhausted:
		code = http.StatusPaymentRequired
	case apperrors.KindSecurityViolation:
		code = http.StatusForbidden
	case apperrors.KindNetwork:
		code = http.StatusBadGateway
	case apperrors.KindServerRejected:
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, map[string]string{
		"error":  err.Error(),
		"kind":   string(apperrors.KindOf(err)),
		"reason": string(apperrors.ReasonOf(err)),
	})
}
