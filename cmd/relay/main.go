// Command relay runs the Relay Authentication Service: the HTTP-facing
// process that pays gas to create and register on-chain accounts, verifies
// WebAuthn+VRF authentication assertions, and fronts the Shamir server-lock
// endpoints. Wiring order follows the teacher's cmd/appserver: load config,
// open storage and apply migrations, construct collaborators bottom-up,
// start background jobs, serve, then drain on SIGINT/SIGTERM.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/nearkey/signer-core/internal/chain"
	"github.com/nearkey/signer-core/internal/config"
	"github.com/nearkey/signer-core/internal/logging"
	"github.com/nearkey/signer-core/internal/metrics"
	"github.com/nearkey/signer-core/internal/nonce"
	"github.com/nearkey/signer-core/internal/relay"
	"github.com/nearkey/signer-core/internal/relay/store"
	"github.com/nearkey/signer-core/internal/session"
	"github.com/nearkey/signer-core/internal/shamir"
	"github.com/nearkey/signer-core/internal/signerworker"
	"github.com/nearkey/signer-core/internal/txqueue"
	"github.com/nearkey/signer-core/internal/types"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	logger := logging.New("relay", logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.WithField("env", string(cfg.Env)).Info("starting relay authentication service")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	defer db.Close()
	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}
	relayStore := store.New(db)

	var redisClient *goredis.Client
	if cfg.RedisAddr != "" {
		redisClient = goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(rootCtx).Err(); err != nil {
			log.Fatalf("connect to redis: %v", err)
		}
		defer redisClient.Close()
	}

	chainClient := chain.NewClient(chain.Config{RPCURL: cfg.RPCURL, Timeout: cfg.RequestTimeout})
	nonceManager := nonce.NewManager(chainClient)
	signer := signerworker.Start(rootCtx)
	queue := txqueue.New(redisClient)
	collector := metrics.New("relay")

	var sessionSvc *session.Service
	if cfg.SessionSigningSecret != "" {
		sessionSvc = session.New([]byte(cfg.SessionSigningSecret),
			session.WithTTL(cfg.SessionTTL))
	} else {
		logger.Warn("SESSION_SIGNING_SECRET not set: verify_authentication will not issue session credentials")
	}

	var shamirSvc *shamir.Service
	if cfg.ShamirPrimeB64U != "" {
		shamirSvc, err = buildShamirService(cfg, relayStore)
		if err != nil {
			log.Fatalf("configure shamir service: %v", err)
		}
	} else {
		logger.Warn("SHAMIR_P_B64U not set: shamir endpoints will report SHAMIR_NOT_INIT")
	}

	svc, err := relay.New(relay.Config{
		RelayerAccountID:      types.AccountID(cfg.RelayerAccountID),
		RelayerPrivateKey:     cfg.RelayerPrivateKey,
		WebAuthnContractID:    types.AccountID(cfg.WebAuthnContractID),
		NetworkID:             cfg.NetworkID,
		AccountInitialBalance: cfg.AccountInitialBalance,
		CreateAndRegisterGas:  cfg.CreateAndRegisterGas,
		Rotation: relay.RotationSchedule{
			CronExpr:     cfg.KeyRotationSchedule,
			GraceTTL:     cfg.SessionSlidingWindow,
			MaxGraceKeys: cfg.MaxGraceKeys,
		},
	}, relay.Deps{
		Chain:   chainClient,
		Nonces:  nonceManager,
		Signer:  signer,
		Queue:   queue,
		Store:   relayStore,
		Shamir:  shamirSvc,
		Session: sessionSvc,
		Log:     logger,
		Metrics: collector,
	})
	if err != nil {
		log.Fatalf("construct relay service: %v", err)
	}

	var rotationJob *relay.RotationJob
	if shamirSvc != nil && cfg.KeyRotationSchedule != "" {
		rotationJob = relay.NewRotationJob(svc, relay.RotationSchedule{
			CronExpr:     cfg.KeyRotationSchedule,
			GraceTTL:     cfg.SessionSlidingWindow,
			MaxGraceKeys: cfg.MaxGraceKeys,
		})
		if err := rotationJob.Start(); err != nil {
			log.Fatalf("start shamir rotation job: %v", err)
		}
	}

	router := relay.NewRouter(svc)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		logger.WithField("addr", cfg.ListenAddr).Info("relay listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("relay http server: %v", err)
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if rotationJob != nil {
		rotationJob.Stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithField("error", err.Error()).Error("http server shutdown error")
	}
}

// buildShamirService decodes the configured safe prime and server exponent
// pair from base64url, the same encoding VRF public keys use elsewhere in
// the system, and seeds the current key if the store has none yet.
func buildShamirService(cfg *config.RelayConfig, st *store.Store) (*shamir.Service, error) {
	p, err := decodeB64UBigInt(cfg.ShamirPrimeB64U)
	if err != nil {
		return nil, fmt.Errorf("decode SHAMIR_P_B64U: %w", err)
	}
	svc := shamir.NewService(p, st)

	if cfg.ShamirEB64U == "" || cfg.ShamirDB64U == "" {
		return svc, nil
	}
	e, err := decodeB64UBigInt(cfg.ShamirEB64U)
	if err != nil {
		return nil, fmt.Errorf("decode SHAMIR_E_S_B64U: %w", err)
	}
	d, err := decodeB64UBigInt(cfg.ShamirDB64U)
	if err != nil {
		return nil, fmt.Errorf("decode SHAMIR_D_S_B64U: %w", err)
	}
	if _, err := st.CurrentKey(); err != nil {
		seedKey := shamir.KeyPair{KeyID: "bootstrap", E: e, D: d, CreatedAt: time.Now(), Active: true}
		if err := st.PutCurrentKey(seedKey); err != nil {
			return nil, fmt.Errorf("seed shamir current key: %w", err)
		}
	}
	return svc, nil
}

func decodeB64UBigInt(encoded string) (*big.Int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}
