package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/simchain/simchain/app/services/simulator/handlers"
	"github.com/simchain/simchain/foundation/chain/executor"
	"github.com/simchain/simchain/foundation/chain/state"
	"github.com/simchain/simchain/foundation/chain/worker"
	"github.com/simchain/simchain/foundation/logger"
)

// build is the git version of this program. It is set using build flags
// in the makefile.
var build = "develop"

func main() {

	// Construct the application logger.
	log, err := logger.New("SIMULATOR")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	// Perform the startup and shutdown sequence.
	if err := run(log); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {

	// =========================================================================
	// Configuration

	cfg := struct {
		conf.Version
		Web struct {
			ReadTimeout     time.Duration `conf:"default:5s"`
			WriteTimeout    time.Duration `conf:"default:10s"`
			IdleTimeout     time.Duration `conf:"default:120s"`
			ShutdownTimeout time.Duration `conf:"default:20s"`
			PublicHost      string        `conf:"default:0.0.0.0:8080"`
		}
		Chain struct {
			DBPath                     string        `conf:"default:zchain/chain.db"`
			Coinbase                   string        `conf:"default:0xFef311483Cc040e1A89fb9bb469eeB8A70935EF8"`
			GasLimit                   uint64        `conf:"default:6000000"`
			BlockTime                  time.Duration `conf:"default:0s"`
			ChainID                    uint64        `conf:"default:1337"`
			Hardfork                   string        `conf:"default:istanbul"`
			AllowUnlimitedContractSize bool          `conf:"default:false"`
			LegacyInstamine            bool          `conf:"default:false"`
			VMErrorsOnRPCResponse      bool          `conf:"default:false"`
			InitialAccounts            []string
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "chain simulator service",
		},
	}

	const prefix = "SIM"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// =========================================================================
	// Chain Support

	if !common.IsHexAddress(cfg.Chain.Coinbase) {
		return fmt.Errorf("invalid coinbase address %q", cfg.Chain.Coinbase)
	}

	initialAccounts, err := parseInitialAccounts(cfg.Chain.InitialAccounts)
	if err != nil {
		return fmt.Errorf("parsing initial accounts: %w", err)
	}

	ev := func(v string, args ...any) {
		log.Infow(fmt.Sprintf(v, args...))
	}

	st, err := state.New(state.Config{
		DBPath:                     cfg.Chain.DBPath,
		InitialAccounts:            initialAccounts,
		Hardfork:                   cfg.Chain.Hardfork,
		AllowUnlimitedContractSize: cfg.Chain.AllowUnlimitedContractSize,
		GasLimit:                   cfg.Chain.GasLimit,
		BlockTime:                  cfg.Chain.BlockTime,
		Coinbase:                   common.HexToAddress(cfg.Chain.Coinbase),
		ChainID:                    cfg.Chain.ChainID,
		LegacyInstamine:            cfg.Chain.LegacyInstamine,
		VMErrorsOnRPCResponse:      cfg.Chain.VMErrorsOnRPCResponse,
		EvHandler:                  ev,
	})
	if err != nil {
		return fmt.Errorf("starting chain: %w", err)
	}
	defer st.Stop()

	// Wire the mining loop and complete the start.
	worker.Run(st, ev)

	log.Infow("startup", "status", "chain started", "latest", st.LatestBlock().Header.Number)

	// =========================================================================
	// Service Start/Stop Support

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	mux := handlers.PublicMux(handlers.MuxConfig{
		Shutdown: shutdown,
		Log:      log,
		State:    st,
		Executor: executor.New(st),
		Evts:     st.Bus(),
	})

	server := http.Server{
		Addr:         cfg.Web.PublicHost,
		Handler:      mux,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Infow("startup", "status", "public API router started", "host", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Infow("shutdown", "status", "shutdown started", "signal", sig)
		defer log.Infow("shutdown", "status", "shutdown complete", "signal", sig)

		// The chain stops first so in-flight commits finish before the
		// handlers lose their transport.
		if err := st.Stop(); err != nil {
			log.Errorw("shutdown", "status", "stopping chain", "ERROR", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			server.Close()
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}

	return nil
}

// =============================================================================

// parseInitialAccounts converts "address:balance" or
// "address:balance:nonce" entries into genesis accounts.
func parseInitialAccounts(entries []string) ([]state.InitialAccount, error) {
	var accounts []state.InitialAccount

	for _, entry := range entries {
		if entry == "" {
			continue
		}

		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("malformed entry %q", entry)
		}
		if !common.IsHexAddress(parts[0]) {
			return nil, fmt.Errorf("invalid address %q", parts[0])
		}

		balance, ok := new(big.Int).SetString(parts[1], 10)
		if !ok {
			return nil, fmt.Errorf("invalid balance %q", parts[1])
		}

		account := state.InitialAccount{
			Address: common.HexToAddress(parts[0]),
			Balance: balance,
		}

		if len(parts) == 3 {
			if _, err := fmt.Sscanf(parts[2], "%d", &account.Nonce); err != nil {
				return nil, fmt.Errorf("invalid nonce %q", parts[2])
			}
		}

		accounts = append(accounts, account)
	}

	return accounts, nil
}
