package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rustyeddy/papertrader/basket"
	"github.com/rustyeddy/papertrader/config"
	"github.com/rustyeddy/papertrader/events"
	"github.com/rustyeddy/papertrader/executor"
	"github.com/rustyeddy/papertrader/liquidation"
	"github.com/rustyeddy/papertrader/market"
	"github.com/rustyeddy/papertrader/risk"
	"github.com/rustyeddy/papertrader/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the margin monitor daemon",
	Long: `Run the paper-trading daemon: bootstrap the store, start the risk
monitor sweep, and serve the websocket event feed plus metrics.

Prices are pushed over HTTP (POST /price) or served from the oracle cache.
Trades and baskets come in over POST /trade and POST /basket.

Example:
  papertrader run -f examples/papertrader.yaml`,
	RunE: runRun,
}

var runConfigPath string

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runConfigPath, "config", "f", "", "path to config file (YAML or JSON) (required)")
	runCmd.MarkFlagRequired("config")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(runConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer log.Sync()

	st, err := store.NewSQLite(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := seed(ctx, st, cfg); err != nil {
		return fmt.Errorf("seed store: %w", err)
	}

	ttl, _ := cfg.Monitor.ParsePriceTTL()
	interval, _ := cfg.Monitor.ParseInterval()
	oracle := market.NewCachedOracle(nil, ttl)

	hub := events.NewHub(log.Named("hub"))
	go hub.Run()
	defer hub.Stop()

	exec := executor.New(st, oracle, log.Named("executor"))
	engine := liquidation.NewEngine(st, exec, hub, log.Named("liquidation"))
	monitor := liquidation.NewMonitor(engine, oracle, interval, log.Named("monitor"))
	coord := basket.NewCoordinator(st, oracle, exec, log.Named("basket"))

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/price", priceHandler(oracle))
	mux.HandleFunc("/trade", tradeHandler(exec))
	mux.HandleFunc("/basket", basketHandler(coord))

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: mux}
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", zap.Error(err))
		}
	}()

	err = monitor.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// seed writes the global risk rule and any configured sub-accounts that do
// not exist yet.
func seed(ctx context.Context, st store.Store, cfg *config.Config) error {
	return st.Transact(ctx, func(tx store.Tx) error {
		if err := tx.UpsertRule(ctx, store.GlobalRuleID, risk.Rule{
			MaxLeverage:          cfg.Rule.MaxLeverage,
			MaxNotionalPerTrade:  cfg.Rule.MaxNotionalPerTrade,
			MaxTotalExposure:     cfg.Rule.MaxTotalExposure,
			LiquidationThreshold: cfg.Rule.LiquidationThreshold,
		}); err != nil {
			return err
		}

		for _, a := range cfg.Accounts {
			if _, err := tx.GetSubAccount(ctx, a.ID); err == nil {
				continue
			}
			rate := a.MaintenanceRate
			if rate == 0 {
				rate = cfg.Defaults.MaintenanceRate
			}
			mode := a.LiquidationMode
			if mode == "" {
				mode = cfg.Defaults.LiquidationMode
			}
			if err := tx.InsertSubAccount(ctx, store.SubAccount{
				ID:              a.ID,
				Balance:         a.Balance,
				MaintenanceRate: rate,
				LiquidationMode: store.LiquidationMode(mode),
				Status:          store.AccountActive,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// tradeHandler accepts one trade request and returns the execution result.
func tradeHandler(exec *executor.Executor) http.HandlerFunc {
	type request struct {
		SubAccountID string  `json:"subAccountId"`
		Symbol       string  `json:"symbol"`
		Side         string  `json:"side"`
		Quantity     float64 `json:"quantity"`
		Leverage     float64 `json:"leverage"`
		Price        float64 `json:"price,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		res, err := exec.ExecuteTrade(r.Context(), executor.TradeRequest{
			SubAccountID:  req.SubAccountID,
			Symbol:        req.Symbol,
			Side:          risk.Side(req.Side),
			Quantity:      req.Quantity,
			Leverage:      req.Leverage,
			FallbackPrice: req.Price,
		})
		writeResult(w, res, err)
	}
}

// basketHandler accepts a multi-leg basket for one account.
func basketHandler(coord *basket.Coordinator) http.HandlerFunc {
	type leg struct {
		Symbol    string  `json:"symbol"`
		Side      string  `json:"side"`
		Quantity  float64 `json:"quantity"`
		Leverage  float64 `json:"leverage"`
		PriceHint float64 `json:"priceHint,omitempty"`
	}
	type request struct {
		SubAccountID string `json:"subAccountId"`
		Legs         []leg  `json:"legs"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		legs := make([]basket.Leg, len(req.Legs))
		for i, l := range req.Legs {
			legs[i] = basket.Leg{
				Symbol:    l.Symbol,
				Side:      risk.Side(l.Side),
				Quantity:  l.Quantity,
				Leverage:  l.Leverage,
				PriceHint: l.PriceHint,
			}
		}
		res, err := coord.Execute(r.Context(), req.SubAccountID, legs)
		writeResult(w, res, err)
	}
}

func writeResult(w http.ResponseWriter, res any, err error) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, executor.ErrValidation), errors.Is(err, executor.ErrNoPrice):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, basket.ErrBasketInFlight):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, executor.ErrRuleViolation),
		errors.Is(err, executor.ErrInsufficientMargin),
		errors.Is(err, basket.ErrPrecheckFailed),
		errors.Is(err, basket.ErrAllLegsFailed):
		w.WriteHeader(http.StatusUnprocessableEntity)
	case errors.Is(err, store.ErrAccountNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(res)
}

// priceHandler accepts pushed ticks: POST {"symbol": "BTCUSDT", "price": 50000}.
func priceHandler(oracle *market.CachedOracle) http.HandlerFunc {
	type tick struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var t tick
		if err := json.NewDecoder(r.Body).Decode(&t); err != nil || t.Symbol == "" || t.Price <= 0 {
			http.Error(w, "bad tick", http.StatusBadRequest)
			return
		}
		oracle.Ticks().Set(market.Tick{Symbol: t.Symbol, Price: t.Price, Time: time.Now()})
		w.WriteHeader(http.StatusNoContent)
	}
}
