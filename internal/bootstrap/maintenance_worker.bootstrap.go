package bootstrap

import (
	"context"
	"strings"

	"github.com/krobus00/market-maker-service/internal/config"
	"github.com/krobus00/market-maker-service/internal/entity"
	"github.com/krobus00/market-maker-service/internal/infrastructure"
	"github.com/krobus00/market-maker-service/internal/repository"
	"github.com/krobus00/market-maker-service/internal/service/allocator"
	"github.com/krobus00/market-maker-service/internal/service/grid"
	"github.com/krobus00/market-maker-service/internal/service/ledger"
	"github.com/krobus00/market-maker-service/internal/service/maintenance"
	"github.com/krobus00/market-maker-service/internal/service/orderengine"
	"github.com/krobus00/market-maker-service/internal/service/pricefeed"
	"github.com/krobus00/market-maker-service/internal/util"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func StartMaintenanceWorker(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := infrastructure.NewPostgresConnection(ctx, config.Env.Database["market_maker"])
	util.ContinueOrFatal(err)
	infrastructure.StartPostgresHealthCheck(ctx, db, config.Env.Database["market_maker"].PingInterval)

	nc, js, err := infrastructure.NewJetstream()
	util.ContinueOrFatal(err)

	recorder, err := maintenance.NewRedisRunRecorder(config.Env.Redis["maintenance"].CacheDSN)
	util.ContinueOrFatal(err)

	market := entity.Market{
		Base: entity.Asset{
			Symbol:    strings.ToUpper(config.Env.Market.BaseSymbol),
			Precision: config.Env.Market.BasePrecision,
		},
		Quote: entity.Asset{
			Symbol:    strings.ToUpper(config.Env.Market.QuoteSymbol),
			Precision: config.Env.Market.QuotePrecision,
		},
	}

	prices := buildPriceAggregator(ctx, config.Env.Feeds)

	engine := orderengine.NewRESTExchange(config.Env.Exchange, market)
	balanceAllocator := allocator.NewBalanceAllocator(allocator.NewConfigShareProvider(config.Env.Workers))

	orderRepo := repository.NewOrderRepository(db)

	controllers := make(maintenance.Set, 0, len(config.Env.Workers))
	ledgers := make([]*ledger.Ledger, 0, len(config.Env.Workers))
	for _, worker := range config.Env.Workers {
		planner := grid.NewPlanner(grid.Config{
			Market:       market,
			Increment:    worker.Increment,
			LowerBound:   worker.LowerBound,
			UpperBound:   worker.UpperBound,
			ActiveLevels: worker.ActiveLevels,
		})

		tolerance := worker.PriceTolerance
		if tolerance.IsZero() {
			tolerance = worker.Increment.Div(decimal.NewFromInt(10))
		}
		workerLedger := ledger.New(worker.ID, tolerance, orderRepo)

		controller := maintenance.NewController(
			maintenance.Config{
				WorkerID:      worker.ID,
				Interval:      config.Env.Maintenance.Interval,
				MinSpacing:    config.Env.Maintenance.MinSpacing,
				MaxRetries:    config.Env.Maintenance.MaxRetries,
				RetryBaseWait: config.Env.Maintenance.RetryBaseWait,
				LockTTL:       config.Env.Maintenance.LockTTL,
			},
			market,
			prices,
			balanceAllocator,
			planner,
			workerLedger,
			engine,
			recorder,
		)

		controllers = append(controllers, controller)
		ledgers = append(ledgers, workerLedger)
	}

	fillSubscriber := maintenance.NewFillSubscriber(js, controllers, ledgers)
	err = fillSubscriber.JetstreamEventSubscribe(ctx)
	util.ContinueOrFatal(err)

	for _, controller := range controllers {
		go controller.Run(ctx)
	}

	opsServer := infrastructure.NewOpsServer(controllers)
	go func() {
		if err := opsServer.Start(); err != nil {
			logrus.Errorf("ops http server stopped: %v", err)
		}
	}()

	logrus.WithFields(logrus.Fields{
		"symbol":  market.Symbol(),
		"workers": len(controllers),
	}).Info("maintenance worker started")

	wait := gracefulShutdown(ctx, config.Env.GracefulShutdownTimeout, map[string]operation{
		"database": func(ctx context.Context) error {
			cancel()
			return db.Close()
		},
		"redis cache": func(ctx context.Context) error {
			return recorder.Close()
		},
		"nats connection": func(ctx context.Context) error {
			return infrastructure.CloseJetstream(nc)
		},
		"ops http server": func(ctx context.Context) error {
			return opsServer.Shutdown(ctx)
		},
	})

	<-wait
}

// buildPriceAggregator wires the configured feed sources, starting the
// websocket read loops for stream sources.
func buildPriceAggregator(ctx context.Context, cfg config.FeedsConfig) *pricefeed.Aggregator {
	sources := make([]pricefeed.Source, 0, len(cfg.Sources))
	weights := make(map[string]decimal.Decimal, len(cfg.Sources))

	for _, sourceCfg := range cfg.Sources {
		switch sourceCfg.Type {
		case "stream":
			streamSource := pricefeed.NewStreamSource(sourceCfg)
			go streamSource.Run(ctx)
			sources = append(sources, streamSource)
		default:
			sources = append(sources, pricefeed.NewRESTTickerSource(sourceCfg))
		}

		weights[sourceCfg.Name] = sourceCfg.Weight
	}

	return pricefeed.NewAggregator(sources, weights, cfg.SuppressErrors, cfg.FetchTimeout)
}
