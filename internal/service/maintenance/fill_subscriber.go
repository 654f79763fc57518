package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/market-maker-service/internal/config"
	"github.com/krobus00/market-maker-service/internal/constant"
	"github.com/krobus00/market-maker-service/internal/entity"
	"github.com/krobus00/market-maker-service/internal/service/ledger"
	"github.com/krobus00/market-maker-service/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// FillSubscriber listens for fill notifications on the order_fills stream
// and turns them into ledger updates plus an immediate maintenance kick for
// the owning worker.
type FillSubscriber struct {
	js          nats.JetStreamContext
	controllers map[string]*Controller
	ledgers     map[string]*ledger.Ledger
}

func NewFillSubscriber(js nats.JetStreamContext, controllers Set, ledgers []*ledger.Ledger) *FillSubscriber {
	controllerByWorker := make(map[string]*Controller, len(controllers))
	for _, controller := range controllers {
		controllerByWorker[controller.cfg.WorkerID] = controller
	}

	ledgerByWorker := make(map[string]*ledger.Ledger, len(ledgers))
	for _, workerLedger := range ledgers {
		ledgerByWorker[workerLedger.WorkerID()] = workerLedger
	}

	return &FillSubscriber{
		js:          js,
		controllers: controllerByWorker,
		ledgers:     ledgerByWorker,
	}
}

func (s *FillSubscriber) JetstreamEventInit(ctx context.Context) error {
	streamConfig := &nats.StreamConfig{
		Name:      constant.OrderFillStreamName,
		Subjects:  []string{constant.OrderFillStreamSubjectAll},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		MaxAge:    24 * time.Hour,
	}

	stream, err := s.js.StreamInfo(constant.OrderFillStreamName, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		logrus.Error(err)
		return err
	}

	if stream == nil {
		logrus.Infof("creating stream: %s", constant.OrderFillStreamName)
		_, err = s.js.AddStream(streamConfig, nats.Context(ctx))
		return err
	}

	logrus.Infof("updating stream: %s", constant.OrderFillStreamName)
	_, err = s.js.UpdateStream(streamConfig, nats.Context(ctx))
	if err != nil {
		logrus.Error(err)
		return err
	}

	return nil
}

func (s *FillSubscriber) JetstreamEventSubscribe(ctx context.Context) error {
	err := s.JetstreamEventInit(ctx)
	if err != nil {
		logrus.Error(err)
		return err
	}

	_, err = s.js.QueueSubscribe(
		constant.OrderFillStreamSubjectData,
		constant.OrderFillQueueGroup,
		func(msg *nats.Msg) {
			err := util.ProcessWithTimeout(config.Env.NatsJetstream.TimeoutHandler["order_fill"], msg, s.handleFillEvent)
			if err != nil {
				logrus.Errorf("error processing message: %v", err)
				return
			}

			err = msg.Ack()
			if err != nil {
				logrus.Errorf("failed to acknowledge message: %v", err)
				return
			}
		},
		nats.ManualAck(),
		nats.Durable(constant.OrderFillQueueGroup),
	)
	util.ContinueOrFatal(err)

	return nil
}

func (s *FillSubscriber) handleFillEvent(ctx context.Context, msg *nats.Msg) (err error) {
	logger := logrus.WithFields(logrus.Fields{
		"req": string(msg.Data),
	})

	var req *entity.FillEventEnvelope
	err = json.Unmarshal(msg.Data, &req)
	if err != nil {
		logger.Error(err)
		return err
	}

	defer func() {
		if err != nil {
			logger.Error(err)
			req.RetryCount++
			if req.RetryCount >= config.Env.NatsJetstream.MaxRetries {
				return
			}

			err := util.PublishEvent(s.js, constant.OrderFillStreamSubjectData, req)
			if err != nil {
				logger.Error(err)
				return
			}
		}
	}()

	workerLedger, ok := s.ledgers[req.Data.WorkerID]
	if !ok {
		logger.Debugf("fill event for unknown worker %s ignored", req.Data.WorkerID)
		return nil
	}

	if err = workerLedger.RemoveFilled(ctx, req.Data.OrderID); err != nil {
		return err
	}

	if controller, ok := s.controllers[req.Data.WorkerID]; ok {
		controller.Kick()
	}

	logger.WithFields(logrus.Fields{
		"worker_id": req.Data.WorkerID,
		"order_id":  req.Data.OrderID,
		"side":      req.Data.Side,
	}).Info("fill notification processed")

	return nil
}
