package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/blitzboard/blitzboard/internal/config"
	"github.com/blitzboard/blitzboard/internal/domain"
)

// ScoreHandler processes score submissions
type ScoreHandler interface {
	SubmitScoreBatch(ctx context.Context, batch domain.BatchScoreSubmission) (int, error)
}

// Consumer consumes score messages from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	handler       ScoreHandler
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, handler ScoreHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		config:        cfg,
		handler:       handler,
		logger:        logger,
		consumerGroup: consumerGroup,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
	}, nil
}

// Start begins consuming messages from Kafka and returns once the first
// session is set up or ctx is done
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	ready := c.ready
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    ready,
			}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			// Check if context was cancelled
			if c.ctx.Err() != nil {
				return
			}

			// Rebalanced: the next session signals on a fresh channel
			ready = make(chan bool)
		}
	}()

	// Handle errors in separate goroutine
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	// Wait until consumer is ready
	select {
	case <-c.ready:
		c.logger.Info("Kafka consumer ready")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for kafka consumer: %w", ctx.Err())
	}
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	err := c.consumerGroup.Close()
	c.wg.Wait()
	return err
}

// DecodeSubmission parses and checks a Kafka message value
func DecodeSubmission(value []byte) (domain.ScoreSubmission, error) {
	var submission domain.ScoreSubmission
	if err := json.Unmarshal(value, &submission); err != nil {
		return submission, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	if submission.GameID == "" || submission.PlayerID == "" {
		return submission, fmt.Errorf("%w: game_id and player_id are required", domain.ErrInvalidRequest)
	}
	if len(submission.Attributes) == 0 {
		return submission, fmt.Errorf("%w: attributes are required", domain.ErrInvalidRequest)
	}
	return submission, nil
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
	once     sync.Once
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.once.Do(func() { close(h.ready) })
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages from a topic partition. A message's offset
// is marked only after the batch holding it was submitted.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	cfg := h.consumer.config
	logger := h.consumer.logger
	batch := make([]domain.ScoreSubmission, 0, cfg.BatchSize)
	var last *sarama.ConsumerMessage
	batchTimer := time.NewTimer(cfg.BatchTimeout)
	defer batchTimer.Stop()

	processBatch := func() {
		if len(batch) > 0 {
			h.submit(domain.BatchScoreSubmission{Scores: batch})
			batch = batch[:0]
		}
		if last != nil {
			session.MarkMessage(last, "")
			last = nil
		}
	}

	for {
		select {
		case <-session.Context().Done():
			// Process remaining batch before exit
			processBatch()
			return nil

		case <-batchTimer.C:
			processBatch()
			batchTimer.Reset(cfg.BatchTimeout)

		case message, ok := <-claim.Messages():
			if !ok {
				processBatch()
				return nil
			}
			last = message

			submission, err := DecodeSubmission(message.Value)
			if err != nil {
				logger.Warn("skipping score message",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
				continue
			}

			batch = append(batch, submission)
			if len(batch) >= cfg.BatchSize {
				processBatch()
				batchTimer.Reset(cfg.BatchTimeout)
			}
		}
	}
}

// submit hands a batch to the service, retrying when the whole batch failed
func (h *consumerGroupHandler) submit(batch domain.BatchScoreSubmission) {
	cfg := h.consumer.config
	logger := h.consumer.logger

	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		accepted, err := h.consumer.handler.SubmitScoreBatch(ctx, batch)
		cancel()
		if err == nil {
			logger.Debug("processed batch", "batch_size", len(batch.Scores), "accepted", accepted)
			return
		}
		if attempt >= cfg.RetryAttempts {
			logger.Error("failed to process batch", "error", err, "batch_size", len(batch.Scores), "attempts", attempt)
			return
		}
		logger.Warn("retrying batch", "error", err, "attempt", attempt)
		time.Sleep(cfg.RetryDelay)
	}
}
