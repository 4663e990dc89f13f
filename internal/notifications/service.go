package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vizual/metering-plane/pkg/cache"
	"github.com/vizual/metering-plane/pkg/events"
)

// Service delivers billing lifecycle alerts to operator channels. It
// subscribes to the event bus, so publishers never block on delivery.
type Service struct {
	config *Config
	cache  *cache.Cache
	logger *zap.Logger
	bus    *events.Bus

	// Alert channel adapters
	slack   *SlackAdapter
	webhook *WebhookAdapter

	// Retry queue
	retryQueue chan *DeliveryTask
	stopChan   chan struct{}
	wg         sync.WaitGroup

	metrics *Metrics
}

// DeliveryTask represents an alert delivery attempt
type DeliveryTask struct {
	ID          string
	Event       events.Event
	Channel     string
	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time
	LastAttempt time.Time
}

// NewService creates a new alerts service. The cache is optional; without
// it cross-instance deduplication is skipped.
func NewService(config *Config, cacheClient *cache.Cache, logger *zap.Logger, bus *events.Bus) *Service {
	if !config.Enabled {
		logger.Info("billing alerts are disabled")
		return &Service{
			config: config,
			logger: logger,
		}
	}

	s := &Service{
		config:     config,
		cache:      cacheClient,
		logger:     logger,
		bus:        bus,
		retryQueue: make(chan *DeliveryTask, config.RetryQueueSize),
		stopChan:   make(chan struct{}),
		metrics:    NewMetrics(),
	}

	if config.SlackEnabled {
		s.slack = NewSlackAdapter(config.SlackWebhookURL, config.SlackChannel, logger)
		logger.Info("slack alerts enabled", zap.String("webhook_url", maskURL(config.SlackWebhookURL)))
	}

	if config.WebhookEnabled {
		s.webhook = NewWebhookAdapter(config.WebhookURL, config.WebhookSecret, config.WebhookHeaders, logger)
		logger.Info("generic webhook alerts enabled", zap.String("url", maskURL(config.WebhookURL)))
	}

	logger.Info("alerts service initialized",
		zap.Bool("slack", config.SlackEnabled),
		zap.Bool("webhook", config.WebhookEnabled),
		zap.Int("max_retries", config.MaxRetries),
		zap.Int("retry_workers", config.RetryWorkers),
	)

	return s
}

// Start subscribes to billing events and starts the retry workers
func (s *Service) Start(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	s.subscribeToEvents()

	for i := 0; i < s.config.RetryWorkers; i++ {
		s.wg.Add(1)
		go s.retryWorker(ctx, i)
	}

	s.logger.Info("alerts service started",
		zap.Int("retry_workers", s.config.RetryWorkers),
	)

	return nil
}

// Stop stops the alerts service gracefully
func (s *Service) Stop(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	close(s.stopChan)
	s.wg.Wait()

	s.logger.Info("alerts service stopped")
	return nil
}

func (s *Service) subscribeToEvents() {
	subscribed := []events.EventType{
		events.EventCheckoutCompleted,
		events.EventPaymentFailed,
		events.EventSubscriptionDeleted,
		events.EventCreditsRefreshed,
	}

	for _, eventType := range subscribed {
		s.bus.Subscribe(eventType, s.handleEvent)
	}

	names := make([]string, len(subscribed))
	for i, eventType := range subscribed {
		names[i] = string(eventType)
	}
	s.logger.Info("subscribed to event types", zap.Strings("events", names))
}

// handleEvent routes an event to its configured alert channels
func (s *Service) handleEvent(ctx context.Context, event events.Event) error {
	if s.isDuplicate(ctx, event.ID) {
		s.logger.Debug("duplicate event, skipping",
			zap.String("event_id", event.ID),
		)
		return nil
	}

	channels := s.config.GetChannelsForEvent(string(event.Type))
	if len(channels) == 0 {
		return nil
	}

	for _, channel := range channels {
		task := &DeliveryTask{
			ID:          fmt.Sprintf("%s-%s", event.ID, channel),
			Event:       event,
			Channel:     channel,
			MaxRetries:  s.config.MaxRetries,
			CreatedAt:   time.Now(),
			LastAttempt: time.Now(),
		}

		if err := s.deliver(ctx, task); err != nil {
			s.logger.Error("delivery failed, enqueuing for retry",
				zap.String("event_id", event.ID),
				zap.String("channel", channel),
				zap.Error(err),
			)
			s.enqueueRetry(task)
		}
	}

	return nil
}

// deliver sends an alert through the specified channel
func (s *Service) deliver(ctx context.Context, task *DeliveryTask) error {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
	defer cancel()

	var err error
	switch task.Channel {
	case "slack":
		if s.slack != nil {
			err = s.slack.Send(ctx, task.Event)
		} else {
			err = fmt.Errorf("slack adapter not initialized")
		}

	case "webhook":
		if s.webhook != nil {
			err = s.webhook.Send(ctx, task.Event)
		} else {
			err = fmt.Errorf("webhook adapter not initialized")
		}

	default:
		err = fmt.Errorf("unknown channel: %s", task.Channel)
	}

	duration := time.Since(startTime)

	if err != nil {
		s.metrics.RecordDelivery(task.Channel, string(task.Event.Type), "failed", duration)
		s.logger.Error("alert delivery failed",
			zap.String("event_id", task.Event.ID),
			zap.String("channel", task.Channel),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return err
	}

	s.metrics.RecordDelivery(task.Channel, string(task.Event.Type), "success", duration)
	s.logger.Info("alert delivered",
		zap.String("event_id", task.Event.ID),
		zap.String("event_type", string(task.Event.Type)),
		zap.String("channel", task.Channel),
		zap.Duration("duration", duration),
	)

	return nil
}

// enqueueRetry adds a failed delivery to the retry queue
func (s *Service) enqueueRetry(task *DeliveryTask) {
	task.RetryCount++
	task.LastAttempt = time.Now()

	select {
	case s.retryQueue <- task:
		s.metrics.RecordRetry(task.Channel, task.RetryCount)
		s.metrics.SetQueueDepth(len(s.retryQueue))
	default:
		s.logger.Error("retry queue full, dropping task",
			zap.String("task_id", task.ID),
			zap.String("channel", task.Channel),
		)
	}
}

// retryWorker processes the retry queue
func (s *Service) retryWorker(ctx context.Context, workerID int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return

		case task := <-s.retryQueue:
			s.metrics.SetQueueDepth(len(s.retryQueue))

			if task.RetryCount > task.MaxRetries {
				s.logger.Error("max retries exceeded, giving up",
					zap.String("task_id", task.ID),
					zap.String("channel", task.Channel),
					zap.Int("retry_count", task.RetryCount),
				)
				continue
			}

			backoff := s.calculateBackoff(task.RetryCount)
			select {
			case <-s.stopChan:
				return
			case <-time.After(backoff):
			}

			if err := s.deliver(ctx, task); err != nil {
				s.logger.Warn("retry failed, re-enqueuing",
					zap.String("task_id", task.ID),
					zap.String("channel", task.Channel),
					zap.Int("retry_count", task.RetryCount),
					zap.Error(err),
				)
				s.enqueueRetry(task)
			}
		}
	}
}

// calculateBackoff returns the exponential backoff delay, capped at 5 minutes
func (s *Service) calculateBackoff(retryCount int) time.Duration {
	backoff := s.config.RetryBackoffBase * time.Duration(1<<uint(retryCount))
	maxBackoff := 5 * time.Minute
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// isDuplicate reports whether this event was already claimed by another
// instance. Cache failures err on the side of delivering twice rather
// than not at all.
func (s *Service) isDuplicate(ctx context.Context, eventID string) bool {
	if s.cache == nil {
		return false
	}

	key := fmt.Sprintf("alerts:processed:%s", eventID)
	claimed, err := s.cache.SetNX(ctx, key, "1", 24*time.Hour)
	if err != nil {
		s.logger.Error("failed to check duplicate", zap.Error(err))
		return false
	}
	return !claimed
}

// maskURL masks sensitive parts of a URL for logging
func maskURL(url string) string {
	if len(url) < 20 {
		return "***"
	}
	return url[:20] + "***"
}
