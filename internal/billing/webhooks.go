package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/customer"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"github.com/vizual/metering-plane/internal/ledger"
	"github.com/vizual/metering-plane/pkg/cache"
	"github.com/vizual/metering-plane/pkg/events"
	"github.com/vizual/metering-plane/pkg/metrics"
	"github.com/vizual/metering-plane/pkg/models"
)

const (
	webhookProcessedTTL  = 24 * time.Hour
	webhookProcessingTTL = 5 * time.Minute
)

// WebhookHandler reconciles account state from Stripe webhook events.
//
// Every event is verified against the webhook signing secret before any
// processing. Events are deduplicated by Stripe event ID: a Redis SetNX
// reservation when a cache is configured, an in-memory map otherwise, so
// replayed deliveries cannot double-apply best-effort ledger rows.
//
// Error policy differs by event type. checkout.session.completed swallows
// its own downstream failures and still returns 200, because retrying a
// terminal application error (an account that cannot be found or updated)
// only produces a retry storm that a human has to fix anyway. All other
// handlers surface errors as 500 so Stripe retries.
type WebhookHandler struct {
	webhookSecret string
	store         ledger.Store
	cache         *cache.Cache
	resolver      *Resolver
	eventBus      *events.Bus
	logger        *zap.Logger

	// fallback dedup when no cache is configured
	processedEvents map[string]time.Time
	mu              sync.Mutex

	// Stripe API lookups, replaceable in tests
	listLineItems func(sessionID string) ([]*stripe.LineItem, error)
	customerEmail func(customerID string) (string, error)
}

// NewWebhookHandler creates a webhook handler. cacheClient may be nil;
// dedup then falls back to an in-memory map scoped to this process.
func NewWebhookHandler(webhookSecret string, store ledger.Store, cacheClient *cache.Cache, resolver *Resolver, eventBus *events.Bus, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		webhookSecret:   webhookSecret,
		store:           store,
		cache:           cacheClient,
		resolver:        resolver,
		eventBus:        eventBus,
		logger:          logger,
		processedEvents: make(map[string]time.Time),
		listLineItems:   fetchLineItems,
		customerEmail:   fetchCustomerEmail,
	}
}

func fetchLineItems(sessionID string) ([]*stripe.LineItem, error) {
	params := &stripe.CheckoutSessionListLineItemsParams{Session: stripe.String(sessionID)}
	iter := session.ListLineItems(params)
	var items []*stripe.LineItem
	for iter.Next() {
		items = append(items, iter.LineItem())
	}
	return items, iter.Err()
}

func fetchCustomerEmail(customerID string) (string, error) {
	cust, err := customer.Get(customerID, nil)
	if err != nil {
		return "", err
	}
	return cust.Email, nil
}

// HandleWebhook is the single entry point for all Stripe events.
//
// Processing order: signature verification (failure → 400 before any
// write), idempotency reservation, event dispatch, audit persistence.
// Unknown event types are acknowledged with 200 so Stripe can add event
// types without breaking us.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.Error(err))
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(body, signature, h.webhookSecret)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", zap.Error(err))
		metrics.RecordWebhookEvent("unknown", "bad_signature")
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	lockAcquired, err := h.reserveEvent(ctx, event.ID)
	if err != nil {
		h.logger.Error("failed to reserve webhook event",
			zap.Error(err),
			zap.String("event_id", event.ID),
		)
		http.Error(w, "Failed to reserve event", http.StatusInternalServerError)
		return
	}
	if !lockAcquired {
		h.logger.Info("webhook event already in progress or processed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		metrics.RecordWebhookEvent(string(event.Type), "duplicate")
		w.WriteHeader(http.StatusOK)
		return
	}

	var handlerErr error
	defer func() {
		h.finalizeEvent(ctx, event.ID, handlerErr == nil)
	}()

	h.logger.Info("processing webhook event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.Time("created", time.Unix(event.Created, 0)),
	)

	switch event.Type {
	case "checkout.session.completed":
		// internal failures are swallowed; see type comment
		h.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.created", "customer.subscription.updated":
		handlerErr = h.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		handlerErr = h.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_succeeded":
		handlerErr = h.handleInvoicePaymentSucceeded(ctx, event)
	case "invoice.payment_failed":
		handlerErr = h.handleInvoicePaymentFailed(ctx, event)
	default:
		h.logger.Info("received unknown webhook event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		metrics.RecordWebhookEvent(string(event.Type), "ignored")
	}

	if handlerErr != nil {
		h.logger.Error("webhook event processing failed",
			zap.Error(handlerErr),
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		metrics.RecordWebhookEvent(string(event.Type), "error")
		http.Error(w, "Event processing failed", http.StatusInternalServerError)
		return
	}

	if err := h.store.InsertWebhookEvent(ctx, event.ID, string(event.Type), body); err != nil {
		// the event was applied; audit persistence is best-effort
		h.logger.Error("failed to persist webhook event",
			zap.Error(err),
			zap.String("event_id", event.ID),
		)
	}

	metrics.RecordWebhookEvent(string(event.Type), "processed")
	w.WriteHeader(http.StatusOK)
}

// handleCheckoutCompleted applies a completed checkout: bind the Stripe
// customer to the account, resolve the purchased plan, and start a fresh
// credit cycle. All downstream failures are logged and swallowed.
func (h *WebhookHandler) handleCheckoutCompleted(ctx context.Context, event stripe.Event) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		h.logger.Error("failed to unmarshal checkout session",
			zap.Error(err),
			zap.String("event_id", event.ID),
		)
		return
	}

	account, err := h.resolveCheckoutAccount(ctx, &sess)
	if err != nil {
		h.logger.Error("checkout completed for unknown account",
			zap.Error(err),
			zap.String("session_id", sess.ID),
			zap.String("email", checkoutEmail(&sess)),
		)
		return
	}

	if sess.Customer != nil && sess.Customer.ID != "" && account.StripeCustomerID != sess.Customer.ID {
		if err := h.store.SetStripeCustomerID(ctx, account.ID, sess.Customer.ID); err != nil {
			h.logger.Warn("failed to persist stripe customer id",
				zap.Error(err),
				zap.String("account_id", account.ID.String()),
			)
		}
	}

	plan := h.resolveCheckoutPlan(&sess)

	if err := h.store.SetPlan(ctx, account.ID, plan.Tier, plan.Credits); err != nil {
		h.logger.Warn("direct plan update failed, trying tier upgrade fallback",
			zap.Error(err),
			zap.String("account_id", account.ID.String()),
		)
		if err := h.store.UpgradeTier(ctx, account.ID, plan.Tier); err != nil {
			h.logger.Error("checkout processing failed, manual intervention required",
				zap.Error(err),
				zap.String("account_id", account.ID.String()),
				zap.String("session_id", sess.ID),
				zap.String("tier", string(plan.Tier)),
			)
			return
		}
	}

	h.logger.Info("checkout completed, plan applied",
		zap.String("account_id", account.ID.String()),
		zap.String("tier", string(plan.Tier)),
		zap.Int("credits", plan.Credits),
		zap.Int64("amount_total", sess.AmountTotal),
	)

	if err := h.store.InsertCreditTransaction(ctx, &models.CreditTransaction{
		AccountID:   account.ID,
		Amount:      plan.Credits,
		Type:        "subscription_upgrade",
		Description: fmt.Sprintf("Upgraded to %s plan", plan.Tier),
		StripeRef:   sess.ID,
	}); err != nil {
		h.logger.Warn("failed to record upgrade transaction", zap.Error(err))
	}

	h.publish(ctx, events.EventCheckoutCompleted, account.ID.String(), map[string]interface{}{
		"tier":       string(plan.Tier),
		"credits":    plan.Credits,
		"session_id": sess.ID,
	})
}

func checkoutEmail(sess *stripe.CheckoutSession) string {
	if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
		return sess.CustomerDetails.Email
	}
	return sess.CustomerEmail
}

// resolveCheckoutAccount finds the paying account, by email first since
// first-time buyers have no customer mapping yet.
func (h *WebhookHandler) resolveCheckoutAccount(ctx context.Context, sess *stripe.CheckoutSession) (*models.Account, error) {
	if email := checkoutEmail(sess); email != "" {
		if account, err := h.store.AccountByEmail(ctx, email); err == nil {
			return account, nil
		}
	}
	if sess.Customer != nil && sess.Customer.ID != "" {
		return h.store.AccountByCustomerID(ctx, sess.Customer.ID)
	}
	return nil, ledger.ErrAccountNotFound
}

// resolveCheckoutPlan resolves the purchased plan from the session's
// line items, falling back to the session total when the line-item
// lookup fails (it is a separate API call and may be unavailable).
func (h *WebhookHandler) resolveCheckoutPlan(sess *stripe.CheckoutSession) Plan {
	var priceID string
	var amount int64
	if items, err := h.listLineItems(sess.ID); err != nil {
		h.logger.Warn("failed to list checkout line items",
			zap.Error(err),
			zap.String("session_id", sess.ID),
		)
	} else if len(items) > 0 && items[0].Price != nil {
		priceID = items[0].Price.ID
		amount = items[0].Price.UnitAmount
	}
	if amount == 0 {
		amount = sess.AmountTotal
	}

	plan, resolved := h.resolver.Resolve(priceID, amount)
	if !resolved {
		h.logger.Warn("unrecognized checkout pricing, defaulting to basic",
			zap.String("session_id", sess.ID),
			zap.String("price_id", priceID),
			zap.Int64("amount", amount),
		)
	}
	return plan
}

// handleSubscriptionUpdated processes subscription create/update events.
// Status is always synced; tier and credits are only overwritten when
// the subscription is active and the price actually resolved, so an
// update with unknown pricing cannot erase a known-good tier.
func (h *WebhookHandler) handleSubscriptionUpdated(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return fmt.Errorf("subscription %s missing customer ID", sub.ID)
	}

	account, err := h.resolveSubscriptionAccount(ctx, sub.Customer.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve account for customer %s: %w", sub.Customer.ID, err)
	}

	status := mapSubscriptionStatus(sub.Status)
	if err := h.store.SetStatus(ctx, account.ID, status); err != nil {
		return fmt.Errorf("failed to update subscription status: %w", err)
	}

	var priceID string
	var amount int64
	if len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		priceID = sub.Items.Data[0].Price.ID
		amount = sub.Items.Data[0].Price.UnitAmount
	}
	plan, resolved := h.resolver.Resolve(priceID, amount)

	if status == models.StatusActive && resolved {
		if err := h.store.SetPlan(ctx, account.ID, plan.Tier, plan.Credits); err != nil {
			return fmt.Errorf("failed to apply subscription plan: %w", err)
		}
	}

	h.logger.Info("subscription updated",
		zap.String("account_id", account.ID.String()),
		zap.String("status", string(status)),
		zap.String("price_id", priceID),
		zap.Bool("plan_applied", status == models.StatusActive && resolved),
	)

	h.publish(ctx, events.EventSubscriptionUpdated, account.ID.String(), map[string]interface{}{
		"status": string(status),
		"tier":   string(plan.Tier),
	})
	return nil
}

// resolveSubscriptionAccount finds the account for a Stripe customer,
// falling back to an email lookup through the Stripe customer API when
// no local mapping exists yet (subscription.created can arrive before
// the checkout event that would have persisted the mapping).
func (h *WebhookHandler) resolveSubscriptionAccount(ctx context.Context, customerID string) (*models.Account, error) {
	account, err := h.store.AccountByCustomerID(ctx, customerID)
	if err == nil {
		return account, nil
	}

	email, lookupErr := h.customerEmail(customerID)
	if lookupErr != nil || email == "" {
		return nil, err
	}
	account, err = h.store.AccountByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if setErr := h.store.SetStripeCustomerID(ctx, account.ID, customerID); setErr != nil {
		h.logger.Warn("failed to persist stripe customer id",
			zap.Error(setErr),
			zap.String("account_id", account.ID.String()),
		)
	}
	return account, nil
}

// handleSubscriptionDeleted applies the terminal downgrade: free tier,
// cancelled status, free-tier credit grant. No conditions.
func (h *WebhookHandler) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return fmt.Errorf("subscription %s missing customer ID", sub.ID)
	}

	account, err := h.store.AccountByCustomerID(ctx, sub.Customer.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve account for customer %s: %w", sub.Customer.ID, err)
	}

	if err := h.store.CancelSubscription(ctx, account.ID); err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}

	h.logger.Info("subscription deleted, account downgraded to free",
		zap.String("account_id", account.ID.String()),
	)

	h.publish(ctx, events.EventSubscriptionDeleted, account.ID.String(), nil)
	return nil
}

// handleInvoicePaymentSucceeded refreshes credits on recurring payments.
// Free-tier accounts are skipped: their invoices (e.g. a trailing $0
// invoice after cancellation) must not re-grant paid credits.
func (h *WebhookHandler) handleInvoicePaymentSucceeded(ctx context.Context, event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}
	if invoice.Customer == nil || invoice.Customer.ID == "" {
		return fmt.Errorf("invoice %s missing customer ID", invoice.ID)
	}

	account, err := h.store.AccountByCustomerID(ctx, invoice.Customer.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve account for customer %s: %w", invoice.Customer.ID, err)
	}

	if account.Tier == models.TierFree {
		h.logger.Info("skipping credit refresh for free-tier account",
			zap.String("account_id", account.ID.String()),
			zap.String("invoice_id", invoice.ID),
		)
		return nil
	}

	var priceID string
	var amount int64
	if invoice.Lines != nil && len(invoice.Lines.Data) > 0 && invoice.Lines.Data[0].Price != nil {
		priceID = invoice.Lines.Data[0].Price.ID
		amount = invoice.Lines.Data[0].Price.UnitAmount
	}
	if amount == 0 {
		amount = invoice.AmountPaid
	}

	credits := account.Tier.CreditGrant()
	if plan, resolved := h.resolver.Resolve(priceID, amount); resolved {
		credits = plan.Credits
	}

	if err := h.store.RefreshCredits(ctx, account.ID, credits); err != nil {
		return fmt.Errorf("failed to refresh credits: %w", err)
	}

	h.logger.Info("recurring payment succeeded, credits refreshed",
		zap.String("account_id", account.ID.String()),
		zap.String("invoice_id", invoice.ID),
		zap.Int("credits", credits),
	)

	if err := h.store.InsertCreditTransaction(ctx, &models.CreditTransaction{
		AccountID:   account.ID,
		Amount:      credits,
		Type:        "monthly_refresh",
		Description: fmt.Sprintf("Monthly credit refresh for %s plan", account.Tier),
		StripeRef:   invoice.ID,
	}); err != nil {
		h.logger.Warn("failed to record refresh transaction", zap.Error(err))
	}

	h.publish(ctx, events.EventCreditsRefreshed, account.ID.String(), map[string]interface{}{
		"credits": credits,
	})
	return nil
}

// handleInvoicePaymentFailed logs the failure. State changes are left to
// Stripe's dunning cycle, which will emit subscription.updated/deleted
// events as retries are exhausted.
func (h *WebhookHandler) handleInvoicePaymentFailed(ctx context.Context, event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}

	customerID := ""
	if invoice.Customer != nil {
		customerID = invoice.Customer.ID
	}
	h.logger.Warn("invoice payment failed",
		zap.String("invoice_id", invoice.ID),
		zap.String("customer_id", customerID),
		zap.Int64("amount_due", invoice.AmountDue),
	)

	if account, err := h.store.AccountByCustomerID(ctx, customerID); err == nil {
		h.publish(ctx, events.EventPaymentFailed, account.ID.String(), map[string]interface{}{
			"invoice_id": invoice.ID,
		})
	}
	return nil
}

func (h *WebhookHandler) reserveEvent(ctx context.Context, eventID string) (bool, error) {
	if h.cache != nil {
		return h.cache.SetNX(ctx, h.redisKeyForEvent(eventID), "processing", webhookProcessingTTL)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanupExpiredEvents(time.Now())
	if _, exists := h.processedEvents[eventID]; exists {
		return false, nil
	}
	h.processedEvents[eventID] = time.Now()
	return true, nil
}

func (h *WebhookHandler) finalizeEvent(ctx context.Context, eventID string, success bool) {
	if h.cache != nil {
		key := h.redisKeyForEvent(eventID)
		if success {
			if err := h.cache.Set(ctx, key, "processed", webhookProcessedTTL); err != nil {
				h.logger.Warn("failed to persist webhook completion in cache",
					zap.String("event_id", eventID),
					zap.Error(err),
				)
			}
		} else {
			if err := h.cache.Delete(ctx, key); err != nil {
				h.logger.Warn("failed to release webhook lock",
					zap.String("event_id", eventID),
					zap.Error(err),
				)
			}
		}
		return
	}

	if !success {
		h.mu.Lock()
		delete(h.processedEvents, eventID)
		h.mu.Unlock()
	}
}

func (h *WebhookHandler) redisKeyForEvent(eventID string) string {
	return fmt.Sprintf("webhooks:stripe:%s", eventID)
}

func (h *WebhookHandler) cleanupExpiredEvents(now time.Time) {
	for id, ts := range h.processedEvents {
		if now.Sub(ts) > webhookProcessedTTL {
			delete(h.processedEvents, id)
		}
	}
}

func (h *WebhookHandler) publish(ctx context.Context, eventType events.EventType, accountID string, payload map[string]interface{}) {
	if h.eventBus == nil {
		return
	}
	if err := h.eventBus.Publish(ctx, events.NewEvent(eventType, accountID, payload)); err != nil {
		h.logger.Error("failed to publish event",
			zap.Error(err),
			zap.String("event_type", string(eventType)),
		)
	}
}

// mapSubscriptionStatus maps Stripe subscription statuses onto the
// account model's coarser set. Trialing counts as active; every payment
// trouble state collapses to past_due until Stripe settles it.
func mapSubscriptionStatus(stripeStatus stripe.SubscriptionStatus) models.SubscriptionStatus {
	switch stripeStatus {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return models.StatusActive
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return models.StatusCancelled
	default:
		return models.StatusPastDue
	}
}
