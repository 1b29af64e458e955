// Package orchestrator ties the gateway together: it feeds client input
// through rate limiting and conversation tracking into the shared upstream
// connection, and fans dispatched upstream events back out to every
// connected client.
package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kiosklabs/voice-gateway/internal/audio"
	"github.com/kiosklabs/voice-gateway/internal/catalog"
	"github.com/kiosklabs/voice-gateway/internal/conversation"
	"github.com/kiosklabs/voice-gateway/internal/customer"
	"github.com/kiosklabs/voice-gateway/internal/event"
	"github.com/kiosklabs/voice-gateway/internal/metrics"
	"github.com/kiosklabs/voice-gateway/internal/order"
	"github.com/kiosklabs/voice-gateway/internal/prompts"
	"github.com/kiosklabs/voice-gateway/internal/ratelimit"
	"github.com/kiosklabs/voice-gateway/internal/registry"
	"github.com/kiosklabs/voice-gateway/internal/upstream"
)

// OrderStore persists finalized orders. *order.Store is the production
// implementation.
type OrderStore interface {
	SaveFinalized(ctx context.Context, orderID, customerID string, d *order.Draft) error
}

// Config carries the orchestrator's collaborators and tunables. Registry,
// Limiter and Conversations are required; Catalog, Customers, Orders and
// Fallback are optional integrations.
type Config struct {
	Registry      *registry.Registry
	Limiter       *ratelimit.Limiter
	Conversations *conversation.Store

	Upstream upstream.Config

	Catalog   *catalog.Client
	Customers *customer.Client
	Orders    OrderStore
	Fallback  *Fallback

	TaxRate       float64
	MinTotalCents int64

	// UpstreamSampleRate is the PCM rate the upstream expects for appended
	// audio. Client chunks are transcoded to it.
	UpstreamSampleRate int

	SweepInterval time.Duration
}

// Orchestrator is the gateway's composition root.
type Orchestrator struct {
	registry      *registry.Registry
	limiter       *ratelimit.Limiter
	conversations *conversation.Store
	upstream      *upstream.Manager
	dispatcher    *event.Dispatcher

	catalog   *catalog.Client
	customers *customer.Client
	orders    OrderStore
	fallback  *Fallback

	taxRate       float64
	minTotalCents int64
	upstreamRate  int
	sweepInterval time.Duration

	mu     sync.Mutex
	drafts map[string]*order.Draft

	running  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New wires an orchestrator and its upstream manager. The returned
// orchestrator owns the upstream connection; call Connect then Run.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		registry:      cfg.Registry,
		limiter:       cfg.Limiter,
		conversations: cfg.Conversations,
		catalog:       cfg.Catalog,
		customers:     cfg.Customers,
		orders:        cfg.Orders,
		fallback:      cfg.Fallback,
		taxRate:       cfg.TaxRate,
		minTotalCents: cfg.MinTotalCents,
		upstreamRate:  cfg.UpstreamSampleRate,
		sweepInterval: cfg.SweepInterval,
		drafts:        make(map[string]*order.Draft),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	if o.minTotalCents == 0 {
		o.minTotalCents = order.DefaultMinTotalCents
	}
	if o.upstreamRate == 0 {
		o.upstreamRate = 24000
	}
	if o.sweepInterval <= 0 {
		o.sweepInterval = time.Minute
	}

	o.dispatcher = event.NewDispatcher(event.Hooks{
		OnConnected:       o.onUpstreamConnected,
		OnConfigured:      o.onUpstreamConfigured,
		OnAudioDelta:      o.onAudioDelta,
		OnTranscriptDelta: o.onTranscriptDelta,
		OnSpeechStarted:   o.onSpeechStarted,
		OnSpeechStopped:   o.onSpeechStopped,
		OnItemCreated:     o.onItemCreated,
		OnError:           o.onUpstreamError,
	})

	up := cfg.Upstream
	up.OnMessage = o.dispatcher.Dispatch
	up.OnStateChange = o.onStateChange
	o.upstream = upstream.NewManager(up)

	return o
}

// Connect opens the shared upstream connection.
func (o *Orchestrator) Connect(ctx context.Context) error {
	return o.upstream.Connect(ctx)
}

// Run drives the periodic tasks until Shutdown. Blocks.
func (o *Orchestrator) Run() {
	if !o.running.CompareAndSwap(false, true) {
		return
	}
	defer close(o.done)
	ticker := time.NewTicker(o.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			if expired := o.registry.Sweep(); expired > 0 {
				slog.Info("expired sessions swept", "count", expired)
			}
			o.dropOrphanedState()
			o.limiter.Purge()
		}
	}
}

// Shutdown stops periodic tasks and closes the upstream connection.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stopOnce.Do(func() { close(o.stop) })
	if o.running.Load() {
		select {
		case <-o.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return o.upstream.Close()
}

// UpstreamState reports the shared connection's state.
func (o *Orchestrator) UpstreamState() upstream.State {
	return o.upstream.State()
}

// UpstreamAttempts reports reconnect attempts since the last handshake.
func (o *Orchestrator) UpstreamAttempts() int {
	return o.upstream.Attempts()
}

// ResetUpstream clears a degraded connection and retries it.
func (o *Orchestrator) ResetUpstream(ctx context.Context) error {
	o.upstream.Reset()
	return o.upstream.Connect(ctx)
}

// Sessions lists the currently registered client sessions.
func (o *Orchestrator) Sessions() []registry.Session {
	return o.registry.Sessions()
}

// Register admits a client and returns its session id. The client is told
// immediately whether the upstream is ready rather than being blocked on it.
func (o *Orchestrator) Register(ctx context.Context, customerID string, deliver registry.DeliverFunc) string {
	sessionID := o.registry.Register(customerID, deliver)

	if o.customers != nil {
		if p, err := o.customers.Lookup(ctx, customerID); err != nil {
			slog.Warn("customer lookup failed", "customer_id", customerID, "error", err)
		} else {
			slog.Info("customer resolved", "customer_id", customerID, "name", p.Name)
		}
	}

	ev := event.ClientEvent{Topic: event.TopicConnection, Type: "state", State: o.upstream.State().String()}
	if err := o.registry.SendTo(sessionID, ev); err != nil {
		slog.Warn("connect status delivery failed", "session_id", sessionID, "error", err)
	}
	return sessionID
}

// Unregister removes a session and drops its per-session state.
func (o *Orchestrator) Unregister(sessionID string) {
	o.registry.Unregister(sessionID)
	o.conversations.Drop(sessionID)
	o.mu.Lock()
	delete(o.drafts, sessionID)
	o.mu.Unlock()
}

// HandleAudio pushes one client audio chunk to the upstream input buffer.
// The chunk is costed by estimated duration, transcoded to the upstream's
// PCM format, and counted against all rate-limit scopes atomically.
func (o *Orchestrator) HandleAudio(sessionID, customerID string, data []byte, codec audio.Codec, sampleRate int) error {
	if _, err := o.registry.Lookup(sessionID); err != nil {
		return err
	}

	dur, err := audio.Duration(len(data), codec, sampleRate)
	if err != nil {
		return err
	}
	if err = o.allow(sessionID, customerID, ratelimit.AudioCost(dur)); err != nil {
		return err
	}

	pcm, err := audio.Transcode(data, codec, sampleRate, o.upstreamRate)
	if err != nil {
		return err
	}
	payload, err := event.AudioAppend(base64.StdEncoding.EncodeToString(pcm))
	if err != nil {
		return err
	}
	if err = o.upstream.Send(payload); err != nil {
		return err
	}

	o.registry.Touch(sessionID)
	metrics.AudioChunks.Inc()
	return nil
}

// HandleText handles a typed client message: it is recorded as a user turn
// and either forwarded upstream or, when the upstream is degraded, answered
// by the fallback text assistant.
func (o *Orchestrator) HandleText(ctx context.Context, sessionID, customerID, text string) error {
	if _, err := o.registry.Lookup(sessionID); err != nil {
		return err
	}
	if err := o.allow(sessionID, customerID, 1); err != nil {
		return err
	}

	o.conversations.AppendTurn(sessionID, conversation.SpeakerUser, text)
	o.registry.Touch(sessionID)

	if o.upstream.State() == upstream.StateDegraded && o.fallback != nil {
		return o.fallbackReply(ctx, sessionID)
	}

	payload, err := event.UserText(text)
	if err != nil {
		return err
	}
	if err = o.upstream.Send(payload); err != nil {
		return err
	}
	respond, err := event.ResponseCreate()
	if err != nil {
		return err
	}
	return o.upstream.Send(respond)
}

// RequestResponse asks the upstream to speak a reply to buffered input.
func (o *Orchestrator) RequestResponse(sessionID, customerID string) error {
	if _, err := o.registry.Lookup(sessionID); err != nil {
		return err
	}
	if err := o.allow(sessionID, customerID, 1); err != nil {
		return err
	}
	payload, err := event.ResponseCreate()
	if err != nil {
		return err
	}
	if err = o.upstream.Send(payload); err != nil {
		return err
	}
	o.registry.Touch(sessionID)
	return nil
}

// AddItem adds an item to the session's order draft. When a catalog client
// is configured the item is validated against it and priced from it.
func (o *Orchestrator) AddItem(ctx context.Context, sessionID string, item order.Item) error {
	if _, err := o.registry.Lookup(sessionID); err != nil {
		return err
	}

	if o.catalog != nil {
		ci, err := o.catalog.LookupByName(ctx, item.Name)
		if err != nil {
			var nf *catalog.NotFoundError
			if errors.As(err, &nf) {
				metrics.OrderValidationFailures.WithLabelValues(order.RuleUnknownItem).Inc()
				return &order.ValidationError{Rule: order.RuleUnknownItem, Message: fmt.Sprintf("no menu item named %q", item.Name)}
			}
			return fmt.Errorf("catalog lookup: %w", err)
		}
		if !ci.InStock || !ci.Available {
			metrics.OrderValidationFailures.WithLabelValues(order.RuleOutOfStock).Inc()
			return &order.ValidationError{Rule: order.RuleOutOfStock, Message: fmt.Sprintf("%q is not available right now", ci.Name)}
		}
		item.MenuItemID = ci.ID
		item.UnitPriceCents = ci.UnitPriceCents
	}

	d := o.draft(sessionID)
	if err := d.AddItem(item); err != nil {
		o.countValidation(err)
		return err
	}
	o.sendOrderSnapshot(sessionID, d, "updated")
	return nil
}

// RemoveItem removes an item from the session's draft by name.
func (o *Orchestrator) RemoveItem(sessionID, name string) error {
	d := o.draft(sessionID)
	if err := d.RemoveItem(name); err != nil {
		o.countValidation(err)
		return err
	}
	o.sendOrderSnapshot(sessionID, d, "updated")
	return nil
}

// UpdateQuantity changes an item's quantity in the session's draft.
func (o *Orchestrator) UpdateQuantity(sessionID, name string, quantity int) error {
	d := o.draft(sessionID)
	if err := d.UpdateQuantity(name, quantity); err != nil {
		o.countValidation(err)
		return err
	}
	o.sendOrderSnapshot(sessionID, d, "updated")
	return nil
}

// AddCustomization appends a customization to a drafted item.
func (o *Orchestrator) AddCustomization(sessionID, name, customization string) error {
	d := o.draft(sessionID)
	if err := d.AddCustomization(name, customization); err != nil {
		o.countValidation(err)
		return err
	}
	o.sendOrderSnapshot(sessionID, d, "updated")
	return nil
}

// Finalize validates and locks the session's draft, persists it when an
// order store is configured, and reports the final totals to the client.
func (o *Orchestrator) Finalize(ctx context.Context, sessionID, customerID string) (string, error) {
	d := o.draft(sessionID)
	if err := d.Finalize(o.minTotalCents); err != nil {
		o.countValidation(err)
		return "", err
	}

	orderID := uuid.NewString()
	if o.orders != nil {
		if err := o.orders.SaveFinalized(ctx, orderID, customerID, d); err != nil {
			// Reopen so the client can retry; otherwise the draft wedges
			// behind already_finalized with nothing persisted.
			d.Reopen()
			return "", fmt.Errorf("persist order: %w", err)
		}
	}

	metrics.OrdersFinalized.Inc()
	subtotal, tax, total := d.Totals()
	slog.Info("order finalized", "session_id", sessionID, "order_id", orderID,
		"subtotal_cents", subtotal, "tax_cents", tax, "total_cents", total)
	o.sendOrderSnapshot(sessionID, d, "finalized")
	return orderID, nil
}

// Draft exposes the session's current order draft, creating it on first use.
func (o *Orchestrator) Draft(sessionID string) *order.Draft {
	return o.draft(sessionID)
}

func (o *Orchestrator) draft(sessionID string) *order.Draft {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, ok := o.drafts[sessionID]
	if !ok {
		d = order.NewDraft(sessionID, o.taxRate)
		o.drafts[sessionID] = d
	}
	return d
}

func (o *Orchestrator) allow(sessionID, customerID string, cost float64) error {
	decision := o.limiter.Allow(sessionID, customerID, cost)
	if decision.Allowed {
		return nil
	}
	metrics.RateLimitRejections.WithLabelValues(string(decision.Scope)).Inc()
	retry := int(decision.RetryAfter.Round(time.Second) / time.Second)
	ev := event.ClientEvent{
		Topic:         event.TopicRateLimit,
		Type:          "rejected",
		Scope:         string(decision.Scope),
		RetryAfterSec: retry,
	}
	if err := o.registry.SendTo(sessionID, ev); err != nil {
		slog.Warn("rate limit notice delivery failed", "session_id", sessionID, "error", err)
	}
	return decision.Error()
}

func (o *Orchestrator) fallbackReply(ctx context.Context, sessionID string) error {
	reply, err := o.fallback.Complete(ctx, prompts.DefaultInstructions, o.conversations.Context(sessionID))
	if err != nil {
		return fmt.Errorf("fallback completion: %w", err)
	}
	o.conversations.AppendTurn(sessionID, conversation.SpeakerAssistant, reply)
	metrics.FallbackCompletions.Inc()
	return o.registry.SendTo(sessionID, event.ClientEvent{
		Topic: event.TopicTranscript,
		Type:  "fallback",
		Role:  "assistant",
		Text:  reply,
	})
}

func (o *Orchestrator) sendOrderSnapshot(sessionID string, d *order.Draft, typ string) {
	subtotal, tax, total := d.Totals()
	ev := event.ClientEvent{
		Topic:         event.TopicOrder,
		Type:          typ,
		SubtotalCents: subtotal,
		TaxCents:      tax,
		TotalCents:    total,
	}
	if err := o.registry.SendTo(sessionID, ev); err != nil {
		slog.Warn("order snapshot delivery failed", "session_id", sessionID, "error", err)
	}
}

func (o *Orchestrator) countValidation(err error) {
	var ve *order.ValidationError
	if errors.As(err, &ve) {
		metrics.OrderValidationFailures.WithLabelValues(ve.Rule).Inc()
	}
}

// dropOrphanedState discards drafts and histories whose session is gone.
func (o *Orchestrator) dropOrphanedState() {
	live := make(map[string]bool)
	for _, s := range o.registry.Sessions() {
		live[s.ID] = true
	}
	o.mu.Lock()
	for id := range o.drafts {
		if !live[id] {
			delete(o.drafts, id)
			o.conversations.Drop(id)
		}
	}
	o.mu.Unlock()
}

func (o *Orchestrator) onUpstreamConnected(e event.SessionCreated) {
	slog.Info("upstream session established", "upstream_session_id", e.Session.ID)
	o.registry.Broadcast(event.ClientEvent{Topic: event.TopicConnection, Type: "state", State: "connected"})
}

func (o *Orchestrator) onUpstreamConfigured(e event.SessionUpdated) {
	slog.Info("upstream session configured", "upstream_session_id", e.Session.ID)
}

func (o *Orchestrator) onAudioDelta(e event.AudioDelta) {
	o.registry.Broadcast(event.ClientEvent{Topic: event.TopicAudio, Type: "delta", Audio: e.Delta})
}

func (o *Orchestrator) onTranscriptDelta(e event.TranscriptDelta) {
	o.registry.Broadcast(event.ClientEvent{Topic: event.TopicTranscript, Type: "delta", Role: "assistant", Text: e.Delta})
}

func (o *Orchestrator) onSpeechStarted(e event.SpeechStarted) {
	o.registry.Broadcast(event.ClientEvent{Topic: event.TopicSpeech, Type: "started", AtMS: e.AudioStartMS})
}

func (o *Orchestrator) onSpeechStopped(e event.SpeechStopped) {
	o.registry.Broadcast(event.ClientEvent{Topic: event.TopicSpeech, Type: "stopped", AtMS: e.AudioEndMS})
}

// onItemCreated records completed assistant turns into every live session's
// history. The upstream connection is shared, so its conversation is too.
func (o *Orchestrator) onItemCreated(e event.ItemCreated) {
	text := e.Item.Text()
	if e.Item.Role == "assistant" && text != "" {
		for _, s := range o.registry.Sessions() {
			o.conversations.AppendTurn(s.ID, conversation.SpeakerAssistant, text)
		}
	}
	o.registry.Broadcast(event.ClientEvent{
		Topic:  event.TopicItems,
		Type:   "created",
		ItemID: e.Item.ID,
		Role:   e.Item.Role,
		Text:   text,
	})
}

func (o *Orchestrator) onUpstreamError(e event.UpstreamError) {
	slog.Warn("upstream error event", "code", e.Err.Code, "message", e.Err.Message)
	o.registry.Broadcast(event.ClientEvent{
		Topic:   event.TopicErrors,
		Type:    "upstream",
		Code:    e.Err.Code,
		Message: e.Err.Message,
	})
}

func (o *Orchestrator) onStateChange(s upstream.State, err error) {
	ev := event.ClientEvent{Topic: event.TopicConnection, Type: "state", State: s.String()}
	if err != nil {
		ev.Message = err.Error()
	}
	o.registry.Broadcast(ev)
	if s == upstream.StateDegraded {
		slog.Error("upstream degraded", "error", err, "attempts", o.upstream.Attempts())
	}
}
