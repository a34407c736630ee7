// Package mesh wires the MESH components (registry, stores, envelope
// security, send/receive pipelines, discovery, conversation engine,
// session router, audit log) into a single Node that a daemon or test
// harness can drive.
package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arcwire/mesh/internal/audit"
	"github.com/arcwire/mesh/internal/breaker"
	"github.com/arcwire/mesh/internal/config"
	"github.com/arcwire/mesh/internal/conversation"
	"github.com/arcwire/mesh/internal/discovery"
	"github.com/arcwire/mesh/internal/envelope"
	"github.com/arcwire/mesh/internal/keystore"
	"github.com/arcwire/mesh/internal/metrics"
	"github.com/arcwire/mesh/internal/nonce"
	"github.com/arcwire/mesh/internal/queue"
	"github.com/arcwire/mesh/internal/receive"
	"github.com/arcwire/mesh/internal/registry"
	"github.com/arcwire/mesh/internal/send"
	"github.com/arcwire/mesh/internal/session"
)

// Node owns every component of one MESH instance.
type Node struct {
	Config   *config.Config
	Registry *registry.Registry
	Breaker  *breaker.Breaker
	Keys     *keystore.Store
	Queue    *queue.Queue
	Nonces   *nonce.Log
	Audit    *audit.Log

	Send         *send.Pipeline
	Receive      *receive.Pipeline
	Discovery    *discovery.Discovery
	Conversation *conversation.Engine
	Session      *session.Router
	Drainer      *queue.Drainer

	waiters   map[string]chan *envelope.Envelope
	waitersMu sync.Mutex

	logger *slog.Logger
}

// Open builds a Node from a loaded configuration. host is the out-of-
// scope host runtime collaborator; pass receive.NullHostHandler{} for
// standalone operation.
func Open(cfg *config.Config, host receive.HostHandler) (*Node, error) {
	logger := slog.Default()

	reg, err := registry.Load(cfg.IdentityPath(), cfg.RegistryPath())
	if err != nil {
		return nil, fmt.Errorf("mesh: load registry: %w", err)
	}

	br, err := breaker.New(cfg.Path("state", "circuit-breakers.json"), time.Duration(cfg.Timing.CircuitCooldownSecs)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("mesh: open breaker store: %w", err)
	}

	q, err := queue.New(cfg.Path("state", "dead-letters.json"), cfg.Timing.MaxDeadLetters)
	if err != nil {
		return nil, fmt.Errorf("mesh: open dead-letter queue: %w", err)
	}

	n, err := nonce.New(cfg.Path("state", "seen-nonces.log"), time.Duration(cfg.Timing.ReplayWindowSeconds)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("mesh: open nonce log: %w", err)
	}

	auditLog, err := audit.Open(cfg.Path("logs", "mesh-audit.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("mesh: open audit log: %w", err)
	}

	keys := keystore.New(cfg.SigningKeysDir(), cfg.EncryptionKeysDir())

	node := &Node{
		Config:   cfg,
		Registry: reg,
		Breaker:  br,
		Keys:     keys,
		Queue:    q,
		Nonces:   n,
		Audit:    auditLog,
		waiters:  map[string]chan *envelope.Envelope{},
		logger:   logger,
	}

	sessionRouter := session.New(
		cfg.Path("sessions"),
		reg.Self(),
		cfg.Timing.MaxSessionMessages,
		time.Duration(cfg.Timing.SessionTTLHours)*time.Hour,
		&sessionSenderAdapter{node: node},
	)
	node.Session = sessionRouter

	sendPipeline := send.New(reg, br, keys, q, &auditAdapter{log: auditLog})
	sendPipeline.StrictSigning = cfg.Signing.RequireSignatureWhenRegistered
	sendPipeline.Session = sessionRouter
	sendPipeline.Logger = logger
	sendPipeline.DefaultTTL = cfg.Timing.DefaultTTLSeconds
	sendPipeline.AttachmentInlineMax = cfg.Timing.AttachmentInlineMax
	node.Send = sendPipeline

	convEngine := conversation.New(cfg.Path("state", "conversations"), &fanoutAdapter{node: node}, func() string {
		return "conv_" + uuid.New().String()
	})
	node.Conversation = convEngine

	disc, err := discovery.New(reg, cfg.Path("state", "peer-health.json"), cfg.Path("state", "routing-table.json"))
	if err != nil {
		return nil, fmt.Errorf("mesh: open discovery: %w", err)
	}
	node.Discovery = disc
	sendPipeline.Discovery = disc

	recvPipeline := &receive.Pipeline{
		Registry:                       reg,
		Keys:                           keys,
		Nonces:                         n,
		Audit:                          auditLog,
		Host:                           host,
		Waiter:                         node,
		Conversation:                   convEngine,
		Session:                        sessionRouter,
		Replier:                        sendPipeline,
		Logger:                         logger,
		RequireSignatureWhenRegistered: cfg.Signing.RequireSignatureWhenRegistered,
	}
	node.Receive = recvPipeline

	node.Drainer = queue.NewDrainer(q, reg, sendPipeline, time.Duration(cfg.Timing.DrainIntervalSeconds)*time.Second, logger)

	return node, nil
}

// Fulfill implements receive.ResponseWaiter: deliver an inbound response
// to whichever goroutine is awaiting that correlation id, if any.
func (n *Node) Fulfill(correlationID string, env *envelope.Envelope) {
	n.waitersMu.Lock()
	ch, ok := n.waiters[correlationID]
	if ok {
		delete(n.waiters, correlationID)
	}
	n.waitersMu.Unlock()
	if ok {
		ch <- env
	}
}

// Await registers a waiter for a correlation id and blocks until a
// response arrives or ctx is done.
func (n *Node) Await(ctx context.Context, correlationID string) (*envelope.Envelope, error) {
	ch := make(chan *envelope.Envelope, 1)
	n.waitersMu.Lock()
	n.waiters[correlationID] = ch
	n.waitersMu.Unlock()

	select {
	case env := <-ch:
		return env, nil
	case <-ctx.Done():
		n.waitersMu.Lock()
		delete(n.waiters, correlationID)
		n.waitersMu.Unlock()
		return nil, ctx.Err()
	}
}

// RunScheduler blocks, running the drainer, prober+elector, conversation
// sweeper, and session cleanup as independent periodic tasks until ctx is
// cancelled.
func (n *Node) RunScheduler(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(4)

	go func() {
		defer wg.Done()
		n.Drainer.Run(ctx)
	}()

	go func() {
		defer wg.Done()
		n.runProbeAndElect(ctx)
	}()

	go func() {
		defer wg.Done()
		n.runConversationSweep(ctx)
	}()

	go func() {
		defer wg.Done()
		n.runSessionCleanup(ctx)
	}()

	wg.Wait()
}

func (n *Node) runProbeAndElect(ctx context.Context) {
	interval := time.Duration(n.Config.Timing.ProbeIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := n.Discovery.Probe(); err != nil {
				n.logger.Error("probe failed", "error", err)
				continue
			}
			if _, err := n.Discovery.Elect(); err != nil {
				n.logger.Error("election failed", "error", err)
			}
		}
	}
}

func (n *Node) runConversationSweep(ctx context.Context) {
	interval := time.Duration(n.Config.Timing.SweepIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := n.Conversation.List()
			if err != nil {
				n.logger.Error("conversation list failed", "error", err)
				continue
			}
			if err := n.Conversation.TimeoutSweep(ids, time.Now()); err != nil {
				n.logger.Error("conversation timeout sweep failed", "error", err)
			}
			if active, err := n.Conversation.ActiveCount(ids); err != nil {
				n.logger.Error("conversation active count failed", "error", err)
			} else {
				metrics.ConversationsActive.Set(float64(active))
			}
		}
	}
}

func (n *Node) runSessionCleanup(ctx context.Context) {
	interval := time.Hour
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			keys, err := n.Session.List()
			if err != nil {
				n.logger.Error("session list failed", "error", err)
				continue
			}
			if err := n.Session.Cleanup(keys, time.Now()); err != nil {
				n.logger.Error("session cleanup failed", "error", err)
			}
		}
	}
}

// auditAdapter satisfies send.AuditSink over the shared audit.Log.
type auditAdapter struct {
	log *audit.Log
}

func (a *auditAdapter) Audit(outcome string, env *envelope.Envelope, detail string) {
	_ = a.log.Append(audit.Entry{
		From:           env.From,
		To:             env.To,
		Type:           string(env.Type),
		ID:             env.ID,
		Subject:        env.Payload.Subject,
		Body:           string(env.Payload.Body),
		Status:         outcome,
		CorrelationID:  env.CorrelationID,
		ConversationID: env.ConversationID,
		ReplyContext:   env.ReplyContext,
		Signed:         env.Signature != "",
		SessionKey:     env.SessionKey(),
	})
}

// sessionSenderAdapter satisfies session.Sender over the node's send
// pipeline.
type sessionSenderAdapter struct {
	node *Node
}

func (a *sessionSenderAdapter) Send(to, subject string, body interface{}, sessionKey string) error {
	_, err := a.node.Send.Send(context.Background(), to, subject, body, send.Options{
		Type:       envelope.TypeNotification,
		SessionKey: sessionKey,
	})
	return err
}

// fanoutAdapter satisfies conversation.Fanout over the node's send
// pipeline, carrying round-aware replyContext.
type fanoutAdapter struct {
	node *Node
}

func (a *fanoutAdapter) FanOut(conversationID, participant, question string, round int, priorContext, typeOverride, priority string) error {
	typ := envelope.TypeRequest
	if typeOverride == "notification" {
		typ = envelope.TypeNotification
	}
	replyContext := map[string]interface{}{
		"conversationId": conversationID,
		"round":          round,
	}
	if priorContext != "" {
		replyContext["priorRounds"] = priorContext
	}
	_, err := a.node.Send.Send(context.Background(), participant, question, question, send.Options{
		Type:           typ,
		ConversationID: conversationID,
		ReplyContext:   replyContext,
		Priority:       envelope.Priority(priority),
	})
	return err
}
