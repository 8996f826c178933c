package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/therepai/companion/internal/llm"
	"github.com/therepai/companion/internal/model"
	"github.com/therepai/companion/internal/prompt"
	"github.com/therepai/companion/internal/safety"
	"github.com/therepai/companion/pkg/logger"
	"github.com/therepai/companion/pkg/metrics"
)

// DefaultCompletionTimeout bounds a single completion call.
const DefaultCompletionTimeout = 45 * time.Second

// EventPublisher receives operational thread events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *model.ThreadEvent) (uint64, error)
}

// RouterOptions configures a MessageRouter.
type RouterOptions struct {
	Policy  *safety.Policy
	Builder *prompt.Builder
	Timeout time.Duration
	Events  EventPublisher
}

// SendResult is the outcome of one routed exchange.
type SendResult struct {
	UserMessage      model.Message
	AssistantMessage model.Message
	Verdict          safety.Verdict
	Thread           *model.Thread
}

// MessageRouter decides how each user message is answered: crisis messages
// get the policy's fixed reply, everything else goes to the completion
// service. Both turns are always appended before Send returns.
type MessageRouter struct {
	conversations *ConversationService
	llmClient     llm.Client
	policy        *safety.Policy
	builder       *prompt.Builder
	timeout       time.Duration
	events        EventPublisher
	logger        *logger.Logger
	tracer        trace.Tracer

	locks [lockStripes]sync.Mutex
}

// NewMessageRouter creates a new message router.
func NewMessageRouter(
	conversations *ConversationService,
	llmClient llm.Client,
	opts RouterOptions,
	log *logger.Logger,
) *MessageRouter {
	if opts.Policy == nil {
		opts.Policy = safety.DefaultPolicy()
	}
	if opts.Builder == nil {
		opts.Builder = prompt.NewBuilder()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCompletionTimeout
	}

	return &MessageRouter{
		conversations: conversations,
		llmClient:     llmClient,
		policy:        opts.Policy,
		builder:       opts.Builder,
		timeout:       opts.Timeout,
		events:        opts.Events,
		logger:        log,
		tracer:        otel.Tracer("github.com/therepai/companion/internal/service"),
	}
}

// Classify screens text against the crisis policy.
func (r *MessageRouter) Classify(text string) safety.Result {
	return r.policy.Classify(text)
}

// Send appends the user's message, produces the assistant turn and appends
// it. Only ErrNotFound and ErrInvalidRole abort the exchange; completion
// failures become an "Error: ..." assistant turn, and persistence failures
// are returned as a warning next to a complete result.
func (r *MessageRouter) Send(ctx context.Context, owner, threadID, text string) (*SendResult, error) {
	// Once started, an exchange must reach the assistant append even if the
	// caller goes away. Only the completion timeout and EndSession cancel it.
	ctx = context.WithoutCancel(ctx)

	unlock := r.lock(threadID)
	defer unlock()

	log := r.logger.WithThread(owner, threadID)

	thread, warn := r.conversations.Append(ctx, owner, threadID, model.RoleUser, text)
	if thread == nil {
		return nil, warn
	}
	userMsg := thread.Messages[len(thread.Messages)-1]

	verdict := r.Classify(text)

	var reply string
	if verdict.Verdict == safety.Crisis {
		reply = r.policy.Message
		metrics.CrisisInterceptionsTotal.WithLabelValues(r.policy.Version).Inc()
		log.Warn("crisis phrase matched, returning safety message",
			zap.String("phrase", verdict.Phrase),
			zap.String("policy_version", r.policy.Version),
		)
		r.publish(ctx, owner, threadID, model.EventTypeCrisis, "crisis phrase matched", map[string]string{
			"phrase":         verdict.Phrase,
			"policy_version": r.policy.Version,
		})
	} else {
		reply = r.complete(ctx, log, owner, thread)
	}

	thread, err := r.conversations.Append(ctx, owner, threadID, model.RoleAssistant, reply)
	if thread == nil {
		return nil, err
	}
	warn = firstErr(warn, err)
	if warn != nil {
		r.publish(ctx, owner, threadID, model.EventTypePersistenceFailed, warn.Error(), nil)
	}

	return &SendResult{
		UserMessage:      userMsg,
		AssistantMessage: thread.Messages[len(thread.Messages)-1],
		Verdict:          verdict.Verdict,
		Thread:           thread,
	}, warn
}

// complete calls the completion service and returns the text to store,
// which is the cleaned reply or an "Error: ..." line.
func (r *MessageRouter) complete(ctx context.Context, log *logger.Logger, owner string, thread *model.Thread) string {
	if r.llmClient == nil {
		return r.failure(ctx, log, owner, thread.ID, "none", errors.New("no completion service configured"))
	}

	req := r.builder.Build(thread.Messages)

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Ending the owner's session cancels the call.
	sessCtx, _ := r.conversations.SessionContext(ctx, owner)
	stop := context.AfterFunc(sessCtx, cancel)
	defer stop()

	callCtx, span := r.tracer.Start(callCtx, "completion",
		trace.WithAttributes(
			attribute.String("llm.provider", r.llmClient.Name()),
			attribute.String("llm.model", req.Model),
			attribute.Int("llm.context_messages", len(r.builder.ContextWindow(thread.Messages))),
		),
	)
	defer span.End()

	start := time.Now()
	resp, err := r.llmClient.Complete(callCtx, req)
	if err == nil && prompt.CleanReply(resp.Content) == "" {
		err = llm.ErrServiceFailure
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordCompletion(r.llmClient.Name(), "error", time.Since(start).Seconds(), 0, 0)
		return r.failure(ctx, log, owner, thread.ID, r.llmClient.Name(), err)
	}

	metrics.RecordCompletion(r.llmClient.Name(), "success", time.Since(start).Seconds(), resp.TokensIn, resp.TokensOut)
	log.Info("completion succeeded",
		zap.String("model", resp.Model),
		zap.Int("tokens_in", resp.TokensIn),
		zap.Int("tokens_out", resp.TokensOut),
		zap.Duration("latency", time.Since(start)),
	)

	return prompt.CleanReply(resp.Content)
}

func (r *MessageRouter) failure(ctx context.Context, log *logger.Logger, owner, threadID, provider string, err error) string {
	log.Error("completion failed", zap.String("provider", provider), zap.Error(err))
	r.publish(ctx, owner, threadID, model.EventTypeCompletionFailed, err.Error(), map[string]string{
		"provider": provider,
	})
	return fmt.Sprintf("Error: %v", err)
}

func (r *MessageRouter) publish(ctx context.Context, owner, threadID string, typ model.EventType, reason string, meta map[string]string) {
	if r.events == nil {
		return
	}

	event := &model.ThreadEvent{
		ID:        uuid.Must(uuid.NewV7()).String(),
		ThreadID:  threadID,
		Owner:     owner,
		Type:      typ,
		Reason:    reason,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}

	// The request may already be cancelled; events still go out.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if _, err := r.events.PublishEvent(pubCtx, event); err != nil {
		r.logger.Warn("failed to publish thread event",
			zap.String("type", string(typ)),
			zap.String("thread_id", threadID),
			zap.Error(err),
		)
	}
}

// lockStripes bounds the per-thread locks. Threads that hash to the same
// stripe also wait on each other.
const lockStripes = 64

// lock serializes exchanges on one thread.
func (r *MessageRouter) lock(threadID string) func() {
	mu := &r.locks[lockStripe(threadID)]
	mu.Lock()
	return mu.Unlock
}

func lockStripe(threadID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(threadID))
	return h.Sum32() % lockStripes
}
