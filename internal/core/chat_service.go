package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxToolRounds      = 4
	defaultCompletionTimeout  = 45 * time.Second
	defaultMaxConcurrentTurns = 32
)

var (
	// ErrEmptyMessage is returned for a turn with no user text.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrTurnUnavailable means the caller's context ended while the turn was
	// queued for its session or for a concurrency slot. Nothing was appended.
	ErrTurnUnavailable = errors.New("turn unavailable")
)

type ChatOptions struct {
	// MaxToolRounds caps completion calls per turn.
	MaxToolRounds      int
	CompletionTimeout  time.Duration
	MaxConcurrentTurns int64
}

// TurnResult is the outcome of one user turn.
type TurnResult struct {
	SessionID string
	Response  string
	Rounds    int
	Usage     Usage
}

// ChatService runs the tool dispatch loop for a user turn.
type ChatService struct {
	sessions  *SessionStore
	completer Completer
	tools     *ToolExecutor
	turns     *semaphore.Weighted
	opts      ChatOptions
	log       *zap.Logger
}

func NewChatService(sessions *SessionStore, completer Completer, tools *ToolExecutor, opts ChatOptions, log *zap.Logger) *ChatService {
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = DefaultMaxToolRounds
	}
	if opts.CompletionTimeout <= 0 {
		opts.CompletionTimeout = defaultCompletionTimeout
	}
	if opts.MaxConcurrentTurns <= 0 {
		opts.MaxConcurrentTurns = defaultMaxConcurrentTurns
	}
	return &ChatService{
		sessions:  sessions,
		completer: completer,
		tools:     tools,
		turns:     semaphore.NewWeighted(opts.MaxConcurrentTurns),
		opts:      opts,
		log:       log,
	}
}

// HandleTurn appends userText to the session and drives the model until it
// answers in text or the round cap is hit. An empty sessionKey starts a new
// session. On ErrToolLoopExceeded the returned result still carries the
// degraded reply.
func (s *ChatService) HandleTurn(ctx context.Context, sessionKey, userText string) (*TurnResult, error) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return nil, ErrEmptyMessage
	}
	if sessionKey == "" {
		sessionKey = uuid.NewString()
	}

	// Session first: turns queued behind a busy session must not hold a slot.
	sess, err := s.sessions.Acquire(ctx, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: session %s busy: %w", ErrTurnUnavailable, sessionKey, err)
	}
	defer s.sessions.Release(sess)

	if err := s.turns.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: no free turn slot: %w", ErrTurnUnavailable, err)
	}
	defer s.turns.Release(1)

	log := s.log.With(zap.String("session_id", sessionKey))

	if last := sess.Last(); last.Role == RoleUser && last.Content == userText {
		log.Info("retrying unanswered user message")
	} else {
		sess.append(Message{Role: RoleUser, Content: userText})
	}

	result := &TurnResult{SessionID: sessionKey}
	schemas := s.tools.Schemas()
	started := time.Now()

	for round := 1; round <= s.opts.MaxToolRounds; round++ {
		completion, err := s.complete(ctx, sess.Messages(), schemas)
		if err != nil {
			return nil, err
		}
		result.Rounds = round
		result.Usage.Add(completion.Usage)
		log.Debug("completion",
			zap.Int("round", round),
			zap.Int("tool_calls", len(completion.ToolCalls)),
			zap.Int("prompt_tokens", completion.Usage.PromptTokens),
			zap.Int("completion_tokens", completion.Usage.CompletionTokens),
		)

		if len(completion.ToolCalls) == 0 {
			if strings.TrimSpace(completion.Content) == "" {
				return nil, fmt.Errorf("%w: completion has neither text nor tool calls", ErrUpstreamProtocol)
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			sess.append(Message{Role: RoleAssistant, Content: completion.Content})
			result.Response = completion.Content
			log.Info("turn answered",
				zap.Int("rounds", round),
				zap.Int("total_tokens", result.Usage.TotalTokens),
				zap.Duration("elapsed", time.Since(started)),
			)
			return result, nil
		}

		if round == s.opts.MaxToolRounds {
			break
		}

		msgs, err := s.runTools(ctx, completion, log)
		if err != nil {
			return nil, err
		}
		sess.append(msgs...)

		if err := ctx.Err(); err != nil {
			log.Info("caller gone after tool round", zap.Int("round", round))
			return nil, err
		}
	}

	log.Warn("tool loop exceeded",
		zap.Int("max_rounds", s.opts.MaxToolRounds),
		zap.Int("total_tokens", result.Usage.TotalTokens),
	)
	result.Response = degradedResponse
	return result, fmt.Errorf("%w: model still requested tools after %d completion calls", ErrToolLoopExceeded, s.opts.MaxToolRounds)
}

func (s *ChatService) complete(ctx context.Context, history []Message, schemas []Tool) (*Completion, error) {
	cctx, cancel := context.WithTimeout(ctx, s.opts.CompletionTimeout)
	defer cancel()

	completion, err := s.completer.Complete(cctx, history, schemas)
	if err != nil {
		// the caller's own deadline or cancellation is not an upstream failure
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, classifyUpstream("completion", err)
	}
	if completion == nil {
		return nil, fmt.Errorf("%w: nil completion", ErrUpstreamProtocol)
	}
	return completion, nil
}

// runTools validates every call of a round before running any of them, then
// returns the assistant message followed by one tool message per call. Nothing
// is returned for a round that fails.
func (s *ChatService) runTools(ctx context.Context, completion *Completion, log *zap.Logger) ([]Message, error) {
	invocations := make([]*invocation, 0, len(completion.ToolCalls))
	seen := make(map[string]struct{}, len(completion.ToolCalls))
	for _, call := range completion.ToolCalls {
		if call.ID == "" {
			return nil, fmt.Errorf("%w: tool call %q has no id", ErrUpstreamProtocol, call.Name)
		}
		if _, dup := seen[call.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate tool call id %q", ErrUpstreamProtocol, call.ID)
		}
		seen[call.ID] = struct{}{}

		inv, err := s.tools.decode(call)
		if err != nil {
			log.Warn("rejected tool call", zap.String("tool", call.Name), zap.Error(err))
			return nil, err
		}
		invocations = append(invocations, inv)
	}

	// Tools finish even if the caller disconnects so the round can be recorded.
	toolCtx := context.WithoutCancel(ctx)

	msgs := make([]Message, 0, len(invocations)+1)
	msgs = append(msgs, Message{
		Role:      RoleAssistant,
		Content:   completion.Content,
		ToolCalls: completion.ToolCalls,
	})
	for _, inv := range invocations {
		start := time.Now()
		out, err := s.tools.execute(toolCtx, inv)
		if err != nil {
			log.Error("tool failed", zap.String("tool", inv.call.Name), zap.Error(err))
			return nil, err
		}
		log.Info("tool executed",
			zap.String("tool", inv.call.Name),
			zap.String("call_id", inv.call.ID),
			zap.Duration("elapsed", time.Since(start)),
		)
		msgs = append(msgs, Message{
			Role:       RoleTool,
			Content:    out,
			ToolCallID: inv.call.ID,
			Name:       inv.call.Name,
		})
	}
	return msgs, nil
}
