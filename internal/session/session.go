// Package session drives the round pipeline for one conversation: scrub,
// validate, route, guard, respond, and trace every step. Speech transport
// and the model call stay outside; the session reaches them only through
// the Responder interface.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/voxcore/voxcore/internal/guard"
	"github.com/voxcore/voxcore/internal/ids"
	"github.com/voxcore/voxcore/internal/jobs"
	"github.com/voxcore/voxcore/internal/memory"
	"github.com/voxcore/voxcore/internal/model"
	"github.com/voxcore/voxcore/internal/router"
	"github.com/voxcore/voxcore/internal/scrub"
	"github.com/voxcore/voxcore/internal/trace"
	"github.com/voxcore/voxcore/internal/validate"
)

// FallbackMessage is the only user-visible failure text generated inside
// the round pipeline.
const FallbackMessage = "I'm having trouble completing that. Can you rephrase?"

// ClarificationMessage is the reply when a validator blocks the input.
const ClarificationMessage = "I need clarification before proceeding."

// DefaultRetryLimit bounds model call attempts per round.
const DefaultRetryLimit = 2

// Responder generates a reply for an assembled prompt. Implemented by the
// model transport outside this core.
type Responder interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Action tells the orchestrator what to do with an outcome.
type Action string

const (
	// ActionReply carries the final reply; the round is closed.
	ActionReply Action = "reply"
	// ActionExecute asks the orchestrator to run Decision's command and
	// then call FinishCommand; the round stays open.
	ActionExecute Action = "execute"
	// ActionClarify carries a disambiguation prompt for tied rules; the
	// round is closed.
	ActionClarify Action = "clarify"
)

// Outcome is the result of processing one utterance.
type Outcome struct {
	RoundID  string
	Action   Action
	Reply    string
	Decision router.Decision
	Failed   bool
}

// Config holds session construction parameters.
type Config struct {
	ConversationID string
	LibraryID      string
	RetryLimit     int // 0 = DefaultRetryLimit
	Logger         *zap.Logger
}

// Session owns the per-conversation pipeline state. Not internally
// synchronized: one conversation, one session, one caller at a time.
type Session struct {
	conversationID string
	bucketID       string
	libraryID      string
	retryLimit     int

	tracker   *guard.Tracker
	traces    *trace.Store
	memories  *memory.Store
	jobQueue  *jobs.TracingQueue
	responder Responder
	logger    *zap.Logger
}

// New builds a session over the given stores and responder.
func New(cfg Config, traces *trace.Store, memories *memory.Store, responder Responder) *Session {
	retryLimit := cfg.RetryLimit
	if retryLimit <= 0 {
		retryLimit = DefaultRetryLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	conversationID := ids.NormalizeConversationID(cfg.ConversationID)
	return &Session{
		conversationID: conversationID,
		bucketID:       ids.BucketID(conversationID),
		libraryID:      cfg.LibraryID,
		retryLimit:     retryLimit,
		tracker:        guard.NewTracker(),
		traces:         traces,
		memories:       memories,
		responder:      responder,
		logger:         logger,
	}
}

// AttachJobQueue lets the session serve job commands itself. Without a
// queue they come back as ActionExecute outcomes.
func (s *Session) AttachJobQueue(q *jobs.TracingQueue) { s.jobQueue = q }

// Tracker exposes the conversation's guard state machine.
func (s *Session) Tracker() *guard.Tracker { return s.tracker }

// BucketID returns the conversation's memory bucket id.
func (s *Session) BucketID() string { return s.bucketID }

// ProcessUtterance runs one round. The scrubbed utterance is classified,
// gated through the guard, and either answered directly (state transitions,
// built-in memory commands, model replies) or handed back as an
// ActionExecute outcome for the orchestrator to run. Every step lands in
// the trace store.
func (s *Session) ProcessUtterance(ctx context.Context, text, audioID string) (*Outcome, error) {
	stateIn := s.tracker.CaptureStateIn()
	round, err := s.traces.StartRound(ctx, trace.StartRoundParams{
		LibraryID:      s.libraryID,
		BucketID:       s.bucketID,
		ConversationID: s.conversationID,
		StateIn:        stateIn,
		AudioID:        audioID,
	})
	if err != nil {
		return nil, fmt.Errorf("start round: %w", err)
	}
	roundID := round.RoundID

	// Guard emissions (confirm.requested / confirm.received) land on this
	// round, best-effort.
	s.tracker.SetEventSink(func(eventType model.EventType, payload map[string]any) error {
		s.traces.LogEvent(ctx, roundID, eventType, payload, trace.AppendEventParams{})
		return nil
	})
	defer s.tracker.SetEventSink(nil)

	scrubbed, refs := scrub.Scrub(text)
	s.log(ctx, roundID, model.EventInputReceived, map[string]any{
		"raw_text": scrubbed,
		"channel":  "voice",
		"audio_id": audioID,
	})
	s.log(ctx, roundID, model.EventInputNormalized, map[string]any{
		"normalized_text": scrubbed,
		"secret_refs":     refKeys(refs),
	})

	results := validate.Run(scrubbed)
	for _, res := range results {
		s.log(ctx, roundID, model.EventValidatorRan, map[string]any{
			"validator_id": res.ValidatorID,
			"code":         res.Code,
			"status":       string(res.Status),
			"message":      res.Message,
		})
	}
	if validate.IsBlocked(results) {
		s.log(ctx, roundID, model.EventOutputEmitted, map[string]any{
			"text":          ClarificationMessage,
			"channel":       "voice",
			"was_escalated": false,
		})
		s.markFailed(ctx, roundID, "validator.blocked", joinMessages(results))
		return &Outcome{RoundID: roundID, Action: ActionReply, Reply: ClarificationMessage, Failed: true}, nil
	}

	decision := router.Classify(scrubbed)
	s.log(ctx, roundID, model.EventRouteSelected, map[string]any{
		"route_code":  string(decision.Type),
		"source_rule": decision.SourceRule,
		"topic":       decision.Topic,
		"auth_level":  decision.AuthorityLevel,
		"macro":       decision.Macro,
	})

	if err := s.memories.RecordTurn(ctx, s.bucketID, "user", scrubbed); err != nil {
		s.logger.Warn("record user turn failed", zap.Error(err))
	}

	if msg, consumed := s.tracker.ApplyTransition(decision); msg != "" || consumed != nil {
		if msg != "" {
			if err := s.memories.RecordTurn(ctx, s.bucketID, "assistant", msg); err != nil {
				s.logger.Warn("record assistant turn failed", zap.Error(err))
			}
			s.closeRound(ctx, roundID, msg)
			return &Outcome{RoundID: roundID, Action: ActionReply, Reply: msg, Decision: decision}, nil
		}
		// Confirmed pending for a regular command: the caller executes it.
		return &Outcome{RoundID: roundID, Action: ActionExecute, Decision: consumed.Decision}, nil
	}

	allowed, reason := s.tracker.Authorize(decision)
	if !allowed {
		if reason == "" {
			s.log(ctx, roundID, model.EventRoundFailed, map[string]any{
				"failure_code":   "auth.blocked",
				"failure_reason": "blocked",
			})
			s.markFailed(ctx, roundID, "auth.blocked", "blocked")
			return &Outcome{RoundID: roundID, Action: ActionReply, Decision: decision, Failed: true}, nil
		}
		s.closeRound(ctx, roundID, reason)
		return &Outcome{RoundID: roundID, Action: ActionReply, Reply: reason, Decision: decision}, nil
	}

	if len(decision.Conflicts) > 0 {
		s.log(ctx, roundID, model.EventConfirmRequested, map[string]any{
			"chain_id":   nil,
			"command_id": nil,
			"auth_level": decision.AuthorityLevel,
			"summary":    "route conflict",
		})
		reply := fmt.Sprintf(
			"I heard multiple possible actions (%s) from: %q. Please tell me which one you meant.",
			strings.Join(decision.Conflicts, ", "), scrubbed)
		s.closeRound(ctx, roundID, reply)
		return &Outcome{RoundID: roundID, Action: ActionClarify, Reply: reply, Decision: decision}, nil
	}

	if decision.Type == router.RouteCommand {
		if reply, handled := s.runBuiltin(ctx, roundID, decision, scrubbed); handled {
			s.log(ctx, roundID, model.EventCommandExecuted, map[string]any{
				"command_id": decision.CommandID,
				"status":     "ok",
				"auth_level": decision.AuthorityLevel,
				"result":     reply,
				"chain_id":   chainOf(decision),
			})
			if err := s.memories.RecordTurn(ctx, s.bucketID, "assistant", reply); err != nil {
				s.logger.Warn("record assistant turn failed", zap.Error(err))
			}
			s.closeRound(ctx, roundID, reply)
			return &Outcome{RoundID: roundID, Action: ActionReply, Reply: reply, Decision: decision}, nil
		}
		// Authorized but not built-in: execution belongs to the orchestrator.
		return &Outcome{RoundID: roundID, Action: ActionExecute, Decision: decision}, nil
	}

	return s.respond(ctx, roundID, decision, scrubbed)
}

// runBuiltin executes the memory and undo commands the session can serve
// from its own stores. Returns handled=false for everything else.
func (s *Session) runBuiltin(ctx context.Context, roundID string, d router.Decision, userText string) (string, bool) {
	bucket := d.Topic
	if bucket == "" {
		bucket = "general"
	}
	switch d.CommandID {
	case "memory.show_bucket":
		summary, err := s.memories.Summary(ctx, bucket)
		if err != nil {
			s.logger.Warn("bucket summary failed", zap.Error(err))
		}
		if summary == "" {
			summary = "No summary yet."
		}
		return fmt.Sprintf("Memory for %s: %s", bucket, summary), true

	case "memory.list_buckets":
		buckets, err := s.memories.ListBuckets(ctx)
		if err != nil {
			s.logger.Warn("list buckets failed", zap.Error(err))
		}
		joined := strings.Join(buckets, ", ")
		if joined == "" {
			joined = "none"
		}
		return fmt.Sprintf("Tracked buckets: %s", joined), true

	case "memory.add_note":
		if err := s.memories.AppendNote(ctx, bucket, userText); err != nil {
			s.logger.Warn("append note failed", zap.Error(err))
		}
		return fmt.Sprintf("Added note to %s.", bucket), true

	case "memory.clear_bucket":
		if err := s.memories.ClearBucket(ctx, bucket); err != nil {
			s.logger.Warn("clear bucket failed", zap.Error(err))
		}
		return fmt.Sprintf("Cleared memory bucket %s.", bucket), true

	case "job.create":
		if s.jobQueue == nil {
			return "", false
		}
		job, err := s.jobQueue.CreateForRound(ctx, roundID, d.Topic, userText, "", jobs.CreateParams{
			ConversationID: s.conversationID,
			LibraryID:      s.libraryID,
			BucketID:       s.bucketID,
		})
		if err != nil {
			s.logger.Warn("create job failed", zap.Error(err))
			return "I couldn't start that research job.", true
		}
		return fmt.Sprintf("Started research job %s on %s.", job.JobID, job.Topic), true

	case "job.status":
		if s.jobQueue == nil {
			return "", false
		}
		job, err := s.jobQueue.Get(ctx, d.Topic)
		if err != nil {
			s.logger.Warn("get job failed", zap.Error(err))
		}
		if job == nil {
			return fmt.Sprintf("No job found for %s.", d.Topic), true
		}
		return fmt.Sprintf("Job %s is %s.", job.JobID, job.Status), true

	case "job.list":
		if s.jobQueue == nil {
			return "", false
		}
		jobList, err := s.jobQueue.List(ctx)
		if err != nil {
			s.logger.Warn("list jobs failed", zap.Error(err))
		}
		if len(jobList) == 0 {
			return "No research jobs yet.", true
		}
		return fmt.Sprintf("There are %d research jobs; newest is %s (%s).",
			len(jobList), jobList[0].Topic, jobList[0].Status), true

	case "state.undo":
		cmd := s.tracker.UndoLast()
		if cmd == "" {
			return "Nothing to undo.", true
		}
		s.log(ctx, roundID, model.EventCommandReversed, map[string]any{
			"command_id": cmd,
			"status":     "ok",
			"reason":     "user_undo",
		})
		return fmt.Sprintf("Reverted %s.", cmd), true
	}
	return "", false
}

// respond generates a model reply with a bounded retry budget. Exhausting
// the budget closes the round as failed with the fallback message.
func (s *Session) respond(ctx context.Context, roundID string, decision router.Decision, userText string) (*Outcome, error) {
	prompt := s.buildPrompt(ctx, decision, userText)
	digest := sha256.Sum256([]byte(prompt))
	promptHash := hex.EncodeToString(digest[:])

	var lastErr error
	for attempt := 1; attempt <= s.retryLimit; attempt++ {
		t0 := time.Now()
		s.log(ctx, roundID, model.EventLLMRequest, map[string]any{
			"prompt_hash": promptHash,
			"prompt_len":  len(prompt),
			"attempt":     attempt,
		})
		reply, err := s.responder.Generate(ctx, prompt)
		latencyMS := time.Since(t0).Milliseconds()
		if err == nil {
			s.log(ctx, roundID, model.EventLLMResponse, map[string]any{
				"text":       reply,
				"latency_ms": latencyMS,
				"attempt":    attempt,
			})
			if err := s.memories.RecordTurn(ctx, s.bucketID, "assistant", reply); err != nil {
				s.logger.Warn("record assistant turn failed", zap.Error(err))
			}
			s.closeRound(ctx, roundID, reply)
			return &Outcome{RoundID: roundID, Action: ActionReply, Reply: reply, Decision: decision}, nil
		}
		lastErr = err
		s.traces.LogEvent(ctx, roundID, model.EventLLMResponse, map[string]any{
			"text":       "(error)",
			"error":      err.Error(),
			"latency_ms": latencyMS,
			"attempt":    attempt,
		}, trace.AppendEventParams{Status: "failed"})
	}

	s.log(ctx, roundID, model.EventOutputEmitted, map[string]any{
		"text":          FallbackMessage,
		"channel":       "voice",
		"was_escalated": false,
	})
	s.markFailed(ctx, roundID, "llm.failed", lastErr.Error())
	return &Outcome{
		RoundID:  roundID,
		Action:   ActionReply,
		Reply:    FallbackMessage,
		Decision: decision,
		Failed:   true,
	}, nil
}

// FinishCommand closes an ActionExecute round after the orchestrator ran
// the command.
func (s *Session) FinishCommand(ctx context.Context, roundID string, decision router.Decision, output string, execErr error) {
	if execErr != nil {
		s.traces.LogEvent(ctx, roundID, model.EventCommandExecuted, map[string]any{
			"command_id": decision.CommandID,
			"auth_level": decision.AuthorityLevel,
			"error":      execErr.Error(),
		}, trace.AppendEventParams{Status: "failed"})
		s.markFailed(ctx, roundID, "command.failed", execErr.Error())
		return
	}

	s.log(ctx, roundID, model.EventCommandExecuted, map[string]any{
		"command_id": decision.CommandID,
		"status":     "ok",
		"auth_level": decision.AuthorityLevel,
		"result":     output,
		"chain_id":   chainOf(decision),
	})
	if output != "" {
		if err := s.memories.RecordTurn(ctx, s.bucketID, "assistant", output); err != nil {
			s.logger.Warn("record assistant turn failed", zap.Error(err))
		}
	}
	s.closeRound(ctx, roundID, output)
}

// buildPrompt assembles a minimal prompt from the cached context package.
// Prompt templating proper lives with the model transport.
func (s *Session) buildPrompt(ctx context.Context, decision router.Decision, userText string) string {
	var b strings.Builder
	pkg, err := s.memories.GetContextPackage(ctx, s.bucketID)
	if err == nil && pkg != nil {
		if pkg.RegisterSummary != "" {
			fmt.Fprintf(&b, "Recent turns: %s\n", pkg.RegisterSummary)
		}
		if pkg.ShortContext != "" {
			fmt.Fprintf(&b, "Context:\n%s\n", pkg.ShortContext)
		}
	}
	fmt.Fprintf(&b, "State: %s\n", s.tracker.State())
	if decision.Topic != "" && decision.Type != router.RouteChat {
		fmt.Fprintf(&b, "Topic: %s\n", decision.Topic)
	}
	fmt.Fprintf(&b, "User: %s", userText)
	return b.String()
}

// closeRound emits the reply, marks the round ok, and releases the round
// snapshot.
func (s *Session) closeRound(ctx context.Context, roundID, reply string) {
	if reply != "" {
		s.log(ctx, roundID, model.EventOutputEmitted, map[string]any{
			"text":          reply,
			"channel":       "voice",
			"was_escalated": false,
		})
	}
	if err := s.traces.MarkRound(ctx, roundID, trace.MarkRoundParams{
		Status:   "ok",
		StateOut: s.tracker.StateOut(),
	}); err != nil {
		s.logger.Warn("mark round failed", zap.String("round_id", roundID), zap.Error(err))
	}
	s.tracker.EndRound()
}

// markFailed enforces the round-scoped state invariant and marks the round
// failed with the given code.
func (s *Session) markFailed(ctx context.Context, roundID, code, reason string) {
	s.tracker.AssertStateUnchanged()
	if err := s.traces.MarkRound(ctx, roundID, trace.MarkRoundParams{
		Status:        "failed",
		StateOut:      s.tracker.StateOut(),
		FailureCode:   code,
		FailureReason: reason,
	}); err != nil {
		s.logger.Warn("mark round failed", zap.String("round_id", roundID), zap.Error(err))
	}
	s.tracker.EndRound()
}

// log appends a trace event best-effort.
func (s *Session) log(ctx context.Context, roundID string, eventType model.EventType, payload map[string]any) {
	s.traces.LogEvent(ctx, roundID, eventType, payload, trace.AppendEventParams{})
}

func chainOf(d router.Decision) string {
	if d.Macro != "" {
		return d.Macro
	}
	return d.ChainID
}

func refKeys(refs map[string]string) []string {
	keys := make([]string, 0, len(refs))
	for k := range refs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinMessages(results []validate.Result) string {
	msgs := make([]string, 0, len(results))
	for _, r := range results {
		msgs = append(msgs, r.Message)
	}
	return strings.Join(msgs, "; ")
}
