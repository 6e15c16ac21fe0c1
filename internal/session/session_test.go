package session

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/voxcore/voxcore/internal/jobs"
	"github.com/voxcore/voxcore/internal/memory"
	"github.com/voxcore/voxcore/internal/model"
	"github.com/voxcore/voxcore/internal/router"
	"github.com/voxcore/voxcore/internal/trace"
)

type stubResponder struct {
	reply string
	err   error
	calls int
}

func (r *stubResponder) Generate(ctx context.Context, prompt string) (string, error) {
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	return r.reply, nil
}

func newTestSession(t *testing.T, responder Responder) (*Session, *trace.Store, *memory.Store) {
	t.Helper()
	dir := t.TempDir()
	traces, err := trace.NewStore(filepath.Join(dir, "traces.db"), nil)
	if err != nil {
		t.Fatalf("create trace store: %v", err)
	}
	t.Cleanup(func() { traces.Close() })

	memories, err := memory.NewStore(filepath.Join(dir, "memory.db"))
	if err != nil {
		t.Fatalf("create memory store: %v", err)
	}
	t.Cleanup(func() { memories.Close() })

	s := New(Config{ConversationID: "room-1"}, traces, memories, responder)
	return s, traces, memories
}

func eventTypes(t *testing.T, traces *trace.Store, roundID string) []string {
	t.Helper()
	events, err := traces.FetchEvents(context.Background(), roundID)
	if err != nil {
		t.Fatalf("fetch events: %v", err)
	}
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = string(e.EventType)
	}
	return types
}

func countType(types []string, want string) int {
	n := 0
	for _, tp := range types {
		if tp == want {
			n++
		}
	}
	return n
}

func TestChatRoundRepliesAndTraces(t *testing.T) {
	ctx := context.Background()
	responder := &stubResponder{reply: "sunny with a light breeze"}
	s, traces, _ := newTestSession(t, responder)

	out, err := s.ProcessUtterance(ctx, "tell me about the weather", "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Action != ActionReply {
		t.Fatalf("action = %s, want reply", out.Action)
	}
	if out.Reply != "sunny with a light breeze" {
		t.Fatalf("reply = %q", out.Reply)
	}
	if out.Decision.Type != router.RouteChat {
		t.Fatalf("decision type = %s, want chat", out.Decision.Type)
	}

	round, err := traces.FetchRound(ctx, out.RoundID)
	if err != nil || round == nil {
		t.Fatalf("fetch round: %v, %v", round, err)
	}
	if round.Status != "ok" {
		t.Fatalf("round status = %s", round.Status)
	}
	if round.StateOut != "DEFAULT" {
		t.Fatalf("state_out = %s", round.StateOut)
	}

	types := eventTypes(t, traces, out.RoundID)
	for _, want := range []string{
		string(model.EventInputReceived),
		string(model.EventInputNormalized),
		string(model.EventValidatorRan),
		string(model.EventRouteSelected),
		string(model.EventLLMRequest),
		string(model.EventLLMResponse),
		string(model.EventOutputEmitted),
	} {
		if countType(types, want) == 0 {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}

func TestChatRoundRecordsTurns(t *testing.T) {
	ctx := context.Background()
	s, _, memories := newTestSession(t, &stubResponder{reply: "noted"})

	out, err := s.ProcessUtterance(ctx, "hello there", "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	pkg, err := memories.GetContextPackage(ctx, s.BucketID())
	if err != nil {
		t.Fatalf("context package: %v", err)
	}
	if !strings.Contains(pkg.RegisterSummary, "[user] hello there") {
		t.Fatalf("register missing user turn: %q", pkg.RegisterSummary)
	}
	if !strings.Contains(pkg.RegisterSummary, "[assistant] "+out.Reply) {
		t.Fatalf("register missing assistant turn: %q", pkg.RegisterSummary)
	}
}

func TestRetryExhaustionFallsBack(t *testing.T) {
	ctx := context.Background()
	responder := &stubResponder{err: errors.New("model unreachable")}
	s, traces, _ := newTestSession(t, responder)

	out, err := s.ProcessUtterance(ctx, "tell me a story", "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !out.Failed {
		t.Fatal("expected failed outcome")
	}
	if out.Reply != FallbackMessage {
		t.Fatalf("reply = %q", out.Reply)
	}
	if responder.calls != DefaultRetryLimit {
		t.Fatalf("responder calls = %d, want %d", responder.calls, DefaultRetryLimit)
	}

	round, err := traces.FetchRound(ctx, out.RoundID)
	if err != nil || round == nil {
		t.Fatalf("fetch round: %v, %v", round, err)
	}
	if round.Status != "failed" || round.FailureCode != "llm.failed" {
		t.Fatalf("round = %s/%s", round.Status, round.FailureCode)
	}

	types := eventTypes(t, traces, out.RoundID)
	if got := countType(types, string(model.EventLLMRequest)); got != DefaultRetryLimit {
		t.Fatalf("llm.request count = %d", got)
	}
}

func TestConfirmReleasesPendingCommand(t *testing.T) {
	ctx := context.Background()
	s, traces, _ := newTestSession(t, &stubResponder{reply: "ok"})

	out, err := s.ProcessUtterance(ctx, "restart the agent now", "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Action != ActionReply {
		t.Fatalf("action = %s", out.Action)
	}
	if !strings.Contains(out.Reply, "Confirm `ops.restart_agent`") {
		t.Fatalf("reply = %q", out.Reply)
	}
	if countType(eventTypes(t, traces, out.RoundID), string(model.EventConfirmRequested)) != 1 {
		t.Fatal("missing confirm.requested")
	}

	out2, err := s.ProcessUtterance(ctx, "confirm", "")
	if err != nil {
		t.Fatalf("process confirm: %v", err)
	}
	if out2.Action != ActionExecute {
		t.Fatalf("action = %s, want execute", out2.Action)
	}
	if out2.Decision.CommandID != "ops.restart_agent" {
		t.Fatalf("command = %s", out2.Decision.CommandID)
	}
	if countType(eventTypes(t, traces, out2.RoundID), string(model.EventConfirmReceived)) != 1 {
		t.Fatal("missing confirm.received")
	}

	s.FinishCommand(ctx, out2.RoundID, out2.Decision, "Agent restarted.", nil)
	round, err := traces.FetchRound(ctx, out2.RoundID)
	if err != nil || round == nil {
		t.Fatalf("fetch round: %v, %v", round, err)
	}
	if round.Status != "ok" {
		t.Fatalf("round status = %s", round.Status)
	}
	if countType(eventTypes(t, traces, out2.RoundID), string(model.EventCommandExecuted)) != 1 {
		t.Fatal("missing command.executed")
	}
}

func TestFinishCommandFailureMarksRound(t *testing.T) {
	ctx := context.Background()
	s, traces, _ := newTestSession(t, &stubResponder{reply: "ok"})

	out, err := s.ProcessUtterance(ctx, "check the health of the services", "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Action != ActionExecute {
		t.Fatalf("action = %s, want execute", out.Action)
	}

	s.FinishCommand(ctx, out.RoundID, out.Decision, "", errors.New("backend down"))
	round, err := traces.FetchRound(ctx, out.RoundID)
	if err != nil || round == nil {
		t.Fatalf("fetch round: %v, %v", round, err)
	}
	if round.Status != "failed" || round.FailureCode != "command.failed" {
		t.Fatalf("round = %s/%s", round.Status, round.FailureCode)
	}
}

func TestBuiltinNoteAndUndo(t *testing.T) {
	ctx := context.Background()
	s, traces, memories := newTestSession(t, &stubResponder{reply: "ok"})

	out, err := s.ProcessUtterance(ctx, "add note to project-x", "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Reply != "Added note to project-x." {
		t.Fatalf("reply = %q", out.Reply)
	}
	details, err := memories.Details(ctx, "project-x")
	if err != nil || details == nil {
		t.Fatalf("bucket details: %v, %v", details, err)
	}

	out2, err := s.ProcessUtterance(ctx, "undo that", "")
	if err != nil {
		t.Fatalf("process undo: %v", err)
	}
	if out2.Reply != "Reverted memory.add_note." {
		t.Fatalf("reply = %q", out2.Reply)
	}
	if countType(eventTypes(t, traces, out2.RoundID), string(model.EventCommandReversed)) != 1 {
		t.Fatal("missing command.reversed")
	}

	out3, err := s.ProcessUtterance(ctx, "undo that", "")
	if err != nil {
		t.Fatalf("process second undo: %v", err)
	}
	if out3.Reply != "Nothing to undo." {
		t.Fatalf("reply = %q", out3.Reply)
	}
}

func TestJobCreateWithAttachedQueue(t *testing.T) {
	ctx := context.Background()
	s, traces, _ := newTestSession(t, &stubResponder{reply: "ok"})

	queue, err := jobs.NewQueue(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	t.Cleanup(func() { queue.Close() })
	s.AttachJobQueue(jobs.NewTracingQueue(queue, traces))

	out, err := s.ProcessUtterance(ctx, "start research on quantum computing", "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !strings.HasPrefix(out.Reply, "Started research job ") {
		t.Fatalf("reply = %q", out.Reply)
	}
	if !strings.HasSuffix(out.Reply, "on quantum computing.") {
		t.Fatalf("reply = %q", out.Reply)
	}
	if countType(eventTypes(t, traces, out.RoundID), string(model.EventJobEnqueued)) != 1 {
		t.Fatal("missing job.enqueued")
	}

	jobList, err := queue.List(ctx)
	if err != nil || len(jobList) != 1 {
		t.Fatalf("jobs = %v, %v", jobList, err)
	}
	if jobList[0].Topic != "quantum computing" {
		t.Fatalf("topic = %q", jobList[0].Topic)
	}
}

func TestJobCreateWithoutQueueHandsOff(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestSession(t, &stubResponder{reply: "ok"})

	out, err := s.ProcessUtterance(ctx, "start research on quantum computing", "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Action != ActionExecute {
		t.Fatalf("action = %s, want execute", out.Action)
	}
	if out.Decision.CommandID != "job.create" {
		t.Fatalf("command = %s", out.Decision.CommandID)
	}
}

func TestStateExitReply(t *testing.T) {
	ctx := context.Background()
	s, traces, _ := newTestSession(t, &stubResponder{reply: "ok"})

	out, err := s.ProcessUtterance(ctx, "exit", "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Reply != "Returned to default state." {
		t.Fatalf("reply = %q", out.Reply)
	}
	round, err := traces.FetchRound(ctx, out.RoundID)
	if err != nil || round == nil {
		t.Fatalf("fetch round: %v, %v", round, err)
	}
	if round.StateOut != "DEFAULT" {
		t.Fatalf("state_out = %s", round.StateOut)
	}
}

func TestConflictAsksForClarification(t *testing.T) {
	ctx := context.Background()
	s, traces, _ := newTestSession(t, &stubResponder{reply: "ok"})

	out, err := s.ProcessUtterance(ctx, "start research on read memory for project-x", "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Action != ActionClarify {
		t.Fatalf("action = %s, want clarify", out.Action)
	}
	if !strings.Contains(out.Reply, "job.create") || !strings.Contains(out.Reply, "memory.show_bucket") {
		t.Fatalf("reply = %q", out.Reply)
	}
	if countType(eventTypes(t, traces, out.RoundID), string(model.EventConfirmRequested)) != 1 {
		t.Fatal("missing confirm.requested for route conflict")
	}
}

func TestRoundSeqAdvancesPerUtterance(t *testing.T) {
	ctx := context.Background()
	s, traces, _ := newTestSession(t, &stubResponder{reply: "ok"})

	var roundIDs []string
	for _, text := range []string{"hello", "how are you", "tell me more"} {
		out, err := s.ProcessUtterance(ctx, text, "")
		if err != nil {
			t.Fatalf("process %q: %v", text, err)
		}
		roundIDs = append(roundIDs, out.RoundID)
	}
	for i, id := range roundIDs {
		round, err := traces.FetchRound(ctx, id)
		if err != nil || round == nil {
			t.Fatalf("fetch round: %v, %v", round, err)
		}
		if round.RoundSeq != i+1 {
			t.Fatalf("round_seq = %d, want %d", round.RoundSeq, i+1)
		}
	}
}
