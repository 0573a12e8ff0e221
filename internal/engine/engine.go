// Package engine is the conversational front of plan execution: it turns
// user messages into plan proposals, and resolves pending proposals through
// explicit confirmation or cancellation before anything runs.
package engine

import (
	"context"
	"fmt"
	"strings"

	"pilot/internal/llm"
	"pilot/internal/logging"
	"pilot/internal/plan"
	"pilot/internal/registry"
	"pilot/internal/store"
)

// Reply kinds.
const (
	ReplyText         = "text"
	ReplyPlanProposed = "plan_proposed"
	ReplyConfirmed    = "confirmed"
	ReplyCancelled    = "cancelled"
	ReplyRejected     = "rejected"
	ReplyConflict     = "conflict"
)

// Reply is the engine's answer to one user message.
type Reply struct {
	Kind  string `json:"kind"`
	Text  string `json:"text"`
	RunID string `json:"run_id,omitempty"`
}

// Launcher starts a confirmed run in the background.
type Launcher interface {
	Launch(runID, chatID string)
}

// ToolSource lists registered tools for the proposal prompt.
type ToolSource interface {
	List(ctx context.Context) ([]*registry.Tool, error)
}

// Engine handles user messages.
type Engine struct {
	runs       *store.RunStore
	state      *store.ChatStateStore
	chats      *store.ChatStore
	tools      ToolSource
	llm        llm.Client
	launcher   Launcher
	classifier Classifier
	logger     *logging.Logger
}

// Config wires an Engine.
type Config struct {
	Runs       *store.RunStore
	State      *store.ChatStateStore
	Chats      *store.ChatStore
	Tools      ToolSource
	LLM        llm.Client
	Launcher   Launcher
	Classifier Classifier
	Logger     *logging.Logger
}

// New returns an Engine.
func New(cfg Config) *Engine {
	e := &Engine{
		runs:       cfg.Runs,
		state:      cfg.State,
		chats:      cfg.Chats,
		tools:      cfg.Tools,
		llm:        cfg.LLM,
		launcher:   cfg.Launcher,
		classifier: cfg.Classifier,
		logger:     logging.OrNop(cfg.Logger),
	}
	if e.classifier == nil {
		e.classifier = KeywordClassifier{}
	}
	return e
}

// HandleMessage processes one user message for a chat: a confirmation or
// cancellation keyword resolves the pending plan, anything else goes to the
// model, which may answer in text or propose a new plan.
func (e *Engine) HandleMessage(ctx context.Context, chatID, text string) (*Reply, error) {
	chat, err := e.chats.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := e.chats.AppendMessage(ctx, chatID, "user", text); err != nil {
		return nil, err
	}

	st, err := e.state.Get(ctx, chatID)
	if err != nil {
		return nil, err
	}

	switch e.classifier.Classify(text) {
	case IntentConfirm:
		return e.confirm(ctx, chatID, st)
	case IntentCancel:
		return e.cancel(ctx, chatID, st)
	default:
		return e.converse(ctx, chat, st, text)
	}
}

// confirm resolves a pending plan. The status swap is the gate: pointers
// move only after the draft CAS succeeds.
func (e *Engine) confirm(ctx context.Context, chatID string, st store.ChatState) (*Reply, error) {
	if st.PendingRunID == nil {
		return e.reply(ctx, chatID, ReplyRejected, "There is no plan pending confirmation."), nil
	}
	if st.ActiveRunID != nil {
		return e.reply(ctx, chatID, ReplyRejected, "A plan is already executing. Wait for it to finish."), nil
	}

	runID := *st.PendingRunID
	won, err := e.runs.TryTransitionFromDraft(ctx, runID, plan.StatusQueued)
	if err != nil {
		return nil, err
	}
	if !won {
		return e.reply(ctx, chatID, ReplyConflict, "That plan was already resolved."), nil
	}

	if err := e.state.Activate(ctx, chatID, runID); err != nil {
		return nil, err
	}
	e.launcher.Launch(runID, chatID)
	e.logger.Info("plan confirmed", "chat_id", chatID, "run_id", runID)

	r := e.reply(ctx, chatID, ReplyConfirmed, "Confirmed. Executing the plan now.")
	r.RunID = runID
	return r, nil
}

func (e *Engine) cancel(ctx context.Context, chatID string, st store.ChatState) (*Reply, error) {
	if st.PendingRunID == nil {
		return e.reply(ctx, chatID, ReplyRejected, "There is no plan pending confirmation."), nil
	}
	if st.ActiveRunID != nil {
		return e.reply(ctx, chatID, ReplyRejected, "A plan is already executing. Wait for it to finish."), nil
	}

	runID := *st.PendingRunID
	won, err := e.runs.TryTransitionFromDraft(ctx, runID, plan.StatusCancelled)
	if err != nil {
		return nil, err
	}
	if !won {
		return e.reply(ctx, chatID, ReplyConflict, "That plan was already resolved."), nil
	}

	if err := e.state.ClearPendingIf(ctx, chatID, runID); err != nil {
		return nil, err
	}
	e.logger.Info("plan cancelled", "chat_id", chatID, "run_id", runID)

	r := e.reply(ctx, chatID, ReplyCancelled, "Plan discarded.")
	r.RunID = runID
	return r, nil
}

// converse sends the message to the model. A make_plan tool call becomes a
// draft run awaiting confirmation; plain content is relayed as-is. New
// proposals are refused while a plan is pending or executing.
func (e *Engine) converse(ctx context.Context, chat *store.Chat, st store.ChatState, text string) (*Reply, error) {
	if st.PendingRunID != nil {
		return e.reply(ctx, chat.ID, ReplyText,
			"A plan is awaiting your decision. Reply 'confirm' to execute it or 'cancel' to discard it."), nil
	}
	if st.ActiveRunID != nil {
		return e.reply(ctx, chat.ID, ReplyText,
			"A plan is currently executing. I'll take new requests when it finishes."), nil
	}

	messages, err := e.promptFor(ctx, chat)
	if err != nil {
		return nil, err
	}
	messages = append(messages, llm.Message{Role: "user", Content: text})

	resp, err := e.llm.Chat(ctx, llm.ChatRequest{
		Messages:   messages,
		Tools:      []llm.Tool{makePlanTool},
		ToolChoice: "auto",
	})
	if err != nil {
		return nil, err
	}

	call := findMakePlan(resp.ToolCalls)
	if call == nil {
		content := strings.TrimSpace(resp.Content)
		if content == "" {
			content = "I have nothing to add."
		}
		return e.reply(ctx, chat.ID, ReplyText, content), nil
	}

	proposal, verr := decodePlanArgs(call.Arguments)
	if verr != "" {
		e.logger.Warn("plan proposal rejected", "chat_id", chat.ID, "reason", verr)
		return e.reply(ctx, chat.ID, ReplyText,
			"The proposed plan was malformed and was discarded: "+verr), nil
	}

	run := plan.NewRun(chat.ID, "", proposal.Goal, proposal.Steps)
	if err := e.runs.Create(ctx, run); err != nil {
		return nil, err
	}
	if err := e.state.SetPending(ctx, chat.ID, run.RunID); err != nil {
		return nil, err
	}
	e.logger.Info("plan proposed", "chat_id", chat.ID, "run_id", run.RunID, "steps", len(run.Steps))

	r := e.reply(ctx, chat.ID, ReplyPlanProposed, renderProposal(run))
	r.RunID = run.RunID
	return r, nil
}

// reply records the assistant's answer in the chat and returns it.
func (e *Engine) reply(ctx context.Context, chatID, kind, text string) *Reply {
	if err := e.chats.AppendMessage(ctx, chatID, "assistant", text); err != nil {
		e.logger.Warn("chat message failed", "chat_id", chatID, "error", err)
	}
	return &Reply{Kind: kind, Text: text}
}

func (e *Engine) promptFor(ctx context.Context, chat *store.Chat) ([]llm.Message, error) {
	var b strings.Builder
	b.WriteString("You are an operations assistant that manages HTTP tool servers.\n")
	b.WriteString("When the user asks for work that needs tool calls, call make_plan with concrete steps.\n")
	b.WriteString("Never execute anything yourself; plans run only after explicit confirmation.\n")

	if proj, err := e.chats.GetProject(ctx, chat.ProjectID); err == nil {
		if strings.TrimSpace(proj.Context) != "" {
			b.WriteString("\nProject context:\n" + proj.Context + "\n")
		}
	}

	if e.tools != nil {
		tools, err := e.tools.List(ctx)
		if err != nil {
			return nil, err
		}
		b.WriteString("\nAvailable tools:\n")
		for _, t := range tools {
			if !t.Active {
				continue
			}
			fmt.Fprintf(&b, "- %s (id=%s)\n", t.Name, t.ID)
			for _, ep := range t.Endpoints {
				fmt.Fprintf(&b, "  %s %s %s\n", ep.Method, ep.Path, ep.Summary)
			}
		}
	}

	messages := []llm.Message{{Role: "system", Content: b.String()}}

	history, err := e.chats.History(ctx, chat.ID)
	if err != nil {
		return nil, err
	}
	// The current user message was already appended; history up to it is the
	// conversation so far.
	for _, m := range history[:max(0, len(history)-1)] {
		if m.Role == "user" || m.Role == "assistant" {
			messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
		}
	}
	return messages, nil
}

func renderProposal(run *plan.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Proposed plan: %s\n", run.Goal)
	for i, s := range run.Steps {
		title := s.Title
		if title == "" {
			title = fmt.Sprintf("%s %s", s.Target.Method, s.Target.Path)
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, title)
	}
	b.WriteString("\nReply 'confirm' to execute or 'cancel' to discard.")
	return b.String()
}
