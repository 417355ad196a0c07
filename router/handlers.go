// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bureau-foundation/codebeep/lib/breaker"
	"github.com/bureau-foundation/codebeep/lib/ref"
	"github.com/bureau-foundation/codebeep/opencode"
	"github.com/bureau-foundation/codebeep/registry"
)

// maxListedSessions caps /sessions output.
const maxListedSessions = 10

func (r *Router) dispatch(ctx context.Context, logger *slog.Logger, command Command) (string, error) {
	switch command.Verb {
	case VerbBuild:
		return r.startTask(ctx, logger, command, "build")
	case VerbPlan:
		return r.startTask(ctx, logger, command, "plan")
	case VerbStatus:
		return r.status(ctx, command)
	case VerbAgents:
		return r.agents(ctx)
	case VerbSessions:
		return r.sessions(), nil
	case VerbHelp:
		if command.Argument != "" {
			text, _ := r.config.Parser.HelpFor(command.Argument)
			return text, nil
		}
		return r.config.Parser.HelpText(), nil
	case VerbAbort:
		return r.abort(ctx, logger, command)
	case VerbReset:
		return r.reset(ctx, command)
	case VerbModel:
		return r.model(ctx, command)
	case VerbCommand:
		return r.slashCommand(ctx, logger, command)
	}
	if r.config.UnknownCommandReply {
		return r.config.Parser.UnknownText(command.Name), nil
	}
	return "", nil
}

// startTask submits the argument to the conversation's session,
// creating one when none is live. A running session is reused.
func (r *Router) startTask(ctx context.Context, logger *slog.Logger, command Command, agent string) (string, error) {
	if command.Argument == "" {
		if agent == "plan" {
			return fmt.Sprintf("Please provide an analysis request.\nUsage: %splan <request>", r.config.Parser.prefix()), nil
		}
		return fmt.Sprintf("Please provide a task description.\nUsage: %sbuild <task>", r.config.Parser.prefix()), nil
	}

	var entry registry.Entry
	err := r.guarded(ctx, "start task", func(ctx context.Context) error {
		var err error
		entry, err = r.submit(ctx, logger, command.ConversationID, agent, command.Argument)
		return err
	})
	if err != nil {
		return "", err
	}
	// The outcome waits until the acknowledgement is out.
	defer r.config.Watcher.Release(ctx, entry.SessionID, true)
	if err := r.config.Sessions.Apply(ctx, entry.SessionID, opencode.StatusRunning); err != nil {
		logger.Warn("recording running status failed", "session_id", entry.SessionID, "error", err)
	}
	logger.Info("task submitted", "session_id", entry.SessionID, "agent", agent)

	text := fmt.Sprintf("Task started with %s agent.\nSession: %s...\n\nI'll notify you when it's complete.", agent, shortID(entry.SessionID))
	if agent == "plan" {
		text = fmt.Sprintf("Analysis started with plan agent.\nSession: %s...\n\nI'll notify you when it's complete.", shortID(entry.SessionID))
	}
	r.reply(ctx, logger, command, text)
	return "", nil
}

// submit resolves the session and sends the prompt. The watch is
// registered and held before the prompt goes out so the completion
// event cannot arrive unobserved. On success the returned session is
// still held. A session the server forgot is recreated once.
func (r *Router) submit(ctx context.Context, logger *slog.Logger, roomID ref.RoomID, agent, text string) (registry.Entry, error) {
	entry, created, err := r.config.Sessions.Resolve(ctx, roomID, agent)
	if err != nil {
		return registry.Entry{}, err
	}
	if created {
		logger.Info("created session for conversation", "session_id", entry.SessionID)
	}
	prompt := opencode.Prompt{Text: text, Agent: agent, Model: r.modelFor(roomID)}

	err = r.sendWatched(ctx, entry, prompt)
	if opencode.IsSessionNotFound(err) {
		logger.Warn("session missing upstream, recreating", "session_id", entry.SessionID)
		stale := entry.SessionID
		entry, err = r.config.Sessions.Recreate(ctx, roomID, stale, agent)
		if err != nil {
			return registry.Entry{}, err
		}
		r.config.Watcher.Unwatch(stale)
		err = r.sendWatched(ctx, entry, prompt)
	}
	return entry, err
}

func (r *Router) sendWatched(ctx context.Context, entry registry.Entry, prompt opencode.Prompt) error {
	alreadyWatched := r.config.Watcher.Watching(entry.SessionID)
	r.config.Watcher.Hold(entry.SessionID, entry.ConversationID)
	_, err := r.config.Tasks.SendMessage(ctx, entry.SessionID, prompt)
	if err != nil {
		if alreadyWatched {
			r.config.Watcher.Release(ctx, entry.SessionID, false)
		} else {
			r.config.Watcher.Unwatch(entry.SessionID)
		}
	}
	return err
}

func (r *Router) modelFor(roomID ref.RoomID) string {
	if model := r.config.Sessions.Model(roomID); model != "" {
		return model
	}
	return r.config.DefaultModel
}

func (r *Router) status(ctx context.Context, command Command) (string, error) {
	var builder strings.Builder
	builder.WriteString("**Session Status:**\n\n")
	if entry, ok := r.config.Sessions.Latest(command.ConversationID); ok {
		fmt.Fprintf(&builder, "%s `%s...` - %s", statusEmoji(entry.Status), shortID(entry.SessionID), entry.Status)
		if entry.Agent != "" {
			fmt.Fprintf(&builder, " (%s)", entry.Agent)
		}
		builder.WriteString("\n")
		if model := r.modelFor(command.ConversationID); model != "" {
			fmt.Fprintf(&builder, "Model: `%s`\n", model)
		}
		if entry.Live() {
			r.verifySession(ctx, &builder, entry)
		}
	} else {
		builder.WriteString("No active sessions.\n")
	}

	health, err := r.config.Tasks.Health(ctx)
	switch {
	case err != nil:
		builder.WriteString("\nAgent server: unreachable")
	case health.Version != "":
		fmt.Fprintf(&builder, "\nAgent server: healthy (%s)", health.Version)
	default:
		builder.WriteString("\nAgent server: healthy")
	}

	if r.config.Breaker != nil {
		stats := r.config.Breaker.Stats()
		if stats.State == breaker.Open {
			remaining := stats.OpenUntil.Sub(r.clock.Now()).Round(time.Second)
			fmt.Fprintf(&builder, "\nNew tasks are paused after repeated failures; retrying in %v.", remaining)
		}
	}
	return builder.String(), nil
}

// verifySession asks the server about a live mapping. A session the
// server no longer has is marked failed so the next task starts fresh.
func (r *Router) verifySession(ctx context.Context, builder *strings.Builder, entry registry.Entry) {
	remote, err := r.config.Tasks.GetSession(ctx, entry.SessionID)
	switch {
	case opencode.IsSessionNotFound(err):
		r.config.Watcher.Unwatch(entry.SessionID)
		if err := r.config.Sessions.MarkTerminalReason(ctx, entry.SessionID, opencode.StatusFailed, "missing upstream"); err != nil {
			r.logger.Warn("marking missing session failed", "session_id", entry.SessionID, "error", err)
		}
		builder.WriteString("The agent server no longer has this session. The next task starts a new one.\n")
	case err != nil:
		r.logger.Debug("session lookup for status failed", "session_id", entry.SessionID, "error", err)
	case !remote.Updated.IsZero():
		fmt.Fprintf(builder, "Last activity: %s\n", remote.Updated.UTC().Format(time.RFC3339))
	}
}

func (r *Router) agents(ctx context.Context) (string, error) {
	var agents []opencode.Agent
	err := r.upstream(ctx, "list agents", func(ctx context.Context) error {
		var err error
		agents, err = r.config.Tasks.ListAgents(ctx)
		return err
	})
	if err != nil {
		return "", err
	}
	if len(agents) == 0 {
		return "No agents available.", nil
	}
	var builder strings.Builder
	builder.WriteString("**Available Agents:**\n")
	for _, agent := range agents {
		description := agent.Description
		if description == "" {
			description = "No description"
		}
		fmt.Fprintf(&builder, "\n• **%s** - %s", agent.Name, description)
	}
	return builder.String(), nil
}

// listCommands answers /command with no name: the agent-native
// commands the server offers.
func (r *Router) listCommands(ctx context.Context) (string, error) {
	usage := fmt.Sprintf("Usage: %scommand <name> [arguments]", r.config.Parser.prefix())
	var commands []opencode.CommandInfo
	err := r.upstream(ctx, "list commands", func(ctx context.Context) error {
		var err error
		commands, err = r.config.Tasks.ListCommands(ctx)
		return err
	})
	if err != nil {
		return "", err
	}
	if len(commands) == 0 {
		return "The agent server offers no commands.\n" + usage, nil
	}
	var builder strings.Builder
	builder.WriteString("**Agent Commands:**\n")
	for _, command := range commands {
		if command.Description == "" {
			fmt.Fprintf(&builder, "\n• `/%s`", command.Name)
			continue
		}
		fmt.Fprintf(&builder, "\n• `/%s` - %s", command.Name, command.Description)
	}
	builder.WriteString("\n\n" + usage)
	return builder.String(), nil
}

func (r *Router) sessions() string {
	entries := r.config.Sessions.List()
	if len(entries) == 0 {
		return "No sessions found."
	}
	var builder strings.Builder
	builder.WriteString("**Sessions:**\n")
	for _, entry := range entries[:min(len(entries), maxListedSessions)] {
		title := entry.Title
		if title == "" {
			title = "Untitled"
		}
		fmt.Fprintf(&builder, "\n• %s `%s...` - %s", statusEmoji(entry.Status), shortID(entry.SessionID), title)
	}
	if len(entries) > maxListedSessions {
		fmt.Fprintf(&builder, "\n\n... and %d more", len(entries)-maxListedSessions)
	}
	return builder.String()
}

// abort stops the conversation's live session, or the one whose ID
// starts with the argument. The mapping is marked terminal locally
// even when the server cannot confirm the abort.
func (r *Router) abort(ctx context.Context, logger *slog.Logger, command Command) (string, error) {
	entry, ok := r.abortTarget(command)
	if !ok {
		return "No running tasks to abort.", nil
	}

	abortErr := r.upstream(ctx, "abort session", func(ctx context.Context) error {
		return r.config.Tasks.Abort(ctx, entry.SessionID)
	})
	r.config.Watcher.Unwatch(entry.SessionID)
	if err := r.config.Sessions.MarkTerminalReason(ctx, entry.SessionID, opencode.StatusFailed, "aborted"); err != nil {
		return "", err
	}
	if abortErr != nil && !opencode.IsSessionNotFound(abortErr) {
		logger.Warn("remote abort failed, session abandoned locally", "session_id", entry.SessionID, "error", abortErr)
		return fmt.Sprintf("Stopped tracking session `%s...`; the agent server did not confirm the abort.", shortID(entry.SessionID)), nil
	}
	return fmt.Sprintf("Aborted session `%s...`", shortID(entry.SessionID)), nil
}

func (r *Router) abortTarget(command Command) (registry.Entry, bool) {
	if command.Argument == "" {
		return r.config.Sessions.Current(command.ConversationID)
	}
	for _, entry := range r.config.Sessions.List() {
		if entry.ConversationID == command.ConversationID && entry.Live() &&
			strings.HasPrefix(entry.SessionID, command.Argument) {
			return entry, true
		}
	}
	return registry.Entry{}, false
}

func (r *Router) reset(ctx context.Context, command Command) (string, error) {
	previous, found, err := r.config.Sessions.Supersede(ctx, command.ConversationID, "reset")
	if err != nil {
		return "", err
	}
	if !found {
		return "No session to reset. The next task starts a new one.", nil
	}
	r.config.Watcher.Unwatch(previous.SessionID)
	return fmt.Sprintf("Session `%s...` set aside. The next task starts a new one.", shortID(previous.SessionID)), nil
}

func (r *Router) model(ctx context.Context, command Command) (string, error) {
	prefix := r.config.Parser.prefix()
	if command.Argument == "" {
		current := r.modelFor(command.ConversationID)
		if current == "" {
			current = "server default"
		}
		return fmt.Sprintf("Current model: `%s`\n\nUsage: %smodel <provider/model>, or %smodel default", current, prefix, prefix), nil
	}

	model := command.Argument
	if model == "default" {
		model = ""
	} else if provider, name, ok := strings.Cut(model, "/"); !ok || provider == "" || name == "" || strings.ContainsAny(model, " \t\n") {
		return fmt.Sprintf("Model must look like `provider/model`.\nUsage: %smodel <provider/model>", prefix), nil
	}
	if err := r.config.Sessions.SetModel(ctx, command.ConversationID, model); err != nil {
		return "", err
	}
	if model == "" {
		return "Switched to the default model.", nil
	}
	return fmt.Sprintf("Switched to model: `%s`", model), nil
}

// slashCommand passes an agent-native command through to the
// conversation's session. The server answers synchronously, so the
// result is the reply and nothing is watched.
func (r *Router) slashCommand(ctx context.Context, logger *slog.Logger, command Command) (string, error) {
	name, arguments, _ := strings.Cut(command.Argument, " ")
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return r.listCommands(ctx)
	}
	arguments = strings.TrimSpace(arguments)
	agent := r.config.DefaultAgent

	var message opencode.Message
	err := r.guarded(ctx, "slash command", func(ctx context.Context) error {
		entry, _, err := r.config.Sessions.Resolve(ctx, command.ConversationID, agent)
		if err != nil {
			return err
		}
		prompt := opencode.Prompt{Agent: agent, Model: r.modelFor(command.ConversationID)}
		message, err = r.config.Tasks.ExecuteSlashCommand(ctx, entry.SessionID, name, arguments, prompt)
		if opencode.IsSessionNotFound(err) {
			logger.Warn("session missing upstream, recreating", "session_id", entry.SessionID)
			stale := entry.SessionID
			entry, err = r.config.Sessions.Recreate(ctx, command.ConversationID, stale, agent)
			if err != nil {
				return err
			}
			r.config.Watcher.Unwatch(stale)
			message, err = r.config.Tasks.ExecuteSlashCommand(ctx, entry.SessionID, name, arguments, prompt)
		}
		return err
	})
	if err != nil {
		return "", err
	}
	if text := message.Text(); text != "" {
		return text, nil
	}
	return fmt.Sprintf("Command `/%s` finished with no output.", name), nil
}

func statusEmoji(status opencode.Status) string {
	switch status {
	case opencode.StatusIdle:
		return "💤"
	case opencode.StatusRunning:
		return "🔄"
	case opencode.StatusAwaitingInput:
		return "⏳"
	case opencode.StatusCompleted:
		return "✅"
	case opencode.StatusFailed:
		return "❌"
	}
	return "❓"
}

// shortID is the first eight characters of a session ID.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
