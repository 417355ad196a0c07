// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/bureau-foundation/codebeep/lib/ref"
)

// Verb is a recognized command.
type Verb string

const (
	VerbBuild    Verb = "build"
	VerbPlan     Verb = "plan"
	VerbStatus   Verb = "status"
	VerbAgents   Verb = "agents"
	VerbSessions Verb = "sessions"
	VerbHelp     Verb = "help"
	VerbAbort    Verb = "abort"
	VerbReset    Verb = "reset"
	VerbModel    Verb = "model"
	VerbCommand  Verb = "command"
	// VerbUnknown is a prefixed word that names no command. It is
	// answered with a pointer to help.
	VerbUnknown Verb = "unknown"
)

// Command is one parsed chat command.
type Command struct {
	Verb     Verb
	Argument string
	// Name is the word the user typed, alias or not, lowercased.
	Name           string
	IssuedBy       ref.UserID
	SourceEventID  ref.EventID
	ConversationID ref.RoomID
	Raw            string
}

// verbInfo describes a verb for help output.
type verbInfo struct {
	verb        Verb
	description string
	usage       string
	aliases     []string
}

// verbs is in help order.
var verbs = []verbInfo{
	{VerbBuild, "Execute a coding task with full access to modify files", "build <task description>", []string{"b", "do", "code"}},
	{VerbPlan, "Analyze code and plan changes without modifying files", "plan <analysis request>", []string{"p", "analyze", "review"}},
	{VerbStatus, "Check the status of this room's session", "status", []string{"s", "st"}},
	{VerbSessions, "List tracked sessions", "sessions", []string{"ls", "list"}},
	{VerbAgents, "List available agents", "agents", []string{"a"}},
	{VerbAbort, "Stop the current running task", "abort [session id prefix]", []string{"stop", "cancel"}},
	{VerbReset, "Forget the current session; the next task starts a new one", "reset", nil},
	{VerbModel, "Show or switch the model for this room", "model [provider/model]", []string{"m"}},
	{VerbCommand, "Run an agent slash command in this room's session", "command <name> [arguments]", nil},
	{VerbHelp, "Show available commands", "help [command]", []string{"h", "?"}},
}

var verbByName = func() map[string]Verb {
	names := make(map[string]Verb)
	for _, info := range verbs {
		names[string(info.verb)] = info.verb
		for _, alias := range info.aliases {
			names[alias] = info.verb
		}
	}
	return names
}()

func lookupVerb(verb Verb) (verbInfo, bool) {
	for _, info := range verbs {
		if info.verb == verb {
			return info, true
		}
	}
	return verbInfo{}, false
}

// Parser recognizes commands behind a prefix.
type Parser struct {
	// Prefix introduces a command. Empty means "/".
	Prefix string
}

func (p Parser) prefix() string {
	if p.Prefix == "" {
		return "/"
	}
	return p.Prefix
}

// Parse splits raw into a verb and its argument. ok is false when raw
// does not start with the prefix; such text is not a command.
func (p Parser) Parse(raw string) (command Command, ok bool) {
	text := strings.TrimSpace(raw)
	prefix := p.prefix()
	if !strings.HasPrefix(text, prefix) {
		return Command{}, false
	}
	body := strings.TrimPrefix(text, prefix)
	name, argument := body, ""
	if space := strings.IndexFunc(body, unicode.IsSpace); space >= 0 {
		name, argument = body[:space], body[space:]
	}
	name = strings.ToLower(name)
	if name == "" {
		return Command{}, false
	}

	command = Command{Name: name, Argument: strings.TrimSpace(argument), Raw: raw}
	if verb, known := verbByName[name]; known {
		command.Verb = verb
	} else {
		command.Verb = VerbUnknown
	}
	return command, true
}

// Parse uses the default "/" prefix.
func Parse(raw string) (Command, bool) {
	return Parser{}.Parse(raw)
}

// HelpText renders the command list.
func (p Parser) HelpText() string {
	prefix := p.prefix()
	var builder strings.Builder
	builder.WriteString("**codebeep Commands:**\n\n")
	for _, info := range verbs {
		fmt.Fprintf(&builder, "• `%s%s` - %s\n", prefix, info.verb, info.description)
	}
	fmt.Fprintf(&builder, "\nUse `%shelp <command>` for more details.", prefix)
	return builder.String()
}

// HelpFor renders the detail of one command, by name or alias.
func (p Parser) HelpFor(name string) (string, bool) {
	prefix := p.prefix()
	verb, ok := verbByName[strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), prefix))]
	if !ok {
		return fmt.Sprintf("Unknown command: %s", name), false
	}
	info, _ := lookupVerb(verb)
	var aliases string
	if len(info.aliases) > 0 {
		aliases = " (aliases: " + strings.Join(info.aliases, ", ") + ")"
	}
	return fmt.Sprintf("**%s%s**%s\n\n%s\n\nUsage: `%s%s`", prefix, info.verb, aliases, info.description, prefix, info.usage), true
}

// UnknownText is the reply to VerbUnknown.
func (p Parser) UnknownText(name string) string {
	return fmt.Sprintf("Unknown command: %s\nUse %shelp to see available commands.", name, p.prefix())
}
