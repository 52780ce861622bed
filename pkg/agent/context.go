package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/cognianchor/cognianchor/pkg/tools"
)

const dateLayout = "Monday, 02 Jan 2006"

// ContextBuilder assembles the system prompt: a fixed persona and tool
// policy, the registered tool summaries and the current date.
type ContextBuilder struct {
	tools *tools.ToolRegistry
	now   tools.Clock
	loc   *time.Location
}

func NewContextBuilder(registry *tools.ToolRegistry, now tools.Clock, loc *time.Location) *ContextBuilder {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.Local
	}
	return &ContextBuilder{tools: registry, now: now, loc: loc}
}

func (cb *ContextBuilder) getIdentity() string {
	return `# CogniAnchor

You are a caring companion for people living with memory loss, such as dementia or Alzheimer's disease.

## Your role
- Speak warmly, patiently and clearly.
- Help with daily life by keeping track of reminders.
- Comfort and reassure when the person feels lost or upset.
- Watch for signs that the person is hurt, frightened or in danger.
- Keep every reply short and simple: two sentences at most.`
}

func (cb *ContextBuilder) buildToolsSection() string {
	if cb.tools == nil {
		return ""
	}

	summaries := cb.tools.Summaries()
	if len(summaries) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Available Tools\n\n")
	sb.WriteString("**IMPORTANT**: When the person asks to set, check or cancel a reminder you MUST call the matching tool. Never pretend an action was done.\n\n")
	for _, s := range summaries {
		sb.WriteString(s)
		sb.WriteString("\n")
	}
	sb.WriteString("\nOnly use `send_emergency_alert` for real emergencies: a fall, pain, severe confusion or a plea for help.\n")
	return sb.String()
}

func (cb *ContextBuilder) buildGuidelines() string {
	return `## Guidelines

1. **Use tools for reminders** - setting, listing and cancelling reminders always goes through a tool.
2. **Be proactive** - if medicine or an appointment comes up, offer to set a reminder.
3. **Be gentle** - never sound frustrated and never correct the person harshly.
4. **Validate feelings** - acknowledge how they feel before anything else.
5. **Dates and times** - pass dates as 'dd MMM yyyy' (for example '25 Dec 2024') and times as 'hh:mm AM/PM' (for example '08:00 PM').

## Examples
- "Remind me to take my pills at 8pm" -> create_reminder
- "What do I need to do today?" -> list_reminders
- "Cancel my appointment reminder" -> delete_reminder
- "I fell and I can't get up" -> send_emergency_alert, straight away
- "I'm feeling sad" -> comfort them, no tool needed`
}

func (cb *ContextBuilder) buildSession(pairID string) string {
	now := cb.now().In(cb.loc)
	var sb strings.Builder
	sb.WriteString("## Session\n\n")
	fmt.Fprintf(&sb, "Today is %s. The time is %s (%s).\n", now.Format(dateLayout), now.Format("03:04 PM"), now.Location())
	if pairID != "" {
		fmt.Fprintf(&sb, "Use pair_id %q for every tool call.\n", pairID)
	}
	return sb.String()
}

// BuildSystemPrompt renders the prompt for one model call.
func (cb *ContextBuilder) BuildSystemPrompt(pairID string) string {
	parts := []string{cb.getIdentity()}
	if section := cb.buildToolsSection(); section != "" {
		parts = append(parts, section)
	}
	parts = append(parts, cb.buildGuidelines(), cb.buildSession(pairID))
	return strings.Join(parts, "\n\n---\n\n")
}
