package textgen

import (
	"fmt"
	"strings"

	"github.com/emvazquez/agora/internal/session"
)

// promptHistoryLimit bounds how many recent turns go into the prompt.
const promptHistoryLimit = 12

// systemPrompt renders the instructions that keep an agent in character and
// on topic.
func systemPrompt(topic string, sp session.Speaker) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a participant in a spoken group conversation about %q.\n", sp.DisplayName, topic)
	if strings.TrimSpace(sp.Persona) != "" {
		fmt.Fprintf(&b, "Stay in character: %s\n", strings.TrimSpace(sp.Persona))
	}
	b.WriteString("Reply with your next spoken line only, no stage directions, no speaker labels. ")
	b.WriteString("Keep it under four sentences and react to what was just said.")
	return b.String()
}

// transcript renders recent turns oldest-first as "Name: line" pairs.
func transcript(speakers []session.Speaker, recent []session.Turn) string {
	if len(recent) > promptHistoryLimit {
		recent = recent[len(recent)-promptHistoryLimit:]
	}
	names := make(map[string]string, len(speakers))
	for _, sp := range speakers {
		names[sp.ID] = sp.DisplayName
	}

	var b strings.Builder
	for _, t := range recent {
		name := names[t.SpeakerID]
		if name == "" {
			name = t.SpeakerID
		}
		fmt.Fprintf(&b, "%s: %s\n", name, t.Content)
	}
	return b.String()
}
