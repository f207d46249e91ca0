package agent

import (
	"github.com/nikhil-bora/finops-agent/internal/conversation"
	"github.com/nikhil-bora/finops-agent/internal/llm"
)

// BuildRequest assembles the messages for one inference call: the
// preamble as a system message, then the stored user and assistant
// text turns, then the in-flight tool exchange of the current turn.
//
// Tool turns in the stored history are not re-fed; they are kept for
// the UI. window bounds how many stored text turns are included,
// counting from the newest; 0 includes all of them. The result never
// starts with an assistant turn, since providers reject that.
func BuildRequest(history []conversation.Turn, inflight []llm.Message, preamble string, window int) []llm.Message {
	text := make([]llm.Message, 0, len(history))
	for _, t := range history {
		switch t.Role {
		case conversation.RoleUser, conversation.RoleAssistant:
			if t.Content == "" {
				continue
			}
			text = append(text, llm.Message{Role: string(t.Role), Content: t.Content})
		}
	}
	if window > 0 && len(text) > window {
		text = text[len(text)-window:]
	}
	for len(text) > 0 && text[0].Role != llm.RoleUser {
		text = text[1:]
	}

	out := make([]llm.Message, 0, len(text)+len(inflight)+1)
	if preamble != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: preamble})
	}
	out = append(out, text...)
	out = append(out, inflight...)
	return out
}

// AttachToFirstUser puts atts on the first user message of msgs. The
// message is copied, so the caller's slices are not shared with it.
func AttachToFirstUser(msgs []llm.Message, atts []llm.Attachment) []llm.Message {
	if len(atts) == 0 {
		return msgs
	}
	for i := range msgs {
		if msgs[i].Role != llm.RoleUser {
			continue
		}
		m := msgs[i]
		m.Attachments = append(append([]llm.Attachment(nil), atts...), m.Attachments...)
		out := append([]llm.Message(nil), msgs...)
		out[i] = m
		return out
	}
	return msgs
}
