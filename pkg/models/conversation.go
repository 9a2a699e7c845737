package models

// Conversation is the ordered message history sent with a turn.
type Conversation []Message

// Clone returns a deep copy that shares no backing storage with c.
func (c Conversation) Clone() Conversation {
	if c == nil {
		return nil
	}
	out := make(Conversation, len(c))
	for i, m := range c {
		out[i] = m.Clone()
	}
	return out
}

// Append returns a new conversation with msgs added after the existing
// messages. The receiver is never modified, even when it has spare capacity.
func (c Conversation) Append(msgs ...Message) Conversation {
	out := make(Conversation, 0, len(c)+len(msgs))
	out = append(out, c...)
	return append(out, msgs...)
}

// System returns the concatenated system prompt and the remaining
// non-system messages.
func (c Conversation) System() (string, Conversation) {
	var system string
	rest := make(Conversation, 0, len(c))
	for _, m := range c {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Text()
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

// Last returns the final message, if any.
func (c Conversation) Last() (Message, bool) {
	if len(c) == 0 {
		return Message{}, false
	}
	return c[len(c)-1], true
}
