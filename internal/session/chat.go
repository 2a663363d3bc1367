package session

import "strings"

// ChatResult describes what chat handling decided to do with an incoming
// message, mirroring Client._chat_handler's onChatReceive veto/override.
type ChatResult struct {
	Suppress bool
	Message  string
	Broadcast bool
}

// HandleChat parses a `C:<nick>:<msg>` frame, runs the scripting bridge's
// onChatReceive veto/override, and decides the final outcome:
//   - a scripted result of false/0 suppresses the message entirely;
//   - a scripted result carrying a "message" field overrides the text;
//   - otherwise the original message is broadcast unchanged.
func (s *Session) HandleChat(raw string) ChatResult {
	_, msg, ok := splitChat(raw)
	if !ok {
		return ChatResult{Suppress: true}
	}

	if s.bus == nil {
		return ChatResult{Message: msg, Broadcast: true}
	}

	results := s.bus.EmitScripted("onChatReceive", s.Nickname(), msg)
	for _, r := range results {
		switch v := r.(type) {
		case bool:
			if !v {
				return ChatResult{Suppress: true}
			}
		case int:
			if v == 0 {
				return ChatResult{Suppress: true}
			}
		case map[string]any:
			if override, ok := v["message"].(string); ok {
				msg = override
			}
		}
	}

	return ChatResult{Message: msg, Broadcast: true}
}

// splitChat parses `C:<nick>:<msg>`, returning ok=false if the frame does
// not have the expected two-colon shape.
func splitChat(raw string) (nick, msg string, ok bool) {
	if !strings.HasPrefix(raw, "C:") {
		return "", "", false
	}
	rest := raw[2:]
	idx := strings.Index(rest, ":")
	if idx == -1 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}
