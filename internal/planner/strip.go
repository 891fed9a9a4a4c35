package planner

import "strings"

// StripWrapper removes the outermost wrapper around a JSON reply: a
// triple-backtick fence (with optional language tag) or a sentinel token
// pair like <|json|> ... <|end|>. Only one wrapper layer is stripped; bare
// JSON passes through untouched.
func StripWrapper(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "```") {
		body := strings.TrimPrefix(s, "```")
		// Drop a language tag on the opening fence line.
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			first := strings.TrimSpace(body[:nl])
			if first != "" && !strings.ContainsAny(first, "{[") {
				body = body[nl+1:]
			}
		}
		if end := strings.LastIndex(body, "```"); end >= 0 {
			body = body[:end]
		}
		return strings.TrimSpace(body)
	}

	if strings.HasPrefix(s, "<|") {
		if end := strings.Index(s, "|>"); end >= 0 {
			body := s[end+2:]
			if open := strings.LastIndex(body, "<|"); open >= 0 && strings.HasSuffix(strings.TrimSpace(body), "|>") {
				body = body[:open]
			}
			return strings.TrimSpace(body)
		}
	}

	return s
}
