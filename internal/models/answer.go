package models

import "strings"

// SourceDelimiter wraps every citation URL that is appended to an assistant answer, so the rendering
// layer can tell the answer body apart from its citations.
const SourceDelimiter = "@@source@@"

// FormatAnswer builds the displayed content of an assistant message. The answer body comes first; when
// there are sources, a newline follows and then every source URL wrapped in SourceDelimiter, in order.
// Sources without a URL are skipped.
func FormatAnswer(answer string, sources []Source) string {
	var sb strings.Builder
	sb.WriteString(answer)
	for _, src := range sources {
		if src.URL == "" {
			continue
		}
		if sb.Len() == len(answer) {
			sb.WriteString("\n")
		}
		sb.WriteString(SourceDelimiter)
		sb.WriteString(src.URL)
		sb.WriteString(SourceDelimiter)
	}
	return sb.String()
}

// SplitAnswer reverses FormatAnswer. It returns the answer body and the citation URLs found after it.
// The citation block starts at the last newline followed by SourceDelimiter, so the body itself may
// contain the delimiter. Content without a well-formed citation block is returned unchanged with a nil
// slice.
func SplitAnswer(content string) (string, []string) {
	idx := strings.LastIndex(content, "\n"+SourceDelimiter)
	if idx == -1 {
		return content, nil
	}

	urls, ok := citations(content[idx+1:])
	if !ok {
		return content, nil
	}
	return content[:idx], urls
}

// citations parses a block of delimiter wrapped URLs. It reports false if the block holds anything else.
func citations(block string) ([]string, bool) {
	var urls []string
	for block != "" {
		rest, ok := strings.CutPrefix(block, SourceDelimiter)
		if !ok {
			return nil, false
		}
		url, after, ok := strings.Cut(rest, SourceDelimiter)
		if !ok || url == "" || strings.Contains(url, "\n") {
			return nil, false
		}
		urls = append(urls, url)
		block = after
	}
	return urls, len(urls) > 0
}
