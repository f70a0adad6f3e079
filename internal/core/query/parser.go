package query

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// findingHeadPattern は "1. **Page: 12**" 形式の項目開始行
	findingHeadPattern = regexp.MustCompile(`^\s*\d+\.\s*\*\*Page:\s*(\d+)\*\*`)

	// fieldPatterns は項目内の各フィールド行
	sectionFieldPattern = regexp.MustCompile(`^\s*-\s*Under Section\s*:?\s*(.+)$`)
	summaryFieldPattern = regexp.MustCompile(`^\s*-\s*Section Summary\s*:?\s*(.+)$`)
	citedFieldPattern   = regexp.MustCompile(`^\s*-\s*Cited Text\s*:?\s*(.+)$`)
)

// parseFindings はモデルの応答を構造化されたFinding列にパースする
// 一致なしの固定文言が含まれる場合は空のFinding列と一致なしフラグを返す
// 1件もパースできない応答はResponseParsingErrorとする
func parseFindings(response string) ([]Finding, bool, error) {
	trimmed := strings.TrimSpace(response)
	if trimmed == "" {
		return nil, false, &ResponseParsingError{RawResponse: response}
	}

	if strings.Contains(trimmed, noMatchesSentinel) {
		return nil, true, nil
	}

	var findings []Finding
	var current *Finding

	for _, line := range strings.Split(trimmed, "\n") {
		if m := findingHeadPattern.FindStringSubmatch(line); m != nil {
			if current != nil {
				findings = append(findings, *current)
			}
			page, err := strconv.Atoi(m[1])
			if err != nil {
				return nil, false, &ResponseParsingError{RawResponse: response}
			}
			current = &Finding{PageNumber: page}
			continue
		}

		if current == nil {
			continue
		}

		if m := sectionFieldPattern.FindStringSubmatch(line); m != nil {
			current.SectionLabel = unquoteField(m[1])
			continue
		}
		if m := summaryFieldPattern.FindStringSubmatch(line); m != nil {
			current.SectionSummary = unquoteField(m[1])
			continue
		}
		if m := citedFieldPattern.FindStringSubmatch(line); m != nil {
			current.CitedText = unquoteField(m[1])
			continue
		}

		// 引用が複数行にわたる場合の継続行
		if current.CitedText != "" && strings.TrimSpace(line) != "" {
			current.CitedText += "\n" + strings.TrimSpace(line)
		}
	}
	if current != nil {
		findings = append(findings, *current)
	}

	if len(findings) == 0 {
		return nil, false, &ResponseParsingError{RawResponse: response}
	}

	// ページ番号と逐語引用は引用付き回答の必須フィールド
	for _, f := range findings {
		if f.PageNumber <= 0 || f.CitedText == "" {
			return nil, false, &ResponseParsingError{RawResponse: response}
		}
	}

	return findings, false, nil
}

// unquoteField はフィールド値の前後の引用符と空白を取り除く
func unquoteField(value string) string {
	value = strings.TrimSpace(value)
	value = strings.Trim(value, `"`)
	return strings.TrimSpace(value)
}
