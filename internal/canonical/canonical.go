// Package canonical 提供邮件文本的规范化与比较原语。
//
// 重复检测对文本做两级处理：
//   - Canonicalize: 面向内容哈希的规范化（去大小写、空白、易变子串）
//   - StripVolatile: 面向相似度比较的深度清洗（去头部、URL、法律声明等）
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	// ISO-8601 时间戳，如 2026-08-30T12:34:56Z / 2026-08-30 12:34:56
	isoTimestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[t ]\d{2}:\d{2}(:\d{2})?(\.\d+)?(z|[+-]\d{2}:?\d{2})?`)
	// 人类可读日期，如 aug 30, 2026 / 30 august 2026
	humanDateRe = regexp.MustCompile(`\b(\d{1,2}\s+)?(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+\d{1,2}(,?\s+\d{2,4})?\b`)
	// 独立时刻，如 12:34 / 12:34:56 pm
	clockTimeRe = regexp.MustCompile(`\b\d{1,2}:\d{2}(:\d{2})?\s*(am|pm)?\b`)
	// Message-ID / Received 头片段
	messageIDRe = regexp.MustCompile(`(?m)^(message-id|received|date|x-[a-z-]+):.*$`)
	// 多余空白
	whitespaceRe = regexp.MustCompile(`\s+`)

	// URL 与内嵌邮箱地址
	urlRe   = regexp.MustCompile(`https?://\S+`)
	emailRe = regexp.MustCompile(`\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`)
	// 常见邮件头行（相似度比较前整行剔除）
	headerLineRe = regexp.MustCompile(`(?m)^(from|to|cc|bcc|subject|reply-to|sender|return-path|mime-version|content-type|content-transfer-encoding):.*$`)
	// 法律与退订样板
	boilerplateRe = regexp.MustCompile(`(?is)(this (e-?mail|message) (and any attachments )?(is|are) (confidential|intended)|unsubscribe|do not reply|all rights reserved|terms (of|&) (service|use)|privacy policy).*?(\.|$)`)
)

// Canonicalize 将主题、正文与发件人规范化为可比较文本。
//
// 处理步骤：小写、剔除头部片段、剥离 ISO 时间戳与日期/时刻模式、
// 折叠空白。结果用于内容哈希，确保同一封收据的两次投递
// （仅时间戳等易变内容不同）产生相同摘要。
func Canonicalize(subject, text, from string) string {
	combined := strings.ToLower(subject + "|" + text + "|" + from)

	combined = messageIDRe.ReplaceAllString(combined, "")
	combined = isoTimestampRe.ReplaceAllString(combined, "")
	combined = humanDateRe.ReplaceAllString(combined, "")
	combined = clockTimeRe.ReplaceAllString(combined, "")
	combined = whitespaceRe.ReplaceAllString(combined, " ")

	return strings.TrimSpace(combined)
}

// HashContent 计算规范化内容的 SHA-256 十六进制摘要。
func HashContent(subject, text, from string) string {
	sum := sha256.Sum256([]byte(Canonicalize(subject, text, from)))
	return hex.EncodeToString(sum[:])
}

// StripVolatile 为相似度比较深度清洗文本。
//
// 在 Canonicalize 的基础上进一步剔除：邮件头行、URL、
// 内嵌邮箱地址、法律与退订样板。
func StripVolatile(subject, text string) string {
	combined := strings.ToLower(subject + " " + text)

	combined = headerLineRe.ReplaceAllString(combined, "")
	combined = boilerplateRe.ReplaceAllString(combined, "")
	combined = urlRe.ReplaceAllString(combined, "")
	combined = emailRe.ReplaceAllString(combined, "")
	combined = isoTimestampRe.ReplaceAllString(combined, "")
	combined = humanDateRe.ReplaceAllString(combined, "")
	combined = clockTimeRe.ReplaceAllString(combined, "")
	combined = whitespaceRe.ReplaceAllString(combined, " ")

	return strings.TrimSpace(combined)
}

// WordSet 将文本切分为去重后的词集合。
func WordSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, word := range strings.Fields(text) {
		word = strings.Trim(word, ".,;:!?\"'()[]{}")
		if word != "" {
			set[word] = struct{}{}
		}
	}
	return set
}

// Jaccard 计算两个词集合的 Jaccard 相似度（交集/并集）。
// 两个空集合视为完全相同，返回 1。
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}

	intersection := 0
	for word := range a {
		if _, ok := b[word]; ok {
			intersection++
		}
	}

	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
