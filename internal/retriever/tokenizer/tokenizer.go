// Package tokenizer turns bilingual (Chinese/English) text into retrieval
// terms. It lower-cases input, extracts ASCII alphanumeric and CJK runs,
// removes stop-words, and expands Chinese terms into the English vocabulary
// the knowledge base is written in.
package tokenizer

import "strings"

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"be": {}, "been": {}, "being": {}, "have": {}, "has": {}, "had": {},
	"do": {}, "does": {}, "did": {}, "will": {}, "would": {}, "shall": {},
	"should": {}, "can": {}, "could": {}, "may": {}, "might": {}, "must": {},
	"and": {}, "or": {}, "but": {}, "if": {}, "in": {}, "on": {}, "at": {},
	"to": {}, "for": {}, "of": {}, "with": {}, "by": {}, "from": {}, "as": {},
	"into": {}, "about": {}, "between": {}, "through": {}, "after": {},
	"before": {}, "during": {}, "without": {}, "within": {}, "along": {},
	"across": {}, "behind": {}, "beyond": {}, "near": {},
	"what": {}, "which": {}, "who": {}, "whom": {}, "whose": {}, "where": {},
	"when": {}, "how": {}, "that": {}, "this": {}, "these": {}, "those": {},
	"i": {}, "me": {}, "my": {}, "we": {}, "our": {}, "you": {}, "your": {},
	"he": {}, "him": {}, "his": {}, "she": {}, "her": {}, "it": {}, "its": {},
	"they": {}, "them": {}, "their": {},
	"的": {}, "了": {}, "在": {}, "是": {}, "我": {}, "他": {}, "她": {}, "它": {},
	"们": {}, "这": {}, "那": {}, "个": {}, "和": {}, "与": {}, "或": {}, "但": {},
	"如果": {}, "因为": {}, "所以": {}, "也": {}, "都": {}, "就": {},
	"请问": {}, "什么": {}, "哪个": {}, "怎么": {}, "如何": {}, "可以": {},
	"能": {}, "会": {}, "要": {}, "想": {},
}

type translation struct {
	zh string
	en []string
}

// translations maps Chinese research vocabulary onto English terms. Order
// matters: substring expansion walks the table top to bottom.
var translations = []translation{
	{"人脸", []string{"face"}},
	{"识别", []string{"recognition"}},
	{"训练", []string{"training"}},
	{"检索", []string{"retrieval"}},
	{"图像", []string{"image"}},
	{"多模态", []string{"multimodal"}},
	{"视觉", []string{"vision"}},
	{"表征", []string{"representation"}},
	{"学习", []string{"learning"}},
	{"开源", []string{"open", "source"}},
	{"论文", []string{"paper"}},
	{"聚类", []string{"cluster"}},
	{"判别", []string{"discrimination"}},
	{"大模型", []string{"large", "model"}},
	{"编码器", []string{"encoder"}},
	{"文档", []string{"document"}},
	{"视频", []string{"video"}},
	{"蒸馏", []string{"distillation"}},
	{"预训练", []string{"pretraining"}},
	{"嵌入", []string{"embedding"}},
	{"对齐", []string{"alignment"}},
	{"生成", []string{"generation"}},
	{"皮肤", []string{"skin"}},
	{"项目", []string{"project"}},
	{"数据集", []string{"dataset"}},
	{"媒体", []string{"media", "news"}},
	{"传播", []string{"media", "news"}},
	{"新闻", []string{"news", "media"}},
	{"报道", []string{"media", "news", "coverage"}},
}

var exact = func() map[string][]string {
	m := make(map[string][]string, len(translations))
	for _, tr := range translations {
		m[tr.zh] = tr.en
	}
	return m
}()

// Tokenize breaks text into query terms: lowercased, stop-words removed, and
// every Chinese term followed by its English expansions. An exact table hit
// expands once; otherwise every table entry contained in the term expands,
// so one compound term can contribute several translations.
func Tokenize(text string) []string {
	raw := Terms(text)
	tokens := make([]string, 0, len(raw))
	for _, t := range raw {
		if _, isStop := stopWords[t]; isStop {
			continue
		}
		tokens = append(tokens, t)
		if !isCJKRun(t) {
			continue
		}
		if en, ok := exact[t]; ok {
			tokens = append(tokens, en...)
			continue
		}
		for _, tr := range translations {
			if strings.Contains(t, tr.zh) {
				tokens = append(tokens, tr.en...)
			}
		}
	}
	return tokens
}

// Terms lower-cases text and returns its maximal ASCII alphanumeric and CJK
// ideograph runs in order. Everything else separates terms. No stop-word
// removal or expansion is applied.
func Terms(text string) []string {
	text = strings.ToLower(text)
	terms := make([]string, 0, len(text)/6)
	start := -1
	var cur class
	for i, r := range text {
		c := classify(r)
		if c != cur {
			if cur != classNone {
				terms = append(terms, text[start:i])
			}
			start = i
			cur = c
		}
	}
	if cur != classNone {
		terms = append(terms, text[start:])
	}
	return terms
}

type class uint8

const (
	classNone class = iota
	classAlnum
	classCJK
)

func classify(r rune) class {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return classAlnum
	case r >= 0x4e00 && r <= 0x9fff:
		return classCJK
	default:
		return classNone
	}
}

func isCJKRun(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if classify(r) != classCJK {
			return false
		}
	}
	return true
}
