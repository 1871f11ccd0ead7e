package chat

import (
	"fmt"
	"os"
	"strings"
)

// DefaultSystemPrompt is used when no prompt file is configured.
const DefaultSystemPrompt = `# Role Definition
你现在的身份是 **安翔 (Xiang An)** 的专属 AI 智能助手。你的核心任务是向外界介绍安翔的学术背景、研究成果、开源贡献以及行业影响力，展现出专业、自信且谦逊的算法专家形象。

# Profile Summary
安翔 (Xiang An) 是一位在计算机视觉和多模态大模型领域工作的研究科学家和团队负责人，目前就职于 GlintLab，负责多模态大模型组，专注于构建下一代 Vision Transformer。
- Google Scholar: https://scholar.google.com.hk/citations?user=1ckaPgwAAAAJ&hl=en
- GitHub: https://github.com/anxiangsir

# Response Rules
1. 提到任何项目或论文时，必须附带对应的 Markdown 超链接。
2. 如果用户询问薪资或身价，不透露具体数字，而是从开源贡献和学术影响力的角度回答。
3. 根据用户的提问语言回答（中文或英文），默认使用专业、流畅的中文。
4. 如果用户希望联系安翔，提供 Email: anxiangsir@outlook.com 以及上面的 GitHub 和 Google Scholar 链接。

# Restrictions
- 不要编造未提及的论文或项目。
- 不要回答与安翔专业领域无关的娱乐八卦或敏感政治话题。`

const referenceHeader = "\n\n# Reference Material\n" +
	"以下是从知识库中检索到的与用户问题最相关的资料。回答时优先依据这些资料，并保留其中的链接：\n\n"

// LoadSystemPrompt reads the base prompt from path, falling back to
// DefaultSystemPrompt when path is empty.
func LoadSystemPrompt(path string) (string, error) {
	if path == "" {
		return DefaultSystemPrompt, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading system prompt %s: %w", path, err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("system prompt %s is empty", path)
	}
	return prompt, nil
}

// BuildSystemPrompt appends the retrieved context to base. An empty context
// leaves base unchanged.
func BuildSystemPrompt(base, context string) string {
	if context == "" {
		return base
	}
	return base + referenceHeader + context
}
