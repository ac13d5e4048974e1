package orchestrator

import (
	"fmt"
	"strings"
)

// 功能性错误文案，按请求语言返回。
var functionalTemplates = map[string]string{
	"en": "I could not answer this question: %s",
	"fr": "Je n'ai pas pu répondre à cette question : %s",
	"zh": "无法回答该问题：%s",
}

const technicalMessage = "technical error"

var statusTemplates = map[string]map[string]string{
	"cache":     {"en": "Checking previous answers", "fr": "Recherche de réponses existantes", "zh": "正在查找已有答案"},
	"routing":   {"en": "Choosing how to answer", "fr": "Choix de la méthode de réponse", "zh": "正在选择回答方式"},
	"answering": {"en": "Writing the answer", "fr": "Rédaction de la réponse", "zh": "正在生成回答"},
}

func language(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if _, ok := functionalTemplates[lang]; ok {
		return lang
	}
	return "en"
}

func functionalMessage(lang string, err error) string {
	return fmt.Sprintf(functionalTemplates[language(lang)], err.Error())
}

func statusMessage(lang, key string) string {
	return statusTemplates[key][language(lang)]
}
