package client

import (
	"strings"

	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

// Labels turns step types into display strings for one language. Labels are never stored: the
// same table serves live streams and reloaded history.
type Labels struct {
	lang string
}

// LabelsFor returns the labels of lang ("en", "fr", "zh", or a tag like "fr-FR"). Unknown
// languages fall back to English.
func LabelsFor(lang string) Labels {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if _, ok := stepLabels[lang]; !ok {
		lang = "en"
	}
	return Labels{lang: lang}
}

// Language is the resolved language code.
func (l Labels) Language() string {
	if l.lang == "" {
		return "en"
	}
	return l.lang
}

var stepLabels = map[string]map[string]string{
	"en": {
		protocol.StepCacheLookup:          "Checking previous answers",
		protocol.StepRouter:               "Routing",
		protocol.StepQueryRewrite:         "Rewriting the question",
		protocol.StepRouterProcessing:     "Analyzing the question",
		protocol.StepQueryExecution:       "Gathering context",
		protocol.StepRouterSelection:      "Selecting tools",
		protocol.StepRetrieval:            "Retrieval",
		protocol.StepRouterSynthesis:      "Choosing the answer pipeline",
		protocol.StepCSVSchemaRetrieval:   "Reading the CSV schema",
		protocol.StepSQLGeneration:        "Writing SQL",
		protocol.StepSQLExecution:         "Running SQL",
		protocol.StepSynthesis:            "Preparing the answer",
		protocol.StepStreaming:            "Writing the answer",
		protocol.StepTrending:             "Updating trending questions",
		protocol.StepAssistantPersistence: "Saving the answer",
		protocol.StepCacheUpdate:          "Updating the cache",
		protocol.StepCompleted:            "Done",
	},
	"fr": {
		protocol.StepCacheLookup:          "Recherche de réponses existantes",
		protocol.StepRouter:               "Routage",
		protocol.StepQueryRewrite:         "Reformulation de la question",
		protocol.StepRouterProcessing:     "Analyse de la question",
		protocol.StepQueryExecution:       "Collecte du contexte",
		protocol.StepRouterSelection:      "Sélection des outils",
		protocol.StepRetrieval:            "Recherche",
		protocol.StepRouterSynthesis:      "Choix du pipeline de réponse",
		protocol.StepCSVSchemaRetrieval:   "Lecture du schéma CSV",
		protocol.StepSQLGeneration:        "Écriture de la requête SQL",
		protocol.StepSQLExecution:         "Exécution de la requête SQL",
		protocol.StepSynthesis:            "Préparation de la réponse",
		protocol.StepStreaming:            "Rédaction de la réponse",
		protocol.StepTrending:             "Mise à jour des tendances",
		protocol.StepAssistantPersistence: "Enregistrement de la réponse",
		protocol.StepCacheUpdate:          "Mise à jour du cache",
		protocol.StepCompleted:            "Terminé",
	},
	"zh": {
		protocol.StepCacheLookup:          "查找已有答案",
		protocol.StepRouter:               "路由",
		protocol.StepQueryRewrite:         "改写问题",
		protocol.StepRouterProcessing:     "分析问题",
		protocol.StepQueryExecution:       "收集上下文",
		protocol.StepRouterSelection:      "选择工具",
		protocol.StepRetrieval:            "检索",
		protocol.StepRouterSynthesis:      "选择回答方式",
		protocol.StepCSVSchemaRetrieval:   "读取 CSV 结构",
		protocol.StepSQLGeneration:        "生成 SQL",
		protocol.StepSQLExecution:         "执行 SQL",
		protocol.StepSynthesis:            "准备回答",
		protocol.StepStreaming:            "生成回答",
		protocol.StepTrending:             "更新热门问题",
		protocol.StepAssistantPersistence: "保存回答",
		protocol.StepCacheUpdate:          "更新缓存",
		protocol.StepCompleted:            "完成",
	},
}

var toolLabels = map[string]map[string]string{
	"en": {
		"search_documents": "searching documents",
		"vector_search":    "searching documents",
		"describe_views":   "listing certified views",
		"describe_tables":  "reading table schemas",
		"describe_csv":     "reading CSV files",
		"certified_view":   "querying a certified view",
	},
	"fr": {
		"search_documents": "recherche dans les documents",
		"vector_search":    "recherche dans les documents",
		"describe_views":   "liste des vues certifiées",
		"describe_tables":  "lecture des schémas de tables",
		"describe_csv":     "lecture des fichiers CSV",
		"certified_view":   "requête sur une vue certifiée",
	},
	"zh": {
		"search_documents": "检索文档",
		"vector_search":    "检索文档",
		"describe_views":   "列出认证视图",
		"describe_tables":  "读取表结构",
		"describe_csv":     "读取 CSV 文件",
		"certified_view":   "查询认证视图",
	},
}

// For returns the label of step. Retrieval steps include their tool, which is how concurrent
// retrievals of one hop are told apart.
func (l Labels) For(step *protocol.StepEvent) string {
	lang := l.Language()
	base, ok := stepLabels[lang][step.StepType]
	if !ok {
		base = humanize(step.StepType)
	}
	if !protocol.IsRetrieval(step.StepType) {
		return base
	}
	tool, _ := step.Payload["tool_name"].(string)
	if tool == "" {
		return base
	}
	if t, ok := toolLabels[lang][tool]; ok {
		tool = t
	}
	return base + ": " + tool
}

// Apply sets the label of every step in the tree.
func (l Labels) Apply(steps []*protocol.StepEvent) {
	protocol.Walk(steps, func(s *protocol.StepEvent) bool {
		s.Label = l.For(s)
		return true
	})
}

func humanize(stepType string) string {
	s := strings.ReplaceAll(stepType, "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
