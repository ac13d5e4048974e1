package intent

import (
	"strings"
)

// Label 表示用户问题所属的意图类别。
type Label string

const (
	Unknown     Label = "unknown"
	Documents   Label = "documents"
	Metrics     Label = "metrics"
	Exploration Label = "exploration"
	Tabular     Label = "tabular"
	Chart       Label = "chart"
)

// Decision 给出意图识别结果。
type Decision struct {
	Intent Label
	Score  int
	// Scores keeps the raw score of every label that matched.
	Scores map[Label]int
}

var keywordBuckets = map[Label][]string{
	Documents: {
		"文档", "手册", "政策", "流程", "说明", "指南", "规定", "怎么", "如何", "为什么",
		"document", "docs", "policy", "guide", "handbook", "how do", "how to", "what is", "why",
		"explain", "procedure", "onboarding", "faq", "pdf",
	},
	Metrics: {
		"收入", "营收", "销售额", "指标", "月度", "季度", "同比", "环比", "总计", "排名",
		"revenue", "kpi", "metric", "monthly", "quarterly", "total", "top customers", "top",
		"growth", "year over year", "certified", "report",
	},
	Exploration: {
		"订单", "客户", "明细", "查询", "筛选", "多少个", "哪些", "平均",
		"orders", "customers", "how many", "which", "average", "count", "list all",
		"filter", "group by", "join", "sql", "table",
	},
	Tabular: {
		"表格", "csv", "excel", "文件", "地区", "区域", "spreadsheet", "file", "region",
		"regional", "column", "columns", "rows", "sheet",
	},
	Chart: {
		"图", "图表", "趋势", "可视化", "柱状", "折线", "饼图", "chart", "plot", "graph",
		"trend", "visualize", "visualise", "bar", "line", "pie",
	},
}

var questionBoost = map[Label]int{
	Documents: 1,
}

// Analyze 根据用户问题推断意图。
func Analyze(query string) Decision {
	normalized := strings.TrimSpace(strings.ToLower(query))
	if normalized == "" {
		return Decision{Intent: Unknown}
	}

	scores := make(map[Label]int)
	for label, keywords := range keywordBuckets {
		for _, word := range keywords {
			if word == "" {
				continue
			}
			if strings.Contains(normalized, strings.ToLower(word)) {
				scores[label] += 3
			}
		}
	}

	if strings.HasSuffix(normalized, "?") || strings.HasSuffix(normalized, "？") {
		for label, boost := range questionBoost {
			scores[label] += boost
		}
	}

	best := Unknown
	bestScore := 0
	// 同分时按固定顺序取第一个，保证结果稳定。
	for _, label := range []Label{Metrics, Tabular, Exploration, Documents, Chart} {
		if s := scores[label]; s > bestScore {
			bestScore = s
			best = label
		}
	}

	if bestScore == 0 {
		return Decision{Intent: Unknown, Scores: scores}
	}
	return Decision{Intent: best, Score: bestScore, Scores: scores}
}

// WantsChart 表示问题是否要求可视化输出。
func (d Decision) WantsChart() bool {
	return d.Scores[Chart] > 0
}
