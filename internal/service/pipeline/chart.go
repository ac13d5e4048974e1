package pipeline

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

var chartBlock = regexp.MustCompile("(?s)```chart\\s*(\\{.*?\\})\\s*```")

// ExtractChart finds a fenced chart block in an answer and returns it as a visualization with a
// fresh id, plus the text without the block.
func ExtractChart(text string) (*protocol.Visualization, string, error) {
	loc := chartBlock.FindStringSubmatchIndex(text)
	if loc == nil {
		return nil, text, nil
	}

	var v protocol.Visualization
	if err := json.Unmarshal([]byte(text[loc[2]:loc[3]]), &v); err != nil {
		return nil, text, fmt.Errorf("parse chart block: %w", err)
	}
	if v.Chart == "" {
		v.Chart = "bar"
	}
	if len(v.Series) == 0 {
		return nil, text, fmt.Errorf("chart block without series")
	}
	v.ID = "viz-" + uuid.NewString()

	cleaned := strings.TrimSpace(text[:loc[0]] + text[loc[1]:])
	return &v, cleaned, nil
}
