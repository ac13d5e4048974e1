package intent

import "testing"

func TestAnalyzeMetricsQuestion(t *testing.T) {
	decision := Analyze("What was the monthly revenue last quarter?")
	if decision.Intent != Metrics {
		t.Fatalf("expected metrics intent, got %s", decision.Intent)
	}
	if decision.Score <= 0 {
		t.Fatalf("expected positive score, got %d", decision.Score)
	}
}

func TestAnalyzeDocumentQuestion(t *testing.T) {
	decision := Analyze("如何完成入职流程？")
	if decision.Intent != Documents {
		t.Fatalf("expected documents intent, got %s", decision.Intent)
	}
}

func TestAnalyzeTabularChart(t *testing.T) {
	decision := Analyze("plot regional sales from the csv file")
	if decision.Intent != Tabular {
		t.Fatalf("expected tabular intent, got %s", decision.Intent)
	}
	if !decision.WantsChart() {
		t.Fatal("expected chart request to be detected")
	}
}

func TestAnalyzeEmpty(t *testing.T) {
	decision := Analyze("   ")
	if decision.Intent != Unknown || decision.Score != 0 {
		t.Fatalf("expected unknown decision, got %+v", decision)
	}
}
