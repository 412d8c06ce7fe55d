package mockservice

import (
	"fmt"
	"time"
)

type stage struct {
	name     string
	message  string
	progress int
}

// stages follows the analysis pipeline's own stage vocabulary.
var stages = []stage{
	{"start", "Starting analysis", 0},
	{"check_cache", "Checking cache", 5},
	{"collect_basic", "Collecting basic stock info", 10},
	{"collect_kline", "Collecting historical K-line data", 20},
	{"calculate_technical", "Calculating technical indicators", 30},
	{"collect_financial", "Collecting financial data", 35},
	{"collect_news", "Collecting news", 40},
	{"ai_value_analysis", "Value investor analyzing", 50},
	{"ai_technical_analysis", "Technical analyst analyzing", 60},
	{"ai_growth_analysis", "Growth analyst analyzing", 70},
	{"ai_fundamental_analysis", "Fundamental analyst analyzing", 80},
	{"ai_risk_analysis", "Risk analyst assessing", 85},
	{"ai_macro_analysis", "Macro analyst assessing", 90},
	{"synthesize", "Synthesizing analyst opinions", 95},
}

// DefaultScript plays the full pipeline on a single connection, pausing
// interval between events. The technical stage reports a NaN indicator the
// way the service does for short price histories.
func DefaultScript(interval time.Duration) Script {
	var steps []Step
	for i, st := range stages {
		elapsed := float64(i) * interval.Seconds()
		details := `{}`
		if st.name == "calculate_technical" {
			details = `{"rsi": NaN, "kline_count": 120}`
		}
		steps = append(steps,
			Data(fmt.Sprintf(`{"stage": %q, "progress": %d, "message": %q, "details": %s, "elapsed_seconds": %.1f}`,
				st.name, st.progress, st.message, details, elapsed)),
			Sleep(interval),
		)
		if i%4 == 3 {
			steps = append(steps, Heartbeat())
		}
	}
	steps = append(steps,
		Data(`{"stage": "complete", "progress": 100, "message": "Analysis complete", "result": `+sampleResult+`}`),
		Hang(),
	)
	return Script{steps}
}

// FailingScript emits a little progress and then an analysis error.
func FailingScript(message string) Script {
	return Script{{
		JSON(map[string]any{"stage": "collect_kline", "progress": 20, "message": "Collecting historical K-line data"}),
		JSON(map[string]any{"stage": "error", "progress": -1, "message": message}),
		Hang(),
	}}
}

const sampleResult = `{
  "overallScore": 82,
  "recommendation": "buy",
  "confidence": 0.74,
  "summary": "Solid fundamentals with improving momentum.",
  "keyFactors": ["revenue growth", "margin expansion"],
  "risks": ["sector rotation"],
  "opportunities": ["dividend increase"],
  "peRatio": NaN
}`
