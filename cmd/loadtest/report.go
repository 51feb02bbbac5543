package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
)

// scenarioMethod: псевдо-метод, под которым пишется сценарий целиком.
const scenarioMethod = "scenario"

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Rejected  int64            `json:"rejected"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	RejectedScenarios int64                   `json:"rejected_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
	// Oversold: в режиме race выиграло больше покупателей, чем было единиц товара.
	Oversold bool `json:"oversold,omitempty"`
}

// isRejection: отказ по бизнес-правилу (нет стока, заказ уже не PENDING).
// Под конкурентной нагрузкой это корректный ответ, а не сбой.
func isRejection(code codes.Code) bool {
	return code == codes.FailedPrecondition
}

// tally копит вызовы одного метода.
type tally struct {
	outcomes [3]int64 // ok, rejected, failed
	codes    map[string]int64
	samples  []time.Duration
}

const (
	outcomeOK = iota
	outcomeRejected
	outcomeFailed
)

func classify(code codes.Code) int {
	switch {
	case code == codes.OK:
		return outcomeOK
	case isRejection(code):
		return outcomeRejected
	default:
		return outcomeFailed
	}
}

func (t *tally) calls() int64 {
	return t.outcomes[outcomeOK] + t.outcomes[outcomeRejected] + t.outcomes[outcomeFailed]
}

func (t *tally) report() methodReport {
	return methodReport{
		Calls:     t.calls(),
		Success:   t.outcomes[outcomeOK],
		Rejected:  t.outcomes[outcomeRejected],
		Failed:    t.outcomes[outcomeFailed],
		ErrorRate: ratio(t.outcomes[outcomeFailed], t.calls()),
		Codes:     maps.Clone(t.codes),
		LatencyMs: summarize(t.samples),
	}
}

// collector потокобезопасно собирает результаты всех воркеров.
type collector struct {
	mu      sync.Mutex
	methods map[string]*tally
}

func newCollector() *collector {
	return &collector{methods: make(map[string]*tally)}
}

func (c *collector) record(method string, latency time.Duration, code codes.Code) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.methods[method]
	if t == nil {
		t = &tally{codes: make(map[string]int64)}
		c.methods[method] = t
	}
	t.outcomes[classify(code)]++
	t.codes[code.String()]++
	t.samples = append(t.samples, latency)
}

func (c *collector) snapshot(method string) (methodReport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t := c.methods[method]; t != nil {
		return t.report(), true
	}
	return methodReport{}, false
}

func (c *collector) buildReport(startedAt time.Time, elapsed time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: elapsed.Seconds(),
		Methods:         make(map[string]methodReport, len(c.methods)),
	}
	for name, t := range c.methods {
		result.Methods[name] = t.report()
	}

	scenario := result.Methods[scenarioMethod]
	result.TotalScenarios = scenario.Calls
	result.SuccessScenarios = scenario.Success
	result.RejectedScenarios = scenario.Rejected
	result.FailedScenarios = scenario.Failed
	result.ErrorRate = scenario.ErrorRate
	result.ScenarioLatencyMs = scenario.LatencyMs
	if elapsed > 0 {
		result.RPS = float64(scenario.Calls) / elapsed.Seconds()
	}
	return result
}

func writeJSONReport(path string, result report) error {
	clean := filepath.Clean(path)
	if clean == "." {
		return errors.New("output path must point to a file")
	}
	if !filepath.IsLocal(clean) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	raw, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	// #nosec G306 -- отчёт нагрузочного прогона не содержит секретов.
	return os.WriteFile(clean, append(raw, '\n'), 0o644)
}

func printReport(w io.Writer, result report, cfg config) {
	line := func(format string, args ...any) { _, _ = fmt.Fprintf(w, format+"\n", args...) }
	lat := result.ScenarioLatencyMs

	line("Load test summary")
	line("mode=%s run=%s total=%d success=%d rejected=%d failed=%d error_rate=%.4f",
		cfg.mode, runTarget(cfg), result.TotalScenarios, result.SuccessScenarios,
		result.RejectedScenarios, result.FailedScenarios, result.ErrorRate)
	line("duration=%.2fs rps=%.2f", result.DurationSeconds, result.RPS)
	line("scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f",
		lat.Min, lat.Avg, lat.P50, lat.P95, lat.P99, lat.Max)
	if cfg.mode == modeRace {
		line("race: winners=%d expected_stock=%d oversold=%t", result.SuccessScenarios, cfg.expectStock, result.Oversold)
	}

	for _, name := range slices.Sorted(maps.Keys(result.Methods)) {
		if name == scenarioMethod {
			continue
		}
		m := result.Methods[name]
		line("%s: calls=%d success=%d rejected=%d failed=%d error_rate=%.4f p95=%.2fms",
			name, m.Calls, m.Success, m.Rejected, m.Failed, m.ErrorRate, m.LatencyMs.P95)
	}
}

func runTarget(cfg config) string {
	switch {
	case cfg.duration <= 0:
		return fmt.Sprintf("count:%d", cfg.total)
	case cfg.totalSet:
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	default:
		return fmt.Sprintf("duration:%s", cfg.duration)
	}
}

// summarize переводит выборку в миллисекунды и считает перцентили.
func summarize(samples []time.Duration) latencySummary {
	if len(samples) == 0 {
		return latencySummary{}
	}

	ms := make([]float64, len(samples))
	var sum float64
	for i, d := range samples {
		ms[i] = float64(d.Microseconds()) / 1000
		sum += ms[i]
	}
	slices.Sort(ms)

	return latencySummary{
		Min: ms[0],
		Max: ms[len(ms)-1],
		Avg: sum / float64(len(ms)),
		P50: percentile(ms, 50),
		P95: percentile(ms, 95),
		P99: percentile(ms, 99),
	}
}

// percentile с линейной интерполяцией между соседними рангами; sorted уже отсортирован.
func percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}

	rank := p / 100 * float64(len(sorted)-1)
	lo := int(rank)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func ratio(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total)
}
