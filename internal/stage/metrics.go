package stage

import (
	"encoding/json"
	"strings"
)

// metricPrefix — маркер строки метрики в формате Singer:
//
//	METRIC: {"type": "counter", "metric": "record_count", "value": 12}
const metricPrefix = "METRIC:"

type singerMetric struct {
	Type   string      `json:"type"`
	Metric string      `json:"metric"`
	Value  json.Number `json:"value"`
}

// metricSet суммирует счётчики, которые сообщает плагин.
type metricSet map[string]int64

// observe разбирает строку вывода. Строки без метрики и
// некорректные метрики игнорируются.
func (m metricSet) observe(line string) {
	i := strings.Index(line, metricPrefix)
	if i < 0 {
		return
	}

	var sm singerMetric
	if err := json.Unmarshal([]byte(strings.TrimSpace(line[i+len(metricPrefix):])), &sm); err != nil {
		return
	}
	if sm.Type != "counter" || sm.Metric == "" {
		return
	}

	v, err := sm.Value.Int64()
	if err != nil {
		f, ferr := sm.Value.Float64()
		if ferr != nil {
			return
		}
		v = int64(f)
	}
	m[sm.Metric] += v
}

// result возвращает nil для пустого набора.
func (m metricSet) result() map[string]int64 {
	if len(m) == 0 {
		return nil
	}
	return map[string]int64(m)
}
