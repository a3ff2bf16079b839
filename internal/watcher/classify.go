package watcher

import (
	"encoding/json"
	"strings"
)

// StepMarker prefixes processing-step lines written by the entrypoint.
const StepMarker = "###AIDEATOR_STEP### "

// Kind says where a line is routed.
type Kind int

const (
	// KindOutput lines are agent output, forwarded verbatim.
	KindOutput Kind = iota
	// KindLog lines are internal and go to the log channel.
	KindLog
)

// Classification is the routing decision for one line.
type Classification struct {
	Kind Kind
	// Data is the log payload for KindLog lines.
	Data any
}

// logRecord is the log payload for marker lines.
type logRecord struct {
	Level   string `json:"level,omitempty"`
	Step    string `json:"step,omitempty"`
	Message string `json:"message"`
}

var (
	timestampKeys = []string{"timestamp", "time", "ts"}
	levelKeys     = []string{"level", "severity", "levelname"}
)

// Classify routes a line. A line is internal when it is a JSON object
// carrying both a timestamp and a level, or when it carries a step marker
// (prefix or a "step" field). Everything else, including malformed JSON, is
// output.
//
// Agent output that happens to be such a record is routed to the log channel
// too; that false positive is accepted.
func Classify(line string) Classification {
	if msg, ok := strings.CutPrefix(line, StepMarker); ok {
		return Classification{Kind: KindLog, Data: logRecord{Step: msg, Message: msg}}
	}

	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return Classification{Kind: KindOutput}
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return Classification{Kind: KindOutput}
	}
	if hasAny(fields, timestampKeys) && hasAny(fields, levelKeys) {
		return Classification{Kind: KindLog, Data: json.RawMessage(trimmed)}
	}
	if step, ok := fields["step"]; ok && step != nil {
		return Classification{Kind: KindLog, Data: json.RawMessage(trimmed)}
	}
	return Classification{Kind: KindOutput}
}

func hasAny(fields map[string]any, keys []string) bool {
	for _, k := range keys {
		switch v := fields[k].(type) {
		case string:
			if v != "" {
				return true
			}
		case float64:
			return true
		}
	}
	return false
}
