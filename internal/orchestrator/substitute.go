package orchestrator

import (
	"context"
	"fmt"
	"log"

	"github.com/tidewheel/tidewheel/internal/state"
)

// Substitute resolves {{key}} placeholders in cap's content and string
// params against prior results, then against the global variable store.
// Local bindings: "result" and "content" hold the most recent result's
// data, "result_1".."result_N" bind positionally, "memories" holds the
// most recent result produced by the memory capability. Placeholders
// that resolve nowhere are left verbatim; a missing optional binding
// must not abort an otherwise valid chain.
func Substitute(ctx context.Context, cap ExtractedCapability, results []CapabilityResult, vars state.Variables) ExtractedCapability {
	table := buildBindings(results)

	out := cap.clone()
	out.Content = applyBindings(out.Content, table)
	for k, v := range out.Params {
		out.Params[k] = applyBindings(v, table)
	}

	if vars == nil {
		return out
	}
	out.Content = substituteVars(ctx, vars, out.Content)
	for k, v := range out.Params {
		out.Params[k] = substituteVars(ctx, vars, v)
	}
	return out
}

func buildBindings(results []CapabilityResult) map[string]string {
	table := make(map[string]string, len(results)+3)
	for i, r := range results {
		table[fmt.Sprintf("result_%d", i+1)] = r.Data
	}
	if len(results) > 0 {
		last := results[len(results)-1]
		table["result"] = last.Data
		table["content"] = last.Data
	}
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Capability.Name == "memory" {
			table["memories"] = results[i].Data
			break
		}
	}
	return table
}

func applyBindings(text string, table map[string]string) string {
	if text == "" {
		return text
	}
	return state.PlaceholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		key := state.PlaceholderPattern.FindStringSubmatch(match)[1]
		if val, ok := table[key]; ok {
			return val
		}
		return match
	})
}

func substituteVars(ctx context.Context, vars state.Variables, text string) string {
	if text == "" {
		return text
	}
	out, err := vars.Substitute(ctx, text)
	if err != nil {
		log.Printf("substitute: variable store: %v", err)
		return text
	}
	return out
}
