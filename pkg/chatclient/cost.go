package chatclient

// CostRates configures cost computation for one handle: currency and cost
// per one thousand tokens, with optional per-model overrides keyed by the
// model id the provider reports.
type CostRates struct {
	Currency    string               `json:"currency" mapstructure:"currency"`
	InputPer1K  float64              `json:"input_per_1k" mapstructure:"input_per_1k"`
	OutputPer1K float64              `json:"output_per_1k" mapstructure:"output_per_1k"`
	CachedPer1K float64              `json:"cached_per_1k" mapstructure:"cached_per_1k"`
	PerModel    map[string]CostRates `json:"per_model,omitempty" mapstructure:"per_model"`
	Disabled    bool                 `json:"disabled,omitempty" mapstructure:"disabled"`
}

// resolve returns the rates applying to a reported model id, falling back
// to the handle defaults when no override is registered.
func (r CostRates) resolve(model string) CostRates {
	if override, ok := r.PerModel[model]; ok {
		return override
	}
	return r
}

// Compute converts token usage to cost. Disabled tracking yields zero for
// all components.
func (r CostRates) Compute(usage Usage, model string) float64 {
	if r.Disabled {
		return 0
	}
	rates := r.resolve(model)
	return float64(usage.InputTokens)/1000*rates.InputPer1K +
		float64(usage.OutputTokens)/1000*rates.OutputPer1K +
		float64(usage.CachedTokens)/1000*rates.CachedPer1K
}
