package conversation

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/compresr/credit-reconciler/internal/costcontrol"
)

// TokenCounter counts tokens in text.
type TokenCounter interface {
	Count(text string) int
}

// TiktokenCounter counts with the cl100k_base encoding, falling back to
// len/4 when the encoding cannot be loaded (it is fetched on first use).
type TiktokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// Count returns the token count of text.
func (c *TiktokenCounter) Count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warn().Err(err).Msg("conversation: tiktoken unavailable, using len/4 estimate")
			return
		}
		c.enc = enc
	})
	if c.enc == nil {
		return ApproxTokens(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// ApproxTokens is the len/4 heuristic.
func ApproxTokens(text string) int {
	return (len(text) + 3) / 4
}

// Estimator derives a USD cost for an entry that has neither a final nor a
// provisional cost.
type Estimator struct {
	counter TokenCounter
	units   costcontrol.Units
}

// NewEstimator creates an estimator. A nil counter uses TiktokenCounter.
func NewEstimator(units costcontrol.Units, counter TokenCounter) *Estimator {
	if counter == nil {
		counter = &TiktokenCounter{}
	}
	return &Estimator{counter: counter, units: units}
}

// Estimate prices entry by its usage block, or by counting its content as
// output tokens when usage is absent. The result carries the same markup and
// rounding as a resolved cost.
func (e *Estimator) Estimate(entry gjson.Result) decimal.Decimal {
	pricing := costcontrol.GetModelPricing(entry.Get("model").String())

	var in, out int64
	usage := entry.Get("usage")
	if usage.Exists() {
		in = usage.Get("inputTokens").Int()
		out = usage.Get("outputTokens").Int()
	} else {
		text := contentText(entry.Get("content"))
		if text == "" {
			return decimal.Zero
		}
		out = int64(e.counter.Count(text))
	}

	raw := costcontrol.CalculateCost(in, out, pricing)
	units, err := e.units.CostWithMarkup(raw)
	if err != nil {
		log.Debug().Err(err).Msg("conversation: estimate outside the fixed-point range, using exact decimal")
		return raw.Mul(decimal.NewFromInt(1).Add(e.units.Markup))
	}
	return e.units.ToUSD(units)
}

// contentText flattens a string or an array of {text} blocks.
func contentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.Str
	}
	if !content.IsArray() {
		return ""
	}
	var sb strings.Builder
	content.ForEach(func(_, block gjson.Result) bool {
		if t := block.Get("text"); t.Type == gjson.String {
			sb.WriteString(t.Str)
		}
		return true
	})
	return sb.String()
}
