// Package conversation stamps resolved costs onto stored conversations.
//
// DESIGN: Conversations are owned by another service, so documents are patched
// in place with gjson/sjson instead of being decoded into a local struct. Only
// the fields below are ever written; everything else round-trips untouched.
//
//	{ "messages": [ { "role", "generationId", "provisionalCostUsd",
//	                  "finalCostUsd", "model", "usage", "content" } ],
//	  "costUsd" }
//
// Annotation is best effort. Callers log and swallow its errors.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/compresr/credit-reconciler/internal/costcontrol"
	"github.com/compresr/credit-reconciler/internal/store"
)

// Ref identifies a conversation.
type Ref struct {
	WorkspaceID    string
	AgentID        string
	ConversationID string
}

// Key is the store key of the conversation document. Ids must not contain the
// separator (see Validate), otherwise two refs could share a key.
func (r Ref) Key() string {
	return r.WorkspaceID + keySeparator + r.AgentID + keySeparator + r.ConversationID
}

// Result describes what Annotate did.
type Result string

const (
	Stamped   Result = "stamped"   // finalCostUsd written, costUsd recomputed
	Unchanged Result = "unchanged" // entry already carried this cost
	NotFound  Result = "not_found" // no such conversation
	NoMatch   Result = "no_match"  // no billable entry with this generation id
)

// billableRoles are the entries that carry costs.
var billableRoles = map[string]bool{
	"assistant":   true,
	"tool":        true,
	"tool_result": true,
}

// Annotator writes final costs into conversation documents.
type Annotator struct {
	updater   *store.Updater
	table     string
	units     costcontrol.Units
	estimator *Estimator
}

// NewAnnotator stores conversations in table.
func NewAnnotator(updater *store.Updater, table string, units costcontrol.Units, estimator *Estimator) *Annotator {
	if estimator == nil {
		estimator = NewEstimator(units, nil)
	}
	return &Annotator{updater: updater, table: table, units: units, estimator: estimator}
}

// Annotate stamps finalCost (fixed-point units) on the entry produced by
// generationID. The search and the total are re-derived from the latest stored
// document on every conflict retry.
func (a *Annotator) Annotate(ctx context.Context, ref Ref, generationID string, finalCost int64) (Result, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}
	finalUSD := a.units.ToUSD(finalCost)

	var result Result
	_, err := a.updater.UpdateRaw(ctx, a.table, ref.Key(), func(current []byte) ([]byte, error) {
		if current == nil {
			result = NotFound
			return nil, store.ErrNoChange
		}
		if !gjson.ValidBytes(current) {
			return nil, fmt.Errorf("conversation %s: stored document is not valid JSON", ref.Key())
		}

		idx, entry := findEntry(current, generationID)
		if idx < 0 {
			result = NoMatch
			return nil, store.ErrNoChange
		}
		if prev, ok := decimalValue(entry.Get("finalCostUsd")); ok && prev.Equal(finalUSD) {
			result = Unchanged
			return nil, store.ErrNoChange
		}

		doc, err := sjson.SetRawBytes(current, "messages."+strconv.Itoa(idx)+".finalCostUsd", []byte(finalUSD.String()))
		if err != nil {
			return nil, fmt.Errorf("stamp finalCostUsd: %w", err)
		}
		doc, err = sjson.SetRawBytes(doc, "costUsd", []byte(a.Total(doc).String()))
		if err != nil {
			return nil, fmt.Errorf("set costUsd: %w", err)
		}
		result = Stamped
		return doc, nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

// Total sums every billable entry's cost: finalCostUsd, else
// provisionalCostUsd, else the token-usage estimate.
func (a *Annotator) Total(doc []byte) decimal.Decimal {
	total := decimal.Zero
	gjson.GetBytes(doc, "messages").ForEach(func(_, entry gjson.Result) bool {
		if !billableRoles[entry.Get("role").String()] {
			return true
		}
		if v, ok := decimalValue(entry.Get("finalCostUsd")); ok {
			total = total.Add(v)
		} else if v, ok := decimalValue(entry.Get("provisionalCostUsd")); ok {
			total = total.Add(v)
		} else {
			total = total.Add(a.estimator.Estimate(entry))
		}
		return true
	})
	return total
}

// findEntry returns the index of the first billable entry produced by
// generationID, or -1.
func findEntry(doc []byte, generationID string) (int, gjson.Result) {
	idx, i := -1, 0
	var found gjson.Result
	gjson.GetBytes(doc, "messages").ForEach(func(_, entry gjson.Result) bool {
		if billableRoles[entry.Get("role").String()] && entry.Get("generationId").String() == generationID {
			idx, found = i, entry
			return false
		}
		i++
		return true
	})
	return idx, found
}

// decimalValue reads a JSON number or numeric string.
func decimalValue(v gjson.Result) (decimal.Decimal, bool) {
	var text string
	switch v.Type {
	case gjson.Number:
		text = v.Raw
	case gjson.String:
		text = v.Str
	default:
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

const keySeparator = "/"

var (
	errEmptyRef     = errors.New("conversation: workspace, agent and conversation ids are required")
	errRefSeparator = errors.New("conversation: ids must not contain " + strconv.Quote(keySeparator))
)

// Validate reports whether ref names a conversation.
func (r Ref) Validate() error {
	if r.WorkspaceID == "" || r.AgentID == "" || r.ConversationID == "" {
		return errEmptyRef
	}
	for _, id := range []string{r.WorkspaceID, r.AgentID, r.ConversationID} {
		if strings.Contains(id, keySeparator) {
			return fmt.Errorf("%w: %q", errRefSeparator, id)
		}
	}
	return nil
}
