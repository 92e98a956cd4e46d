package invocationlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"pkt.systems/lql"
)

const maxSelectorCandidateBytes = 4 << 20

// Selector matches invocation records against an LQL expression evaluated
// over their JSON form, e.g. `eq{field=/failure/kind,value=timeout}`.
type Selector struct {
	expr string
	plan lql.QueryStreamPlan
}

// ParseSelector compiles expr. An empty expression yields a nil Selector,
// which matches everything.
func ParseSelector(expr string) (*Selector, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	sel, err := lql.ParseSelectorString(expr)
	if err != nil {
		return nil, fmt.Errorf("invocationlog: parse selector: %w", err)
	}
	if sel.IsEmpty() {
		return nil, nil
	}
	plan, err := lql.NewQueryStreamPlan(sel)
	if err != nil {
		return nil, fmt.Errorf("invocationlog: compile selector: %w", err)
	}
	return &Selector{expr: expr, plan: plan}, nil
}

// String returns the source expression.
func (s *Selector) String() string {
	if s == nil {
		return ""
	}
	return s.expr
}

// Match reports whether fi satisfies the selector.
func (s *Selector) Match(ctx context.Context, fi *FunctionInstance) (bool, error) {
	if s == nil {
		return true, nil
	}
	doc, err := json.Marshal(fi)
	if err != nil {
		return false, fmt.Errorf("invocationlog: encode %s: %w", fi.ID, err)
	}
	matched := false
	_, err = lql.QueryStreamWithResult(lql.QueryStreamRequest{
		Ctx:               ctx,
		Reader:            bytes.NewReader(doc),
		Plan:              s.plan,
		Mode:              lql.QueryDecisionOnly,
		MaxMatches:        1,
		MaxCandidateBytes: maxSelectorCandidateBytes,
		OnDecision: func(d lql.QueryStreamDecision) error {
			if !d.Matched {
				return nil
			}
			matched = true
			return lql.ErrStreamStop
		},
	})
	if err != nil {
		return false, fmt.Errorf("invocationlog: match %s: %w", fi.ID, err)
	}
	return matched, nil
}

// Refine applies the parts of f that backends cannot push down: the selector
// and then the limit. records must be sorted oldest first; the newest are
// kept.
func (f Filter) Refine(ctx context.Context, records []*FunctionInstance) ([]*FunctionInstance, error) {
	if f.Where != nil {
		kept := records[:0]
		for _, fi := range records {
			ok, err := f.Where.Match(ctx, fi)
			if err != nil {
				return nil, err
			}
			if ok {
				kept = append(kept, fi)
			}
		}
		records = kept
	}
	if f.Limit > 0 && len(records) > f.Limit {
		records = records[len(records)-f.Limit:]
	}
	return records, nil
}
