package decision

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"optguard/internal/pkg/text"
)

// Aggregator 把多份模型输出合并为一个结论。
type Aggregator interface {
	Aggregate(ctx context.Context, outputs []ModelOutput) (Result, error)
	Name() string
}

// VoteFilter 由带计票门槛的聚合器实现。
type VoteFilter interface {
	Qualifies(v Vote) bool
}

// MajorityAggregator 众数投票；平票一律不给结论。
type MajorityAggregator struct {
	MinConfidence           float64
	SingleVoteMinConfidence float64
}

func (a MajorityAggregator) Name() string { return "majority" }

func (a MajorityAggregator) Aggregate(_ context.Context, outputs []ModelOutput) (Result, error) {
	votes := make([]Vote, 0, len(outputs))
	var failures []string
	discarded := 0
	for _, out := range outputs {
		if out.Err != nil {
			failures = append(failures, out.ProviderID)
			continue
		}
		if !a.Qualifies(out.Vote) {
			discarded++
			continue
		}
		votes = append(votes, out.Vote)
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].ProviderID < votes[j].ProviderID })
	sort.Strings(failures)

	var res Result
	switch len(votes) {
	case 0:
		res = noAction(fmt.Sprintf("no qualifying votes (%d discarded below min confidence %.2f, %d failed)",
			discarded, a.MinConfidence, len(failures)), votes)
	case 1:
		res = a.single(votes[0])
	default:
		res = a.majority(votes)
	}
	res.Failures = failures
	return res, nil
}

// Qualifies 报告投票是否达到计票门槛；快速通道用它判断第二票是否有效。
func (a MajorityAggregator) Qualifies(v Vote) bool {
	if v.Confidence == nil {
		return a.MinConfidence <= 0
	}
	return *v.Confidence >= a.MinConfidence
}

func (a MajorityAggregator) single(v Vote) Result {
	if v.Confidence == nil || *v.Confidence < a.SingleVoteMinConfidence {
		return noAction(fmt.Sprintf("single vote %s from %s (confidence %s) below single-vote threshold %.2f",
			v.Action, v.ProviderID, formatConfidence(v.Confidence), a.SingleVoteMinConfidence), []Vote{v})
	}
	conf := *v.Confidence
	return Result{
		Action:       v.Action,
		Confidence:   &conf,
		Reason:       fmt.Sprintf("single vote (1/1): %s by %s - %s", v.Action, v.ProviderID, text.Truncate(v.Reason, 160)),
		Votes:        []Vote{v},
		DeferMinutes: v.DeferMinutes,
	}
}

func (a MajorityAggregator) majority(votes []Vote) Result {
	counts := make(map[Action]int)
	var order []Action
	for _, v := range votes {
		if counts[v.Action] == 0 {
			order = append(order, v.Action)
		}
		counts[v.Action]++
	}
	best := 0
	for _, act := range order {
		if counts[act] > best {
			best = counts[act]
		}
	}
	var winners []Action
	for _, act := range order {
		if counts[act] == best {
			winners = append(winners, act)
		}
	}
	if len(winners) > 1 {
		parts := make([]string, 0, len(order))
		for _, act := range order {
			parts = append(parts, fmt.Sprintf("%s %d", act, counts[act]))
		}
		return noAction(fmt.Sprintf("tie (%s) among %d votes", strings.Join(parts, ", "), len(votes)), votes)
	}

	winner := winners[0]
	var sum float64
	var withConf int
	var reasons []string
	var deferMin *int
	for _, v := range votes {
		if v.Action != winner {
			continue
		}
		if v.Confidence != nil {
			sum += *v.Confidence
			withConf++
		}
		if v.Reason != "" {
			reasons = append(reasons, fmt.Sprintf("%s: %s", v.ProviderID, text.Truncate(v.Reason, 120)))
		}
		if v.DeferMinutes != nil && (deferMin == nil || *v.DeferMinutes < *deferMin) {
			d := *v.DeferMinutes
			deferMin = &d
		}
	}
	res := Result{
		Action:       winner,
		Reason:       fmt.Sprintf("majority (%d/%d): %s", best, len(votes), winner),
		Votes:        votes,
		DeferMinutes: deferMin,
	}
	if withConf > 0 {
		avg := round3(sum / float64(withConf))
		res.Confidence = &avg
	}
	if len(reasons) > 0 {
		res.Reason += " - " + strings.Join(reasons, "; ")
	}
	return res
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}

func formatConfidence(c *float64) string {
	if c == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", *c)
}
