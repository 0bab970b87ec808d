package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"optguard/internal/config"
	"optguard/internal/gateway/provider"
	"optguard/internal/logger"
)

// FastPathConfig 控制提前返回：首个高置信非弃权票在预算内到达，并在次级等待窗口内
// 未出现分歧时直接采纳。
type FastPathConfig struct {
	Enabled       bool
	MinConfidence float64
	Budget        time.Duration
	SecondaryWait time.Duration
}

type EnsembleConfig struct {
	Deadline time.Duration
	ExitBias string
	FastPath FastPathConfig
}

// EnsembleConfigFrom 由全局配置构造。
func EnsembleConfigFrom(ai config.AIConfig, dec config.DecisionConfig) EnsembleConfig {
	return EnsembleConfig{
		Deadline: ai.Deadline(),
		ExitBias: dec.ExitBias,
		FastPath: FastPathConfig{
			Enabled:       ai.FastPath.Enabled,
			MinConfidence: ai.FastPath.MinConfidence,
			Budget:        ai.FastPath.Budget(),
			SecondaryWait: ai.FastPath.SecondaryWait(),
		},
	}
}

// Ensemble 向所有投票方并发询问并合并结论。
type Ensemble struct {
	cfg        EnsembleConfig
	voters     []provider.ModelProvider
	prompts    *PromptSet
	aggregator Aggregator
	dispatcher *Dispatcher
	now        func() time.Time
}

type EnsembleOption func(*Ensemble)

func WithObserver(o CallObserver) EnsembleOption {
	return func(e *Ensemble) { e.dispatcher.Observer = o }
}

func WithAggregator(a Aggregator) EnsembleOption {
	return func(e *Ensemble) {
		if a != nil {
			e.aggregator = a
		}
	}
}

func NewEnsemble(cfg EnsembleConfig, set provider.Set, prompts *PromptSet, agg Aggregator, opts ...EnsembleOption) (*Ensemble, error) {
	voters := make([]provider.ModelProvider, 0, len(set.Voters))
	for _, v := range set.Voters {
		if v != nil && v.Enabled() {
			voters = append(voters, v)
		}
	}
	if len(voters) == 0 {
		return nil, ErrNoProviders
	}
	if prompts == nil {
		var err error
		if prompts, err = LoadPrompts(""); err != nil {
			return nil, err
		}
	}
	parser, err := NewParser()
	if err != nil {
		return nil, err
	}
	if agg == nil {
		agg = MajorityAggregator{}
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 30 * time.Second
	}
	e := &Ensemble{
		cfg:        cfg,
		voters:     voters,
		prompts:    prompts,
		aggregator: agg,
		dispatcher: &Dispatcher{Backup: set.Backup, Parser: parser},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Ensemble) VoterIDs() []string {
	ids := make([]string, 0, len(e.voters))
	for _, v := range e.voters {
		ids = append(ids, v.ID())
	}
	return ids
}

// Decide 执行一次集成决策。只有一个投票方时直接透传其结论。
func (e *Ensemble) Decide(ctx context.Context, p Payload) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	chat, err := e.prompts.Build(p, e.cfg.ExitBias)
	if err != nil {
		return Result{}, err
	}
	start := e.now()
	if len(e.voters) == 1 {
		return e.passThrough(ctx, p, chat, start)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Deadline)
	defer cancel()

	call := func(c context.Context, mp provider.ModelProvider) ModelOutput {
		return e.dispatcher.Query(c, mp, p.Kind, chat)
	}
	ch := e.dispatcher.Start(runCtx, e.voters, call)

	var (
		outputs   []ModelOutput
		successes int
		firstSeen bool
		fast      *Vote
		timer     <-chan time.Time
		timedOut  bool
		stopTimer func() bool
	)
	stopTimer = func() bool { return false }
	defer func() { stopTimer() }()

collect:
	for {
		select {
		case out, ok := <-ch:
			if !ok {
				break collect
			}
			outputs = append(outputs, out)
			if out.Err != nil {
				continue
			}
			successes++
			if fast != nil {
				if !e.qualifies(out.Vote) {
					logger.Debugf("[ENSEMBLE] %s %s vote ignored by fast path: below vote threshold", p.Symbol, out.ProviderID)
					continue
				}
				if out.Vote.Action == fast.Action {
					return e.fastResult(p, *fast, out.Vote, outputs, start), nil
				}
				logger.Infof("[ENSEMBLE] %s fast path cancelled: %s disagrees (%s vs %s)",
					p.Symbol, out.ProviderID, out.Vote.Action, fast.Action)
				fast = nil
				timer = nil
				stopTimer()
				continue
			}
			if !firstSeen {
				firstSeen = true
				if e.fastEligible(out.Vote, start) {
					v := out.Vote
					fast = &v
					t := time.NewTimer(e.cfg.FastPath.SecondaryWait)
					timer = t.C
					stopTimer = t.Stop
				}
			}
		case <-timer:
			return e.fastResult(p, *fast, Vote{}, outputs, start), nil
		case <-runCtx.Done():
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			timedOut = true
			break collect
		}
	}

	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if fast != nil {
		return e.fastResult(p, *fast, Vote{}, outputs, start), nil
	}
	if successes == 0 {
		return Result{Failures: failedIDs(outputs), Elapsed: e.now().Sub(start)}, allFailed(outputs, timedOut)
	}
	res, err := e.aggregator.Aggregate(ctx, outputs)
	if err != nil {
		return Result{}, err
	}
	res.Elapsed = e.now().Sub(start)
	if timedOut {
		res.Reason = fmt.Sprintf("%s (deadline reached with %d/%d responses)", res.Reason, len(outputs), len(e.voters))
	}
	logger.Infof("[ENSEMBLE] %s %s -> %s conf=%s votes=%d failures=%d elapsed=%s",
		p.Kind, p.Symbol, res.Action, formatConfidence(res.Confidence), len(res.Votes), len(res.Failures),
		res.Elapsed.Truncate(time.Millisecond))
	return res, nil
}

func (e *Ensemble) passThrough(ctx context.Context, p Payload, chat provider.ChatPayload, start time.Time) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Deadline)
	defer cancel()
	out := e.dispatcher.invokeSafe(runCtx, e.voters[0], func(c context.Context, mp provider.ModelProvider) ModelOutput {
		return e.dispatcher.Query(c, mp, p.Kind, chat)
	})
	if out.Err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{Failures: []string{out.ProviderID}, Elapsed: e.now().Sub(start)},
			errors.Join(ErrAllProvidersFailed, out.Err)
	}
	v := out.Vote
	res := Result{
		Action:       v.Action,
		Confidence:   v.Confidence,
		Reason:       fmt.Sprintf("single provider %s: %s", v.ProviderID, v.Reason),
		Votes:        []Vote{v},
		DeferMinutes: v.DeferMinutes,
		Elapsed:      e.now().Sub(start),
	}
	return res, nil
}

// qualifies 与完整聚合使用同一计票门槛，低于门槛的票既不确认也不否决快速通道。
func (e *Ensemble) qualifies(v Vote) bool {
	if f, ok := e.aggregator.(VoteFilter); ok {
		return f.Qualifies(v)
	}
	return true
}

func (e *Ensemble) fastEligible(v Vote, start time.Time) bool {
	fp := e.cfg.FastPath
	if !fp.Enabled || v.Action.Abstains() || v.Confidence == nil {
		return false
	}
	if *v.Confidence <= fp.MinConfidence {
		return false
	}
	return e.now().Sub(start) <= fp.Budget
}

func (e *Ensemble) fastResult(p Payload, first, second Vote, outputs []ModelOutput, start time.Time) Result {
	votes := []Vote{first}
	conf := *first.Confidence
	deferMin := first.DeferMinutes
	if second.ProviderID != "" {
		votes = append(votes, second)
		if second.Confidence != nil {
			conf = (conf + *second.Confidence) / 2
		}
		if second.DeferMinutes != nil && (deferMin == nil || *second.DeferMinutes < *deferMin) {
			deferMin = second.DeferMinutes
		}
	}
	conf = round3(conf)
	res := Result{
		Action:       first.Action,
		Confidence:   &conf,
		Reason:       fmt.Sprintf("fast path (%d/%d): %s by %s - %s", len(votes), len(e.voters), first.Action, first.ProviderID, first.Reason),
		Votes:        votes,
		Failures:     failedIDs(outputs),
		FastPath:     true,
		DeferMinutes: deferMin,
		Elapsed:      e.now().Sub(start),
	}
	logger.Infof("[ENSEMBLE] %s %s fast path -> %s conf=%.3f elapsed=%s",
		p.Kind, p.Symbol, res.Action, conf, res.Elapsed.Truncate(time.Millisecond))
	return res
}

func failedIDs(outputs []ModelOutput) []string {
	var ids []string
	for _, o := range outputs {
		if o.Err != nil {
			ids = append(ids, o.ProviderID)
		}
	}
	return ids
}

func allFailed(outputs []ModelOutput, timedOut bool) error {
	errs := []error{ErrAllProvidersFailed}
	for _, o := range outputs {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	if len(errs) == 1 || timedOut {
		errs = append(errs, errors.New("no provider responded before the deadline"))
	}
	return errors.Join(errs...)
}
