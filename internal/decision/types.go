package decision

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNoProviders        = errors.New("no opinion providers configured")
	ErrProviderFailure    = errors.New("provider failure")
	ErrAllProvidersFailed = errors.New("all providers failed")
	ErrMalformedResponse  = errors.New("malformed provider response")
)

// Kind 决定可用的动作集合与提示模板。
type Kind string

const (
	KindExit  Kind = "exit"
	KindEntry Kind = "entry"
	KindTrade Kind = "trade"
)

type Action string

const (
	ActionSell     Action = "SELL"
	ActionHold     Action = "HOLD"
	ActionWait     Action = "WAIT"
	ActionAbstain  Action = "ABSTAIN"
	ActionApprove  Action = "APPROVE"
	ActionReject   Action = "REJECT"
	ActionNeedUser Action = "NEED_USER"
	ActionCall     Action = "CALL"
	ActionPut      Action = "PUT"
	ActionNoTrade  Action = "NO_TRADE"
	// ActionNoAction 表示集成投票没有形成可执行结论。
	ActionNoAction Action = "NO_ACTION"
)

var kindActions = map[Kind][]Action{
	KindExit:  {ActionSell, ActionHold, ActionWait, ActionAbstain},
	KindEntry: {ActionApprove, ActionReject, ActionNeedUser, ActionAbstain},
	KindTrade: {ActionCall, ActionPut, ActionNoTrade},
}

func (k Kind) Actions() []Action {
	return append([]Action(nil), kindActions[k]...)
}

func (k Kind) Valid() bool {
	_, ok := kindActions[k]
	return ok
}

// Abstains 弃权票不能触发快速通道。
func (a Action) Abstains() bool {
	return a == ActionAbstain || a == ActionNoAction || a == ""
}

// Payload 是一次集成决策的输入。
type Payload struct {
	Kind    Kind
	Symbol  string
	TraceID string
	Context map[string]any
}

func (p Payload) Validate() error {
	if !p.Kind.Valid() {
		return fmt.Errorf("unknown decision kind %q", p.Kind)
	}
	if strings.TrimSpace(p.Symbol) == "" {
		return fmt.Errorf("decision payload requires symbol")
	}
	return nil
}

// Vote 是单个提供方的意见。
type Vote struct {
	ProviderID   string        `json:"provider_id"`
	Action       Action        `json:"action"`
	Confidence   *float64      `json:"confidence,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	DeferMinutes *int          `json:"defer_minutes,omitempty"`
	Latency      time.Duration `json:"latency_ns"`
	Escalated    bool          `json:"escalated,omitempty"`
}

// ModelOutput 是一次提供方调用的结果：要么 Vote 有效，要么 Err 非空。
type ModelOutput struct {
	ProviderID string
	Raw        string
	Vote       Vote
	Err        error
	Latency    time.Duration
}

// Result 是集成投票的结论。
type Result struct {
	Action       Action        `json:"action"`
	Confidence   *float64      `json:"confidence,omitempty"`
	Reason       string        `json:"reason"`
	Votes        []Vote        `json:"votes"`
	Failures     []string      `json:"failures,omitempty"`
	FastPath     bool          `json:"fast_path"`
	DeferMinutes *int          `json:"defer_minutes,omitempty"`
	Elapsed      time.Duration `json:"elapsed_ns"`
}

func (r Result) IsNoAction() bool { return r.Action == ActionNoAction }

// ConfidenceOr 在置信度缺失时返回 def。
func (r Result) ConfidenceOr(def float64) float64 {
	if r.Confidence == nil {
		return def
	}
	return *r.Confidence
}

func noAction(reason string, votes []Vote) Result {
	return Result{Action: ActionNoAction, Reason: reason, Votes: votes}
}
