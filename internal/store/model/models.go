package model

import "gorm.io/datatypes"

// DecisionModel maps to 'decision_audit' table.
type DecisionModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	TraceID       string         `gorm:"column:trace_id;uniqueIndex"`
	Kind          string         `gorm:"column:kind;index"`
	Symbol        string         `gorm:"column:symbol;index"`
	PositionID    string         `gorm:"column:position_id"`
	Action        string         `gorm:"column:action"`
	Confidence    *float64       `gorm:"column:confidence"`
	ReasonTag     string         `gorm:"column:reason_tag;index"`
	Reason        string         `gorm:"column:reason"`
	FastPath      bool           `gorm:"column:fast_path"`
	Votes         datatypes.JSON `gorm:"column:votes"`
	Failures      datatypes.JSON `gorm:"column:failures"`
	ElapsedMS     int64          `gorm:"column:elapsed_ms"`
	CreatedAtUnix int64          `gorm:"column:created_at;index"`
}

func (DecisionModel) TableName() string { return "decision_audit" }
