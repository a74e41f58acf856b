package engine

import "time"

// StatusView is a transaction plus the action booleans derived from its
// current state. Derived fields are computed at read time, never stored.
type StatusView struct {
	*Transaction
	CanAccept   bool `json:"canAccept"`
	CanComplete bool `json:"canComplete"`
	CanRelease  bool `json:"canRelease"`
	CanDispute  bool `json:"canDispute"`
	CanCancel   bool `json:"canCancel"`
	Terminal    bool `json:"isTerminal"`

	// TimeToAutoSettleSeconds is the remaining auto-settle window,
	// present only while DELIVERED.
	TimeToAutoSettleSeconds *int64 `json:"timeToAutoSettleSeconds,omitempty"`
}

// NewStatusView computes the derived view of a transaction at a point in time.
func NewStatusView(tx *Transaction, now time.Time) *StatusView {
	v := &StatusView{
		Transaction: tx,
		CanAccept:   tx.State == StateCreated,
		CanComplete: tx.State == StateDelivered,
		CanRelease:  tx.State == StateDelivered,
		CanCancel:   tx.State == StateCreated,
		Terminal:    tx.IsTerminal(),
	}
	if tx.State == StateDelivered && tx.AutoSettleAt != nil {
		v.CanDispute = now.Before(*tx.AutoSettleAt)
		remaining := int64(tx.AutoSettleAt.Sub(now).Seconds())
		if remaining < 0 {
			remaining = 0
		}
		v.TimeToAutoSettleSeconds = &remaining
	}
	return v
}
