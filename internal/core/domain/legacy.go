package domain

// LegacyEntry is the confirmation listener's working-set shape. The whole set
// is persisted as one JSON document keyed by transaction hash.
type LegacyEntry struct {
	TxHash             string           `json:"txHash"`
	ActionType         ActionType       `json:"actionType"`
	Timestamp          int64            `json:"timestamp"`
	PreState           BalanceSnapshot  `json:"preState"`
	PostState          *BalanceSnapshot `json:"postState,omitempty"`
	ExpectedChanges    ExpectedChanges  `json:"expectedChanges"`
	Status             TxStatus         `json:"status"`
	WalletUpdated      bool             `json:"walletUpdated"`
	WalletChecks       int              `json:"walletChecks,omitempty"`
	RetryCount         int              `json:"retryCount"`
	ConfirmationHeight *int64           `json:"confirmationHeight,omitempty"`
	ConfirmationTime   *int64           `json:"confirmationTime,omitempty"`
	ErrorMessage       string           `json:"errorMessage,omitempty"`
}

// Active reports whether the listener still has work to do for the entry.
func (e *LegacyEntry) Active() bool {
	return e.Status == TxStatusPending || (e.Status == TxStatusConfirmed && !e.WalletUpdated)
}

// Clone returns a deep copy.
func (e *LegacyEntry) Clone() *LegacyEntry {
	c := *e
	if e.PostState != nil {
		ps := *e.PostState
		c.PostState = &ps
	}
	if e.ConfirmationHeight != nil {
		h := *e.ConfirmationHeight
		c.ConfirmationHeight = &h
	}
	if e.ConfirmationTime != nil {
		ts := *e.ConfirmationTime
		c.ConfirmationTime = &ts
	}
	return &c
}

// ToRecord converts the entry to the durable record schema.
func (e *LegacyEntry) ToRecord() *TransactionRecord {
	rec := &TransactionRecord{
		ID:              e.TxHash,
		Timestamp:       e.Timestamp,
		ActionType:      e.ActionType,
		Status:          e.Status,
		PreState:        e.PreState,
		ExpectedChanges: e.ExpectedChanges,
		RetryCount:      e.RetryCount,
		ErrorMessage:    e.ErrorMessage,
	}
	if rec.Status == "" {
		rec.Status = TxStatusPending
	}
	c := e.Clone()
	rec.PostState = c.PostState
	rec.ConfirmationHeight = c.ConfirmationHeight
	rec.ConfirmationTime = c.ConfirmationTime
	return rec
}
