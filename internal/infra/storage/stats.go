package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/txtracker/internal/core/domain"
)

// Stats aggregates the transaction history.
type Stats struct {
	Total                   int                       `json:"total"`
	ByStatus                map[domain.TxStatus]int   `json:"byStatus"`
	ByActionType            map[domain.ActionType]int `json:"byActionType"`
	TotalFees               string                    `json:"totalFees"`
	AvgConfirmationTime     time.Duration             `json:"-"`
	AvgConfirmationTimeMs   int64                     `json:"avgConfirmationTimeMs"`
	ConfirmedWithLatency    int                       `json:"confirmedWithLatency"`
	UnparseableFeeRecordIDs []string                  `json:"unparseableFeeRecordIds,omitempty"`
}

// ComputeStats folds records into Stats. Fees are summed as absolute values
// with exact decimal arithmetic, since they are stored as signed deltas.
func ComputeStats(recs []*domain.TransactionRecord) Stats {
	stats := Stats{
		ByStatus:     make(map[domain.TxStatus]int, len(domain.TxStatuses)),
		ByActionType: make(map[domain.ActionType]int, len(domain.ActionTypes)),
	}
	for _, s := range domain.TxStatuses {
		stats.ByStatus[s] = 0
	}
	for _, a := range domain.ActionTypes {
		stats.ByActionType[a] = 0
	}

	fees := decimal.Zero
	var latencyTotal int64
	for _, rec := range recs {
		stats.Total++
		stats.ByStatus[rec.Status]++
		stats.ByActionType[rec.ActionType]++

		if rec.ExpectedChanges.Fees != "" {
			fee, err := decimal.NewFromString(rec.ExpectedChanges.Fees)
			if err != nil {
				stats.UnparseableFeeRecordIDs = append(stats.UnparseableFeeRecordIDs, rec.ID)
			} else {
				fees = fees.Add(fee.Abs())
			}
		}

		if rec.Status == domain.TxStatusConfirmed && rec.ConfirmationTime != nil {
			latency := *rec.ConfirmationTime - rec.Timestamp
			if latency >= 0 {
				latencyTotal += latency
				stats.ConfirmedWithLatency++
			}
		}
	}

	stats.TotalFees = fees.String()
	if stats.ConfirmedWithLatency > 0 {
		stats.AvgConfirmationTimeMs = latencyTotal / int64(stats.ConfirmedWithLatency)
		stats.AvgConfirmationTime = time.Duration(stats.AvgConfirmationTimeMs) * time.Millisecond
	}
	return stats
}
