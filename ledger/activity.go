package ledger

// UserActivity is one point-in-time delta in a user's activity log. Each
// lifecycle event appends exactly one record on the affected side; nothing
// is ever merged or overwritten, so consumers sum across records.
type UserActivity struct {
	User              string `json:"user"`
	TransfersSent     uint32 `json:"transfers_sent"`
	TransfersReceived uint32 `json:"transfers_received"`
	TotalDataSent     uint64 `json:"total_data_sent"`
	TotalDataReceived uint64 `json:"total_data_received"`
	LastActivity      int64  `json:"last_activity"`
}

// sendDelta builds the sender-side record appended at initiation.
func sendDelta(user string, dataSize uint64, nowMs int64) UserActivity {
	return UserActivity{
		User:          user,
		TransfersSent: 1,
		TotalDataSent: dataSize,
		LastActivity:  nowMs,
	}
}

// receiveDelta builds the recipient-side record appended at claim.
func receiveDelta(user string, dataSize uint64, nowMs int64) UserActivity {
	return UserActivity{
		User:              user,
		TransfersReceived: 1,
		TotalDataReceived: dataSize,
		LastActivity:      nowMs,
	}
}

// ActivitySummary is the read-path reduction over a user's delta log.
type ActivitySummary struct {
	User              string `json:"user"`
	TransfersSent     uint64 `json:"transfers_sent"`
	TransfersReceived uint64 `json:"transfers_received"`
	TotalDataSent     uint64 `json:"total_data_sent"`
	TotalDataReceived uint64 `json:"total_data_received"`
	LastActivity      int64  `json:"last_activity"`
}

// SummarizeActivity folds a delta log into totals. Deltas are appended in
// event order, so the last record carries the most recent activity time.
func SummarizeActivity(user string, deltas []UserActivity) ActivitySummary {
	summary := ActivitySummary{User: user}
	for _, d := range deltas {
		summary.TransfersSent += uint64(d.TransfersSent)
		summary.TransfersReceived += uint64(d.TransfersReceived)
		summary.TotalDataSent += d.TotalDataSent
		summary.TotalDataReceived += d.TotalDataReceived
		if d.LastActivity > summary.LastActivity {
			summary.LastActivity = d.LastActivity
		}
	}
	return summary
}
