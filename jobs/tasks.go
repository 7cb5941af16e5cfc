package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReceiptApproved applies an approved receipt to its plot's status.
	TaskReceiptApproved = "plots:receipt_approved"
	// TaskTokenExpirySweep runs one token expiry sweep on demand.
	TaskTokenExpirySweep = "plots:token_expiry_sweep"
)

// ReceiptApprovedPayload is published by the approval workflow right after it
// flips a receipt to APPROVED.
type ReceiptApprovedPayload struct {
	PlotID      int64  `json:"plot_id" validate:"required,gt=0"`
	ReceiptID   int64  `json:"receipt_id" validate:"required,gt=0"`
	ReceiptType string `json:"receipt_type" validate:"required,oneof=token booking"`
	Amount      string `json:"amount" validate:"required,numeric"`
}

// TokenExpirySweepPayload records why an on-demand sweep was requested.
type TokenExpirySweepPayload struct {
	Reason string `json:"reason"`
}

// NewReceiptApprovedTask constructs an Asynq task.
func NewReceiptApprovedTask(payload ReceiptApprovedPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReceiptApproved, data), nil
}

// NewTokenExpirySweepTask constructs an Asynq task.
func NewTokenExpirySweepTask(reason string) (*asynq.Task, error) {
	data, err := json.Marshal(TokenExpirySweepPayload{Reason: reason})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTokenExpirySweep, data), nil
}
