package engine

import (
	"github.com/chiral-network/transfer-core/pkg/chunks"
	"github.com/chiral-network/transfer-core/pkg/payment"
	"github.com/chiral-network/transfer-core/pkg/transfer"
)

// StartRequest is the argument to start_transfer (spec §6.6).
type StartRequest struct {
	ContentID  chunks.ContentId
	FileHash   string
	FileName   string
	OutputPath string
	Priority   transfer.Priority

	// RarestFirst selects the spec §4.2.2 rarest-first chunk-scheduling
	// policy instead of the default sequential-index preference.
	RarestFirst bool

	// Payment gating is optional: a zero PricePerMB means the transfer
	// never pauses for payment (spec §4.3 is opt-in per transfer).
	PricePerMB    float64
	PaymentMode   payment.Mode
	SeederAddress string
}
