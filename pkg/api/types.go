package api

import "time"

// startTransferRequest is the JSON body for POST /api/v1/transfers
// (spec §6.6 start_transfer).
type startTransferRequest struct {
	ContentID     string  `json:"content_id" binding:"required"`
	FileHash      string  `json:"file_hash"`
	FileName      string  `json:"file_name"`
	OutputPath    string  `json:"output_path" binding:"required"`
	Priority      string  `json:"priority"`
	RarestFirst   bool    `json:"rarest_first"`
	PricePerMB    float64 `json:"price_per_mb"`
	PaymentMode   string  `json:"payment_mode"`
	SeederAddress string  `json:"seeder_address"`
}

type startTransferResponse struct {
	TransferID string `json:"transfer_id"`
}

type seedFileRequest struct {
	Path string `json:"path" binding:"required"`
}

// recordPaymentRequest is the JSON body for POST
// /api/v1/transfers/:id/payment (spec §4.3 record_payment).
type recordPaymentRequest struct {
	TxHash string  `json:"tx_hash" binding:"required"`
	Amount float64 `json:"amount" binding:"required"`
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}
