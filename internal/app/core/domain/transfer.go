package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferRequest 轉帳請求 (不落地)
type TransferRequest struct {
	// ID: 追蹤號，只用於 log 與 trace 關聯
	ID     uuid.UUID
	From   int64
	To     int64
	Amount decimal.Decimal
}

func NewTransferRequest(from, to int64, amount decimal.Decimal) TransferRequest {
	return TransferRequest{
		ID:     uuid.New(),
		From:   from,
		To:     to,
		Amount: amount,
	}
}

// GetLockIDs 回傳需要鎖定的帳號 ID，已排序且去重以避免死鎖
func (t *TransferRequest) GetLockIDs() (ids []int64) {
	ids = make([]int64, 0, 2)
	switch {
	case t.From == t.To:
		ids = append(ids, t.From)
	case t.From < t.To:
		ids = append(ids, t.From, t.To)
	default:
		ids = append(ids, t.To, t.From)
	}
	return ids
}
