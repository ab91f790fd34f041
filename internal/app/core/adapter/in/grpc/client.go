package grpc

import (
	"context"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client 是 LedgerService 的 client，回傳的錯誤可用 domain 的 sentinel 判斷
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{
		conn: conn,
	}
}

// Transfer 轉帳，成功時回傳轉出方的最新餘額 (取不到時為 0, false)
func (c *Client) Transfer(ctx context.Context, fromID, toID int64, amount decimal.Decimal) (decimal.Decimal, bool, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldFromAccount: structpb.NewStringValue(idString(fromID)),
		fieldToAccount:   structpb.NewStringValue(idString(toID)),
		fieldAmount:      structpb.NewStringValue(amount.String()),
	}}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, TransferMethod, req, resp); err != nil {
		return decimal.Zero, false, fromStatus(err)
	}
	raw, ok := resp.GetFields()[fieldFromBalance]
	if !ok {
		return decimal.Zero, false, nil
	}
	balance, err := decimal.NewFromString(raw.GetStringValue())
	if err != nil {
		return decimal.Zero, false, nil
	}
	return balance, true, nil
}

// GetBalance 取得帳戶已提交的餘額
func (c *Client) GetBalance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldAccountID: structpb.NewStringValue(idString(accountID)),
	}}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, GetBalanceMethod, req, resp); err != nil {
		return decimal.Zero, fromStatus(err)
	}
	return decimalField(resp, fieldBalance)
}
