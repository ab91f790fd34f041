package grpc

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// 服務與方法名稱，訊息格式使用 google.protobuf.Struct
const (
	ServiceName      = "ledger.v1.LedgerService"
	TransferMethod   = "/" + ServiceName + "/Transfer"
	GetBalanceMethod = "/" + ServiceName + "/GetBalance"
	serviceMetadata  = "ledger/v1/ledger.proto"
	fieldFromAccount = "from_account_id"
	fieldToAccount   = "to_account_id"
	fieldAmount      = "amount"
	fieldAccountID   = "account_id"
	fieldBalance     = "balance"
	fieldSuccess     = "success"
	fieldFromBalance = "from_balance"
	fieldSide        = "side"
	maxExactFloatID  = 1 << 53
)

// LedgerServiceServer 是 ledger.v1.LedgerService 的 server 端介面
//
//	Transfer:   {from_account_id, to_account_id, amount} -> {success, from_balance}
//	GetBalance: {account_id} -> {account_id, balance}
//
// ID 與金額以字串傳遞，避免 JSON number 的浮點誤差
type LedgerServiceServer interface {
	Transfer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetBalance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// LedgerServiceDesc 手寫的 ServiceDesc，等同 protoc-gen-go-grpc 的輸出
var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Transfer",
			Handler:    transferHandler,
		},
		{
			MethodName: "GetBalance",
			Handler:    getBalanceHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: serviceMetadata,
}

// RegisterLedgerServiceServer 把實作註冊到 gRPC server
func RegisterLedgerServiceServer(s grpc.ServiceRegistrar, srv LedgerServiceServer) {
	s.RegisterService(&LedgerServiceDesc, srv)
}

func transferHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServiceServer).Transfer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: TransferMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LedgerServiceServer).Transfer(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getBalanceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServiceServer).GetBalance(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: GetBalanceMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LedgerServiceServer).GetBalance(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// int64Field 讀取整數欄位，接受字串或 (不超過 2^53 的) 整數 number
func int64Field(s *structpb.Struct, key string) (int64, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return 0, fmt.Errorf("missing field %q", key)
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		id, err := strconv.ParseInt(kind.StringValue, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("field %q: %w", key, err)
		}
		return id, nil
	case *structpb.Value_NumberValue:
		f := kind.NumberValue
		if f != math.Trunc(f) || math.Abs(f) > maxExactFloatID {
			return 0, fmt.Errorf("field %q: %v is not an exact integer", key, f)
		}
		return int64(f), nil
	default:
		return 0, fmt.Errorf("field %q must be a string or number", key)
	}
}

// decimalField 讀取金額欄位，建議使用字串
func decimalField(s *structpb.Struct, key string) (decimal.Decimal, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return decimal.Zero, fmt.Errorf("missing field %q", key)
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		d, err := decimal.NewFromString(kind.StringValue)
		if err != nil {
			return decimal.Zero, fmt.Errorf("field %q: %w", key, err)
		}
		return d, nil
	case *structpb.Value_NumberValue:
		return decimal.NewFromFloat(kind.NumberValue), nil
	default:
		return decimal.Zero, fmt.Errorf("field %q must be a string or number", key)
	}
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}
