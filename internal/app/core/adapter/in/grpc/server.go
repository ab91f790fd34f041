package grpc

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/JoeShih716/go-atomic-ledger/internal/app/core/usecase"
)

type GrpcServer struct {
	core   *usecase.CoreUseCase
	logger *zap.Logger
}

func NewGrpcServer(core *usecase.CoreUseCase, logger *zap.Logger) *GrpcServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GrpcServer{
		core:   core,
		logger: logger,
	}
}

func (s *GrpcServer) Transfer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	// 1. 解析欄位
	from, err := int64Field(req, fieldFromAccount)
	if err != nil {
		return nil, malformed(err)
	}
	to, err := int64Field(req, fieldToAccount)
	if err != nil {
		return nil, malformed(err)
	}
	amount, err := decimalField(req, fieldAmount)
	if err != nil {
		return nil, malformed(err)
	}

	// 2. 執行轉帳
	if err := s.core.Transfer(ctx, from, to, amount); err != nil {
		return nil, toStatus(err)
	}

	// 3. [Optional] 取得轉出方最新餘額 (Best Effort)
	fields := map[string]*structpb.Value{
		fieldSuccess: structpb.NewBoolValue(true),
	}
	if balance, err := s.core.GetAccountBalance(ctx, from); err == nil {
		fields[fieldFromBalance] = structpb.NewStringValue(balance.String())
	}
	return &structpb.Struct{Fields: fields}, nil
}

func (s *GrpcServer) GetBalance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := int64Field(req, fieldAccountID)
	if err != nil {
		return nil, malformed(err)
	}
	balance, err := s.core.GetAccountBalance(ctx, accountID)
	if err != nil {
		return nil, toStatus(err)
	}
	return balanceResponse(accountID, balance), nil
}

func balanceResponse(accountID int64, balance decimal.Decimal) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldAccountID: structpb.NewStringValue(idString(accountID)),
		fieldBalance:   structpb.NewStringValue(balance.String()),
	}}
}

// UnaryLoggingInterceptor 記錄每個請求的方法、狀態碼與耗時
func UnaryLoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("duration", time.Since(start)),
		}
		switch code {
		case codes.OK, codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition:
			logger.Debug("grpc request", fields...)
		case codes.Aborted:
			logger.Warn("grpc request", append(fields, zap.Error(err))...)
		default:
			logger.Error("grpc request", append(fields, zap.Error(err))...)
		}
		return resp, err
	}
}

var _ LedgerServiceServer = (*GrpcServer)(nil)
