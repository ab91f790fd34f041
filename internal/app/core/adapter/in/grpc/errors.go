package grpc

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/JoeShih716/go-atomic-ledger/internal/app/core/domain"
)

// ErrMalformedRequest 請求欄位缺少或格式錯誤，與金額不合法 (domain.ErrInvalidAmount) 區分
var ErrMalformedRequest = errors.New("malformed request")

const (
	fieldReason     = "reason"
	reasonMalformed = "malformed_request"
)

// malformed 回傳帶有 reason detail 的 InvalidArgument，client 端才分得出是哪一種
func malformed(err error) error {
	st := status.New(codes.InvalidArgument, err.Error())
	detail := &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldReason: structpb.NewStringValue(reasonMalformed),
	}}
	if withDetail, detailErr := st.WithDetails(detail); detailErr == nil {
		st = withDetail
	}
	return st.Err()
}

// toStatus 把 domain 錯誤轉成 gRPC status
//
//	ErrInvalidAmount       -> InvalidArgument
//	ErrAccountNotFound     -> NotFound (detail 帶 account_id 與 side)
//	ErrInsufficientFunds   -> FailedPrecondition
//	ErrConcurrencyConflict -> Aborted
//	ErrStorageFailure      -> Unavailable
func toStatus(err error) error {
	var nf *domain.AccountNotFoundError
	switch {
	case errors.As(err, &nf):
		st := status.New(codes.NotFound, err.Error())
		detail := &structpb.Struct{Fields: map[string]*structpb.Value{
			fieldAccountID: structpb.NewStringValue(idString(nf.AccountID)),
			fieldSide:      structpb.NewStringValue(nf.Side.String()),
		}}
		if withDetail, detailErr := st.WithDetails(detail); detailErr == nil {
			st = withDetail
		}
		return st.Err()
	case errors.Is(err, domain.ErrAccountNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidAmount):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrInsufficientFunds):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, domain.ErrStorageFailure):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus 是 toStatus 的反向，讓 client 端也能用 errors.Is / errors.As 判斷
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return domain.StorageFailure(err)
	}
	switch st.Code() {
	case codes.InvalidArgument:
		if hasReason(st, reasonMalformed) {
			return fmt.Errorf("%w: %s", ErrMalformedRequest, st.Message())
		}
		return fmt.Errorf("%w: %s", domain.ErrInvalidAmount, st.Message())
	case codes.NotFound:
		if nf := notFoundDetail(st); nf != nil {
			return nf
		}
		return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, st.Message())
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", domain.ErrInsufficientFunds, st.Message())
	case codes.Aborted:
		return fmt.Errorf("%w: %s", domain.ErrConcurrencyConflict, st.Message())
	default:
		return domain.StorageFailure(err)
	}
}

func notFoundDetail(st *status.Status) *domain.AccountNotFoundError {
	for _, d := range st.Details() {
		detail, ok := d.(*structpb.Struct)
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(stringField(detail, fieldAccountID), 10, 64)
		if err != nil {
			continue
		}
		nf := &domain.AccountNotFoundError{AccountID: id}
		switch stringField(detail, fieldSide) {
		case domain.SideSource.String():
			nf.Side = domain.SideSource
		case domain.SideDestination.String():
			nf.Side = domain.SideDestination
		}
		return nf
	}
	return nil
}

func hasReason(st *status.Status, reason string) bool {
	for _, d := range st.Details() {
		if detail, ok := d.(*structpb.Struct); ok && stringField(detail, fieldReason) == reason {
			return true
		}
	}
	return false
}
