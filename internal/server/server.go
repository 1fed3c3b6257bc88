// ============================================================================
// mapprint gRPC Server - 列印任務提交邊界
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 以 gRPC 暴露 Submit / Cancel / Status 三個操作
//
// 服務: mapprint.v1.PrintService
//
//	Submit(Struct{reference_id?, app_id?, request, shared_roles?}) -> Struct{reference_id}
//	Cancel(Struct{reference_id})                                  -> Struct{}
//	Status(Struct{reference_id})                                  -> Struct{StatusReport}
//
// 訊息格式使用 google.protobuf.Struct，欄位與 pkg/types 的 JSON tag 一致。
//
// 攔截器順序:
//  1. recovery: panic 轉為 codes.Internal
//  2. logging:  每個呼叫結束時記錄 method / code / 耗時
//  3. auth:     設定 Authenticator 時要求 bearer JWT，principal 放入 context
//
// 錯誤對應:
//
//	ValidationError      -> InvalidArgument
//	ErrCapacityExceeded  -> ResourceExhausted
//	ErrNoSuchReference   -> NotFound
//	ErrAccessDenied      -> PermissionDenied
//	ErrStopped           -> Unavailable
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChuLiYu/mapprint/internal/auth"
	"github.com/ChuLiYu/mapprint/internal/controller"
	"github.com/ChuLiYu/mapprint/pkg/types"
	grpcauth "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/auth"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName gRPC 服務全名
const ServiceName = "mapprint.v1.PrintService"

// Scheduler 伺服器需要的控制器操作
type Scheduler interface {
	Submit(ctx context.Context, entry types.Entry) (types.ReferenceID, error)
	Cancel(ctx context.Context, ref types.ReferenceID) error
	GetStatus(ctx context.Context, ref types.ReferenceID) (types.StatusReport, error)
}

// Validator 在排隊前檢查請求內容
type Validator interface {
	Validate(data []byte) error
}

// Server 實作 PrintService
type Server struct {
	scheduler Scheduler
	validator Validator
	auth      *auth.Authenticator
	log       *zap.Logger
	health    *health.Server
}

// Option 自訂 Server
type Option func(*Server)

// WithValidator 提交時先驗證請求
func WithValidator(v Validator) Option {
	return func(s *Server) { s.validator = v }
}

// WithAuthenticator 要求每個呼叫帶 bearer JWT
func WithAuthenticator(a *auth.Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// WithLogger 設定 logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// NewServer 建立 Server
func NewServer(scheduler Scheduler, opts ...Option) *Server {
	s := &Server{
		scheduler: scheduler,
		log:       zap.NewNop(),
		health:    health.NewServer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewGRPCServer 建立已註冊 PrintService 與 health 服務的 grpc.Server
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			recovery.UnaryServerInterceptor(recovery.WithRecoveryHandlerContext(s.recover)),
			logging.UnaryServerInterceptor(zapLogger(s.log), logging.WithLogOnEvents(logging.FinishCall)),
			grpcauth.UnaryServerInterceptor(s.authenticate),
		),
	)
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(gs, healthService{s.health})
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return gs
}

// Shutdown 將 health 狀態設為 NOT_SERVING
func (s *Server) Shutdown() {
	s.health.Shutdown()
}

// ============================================================================
// 操作
// ============================================================================

type submitRequest struct {
	ReferenceID types.ReferenceID `json:"reference_id,omitempty"`
	AppID       string            `json:"app_id,omitempty"`
	Request     json.RawMessage   `json:"request"`
	SharedRoles []string          `json:"shared_roles,omitempty"`
}

type referenceMessage struct {
	ReferenceID types.ReferenceID `json:"reference_id"`
}

// Submit 驗證並排隊一個列印任務。呼叫者已驗證時，任務只允許本人或
// shared_roles 中的角色存取。
func (s *Server) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req submitRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed submit request: %v", err)
	}
	if len(req.Request) == 0 || string(req.Request) == "null" {
		return nil, toStatus(&types.ValidationError{Field: "request", Reason: "missing request data"})
	}
	if s.validator != nil {
		if err := s.validator.Validate(req.Request); err != nil {
			return nil, toStatus(err)
		}
	}

	entry := types.Entry{
		ReferenceID: req.ReferenceID,
		AppID:       req.AppID,
		RequestData: req.Request,
	}
	if p := auth.FromContext(ctx); p != nil {
		entry.Assertion = types.AccessAssertion{Subject: p.Subject, Roles: req.SharedRoles}
	}

	ref, err := s.scheduler.Submit(ctx, entry)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(referenceMessage{ReferenceID: ref})
}

// Cancel 取消任務
func (s *Server) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ref, err := reference(in)
	if err != nil {
		return nil, err
	}
	if err := s.scheduler.Cancel(ctx, ref); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

// Status 查詢任務狀態，同時刷新放棄計時
func (s *Server) Status(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ref, err := reference(in)
	if err != nil {
		return nil, err
	}
	report, err := s.scheduler.GetStatus(ctx, ref)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(report)
}

func reference(in *structpb.Struct) (types.ReferenceID, error) {
	var msg referenceMessage
	if err := fromStruct(in, &msg); err != nil {
		return "", status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	if msg.ReferenceID == "" {
		return "", status.Error(codes.InvalidArgument, "missing reference_id")
	}
	return msg.ReferenceID, nil
}

// ============================================================================
// 攔截器
// ============================================================================

func (s *Server) authenticate(ctx context.Context) (context.Context, error) {
	if s.auth == nil {
		return ctx, nil
	}
	p, err := s.auth.Authenticate(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	if p == nil {
		return nil, status.Error(codes.Unauthenticated, auth.ErrMissingBearerToken.Error())
	}
	return auth.NewContext(ctx, p), nil
}

func (s *Server) recover(ctx context.Context, p any) error {
	s.log.Error("panic in grpc handler", zap.Any("panic", p), zap.Stack("stack"))
	return status.Errorf(codes.Internal, "internal error")
}

func zapLogger(l *zap.Logger) logging.Logger {
	sugar := l.Sugar()
	return logging.LoggerFunc(func(_ context.Context, lvl logging.Level, msg string, fields ...any) {
		switch lvl {
		case logging.LevelDebug:
			sugar.Debugw(msg, fields...)
		case logging.LevelInfo:
			sugar.Infow(msg, fields...)
		case logging.LevelWarn:
			sugar.Warnw(msg, fields...)
		default:
			sugar.Errorw(msg, fields...)
		}
	})
}

// healthService health 檢查不需要 token
type healthService struct {
	*health.Server
}

func (healthService) AuthFuncOverride(ctx context.Context, _ string) (context.Context, error) {
	return ctx, nil
}

// toStatus 將領域錯誤轉為 gRPC status
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	var verr *types.ValidationError
	switch {
	case errors.As(err, &verr):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, types.ErrCapacityExceeded):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, types.ErrNoSuchReference):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, types.ErrAccessDenied):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, controller.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, fmt.Sprintf("internal error: %v", err))
}
