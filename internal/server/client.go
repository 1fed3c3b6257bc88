package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/mapprint/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client PrintService 客戶端（CLI 使用）
type Client struct {
	conn  grpc.ClientConnInterface
	token string
}

// NewClient 建立客戶端；token 非空時每個呼叫帶上 bearer token
func NewClient(conn grpc.ClientConnInterface, token string) *Client {
	return &Client{conn: conn, token: token}
}

// SubmitOptions 提交選項
type SubmitOptions struct {
	ReferenceID types.ReferenceID
	AppID       string
	SharedRoles []string
}

// Submit 提交任務，回傳 reference id
func (c *Client) Submit(ctx context.Context, request json.RawMessage, opts SubmitOptions) (types.ReferenceID, error) {
	in, err := toStruct(submitRequest{
		ReferenceID: opts.ReferenceID,
		AppID:       opts.AppID,
		Request:     request,
		SharedRoles: opts.SharedRoles,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	var out referenceMessage
	if err := c.invoke(ctx, "Submit", in, &out); err != nil {
		return "", err
	}
	return out.ReferenceID, nil
}

// Status 查詢任務狀態
func (c *Client) Status(ctx context.Context, ref types.ReferenceID) (types.StatusReport, error) {
	in, err := toStruct(referenceMessage{ReferenceID: ref})
	if err != nil {
		return types.StatusReport{}, err
	}
	var report types.StatusReport
	err = c.invoke(ctx, "Status", in, &report)
	return report, err
}

// Cancel 取消任務
func (c *Client) Cancel(ctx context.Context, ref types.ReferenceID) error {
	in, err := toStruct(referenceMessage{ReferenceID: ref})
	if err != nil {
		return err
	}
	return c.invoke(ctx, "Cancel", in, nil)
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct, out any) error {
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}
	reply := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, reply); err != nil {
		return fromStatus(err)
	}
	if out == nil {
		return nil
	}
	return fromStruct(reply, out)
}

// fromStatus 將 gRPC status 轉回領域錯誤，讓呼叫端可以 errors.Is
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.NotFound:
		sentinel = types.ErrNoSuchReference
	case codes.ResourceExhausted:
		sentinel = types.ErrCapacityExceeded
	case codes.PermissionDenied:
		sentinel = types.ErrAccessDenied
	case codes.InvalidArgument:
		return &types.ValidationError{Reason: st.Message()}
	default:
		return err
	}
	return fmt.Errorf("%w (%s)", sentinel, st.Message())
}
