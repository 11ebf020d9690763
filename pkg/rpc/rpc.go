// Package rpc exposes the prediction service over gRPC.
//
// Messages are google.protobuf.Struct values so the service needs no generated
// code. A Predict request carries a "records" list of objects with the raw
// feature fields; the response carries "predictions", "run_id" and
// "candidate":
//
//	{"records": [{"gender": "female", "reading_score": 72, ...}]}
//	{"predictions": [71.4], "run_id": "0192...", "candidate": "ridge"}
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/HatiCode/gradecast/pkg/errs"
	"github.com/HatiCode/gradecast/pkg/predict"
	"github.com/HatiCode/gradecast/pkg/record"
)

// Service and method names.
const (
	ServiceName     = "gradecast.v1.Predictor"
	PredictMethod   = "/" + ServiceName + "/Predict"
	ModelInfoMethod = "/" + ServiceName + "/ModelInfo"
)

// PredictorServer is the server API of the Predictor service.
type PredictorServer interface {
	Predict(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ModelInfo(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// ServiceDesc describes the Predictor service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PredictorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Predict", Handler: predictHandler},
		{MethodName: "ModelInfo", Handler: modelInfoHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gradecast/v1/predictor.proto",
}

// RegisterPredictorServer registers srv on s.
func RegisterPredictorServer(s grpc.ServiceRegistrar, srv PredictorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func predictHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PredictorServer).Predict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PredictMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PredictorServer).Predict(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func modelInfoHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PredictorServer).ModelInfo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ModelInfoMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PredictorServer).ModelInfo(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Recorder observes served predictions.
type Recorder interface {
	ObservePredict(transport string, rows int, d time.Duration, err error)
}

// Server implements PredictorServer on top of a predict.Service.
type Server struct {
	svc      *predict.Service
	logger   *slog.Logger
	recorder Recorder
}

// NewServer creates a Server. recorder may be nil.
func NewServer(svc *predict.Service, logger *slog.Logger, recorder Recorder) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, logger: logger, recorder: recorder}
}

// Predict scores every record of the request in one batch.
func (s *Server) Predict(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	start := time.Now()
	rows := 0

	resp, err := func() (*structpb.Struct, error) {
		batch, err := recordsOf(req)
		if err != nil {
			return nil, err
		}
		rows = len(batch)

		records, err := record.FromValuesBatch(batch)
		if err != nil {
			return nil, err
		}
		res, err := s.svc.Predict(records)
		if err != nil {
			return nil, err
		}
		return resultStruct(res)
	}()

	if s.recorder != nil {
		s.recorder.ObservePredict("grpc", rows, time.Since(start), err)
	}
	if err != nil {
		if StatusFor(err) == codes.Internal {
			s.logger.Error("grpc predict failed", "error", err)
		} else {
			s.logger.Debug("grpc predict rejected", "error", err)
		}
		return nil, status.Error(StatusFor(err), err.Error())
	}
	return resp, nil
}

// ModelInfo describes the loaded model.
func (s *Server) ModelInfo(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	cur := s.svc.Current()
	if cur == nil {
		return nil, status.Error(codes.Unavailable, "no model loaded")
	}
	out, err := toStruct(cur.Info())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// StatusFor maps a classified error to a gRPC code: caller input problems are
// InvalidArgument, a missing or unusable model is Unavailable, anything else
// is Internal.
func StatusFor(err error) codes.Code {
	switch {
	case errors.Is(err, errs.ErrPredictionInput),
		errors.Is(err, errs.ErrTransformation),
		errors.Is(err, errs.ErrSchemaValidation):
		return codes.InvalidArgument
	case errors.Is(err, errs.ErrArtifactLoad):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func recordsOf(req *structpb.Struct) ([]map[string]any, error) {
	const op = "decode request"

	v, ok := req.GetFields()["records"]
	if !ok {
		return nil, errs.Column(errs.ErrPredictionInput, op, "records", errs.NoRow, "field is required")
	}
	list := v.GetListValue()
	if list == nil {
		return nil, errs.Column(errs.ErrPredictionInput, op, "records", errs.NoRow, "must be a list of objects")
	}

	batch := make([]map[string]any, len(list.GetValues()))
	for i, item := range list.GetValues() {
		obj := item.GetStructValue()
		if obj == nil {
			return nil, errs.Column(errs.ErrPredictionInput, op, "records", i, "must be an object")
		}
		batch[i] = obj.AsMap()
	}
	return batch, nil
}

func resultStruct(res predict.Result) (*structpb.Struct, error) {
	preds := make([]any, len(res.Predictions))
	for i, p := range res.Predictions {
		preds[i] = p
	}
	return structpb.NewStruct(map[string]any{
		"predictions": preds,
		"run_id":      res.RunID,
		"candidate":   res.Candidate,
	})
}

// toStruct converts a JSON-tagged value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return structpb.NewStruct(m)
}

// Client calls a remote Predictor service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Predict sends raw records and returns the predictions in input order.
func (c *Client) Predict(ctx context.Context, records []map[string]any, opts ...grpc.CallOption) (predict.Result, error) {
	list := make([]any, len(records))
	for i, r := range records {
		list[i] = r
	}
	req, err := structpb.NewStruct(map[string]any{"records": list})
	if err != nil {
		return predict.Result{}, fmt.Errorf("build request: %w", err)
	}

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, PredictMethod, req, out, opts...); err != nil {
		return predict.Result{}, err
	}

	fields := out.GetFields()
	res := predict.Result{
		RunID:     fields["run_id"].GetStringValue(),
		Candidate: fields["candidate"].GetStringValue(),
	}
	for _, v := range fields["predictions"].GetListValue().GetValues() {
		res.Predictions = append(res.Predictions, v.GetNumberValue())
	}
	return res, nil
}

// ModelInfo returns the remote service's model description.
func (c *Client) ModelInfo(ctx context.Context, opts ...grpc.CallOption) (predict.Info, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ModelInfoMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return predict.Info{}, err
	}
	data, err := out.MarshalJSON()
	if err != nil {
		return predict.Info{}, fmt.Errorf("marshal info: %w", err)
	}
	var info predict.Info
	if err := json.Unmarshal(data, &info); err != nil {
		return predict.Info{}, fmt.Errorf("decode info: %w", err)
	}
	return info, nil
}
