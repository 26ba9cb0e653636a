package grpcclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/nsfw-check/internal/classifier"
	"github.com/example/nsfw-check/internal/logging"
)

// PredictMethod is the unary method exposed by the model service. Request and
// response are google.protobuf.Struct values:
//
//	request:  {"images": [{"name": string, "data": base64 string}, ...]}
//	response: {"probabilities": [number, ...]}
const PredictMethod = "/nsfw.v1.Classifier/PredictImages"

// DialClassifier returns a ready-to-use classifier.Model backed by the model service.
func DialClassifier(ctx context.Context, addr string, logger *zap.Logger) (classifier.Model, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_classifier", "", err)
		logger.Error("failed to dial classifier", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewModel(conn, logger), conn, nil
}

// NewModel wraps an existing connection.
func NewModel(conn grpc.ClientConnInterface, logger *zap.Logger) classifier.Model {
	return &grpcModel{conn: conn, logger: logger.Named("grpc_classifier")}
}

type grpcModel struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func (g *grpcModel) Predict(ctx context.Context, images []classifier.Image) ([]float64, error) {
	requestID := logging.RequestIDFromContext(ctx)
	if requestID != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "x-request-id", requestID)
	}

	req, err := encodeRequest(images)
	if err != nil {
		return nil, err
	}

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, PredictMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.predict_images", requestID, err)
		g.logger.Error("classifier call failed", zap.Error(wrapped), zap.Int("image_count", len(images)))
		return nil, errors.New(status.Convert(err).Message())
	}
	return decodeResponse(resp)
}

func encodeRequest(images []classifier.Image) (*structpb.Struct, error) {
	list := make([]interface{}, len(images))
	for i, img := range images {
		list[i] = map[string]interface{}{
			"name": img.Name,
			"data": base64.StdEncoding.EncodeToString(img.Data),
		}
	}
	req, err := structpb.NewStruct(map[string]interface{}{"images": list})
	if err != nil {
		return nil, fmt.Errorf("encode classifier request: %w", err)
	}
	return req, nil
}

func decodeResponse(resp *structpb.Struct) ([]float64, error) {
	field, ok := resp.GetFields()["probabilities"]
	if !ok || field.GetListValue() == nil {
		return nil, errors.New("classifier response has no probabilities")
	}
	values := field.GetListValue().GetValues()
	scores := make([]float64, len(values))
	for i, v := range values {
		number, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("classifier probability %d is not a number", i)
		}
		scores[i] = number.NumberValue
	}
	return scores, nil
}
