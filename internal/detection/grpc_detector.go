package detection

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	plog "porchwatch/internal/log"
)

// DetectorServiceName is the gRPC service exposing the detector
const DetectorServiceName = "porchwatch.detection.v1.Detector"

const detectMethod = "/" + DetectorServiceName + "/Detect"

// GRPCDetector calls the detector over a unary gRPC method carrying
// google.protobuf.Struct messages
type GRPCDetector struct {
	endpoint string
	conn     *grpc.ClientConn
	health   healthpb.HealthClient
	logger   *slog.Logger

	healthMu   sync.RWMutex
	healthy    bool
	lastHealth time.Time
}

// GRPCDetectorConfig holds configuration for the gRPC detector
type GRPCDetectorConfig struct {
	Endpoint    string
	DialOptions []grpc.DialOption // Extra options, appended after the defaults
}

// NewGRPCDetector creates a gRPC detector client. The connection is
// established lazily on the first call.
func NewGRPCDetector(config GRPCDetectorConfig) (*GRPCDetector, error) {
	// Configure keepalive to detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, config.DialOptions...)

	conn, err := grpc.NewClient(config.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector client: %w", err)
	}

	return &GRPCDetector{
		endpoint: config.Endpoint,
		conn:     conn,
		health:   healthpb.NewHealthClient(conn),
		logger:   plog.Component("detector").With("endpoint", config.Endpoint),
	}, nil
}

// IsHealthy asks the standard gRPC health service about the detector
func (gd *GRPCDetector) IsHealthy(ctx context.Context) bool {
	gd.healthMu.RLock()
	if gd.healthy && time.Since(gd.lastHealth) < 30*time.Second {
		gd.healthMu.RUnlock()
		return true
	}
	gd.healthMu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := gd.health.Check(ctx, &healthpb.HealthCheckRequest{Service: DetectorServiceName})

	gd.healthMu.Lock()
	defer gd.healthMu.Unlock()
	if err != nil {
		gd.logger.Warn("health check failed", "error", err)
		gd.healthy = false
		return false
	}
	gd.healthy = resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	gd.lastHealth = time.Now()
	return gd.healthy
}

// Infer sends one frame and waits for its detections
func (gd *GRPCDetector) Infer(ctx context.Context, jpeg []byte, confThreshold float32) (*DetectionResult, error) {
	req, err := EncodeDetectRequest(jpeg, confThreshold)
	if err != nil {
		return nil, err
	}

	resp := &structpb.Struct{}
	if err := gd.conn.Invoke(ctx, detectMethod, req, resp); err != nil {
		gd.healthMu.Lock()
		gd.healthy = false
		gd.healthMu.Unlock()
		return nil, fmt.Errorf("detect rpc failed: %w", err)
	}

	return DecodeDetectResponse(resp)
}

// Close closes the gRPC connection
func (gd *GRPCDetector) Close() error {
	if gd.conn != nil {
		return gd.conn.Close()
	}
	return nil
}

// EncodeDetectRequest builds the request message
func EncodeDetectRequest(jpeg []byte, confThreshold float32) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"jpeg_data":      base64.StdEncoding.EncodeToString(jpeg),
		"conf_threshold": float64(confThreshold),
	})
}

// DecodeDetectRequest is the server-side inverse of EncodeDetectRequest
func DecodeDetectRequest(req *structpb.Struct) ([]byte, float32, error) {
	fields := req.GetFields()
	data, err := base64.StdEncoding.DecodeString(fields["jpeg_data"].GetStringValue())
	if err != nil {
		return nil, 0, fmt.Errorf("invalid jpeg_data: %w", err)
	}
	if len(data) == 0 {
		return nil, 0, errors.New("empty jpeg_data")
	}
	return data, float32(fields["conf_threshold"].GetNumberValue()), nil
}

// EncodeDetectResponse builds the response message
func EncodeDetectResponse(result *DetectionResult) (*structpb.Struct, error) {
	dets := make([]any, 0, len(result.Detections))
	for _, d := range result.Detections {
		bbox := make([]any, len(d.BBox))
		for i, v := range d.BBox {
			bbox[i] = float64(v)
		}
		dets = append(dets, map[string]any{
			"class":      d.Class,
			"class_id":   float64(d.ClassID),
			"confidence": float64(d.Confidence),
			"bbox":       bbox,
		})
	}
	return structpb.NewStruct(map[string]any{
		"detections":        dets,
		"inference_time_ms": float64(result.InferenceTimeMs),
		"device":            result.Device,
	})
}

// DecodeDetectResponse converts the response message to a DetectionResult
func DecodeDetectResponse(resp *structpb.Struct) (*DetectionResult, error) {
	fields := resp.GetFields()
	list, ok := fields["detections"]
	if !ok {
		return nil, errors.New("response has no detections field")
	}

	values := list.GetListValue().GetValues()
	result := &DetectionResult{
		Detections:      make([]Detection, 0, len(values)),
		InferenceTimeMs: float32(fields["inference_time_ms"].GetNumberValue()),
		Device:          fields["device"].GetStringValue(),
	}

	for i, v := range values {
		s := v.GetStructValue()
		if s == nil {
			return nil, fmt.Errorf("detection %d is not an object", i)
		}
		df := s.GetFields()

		coords := df["bbox"].GetListValue().GetValues()
		bbox := make([]float32, len(coords))
		for j, c := range coords {
			bbox[j] = float32(c.GetNumberValue())
		}

		result.Detections = append(result.Detections, Detection{
			Class:      df["class"].GetStringValue(),
			ClassID:    int(df["class_id"].GetNumberValue()),
			Confidence: float32(df["confidence"].GetNumberValue()),
			BBox:       bbox,
		})
	}
	result.Count = len(result.Detections)
	return result, nil
}

// DetectorServer is implemented by detection backends served over gRPC
type DetectorServer interface {
	Detect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterDetectorServer registers srv under DetectorServiceName
func RegisterDetectorServer(s grpc.ServiceRegistrar, srv DetectorServer) {
	s.RegisterService(&detectorServiceDesc, srv)
}

func detectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DetectorServer).Detect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: detectMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DetectorServer).Detect(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var detectorServiceDesc = grpc.ServiceDesc{
	ServiceName: DetectorServiceName,
	HandlerType: (*DetectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Detect",
			Handler:    detectHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "porchwatch/detection/v1/detector.proto",
}

var _ ObjectDetector = (*GRPCDetector)(nil)
