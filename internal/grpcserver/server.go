package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"deshaker/internal/pipeline"
	"deshaker/internal/storage"
)

// JobPipeline accepts jobs for asynchronous processing.
type JobPipeline interface {
	Submit(job pipeline.Job) error
}

// JobService implements JobsServer on top of the pipeline and job store.
type JobService struct {
	pipeline JobPipeline
	store    *storage.Store
	log      *slog.Logger
}

// NewJobService creates the Jobs service implementation.
func NewJobService(pipe JobPipeline, store *storage.Store, log *slog.Logger) *JobService {
	if log == nil {
		log = slog.Default()
	}
	return &JobService{pipeline: pipe, store: store, log: log}
}

// NewServer returns a grpc.Server with the Jobs and health services registered.
func NewServer(svc *JobService, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	RegisterJobsServer(s, svc)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return s
}

// Serve listens on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, svc *JobService) error {
	listen, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s := NewServer(svc)

	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()

	svc.log.Info("gRPC server starting", "addr", listen.Addr().String())
	if err := s.Serve(listen); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Submit queues a job. The request carries type, input_path, optional output
// and an options object shaped like pipeline.Options.
func (s *JobService) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	jobType, err := pipeline.ParseJobType(fields["type"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	input := fields["input_path"].GetStringValue()
	if input == "" {
		return nil, status.Error(codes.InvalidArgument, "input_path is required")
	}

	var opts pipeline.Options
	if o := fields["options"].GetStructValue(); o != nil {
		data, err := json.Marshal(o.AsMap())
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		if err := json.Unmarshal(data, &opts); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "options: %v", err)
		}
	}

	job := pipeline.Job{
		ID:        pipeline.NewJobID(jobType),
		Type:      jobType,
		InputPath: input,
		Output:    fields["output"].GetStringValue(),
		Options:   opts,
	}
	if err := s.pipeline.Submit(job); err != nil {
		if errors.Is(err, pipeline.ErrQueueFull) {
			return nil, status.Error(codes.ResourceExhausted, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath, "source", "grpc")
	return structpb.NewStruct(map[string]any{"id": job.ID})
}

// Get returns the stored record of the job named by the "id" field, with its
// latest summary when the job has finished.
func (s *JobService) Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := req.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	rec, err := s.store.Job(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, status.Errorf(codes.NotFound, "job %s not found", id)
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	out := map[string]any{}
	if err := roundTrip(rec, &out); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if meta, err := s.store.JobMeta(id); err == nil {
		out["summary"] = meta
	}
	return structpb.NewStruct(out)
}

// roundTrip converts v into the JSON-shaped map structpb accepts.
func roundTrip(v any, out *map[string]any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
