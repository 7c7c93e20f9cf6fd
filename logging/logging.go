// Package logging builds the zap loggers shared by every binary in this
// repository.
package logging

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

type Config struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is console or json.
	Format string `yaml:"format"`
}

func DefaultConfig() Config {
	return Config{Level: "info", Format: "console"}
}

// New builds a logger writing to stderr.
func New(cfg Config) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", cfg.Level)
	}

	var zc zap.Config
	switch cfg.Format {
	case "", "console":
		zc = zap.NewDevelopmentConfig()
		zc.Development = false
		zc.DisableStacktrace = true
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	case "json":
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, errors.Errorf("invalid log format %q", cfg.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Sampling = nil

	logger, err := zc.Build()
	if err != nil {
		return nil, errors.Wrap(err, "building logger")
	}
	return logger, nil
}

// ForRank tags every entry with the caller's place in the process group.
func ForRank(logger *zap.Logger, rank, worldSize int) *zap.Logger {
	return logger.With(zap.Int("rank", rank), zap.Int("world_size", worldSize))
}

// UnaryServerInterceptor logs each unary RPC at debug level.
func UnaryServerInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if ce := logger.Check(zap.DebugLevel, "rpc"); ce != nil {
			ce.Write(
				zap.String("method", info.FullMethod),
				zap.Duration("elapsed", time.Since(start)),
				zap.Stringer("code", status.Code(err)),
			)
		}
		return resp, err
	}
}

// StreamServerInterceptor logs each streaming RPC at debug level.
func StreamServerInterceptor(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		if ce := logger.Check(zap.DebugLevel, "stream"); ce != nil {
			ce.Write(
				zap.String("method", info.FullMethod),
				zap.Duration("elapsed", time.Since(start)),
				zap.Stringer("code", status.Code(err)),
			)
		}
		return err
	}
}
