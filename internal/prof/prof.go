package prof

import (
	"context"
	"maps"
	"runtime"
	"time"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	TenantID      string
	// Tags label every profile, typically with the deployment id so runs
	// against different sites can be told apart.
	Tags map[string]string
	// UploadRate defaults to 15s. A deploy run is short, so anything longer
	// leaves only the final flush on stop.
	UploadRate           time.Duration
	ProfileMutexFraction int
	BlockProfileRate     int
}

// Start begins continuous profiling. The returned stop func flushes the last
// profile and is always safe to call, even when err is non-nil.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)

	if !opts.Enabled {
		L.Debug(ctx, "pyroscope disabled")
		return func() {}, nil
	}

	if opts.ServerAddress == "" {
		err := xerrors.Newf("invalid server address (%q)", opts.ServerAddress)
		L.Error(ctx, err, "pyroscope options")
		return func() {}, err
	}
	if opts.AppName == "" {
		opts.AppName = "sitedeploy"
	}
	if opts.UploadRate <= 0 {
		opts.UploadRate = 15 * time.Second
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}
	cfg := pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            maps.Clone(opts.Tags),
		UploadRate:      opts.UploadRate,
		ProfileTypes:    profileTypes(opts),
	}

	profiler, err := pyroscope.Start(cfg)
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed",
			"server_address", opts.ServerAddress,
			"app_name", opts.AppName,
		)
		return func() {}, err
	}

	L.Info(ctx, "pyroscope started",
		"server_address", opts.ServerAddress,
		"app_name", opts.AppName,
	)

	return func() {
		if err := profiler.Stop(); err != nil {
			L.Warn(context.Background(), "pyroscope stop", "err", err)
			return
		}
		L.Debug(context.Background(), "pyroscope stopped", "app_name", opts.AppName)
	}, nil
}

// profileTypes keeps CPU, allocation and goroutine profiles, which cover
// hashing and upload fan-out. Mutex and block profiles are added only when
// their sampling rates are set, since they are empty otherwise.
func profileTypes(opts Options) []pyroscope.ProfileType {
	types := []pyroscope.ProfileType{
		pyroscope.ProfileCPU,
		pyroscope.ProfileAllocObjects,
		pyroscope.ProfileAllocSpace,
		pyroscope.ProfileInuseSpace,
		pyroscope.ProfileGoroutines,
	}
	if opts.ProfileMutexFraction > 0 {
		types = append(types, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration)
	}
	if opts.BlockProfileRate > 0 {
		types = append(types, pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration)
	}
	return types
}
