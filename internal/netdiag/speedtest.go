// Package netdiag runs an on-demand network speed test and persists the
// result into the operational store's history; the control server returns
// the live reading, and History reads past runs back from the store.
package netdiag

import (
	"context"
	"fmt"
	"time"

	"github.com/lkaranl/keeper/internal/opstore"
	"github.com/showwin/speedtest-go/speedtest"
)

// Result is one completed diagnostic run.
type Result struct {
	DownloadMbps   float64
	UploadMbps     float64
	PingMs         int64
	ISP            string
	ServerName     string
	ServerLocation string
	Timestamp      time.Time
}

// Run performs a full speed test against the nearest available server and
// records it to store. ctx bounds the whole run; when the caller passes a
// context with no deadline, a 30-second timeout is applied as its limit.
func Run(ctx context.Context, store *opstore.Store) (Result, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	user, err := speedtest.FetchUserInfo()
	if err != nil {
		return Result{}, fmt.Errorf("netdiag: no internet connection: %w", err)
	}

	servers, err := speedtest.FetchServers()
	if err != nil {
		return Result{}, fmt.Errorf("netdiag: fetch servers: %w", err)
	}

	targets, err := servers.FindServer([]int{})
	if err != nil || len(targets) == 0 {
		return Result{}, fmt.Errorf("netdiag: no speed test servers available")
	}
	server := targets[0]

	if err := server.PingTestContext(ctx, nil); err != nil {
		return Result{}, classifyTimeout(ctx, "ping test", err)
	}
	if err := server.DownloadTestContext(ctx); err != nil {
		return Result{}, classifyTimeout(ctx, "download test", err)
	}
	if err := server.UploadTestContext(ctx); err != nil {
		return Result{}, classifyTimeout(ctx, "upload test", err)
	}

	result := Result{
		DownloadMbps:   float64(server.DLSpeed) / 1000 / 1000 * 8,
		UploadMbps:     float64(server.ULSpeed) / 1000 / 1000 * 8,
		PingMs:         server.Latency.Milliseconds(),
		ISP:            user.Isp,
		ServerName:     server.Name,
		ServerLocation: fmt.Sprintf("%s, %s", server.Name, server.Country),
		Timestamp:      time.Now().UTC(),
	}

	if store != nil {
		store.RecordSpeedTest(opstore.SpeedTestRecord{
			DownloadMbps:   result.DownloadMbps,
			UploadMbps:     result.UploadMbps,
			PingMs:         result.PingMs,
			ISP:            result.ISP,
			ServerName:     result.ServerName,
			ServerLocation: result.ServerLocation,
			Timestamp:      result.Timestamp,
		})
	}

	return result, nil
}

func classifyTimeout(ctx context.Context, stage string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("netdiag: %s timed out", stage)
	}
	return fmt.Errorf("netdiag: %s failed: %w", stage, err)
}

// History returns the most recent recorded speed test runs, newest first.
func History(store *opstore.Store, limit int) ([]opstore.SpeedTestRecord, error) {
	return store.SpeedTestHistory(limit)
}
