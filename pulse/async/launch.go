package async

import "context"

// LaunchRequest asks for a job to be created from an input file and run
// in the background
type LaunchRequest struct {
	JobID          string   // "" = generate one
	Input          string   // path of the input CSV
	SubscriptionID string   // "" for manual jobs
	BatchSize      int      // 0 = configured default
	Observer       Observer // optional; sees every transition of this run
}

// Launcher creates and starts jobs
type Launcher interface {
	LaunchJob(ctx context.Context, req LaunchRequest) (*Job, error)
}
