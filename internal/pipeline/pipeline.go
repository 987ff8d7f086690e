// Package pipeline orchestrates the connector actions: pulling raw
// payloads from ATS into staged blobs, and processing staged files into
// observation batches for the sensors API. One run per integration is
// sequential; independent integrations may run concurrently because the
// pipeline keeps no mutable state beyond its injected collaborators.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PADAS/gundi-integration-ats-v2/internal/ats"
	"github.com/PADAS/gundi-integration-ats-v2/internal/config"
	"github.com/PADAS/gundi-integration-ats-v2/internal/observability"
	"github.com/PADAS/gundi-integration-ats-v2/internal/retry"
	"github.com/PADAS/gundi-integration-ats-v2/internal/staging"
	"github.com/PADAS/gundi-integration-ats-v2/internal/timefix"
)

const (
	dataPointsSuffix    = "_data_points.xml"
	transmissionsSuffix = "_transmissions.xml"

	retryAttempts = 3
	retryDelay    = 10 * time.Second
)

// VendorClient fetches raw payloads from the ATS endpoints.
type VendorClient interface {
	FetchDataPoints(ctx context.Context, integrationID, endpoint, username, password string) ([]byte, error)
	FetchTransmissions(ctx context.Context, integrationID, endpoint, username, password string) ([]byte, error)
}

// BlobStorage persists and retrieves staged payloads.
type BlobStorage interface {
	Upload(ctx context.Context, integrationID string, payload []byte, name string, metadata map[string]string) error
	Download(ctx context.Context, integrationID, name string) ([]byte, error)
}

// Dispatcher delivers observation batches downstream.
type Dispatcher interface {
	PostObservations(ctx context.Context, integrationID string, observations any) error
}

// FileTracker is the staging state machine surface the pipeline needs.
type FileTracker interface {
	Register(ctx context.Context, integrationID, filename string) error
	Transition(ctx context.Context, integrationID, filename string, target staging.FileStatus) error
}

type Pipeline struct {
	cfg        config.Config
	vendor     VendorClient
	blobs      BlobStorage
	tracker    FileTracker
	dispatcher Dispatcher
	log        *slog.Logger

	policy retry.Policy
	now    func() time.Time
	newID  func() string
}

// Option tunes a Pipeline, mainly for tests.
type Option func(*Pipeline)

// WithRetryPolicy overrides the default 3-attempt fixed-delay policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(pl *Pipeline) { pl.policy = p }
}

// WithClock overrides the wall clock used for staged file names.
func WithClock(now func() time.Time) Option {
	return func(pl *Pipeline) { pl.now = now }
}

// WithIDGenerator overrides the unique-suffix generator for staged names.
func WithIDGenerator(gen func() string) Option {
	return func(pl *Pipeline) { pl.newID = gen }
}

func New(cfg config.Config, vendor VendorClient, blobs BlobStorage, tracker FileTracker, dispatcher Dispatcher, log *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:        cfg,
		vendor:     vendor,
		blobs:      blobs,
		tracker:    tracker,
		dispatcher: dispatcher,
		log:        log,
		policy: retry.Policy{
			Attempts:  retryAttempts,
			Delay:     retryDelay,
			Retryable: ats.IsTransient,
		},
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PullResult is the pull-observations action outcome.
type PullResult struct {
	ObservationsExtracted int `json:"observations_extracted"`
}

// ProcessResult is the process-observations action outcome.
type ProcessResult struct {
	ObservationsProcessed int `json:"observations_processed"`
}

// ReprocessResult is the reprocess-file action outcome.
type ReprocessResult struct {
	ObservationsProcessed int    `json:"observations_processed"`
	Message               string `json:"message,omitempty"`
}

// PullObservations fetches both vendor endpoints, stages the raw payloads
// in blob storage and registers the data-points file as pending. Transient
// transport failures are retried; missing configuration and malformed
// payloads fail immediately.
func (p *Pipeline) PullObservations(ctx context.Context, integrationID string) (PullResult, error) {
	integration, err := p.cfg.Integration(integrationID)
	if err != nil {
		return PullResult{}, err
	}
	auth, err := integration.AuthConfig()
	if err != nil {
		return PullResult{}, err
	}
	pull, err := integration.PullConfig()
	if err != nil {
		return PullResult{}, err
	}

	prefix := fmt.Sprintf("%s-%s", p.now().UTC().Format("20060102150405"), p.newID())
	transmissionsName := fmt.Sprintf("%s_%s%s", prefix, integrationID, transmissionsSuffix)
	dataPointsName := fmt.Sprintf("%s_%s%s", prefix, integrationID, dataPointsSuffix)

	err = p.policy.Do(ctx, func(ctx context.Context) error {
		observability.VendorFetches.WithLabelValues("transmissions").Inc()
		rawTransmissions, err := p.vendor.FetchTransmissions(ctx, integrationID, pull.TransmissionsEndpoint, auth.Username, auth.Password)
		if err != nil {
			observability.VendorFetchErrors.WithLabelValues("transmissions").Inc()
			return err
		}
		// Validate before staging so a protocol change is caught at pull
		// time instead of poisoning the processing queue.
		if _, err := ats.ParseTransmissions(rawTransmissions, integrationID, pull.TransmissionsEndpoint, p.log); err != nil {
			observability.ParseErrors.Inc()
			return err
		}
		if err := p.blobs.Upload(ctx, integrationID, rawTransmissions, transmissionsName, map[string]string{
			"integration_id": integrationID,
			"ats_username":   auth.Username,
		}); err != nil {
			return err
		}

		observability.VendorFetches.WithLabelValues("data_points").Inc()
		rawDataPoints, err := p.vendor.FetchDataPoints(ctx, integrationID, pull.DataEndpoint, auth.Username, auth.Password)
		if err != nil {
			observability.VendorFetchErrors.WithLabelValues("data_points").Inc()
			return err
		}
		if _, err := ats.ParseLocations(rawDataPoints, integrationID, pull.DataEndpoint, p.log); err != nil {
			observability.ParseErrors.Inc()
			return err
		}
		if err := p.blobs.Upload(ctx, integrationID, rawDataPoints, dataPointsName, map[string]string{
			"integration_id": integrationID,
			"ats_username":   auth.Username,
			"status":         string(staging.StatusPending),
		}); err != nil {
			return err
		}

		if err := p.tracker.Register(ctx, integrationID, dataPointsName); err != nil {
			return err
		}
		observability.FilesStaged.Inc()
		return nil
	})
	if err != nil {
		p.log.Error(fmt.Sprintf("Error fetching data points/transmissions from ATS. Integration ID: %s", integrationID),
			slog.Bool("attention_needed", true),
			slog.String("integration_id", integrationID),
			slog.Any("error", err),
		)
		return PullResult{}, err
	}

	p.log.Info("observations pulled with success", slog.String("integration_id", integrationID))
	return PullResult{}, nil
}

// ProcessFile turns one staged data-points file into dispatched
// observation batches. Returns the number of observations processed. A
// batch that exhausts its retries aborts the remaining batches;
// already-dispatched batches stand (at-least-once delivery).
func (p *Pipeline) ProcessFile(ctx context.Context, integrationID, filename string) (int, error) {
	start := time.Now()
	defer observability.ObserveProcessLatency(start)

	integration, err := p.cfg.Integration(integrationID)
	if err != nil {
		return 0, err
	}
	processCfg := integration.ProcessConfig()

	if err := p.tracker.Transition(ctx, integrationID, filename, staging.StatusInProgress); err != nil {
		observability.StateMoveErrors.Inc()
		return 0, err
	}
	observability.StateMoves.WithLabelValues(string(staging.StatusInProgress)).Inc()

	rawDataPoints, err := p.blobs.Download(ctx, integrationID, filename)
	if err != nil {
		return 0, err
	}
	perDevice, err := ats.ParseLocations(rawDataPoints, integrationID, filename, p.log)
	if err != nil {
		observability.ParseErrors.Inc()
		return 0, err
	}

	transmissions := p.loadTransmissions(ctx, integrationID, filename)
	offsets := timefix.DeriveOffsets(transmissions, integrationID, p.log)
	p.log.Info("derived GMT offsets",
		slog.String("integration_id", integrationID), slog.Int("devices", len(offsets)))

	serials := make([]string, 0, len(perDevice))
	for serial := range perDevice {
		serials = append(serials, serial)
	}
	sort.Strings(serials)

	processed := 0
	for _, serial := range serials {
		rawOffset := offsets[serial]
		offset := timefix.ClampOffset(serial, rawOffset, integrationID, p.log)
		if offset != rawOffset {
			observability.InvalidOffsets.Inc()
		}

		observations := Transform(serial, perDevice[serial], offset)
		for i, batch := range batches(observations, processCfg.ObservationsPerRequest) {
			p.log.Info("sending observations batch",
				slog.Int("batch", i),
				slog.Int("size", len(batch)),
				slog.String("device", serial),
			)
			err := p.policy.Do(ctx, func(ctx context.Context) error {
				return p.dispatcher.PostObservations(ctx, integrationID, batch)
			})
			if err != nil {
				observability.DispatchErrors.Inc()
				p.log.Error(fmt.Sprintf("Sensors API returned error for integration_id: %s", integrationID),
					slog.Bool("attention_needed", true),
					slog.String("integration_id", integrationID),
					slog.Any("error", err),
				)
				return processed, err
			}
			observability.BatchesDispatched.Inc()
			observability.ObservationsDispatched.Add(float64(len(batch)))
		}
		processed += len(observations)
	}

	if err := p.tracker.Transition(ctx, integrationID, filename, staging.StatusProcessed); err != nil {
		observability.StateMoveErrors.Inc()
		return processed, err
	}
	observability.StateMoves.WithLabelValues(string(staging.StatusProcessed)).Inc()
	return processed, nil
}

// ProcessObservations is the process action wrapper around ProcessFile.
func (p *Pipeline) ProcessObservations(ctx context.Context, integrationID, filename string) (ProcessResult, error) {
	n, err := p.ProcessFile(ctx, integrationID, filename)
	if err != nil {
		return ProcessResult{}, err
	}
	return ProcessResult{ObservationsProcessed: n}, nil
}

// ReprocessFile runs the full processing pipeline against a staged file
// regardless of its tracked state. Failures, including state-transition
// failures, are reported in the result instead of propagating.
func (p *Pipeline) ReprocessFile(ctx context.Context, integrationID, filename string) ReprocessResult {
	n, err := p.ProcessFile(ctx, integrationID, filename)
	if err != nil {
		p.log.Error("reprocess failed",
			slog.String("integration_id", integrationID),
			slog.String("filename", filename),
			slog.Any("error", err),
		)
		return ReprocessResult{
			ObservationsProcessed: 0,
			Message:               fmt.Sprintf("Reprocess for file '%s' failed. Error: %v.", filename, err),
		}
	}
	return ReprocessResult{ObservationsProcessed: n}
}

// loadTransmissions fetches the sibling transmissions payload staged in
// the same pull cycle. A missing or unreadable payload degrades to "no
// transmissions" (offset 0 everywhere) rather than failing the file.
func (p *Pipeline) loadTransmissions(ctx context.Context, integrationID, dataPointsName string) []ats.TransmissionRecord {
	if !strings.HasSuffix(dataPointsName, dataPointsSuffix) {
		p.log.Warn("staged file has no transmissions sibling",
			slog.String("integration_id", integrationID), slog.String("filename", dataPointsName))
		return nil
	}
	name := strings.TrimSuffix(dataPointsName, dataPointsSuffix) + transmissionsSuffix

	raw, err := p.blobs.Download(ctx, integrationID, name)
	if err != nil {
		p.log.Warn("could not load transmissions payload",
			slog.String("integration_id", integrationID),
			slog.String("filename", name),
			slog.Any("error", err),
		)
		return nil
	}
	transmissions, err := ats.ParseTransmissions(raw, integrationID, name, p.log)
	if err != nil {
		observability.ParseErrors.Inc()
		return nil
	}
	return transmissions
}
