package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PADAS/gundi-integration-ats-v2/internal/ats"
	"github.com/PADAS/gundi-integration-ats-v2/internal/config"
	"github.com/PADAS/gundi-integration-ats-v2/internal/retry"
	"github.com/PADAS/gundi-integration-ats-v2/internal/staging"
)

const integrationID = "integration-123"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(batchSize int) config.Config {
	return config.Config{
		Integrations: []config.Integration{{
			ID:   integrationID,
			Auth: &config.AuthConfig{Username: "ats-user", Password: "secret"},
			PullObservations: &config.PullConfig{
				DataEndpoint:          "https://ats.example.com/data",
				TransmissionsEndpoint: "https://ats.example.com/transmissions",
			},
			ProcessObservations: &config.ProcessConfig{ObservationsPerRequest: batchSize},
		}},
	}
}

func dataXML(rows ...string) []byte {
	return []byte(`<DataSet><diffgr:diffgram xmlns:diffgr="urn:schemas-microsoft-com:xml-diffgram-v1"><NewDataSet>` +
		strings.Join(rows, "") + `</NewDataSet></diffgr:diffgram></DataSet>`)
}

func locRow(serial, lon, lat, ts string) string {
	return fmt.Sprintf(`<Table><AtsSerialNum>%s</AtsSerialNum><Longitude>%s</Longitude><Latitude>%s</Latitude><DateYearAndJulian>%s</DateYearAndJulian></Table>`,
		serial, lon, lat, ts)
}

func txRow(serial, sent string, offset int) string {
	return fmt.Sprintf(`<Table><DateSent>%s</DateSent><CollarSerialNum>%s</CollarSerialNum><GmtOffset>%d</GmtOffset></Table>`,
		sent, serial, offset)
}

type fakeVendor struct {
	txPayload   []byte
	dataPayload []byte

	txFailuresLeft int
	failWith       error

	txCalls   int
	dataCalls int
}

func (f *fakeVendor) FetchTransmissions(_ context.Context, _, _, _, _ string) ([]byte, error) {
	f.txCalls++
	if f.txFailuresLeft > 0 {
		f.txFailuresLeft--
		return nil, f.failWith
	}
	return f.txPayload, nil
}

func (f *fakeVendor) FetchDataPoints(_ context.Context, _, _, _, _ string) ([]byte, error) {
	f.dataCalls++
	return f.dataPayload, nil
}

type fakeBlobs struct {
	objects  map[string][]byte
	metadata map[string]map[string]string
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string][]byte), metadata: make(map[string]map[string]string)}
}

func (f *fakeBlobs) Upload(_ context.Context, _ string, payload []byte, name string, metadata map[string]string) error {
	f.objects[name] = payload
	f.metadata[name] = metadata
	return nil
}

func (f *fakeBlobs) Download(_ context.Context, _, name string) ([]byte, error) {
	payload, ok := f.objects[name]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", name)
	}
	return payload, nil
}

type fakeTracker struct {
	registered    []string
	transitions   []staging.FileStatus
	transitionErr error
}

func (f *fakeTracker) Register(_ context.Context, _, filename string) error {
	f.registered = append(f.registered, filename)
	return nil
}

func (f *fakeTracker) Transition(_ context.Context, _, _ string, target staging.FileStatus) error {
	if f.transitionErr != nil {
		return f.transitionErr
	}
	f.transitions = append(f.transitions, target)
	return nil
}

type fakeDispatcher struct {
	batches    [][]Observation
	failOnCall int // 1-based call number to start failing at, 0 = never
	failWith   error
	calls      int
}

func (f *fakeDispatcher) PostObservations(_ context.Context, _ string, observations any) error {
	f.calls++
	if f.failOnCall > 0 && f.calls >= f.failOnCall {
		return f.failWith
	}
	f.batches = append(f.batches, observations.([]Observation))
	return nil
}

func fastRetry() Option {
	return WithRetryPolicy(retry.Policy{Attempts: 3, Delay: time.Millisecond, Retryable: ats.IsTransient})
}

func fixedIdentity() []Option {
	return []Option{
		WithClock(func() time.Time { return time.Date(2024, 3, 12, 6, 0, 0, 0, time.UTC) }),
		WithIDGenerator(func() string { return "0f4b" }),
	}
}

func newTestPipeline(cfg config.Config, vendor *fakeVendor, blobs *fakeBlobs, tracker *fakeTracker, dispatcher *fakeDispatcher, opts ...Option) *Pipeline {
	opts = append(append([]Option{fastRetry()}, fixedIdentity()...), opts...)
	return New(cfg, vendor, blobs, tracker, dispatcher, testLogger(), opts...)
}

func TestPullObservationsStagesBothPayloads(t *testing.T) {
	vendor := &fakeVendor{
		txPayload:   dataXMLTransmissions(),
		dataPayload: dataXML(locRow("052244", "-109.643", "40.8281", "2024-03-12T06:00:00")),
	}
	blobs := newFakeBlobs()
	tracker := &fakeTracker{}
	p := newTestPipeline(testConfig(200), vendor, blobs, tracker, &fakeDispatcher{})

	result, err := p.PullObservations(context.Background(), integrationID)
	require.NoError(t, err)
	assert.Equal(t, PullResult{ObservationsExtracted: 0}, result)

	txName := "20240312060000-0f4b_integration-123_transmissions.xml"
	dataName := "20240312060000-0f4b_integration-123_data_points.xml"

	require.Contains(t, blobs.objects, txName)
	require.Contains(t, blobs.objects, dataName)
	assert.Equal(t, map[string]string{
		"integration_id": integrationID,
		"ats_username":   "ats-user",
	}, blobs.metadata[txName])
	assert.Equal(t, map[string]string{
		"integration_id": integrationID,
		"ats_username":   "ats-user",
		"status":         "pending",
	}, blobs.metadata[dataName])

	// only the data-points file enters the staging lifecycle
	assert.Equal(t, []string{dataName}, tracker.registered)
}

func TestPullObservationsMissingAuthConfig(t *testing.T) {
	cfg := testConfig(200)
	cfg.Integrations[0].Auth = nil
	vendor := &fakeVendor{}
	p := newTestPipeline(cfg, vendor, newFakeBlobs(), &fakeTracker{}, &fakeDispatcher{})

	_, err := p.PullObservations(context.Background(), integrationID)
	require.ErrorIs(t, err, config.ErrConfigurationNotFound)
	assert.Zero(t, vendor.txCalls)
}

func TestPullObservationsUnknownIntegration(t *testing.T) {
	p := newTestPipeline(testConfig(200), &fakeVendor{}, newFakeBlobs(), &fakeTracker{}, &fakeDispatcher{})

	_, err := p.PullObservations(context.Background(), "missing")
	require.ErrorIs(t, err, config.ErrConfigurationNotFound)
}

func TestPullObservationsRetriesTransientFailures(t *testing.T) {
	vendor := &fakeVendor{
		txPayload:      dataXMLTransmissions(),
		dataPayload:    dataXML(),
		txFailuresLeft: 2,
		failWith:       &ats.StatusError{URL: "https://ats.example.com/transmissions", StatusCode: 503},
	}
	p := newTestPipeline(testConfig(200), vendor, newFakeBlobs(), &fakeTracker{}, &fakeDispatcher{})

	_, err := p.PullObservations(context.Background(), integrationID)
	require.NoError(t, err)
	assert.Equal(t, 3, vendor.txCalls)
}

func TestPullObservationsExhaustsRetries(t *testing.T) {
	vendor := &fakeVendor{
		txFailuresLeft: 10,
		failWith:       &ats.StatusError{URL: "https://ats.example.com/transmissions", StatusCode: 503},
	}
	p := newTestPipeline(testConfig(200), vendor, newFakeBlobs(), &fakeTracker{}, &fakeDispatcher{})

	_, err := p.PullObservations(context.Background(), integrationID)
	var status *ats.StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, 3, vendor.txCalls)
}

func TestPullObservationsDoesNotRetryMalformedPayload(t *testing.T) {
	vendor := &fakeVendor{
		txPayload:   dataXMLTransmissions(),
		dataPayload: []byte("<DataSet><unterminated"),
	}
	p := newTestPipeline(testConfig(200), vendor, newFakeBlobs(), &fakeTracker{}, &fakeDispatcher{})

	_, err := p.PullObservations(context.Background(), integrationID)
	var bad *ats.BadResponseError
	require.ErrorAs(t, err, &bad)
	assert.Equal(t, 1, vendor.dataCalls)
}

func dataXMLTransmissions() []byte {
	return dataXML(
		txRow("052244", "2024-03-12T08:00:00", -7),
		txRow("048871", "2024-03-12T09:00:00", 10),
	)
}

func stagedFile(blobs *fakeBlobs, data, transmissions []byte) string {
	name := "20240312060000-0f4b_integration-123_data_points.xml"
	blobs.objects[name] = data
	if transmissions != nil {
		blobs.objects["20240312060000-0f4b_integration-123_transmissions.xml"] = transmissions
	}
	return name
}

func TestProcessFileDispatchesCorrectedBatches(t *testing.T) {
	blobs := newFakeBlobs()
	filename := stagedFile(blobs,
		dataXML(
			locRow("052244", "-109.643", "40.8281", "2024-03-12T06:00:00"),
			locRow("052244", "-109.701", "40.8302", "2024-03-12T10:00:00"),
			locRow("048871", "151.209", "-33.865", "2024-03-12T20:00:00"),
		),
		dataXMLTransmissions(),
	)
	tracker := &fakeTracker{}
	dispatcher := &fakeDispatcher{}
	p := newTestPipeline(testConfig(2), &fakeVendor{}, blobs, tracker, dispatcher)

	count, err := p.ProcessFile(context.Background(), integrationID, filename)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	assert.Equal(t, []staging.FileStatus{staging.StatusInProgress, staging.StatusProcessed}, tracker.transitions)

	// devices are processed in sorted serial order; batch size 2 keeps
	// 048871's single record in its own batch
	require.Len(t, dispatcher.batches, 2)
	require.Len(t, dispatcher.batches[0], 1)
	require.Len(t, dispatcher.batches[1], 2)

	south := dispatcher.batches[0][0]
	assert.Equal(t, "048871", south.Source)
	assert.Equal(t, "048871", south.SourceName)
	assert.Equal(t, "tracking-device", south.Type)
	assert.Equal(t, Location{Lat: -33.865, Lon: 151.209}, south.Location)
	// 20:00 at UTC+10 is 10:00 UTC
	assert.True(t, south.RecordedAt.Equal(time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)))

	north := dispatcher.batches[1][0]
	// 06:00 at UTC-7 is 13:00 UTC
	assert.True(t, north.RecordedAt.Equal(time.Date(2024, 3, 12, 13, 0, 0, 0, time.UTC)))
}

func TestProcessFileWithoutTransmissionsUsesZeroOffset(t *testing.T) {
	blobs := newFakeBlobs()
	filename := stagedFile(blobs,
		dataXML(locRow("052244", "10", "10", "2024-03-12T06:00:00")),
		nil,
	)
	dispatcher := &fakeDispatcher{}
	p := newTestPipeline(testConfig(200), &fakeVendor{}, blobs, &fakeTracker{}, dispatcher)

	count, err := p.ProcessFile(context.Background(), integrationID, filename)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.Len(t, dispatcher.batches, 1)
	assert.True(t, dispatcher.batches[0][0].RecordedAt.Equal(time.Date(2024, 3, 12, 6, 0, 0, 0, time.UTC)))
}

func TestProcessFileCoercesInvalidOffset(t *testing.T) {
	blobs := newFakeBlobs()
	filename := stagedFile(blobs,
		dataXML(locRow("052244", "10", "10", "2024-03-12T06:00:00")),
		dataXML(txRow("052244", "2024-03-12T08:00:00", 720)),
	)
	dispatcher := &fakeDispatcher{}
	p := newTestPipeline(testConfig(200), &fakeVendor{}, blobs, &fakeTracker{}, dispatcher)

	_, err := p.ProcessFile(context.Background(), integrationID, filename)
	require.NoError(t, err)

	require.Len(t, dispatcher.batches, 1)
	assert.True(t, dispatcher.batches[0][0].RecordedAt.Equal(time.Date(2024, 3, 12, 6, 0, 0, 0, time.UTC)))
}

func TestProcessFileAbortsRemainingBatchesOnDispatchFailure(t *testing.T) {
	blobs := newFakeBlobs()
	filename := stagedFile(blobs,
		dataXML(
			locRow("052244", "10", "10", "2024-03-12T06:00:00"),
			locRow("052244", "10", "10", "2024-03-12T07:00:00"),
			locRow("052244", "10", "10", "2024-03-12T08:00:00"),
			locRow("052244", "10", "10", "2024-03-12T09:00:00"),
		),
		nil,
	)
	tracker := &fakeTracker{}
	dispatcher := &fakeDispatcher{
		failOnCall: 2,
		failWith:   &ats.StatusError{URL: "https://sensors.example.com", StatusCode: 502},
	}
	p := newTestPipeline(testConfig(2), &fakeVendor{}, blobs, tracker, dispatcher)

	_, err := p.ProcessFile(context.Background(), integrationID, filename)
	var status *ats.StatusError
	require.ErrorAs(t, err, &status)

	// first batch delivered, second exhausted its retries, nothing after
	require.Len(t, dispatcher.batches, 1)
	assert.Equal(t, 1+3, dispatcher.calls)

	// file never reaches processed
	assert.Equal(t, []staging.FileStatus{staging.StatusInProgress}, tracker.transitions)
}

func TestProcessFileMalformedStagedPayload(t *testing.T) {
	blobs := newFakeBlobs()
	filename := stagedFile(blobs, []byte("<DataSet><unterminated"), nil)
	p := newTestPipeline(testConfig(200), &fakeVendor{}, blobs, &fakeTracker{}, &fakeDispatcher{})

	_, err := p.ProcessFile(context.Background(), integrationID, filename)
	var bad *ats.BadResponseError
	require.ErrorAs(t, err, &bad)
}

func TestReprocessFileSuccess(t *testing.T) {
	rows := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		rows = append(rows, locRow("052244", "10", "10", fmt.Sprintf("2024-03-12T%02d:00:00", i)))
	}
	blobs := newFakeBlobs()
	filename := stagedFile(blobs, dataXML(rows...), nil)
	p := newTestPipeline(testConfig(200), &fakeVendor{}, blobs, &fakeTracker{}, &fakeDispatcher{})

	result := p.ReprocessFile(context.Background(), integrationID, filename)
	assert.Equal(t, ReprocessResult{ObservationsProcessed: 10}, result)
}

func TestReprocessFileTransitionFailure(t *testing.T) {
	blobs := newFakeBlobs()
	stagedFile(blobs, dataXML(), nil)
	tracker := &fakeTracker{transitionErr: errors.New("Test exception")}
	p := newTestPipeline(testConfig(200), &fakeVendor{}, blobs, tracker, &fakeDispatcher{})

	result := p.ReprocessFile(context.Background(), integrationID, "test_file.xml")
	assert.Equal(t, ReprocessResult{
		ObservationsProcessed: 0,
		Message:               "Reprocess for file 'test_file.xml' failed. Error: Test exception.",
	}, result)
}

func TestBatchesPartitionPreservingOrder(t *testing.T) {
	obs := make([]Observation, 5)
	for i := range obs {
		obs[i].Source = fmt.Sprintf("dev-%d", i)
	}

	parts := batches(obs, 2)
	require.Len(t, parts, 3)
	assert.Len(t, parts[0], 2)
	assert.Len(t, parts[1], 2)
	assert.Len(t, parts[2], 1)
	assert.Equal(t, "dev-0", parts[0][0].Source)
	assert.Equal(t, "dev-4", parts[2][0].Source)

	assert.Empty(t, batches(nil, 2))
}
