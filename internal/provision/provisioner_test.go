package provision

import (
	"context"
	"errors"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xrayscope/internal/apperr"
	"xrayscope/internal/artifact"
	"xrayscope/internal/fetch"
	"xrayscope/internal/inference"
)

// fakeFetcher serves fixed content per artifact and counts every call.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	order   []string
	fail    map[string]error
	content map[string]string
	short   map[string]bool
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		calls: map[string]int{},
		fail:  map[string]error{},
		content: map[string]string{
			artifact.ConfigFile:       `{"id2label":{"0":"NORMAL","1":"PNEUMONIA"}}`,
			artifact.WeightsFile:      "weights",
			artifact.PreprocessorFile: `{"size":224}`,
		},
		short: map[string]bool{},
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, spec artifact.Spec) (*fetch.Download, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[spec.Name]++
	f.order = append(f.order, spec.Name)
	if err := f.fail[spec.Name]; err != nil {
		return nil, err
	}
	body := f.content[spec.Name]
	size := int64(len(body))
	if f.short[spec.Name] {
		size += 10
	}
	return &fetch.Download{Body: io.NopCloser(strings.NewReader(body)), Source: "fake", Size: size}, nil
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingNotifier) Notify(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingNotifier) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Message)
	}
	return out
}

type stubClassifier struct{ dir string }

func (s *stubClassifier) Classify(context.Context, image.Image) ([]inference.Prediction, error) {
	return []inference.Prediction{{Label: "NORMAL", Score: 1}}, nil
}

func countingBuilder(n *int) Builder {
	return func(_ context.Context, dir string) (inference.Classifier, error) {
		*n++
		return &stubClassifier{dir: dir}, nil
	}
}

func newTestProvisioner(t *testing.T, dir string, f fetch.Fetcher, b Builder, n Notifier) *Provisioner {
	t.Helper()
	set, err := artifact.NewSet(dir, artifact.DefaultSpecs())
	require.NoError(t, err)
	p, err := New(Config{Set: set, Fetcher: f, Builder: b, Notifier: n})
	require.NoError(t, err)
	return p
}

func TestEnsureReadyEmptyDirFetchesEachSpecOnce(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "chest_xray_model")
	f := newFakeFetcher()
	builds := 0
	notes := &recordingNotifier{}
	p := newTestProvisioner(t, dir, f, countingBuilder(&builds), notes)

	c, err := p.EnsureReady(context.Background())
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.Equal(t, []string{artifact.ConfigFile, artifact.WeightsFile, artifact.PreprocessorFile}, f.order)
	for name, n := range f.calls {
		assert.Equal(t, 1, n, name)
	}
	assert.Equal(t, dir, c.(*stubClassifier).dir)
	assert.Equal(t, []string{
		"Downloading config.json...",
		"Downloading model.safetensors...",
		"Downloading preprocessor_config.json...",
		MsgLoaded,
	}, notes.messages())
}

func TestEnsureReadyIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	f := newFakeFetcher()
	builds := 0
	p := newTestProvisioner(t, dir, f, countingBuilder(&builds), nil)

	first, err := p.EnsureReady(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, f.total())

	second, err := p.EnsureReady(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, f.total(), "present files must not be fetched again")
	assert.Equal(t, first.(*stubClassifier).dir, second.(*stubClassifier).dir)

	// a fresh provisioner over the same directory also fetches nothing
	again := newTestProvisioner(t, dir, f, countingBuilder(&builds), nil)
	rep, err := again.Sync(context.Background())
	require.NoError(t, err)
	assert.Len(t, rep.Skipped, 3)
	assert.Empty(t, rep.Fetched)
	assert.Equal(t, 3, f.total())
}

func TestPartialFailureIsTotalFailure(t *testing.T) {
	dir := t.TempDir()
	f := newFakeFetcher()
	quota := errors.New("quota exceeded")
	f.fail[artifact.WeightsFile] = quota
	builds := 0
	notes := &recordingNotifier{}
	p := newTestProvisioner(t, dir, f, countingBuilder(&builds), notes)

	c, err := p.EnsureReady(context.Background())
	require.Error(t, err)
	assert.Nil(t, c)
	assert.Zero(t, builds, "no capability may be built from a partial set")

	assert.True(t, apperr.IsProvision(err))
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, []string{artifact.WeightsFile}, ae.Artifacts)
	var missing *apperr.MissingArtifactsError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{artifact.WeightsFile}, missing.Names)
	assert.ErrorIs(t, err, quota)

	// the other two were still fetched and are on disk
	assert.Equal(t, 3, f.total())
	assert.FileExists(t, filepath.Join(dir, artifact.ConfigFile))
	assert.FileExists(t, filepath.Join(dir, artifact.PreprocessorFile))
	assert.NoFileExists(t, filepath.Join(dir, artifact.WeightsFile))

	msgs := notes.messages()
	assert.Contains(t, msgs, "Failed to download: model.safetensors")
	assert.Equal(t, MsgUnavailable, msgs[len(msgs)-1])
	assert.NotContains(t, msgs, MsgLoaded)
}

func TestRetryAfterPartialFailureFetchesOnlyMissing(t *testing.T) {
	dir := t.TempDir()
	f := newFakeFetcher()
	f.fail[artifact.WeightsFile] = errors.New("timeout")
	builds := 0
	p := newTestProvisioner(t, dir, f, countingBuilder(&builds), nil)
	_, err := p.EnsureReady(context.Background())
	require.Error(t, err)

	delete(f.fail, artifact.WeightsFile)
	_, err = p.EnsureReady(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, f.calls[artifact.WeightsFile])
	assert.Equal(t, 1, f.calls[artifact.ConfigFile])
	assert.Equal(t, 1, builds)
}

func TestTruncatedDownloadIsNotInstalled(t *testing.T) {
	dir := t.TempDir()
	f := newFakeFetcher()
	f.short[artifact.WeightsFile] = true
	p := newTestProvisioner(t, dir, f, countingBuilder(new(int)), nil)

	rep, err := p.Sync(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, rep.Failed[artifact.WeightsFile], ErrTruncated)
	assert.NoFileExists(t, filepath.Join(dir, artifact.WeightsFile))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".part"), e.Name())
	}
}

func TestEmptyFileIsRefetched(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, artifact.ConfigFile), nil, 0o644))
	f := newFakeFetcher()
	p := newTestProvisioner(t, dir, f, countingBuilder(new(int)), nil)

	rep, err := p.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{artifact.ConfigFile}, rep.Discarded)
	assert.Equal(t, 1, f.calls[artifact.ConfigFile])
}

func TestAbsentFilesAreFetchedWithoutDiscard(t *testing.T) {
	p := newTestProvisioner(t, t.TempDir(), newFakeFetcher(), countingBuilder(new(int)), nil)

	rep, err := p.Sync(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Discarded)
	assert.Len(t, rep.Fetched, 3)
}

func TestStalePartsAreRemoved(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "model.safetensors.123.part")
	require.NoError(t, os.WriteFile(stale, []byte("half"), 0o644))
	p := newTestProvisioner(t, dir, newFakeFetcher(), countingBuilder(new(int)), nil)

	rep, err := p.Sync(context.Background())
	require.NoError(t, err)
	assert.Len(t, rep.Removed, 1)
	assert.NoFileExists(t, stale)
}

func TestBuilderFailureIsProvisionError(t *testing.T) {
	p := newTestProvisioner(t, t.TempDir(), newFakeFetcher(), func(context.Context, string) (inference.Classifier, error) {
		return nil, errors.New("config.json: id2label is empty")
	}, nil)

	c, err := p.EnsureReady(context.Background())
	assert.Nil(t, c)
	require.Error(t, err)
	assert.True(t, apperr.IsProvision(err))
	assert.Contains(t, err.Error(), "id2label")
}

func TestPanicDuringProvisioningIsProvisionError(t *testing.T) {
	p := newTestProvisioner(t, t.TempDir(), newFakeFetcher(), func(context.Context, string) (inference.Classifier, error) {
		panic("out of memory")
	}, nil)

	c, err := p.EnsureReady(context.Background())
	assert.Nil(t, c)
	require.Error(t, err)
	assert.True(t, apperr.IsProvision(err))
}

type recordingPublisher struct {
	published []string
}

func (r *recordingPublisher) Name() string { return "mirror:test" }

func (r *recordingPublisher) Publish(_ context.Context, spec artifact.Spec, localPath string) error {
	if _, err := os.Stat(localPath); err != nil {
		return err
	}
	r.published = append(r.published, spec.Name)
	return nil
}

func TestFetchedArtifactsArePublished(t *testing.T) {
	set, err := artifact.NewSet(t.TempDir(), artifact.DefaultSpecs())
	require.NoError(t, err)
	pub := &recordingPublisher{}
	p, err := New(Config{Set: set, Fetcher: newFakeFetcher(), Publisher: pub, Builder: countingBuilder(new(int))})
	require.NoError(t, err)

	_, err = p.Sync(context.Background())
	require.NoError(t, err)
	assert.Len(t, pub.published, 3)
}

func TestNewRequiresSetAndFetcher(t *testing.T) {
	_, err := New(Config{Fetcher: newFakeFetcher()})
	assert.Error(t, err)

	set, err := artifact.NewSet(t.TempDir(), artifact.DefaultSpecs())
	require.NoError(t, err)
	_, err = New(Config{Set: set})
	assert.Error(t, err)
}
