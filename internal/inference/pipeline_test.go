package inference

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xrayscope/internal/safeio"
)

const testModelConfig = `{
  "architectures": ["ViTForImageClassification"],
  "id2label": {"0": "NORMAL", "1": "PNEUMONIA"}
}`

const testPreprocessorConfig = `{
  "do_resize": true,
  "size": {"height": 4, "width": 4},
  "resample": 2,
  "do_rescale": true,
  "rescale_factor": 0.00392156862745098,
  "do_normalize": true,
  "image_mean": [0.5, 0.5, 0.5],
  "image_std": [0.5, 0.5, 0.5]
}`

func writeSafetensors(t *testing.T, path string, dataBytes int) {
	t.Helper()
	header := []byte(`{"classifier.weight":{"dtype":"F32","shape":[2],"data_offsets":[0,` + itoa(dataBytes) + `]}}`)
	buf := make([]byte, 8, 8+len(header)+dataBytes)
	binary.LittleEndian.PutUint64(buf, uint64(len(header)))
	buf = append(buf, header...)
	buf = append(buf, make([]byte, dataBytes)...)
	require.NoError(t, os.WriteFile(path, buf, 0o644))
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func writeModelDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFilename), []byte(testModelConfig), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, preprocessorFilename), []byte(testPreprocessorConfig), 0o644))
	writeSafetensors(t, filepath.Join(dir, weightsFilename), 8)
	return dir
}

type countingBackend struct {
	calls int
	last  *Input
	out   *Output
	err   error
}

func (b *countingBackend) Forward(_ context.Context, in *Input) (*Output, error) {
	b.calls++
	b.last = in
	return b.out, b.err
}

func TestBuildPipelineRejectsOtherTasks(t *testing.T) {
	_, err := BuildPipeline(context.Background(), "text-classification", writeModelDir(t), "cpu", Options{Forward: &countingBackend{}})
	assert.ErrorIs(t, err, ErrUnsupportedTask)
}

func TestBuildPipelineDetectsTruncatedWeights(t *testing.T) {
	dir := writeModelDir(t)
	path := filepath.Join(dir, weightsFilename)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw[:len(raw)-3], 0o644))

	_, err = BuildPipeline(context.Background(), TaskImageClassification, dir, "cpu", Options{Forward: &countingBackend{}})
	assert.ErrorIs(t, err, ErrCorruptWeights)
}

func TestBuildPipelineMissingConfig(t *testing.T) {
	dir := writeModelDir(t)
	require.NoError(t, os.Remove(filepath.Join(dir, configFilename)))

	_, err := BuildPipeline(context.Background(), TaskImageClassification, dir, "cpu", Options{Forward: &countingBackend{}})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBuildPipelineMissingDirIsNotCreated(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "chest_xray_model")
	_, err := BuildPipeline(context.Background(), TaskImageClassification, dir, "cpu", Options{Forward: &countingBackend{}})
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NoDirExists(t, dir)
}

func TestBuildPipelineRejectsConfigOutsideDir(t *testing.T) {
	dir := writeModelDir(t)
	outside := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(outside, []byte(testModelConfig), 0o644))
	require.NoError(t, os.Remove(filepath.Join(dir, configFilename)))
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, configFilename)))

	_, err := BuildPipeline(context.Background(), TaskImageClassification, dir, "cpu", Options{Forward: &countingBackend{}})
	assert.ErrorIs(t, err, safeio.ErrOutsideRoot)
}

func TestBuildPipelineHTTPNeedsEndpoint(t *testing.T) {
	_, err := BuildPipeline(context.Background(), TaskImageClassification, writeModelDir(t), "cpu", Options{Backend: BackendHTTP})
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	_, err = BuildPipeline(context.Background(), TaskImageClassification, writeModelDir(t), "cpu", Options{Backend: "onnx"})
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestPipelineSoftmaxRanking(t *testing.T) {
	backend := &countingBackend{out: &Output{Values: []float32{0.1, 2.0}}}
	p, err := BuildPipeline(context.Background(), TaskImageClassification, writeModelDir(t), "", Options{Forward: backend})
	require.NoError(t, err)
	assert.Equal(t, "cpu", p.Device())
	assert.Equal(t, []string{"NORMAL", "PNEUMONIA"}, p.Labels())

	preds, err := Classify(context.Background(), p, solid(10, 6, color.Gray{Y: 200}))
	require.NoError(t, err)
	require.Len(t, preds, 2)
	assert.Equal(t, "PNEUMONIA", preds[0].Label)
	assert.InDelta(t, 0.8699, preds[0].Score, 1e-3)
	assert.InDelta(t, 1.0, preds[0].Score+preds[1].Score, 1e-9)

	require.Equal(t, 1, backend.calls)
	assert.Equal(t, []int{1, 3, 4, 4}, backend.last.Tensor.Shape)
	assert.Len(t, backend.last.Tensor.Data, 48)
}

func TestPipelineOutputLengthMismatch(t *testing.T) {
	backend := &countingBackend{out: &Output{Values: []float32{1, 2, 3}}}
	p, err := BuildPipeline(context.Background(), TaskImageClassification, writeModelDir(t), "cpu", Options{Forward: backend})
	require.NoError(t, err)

	_, err = p.Classify(context.Background(), solid(2, 2, color.White))
	assert.ErrorIs(t, err, ErrOutputLength)
}

func TestPipelineMalformedImageThenValid(t *testing.T) {
	backend := &countingBackend{out: &Output{Values: []float32{3, 1}}}
	p, err := BuildPipeline(context.Background(), TaskImageClassification, writeModelDir(t), "cpu", Options{Forward: backend})
	require.NoError(t, err)

	_, err = Classify(context.Background(), p, image.NewRGBA(image.Rect(0, 0, 0, 0)))
	require.Error(t, err)
	assert.Zero(t, backend.calls)

	preds, err := Classify(context.Background(), p, solid(3, 3, color.White))
	require.NoError(t, err)
	assert.Equal(t, "NORMAL", preds[0].Label)
}

func TestPipelineOverHTTP(t *testing.T) {
	var got forwardRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var body struct {
			ModelDir string    `json:"model_dir"`
			Device   string    `json:"device"`
			Shape    []int     `json:"shape"`
			Values   []float32 `json:"pixel_values"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got = forwardRequest{ModelDir: body.ModelDir, Device: body.Device, Tensor: &Tensor{Shape: body.Shape, Data: body.Values}}
		_ = json.NewEncoder(w).Encode(map[string]any{"logits": []float32{-1, 1}})
	}))
	defer srv.Close()

	dir := writeModelDir(t)
	p, err := BuildPipeline(context.Background(), TaskImageClassification, dir, "cuda", Options{Backend: BackendHTTP, Endpoint: srv.URL, TopK: 1})
	require.NoError(t, err)

	preds, err := p.Classify(context.Background(), solid(5, 5, color.Black))
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.Equal(t, "PNEUMONIA", preds[0].Label)
	assert.Equal(t, dir, got.ModelDir)
	assert.Equal(t, "cuda", got.Device)
	assert.Equal(t, []int{1, 3, 4, 4}, got.Shape)
	// black pixels normalize to -1
	assert.InDelta(t, -1.0, got.Data[0], 1e-6)
}

func TestHTTPBackendServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"CUDA out of memory"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPBackend(srv.URL, nil).Forward(context.Background(), &Input{Tensor: &Tensor{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CUDA out of memory")
}

func TestMultiLabelUsesSigmoid(t *testing.T) {
	dir := writeModelDir(t)
	cfg := `{"problem_type":"multi_label_classification","id2label":{"0":"Effusion","1":"Nodule"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFilename), []byte(cfg), 0o644))

	p, err := BuildPipeline(context.Background(), TaskImageClassification, dir, "cpu", Options{Forward: &countingBackend{out: &Output{Values: []float32{0, 0}}}})
	require.NoError(t, err)
	preds, err := p.Classify(context.Background(), solid(2, 2, color.White))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, preds[0].Score, 1e-9)
	assert.InDelta(t, 0.5, preds[1].Score, 1e-9)
	// ties keep label order
	assert.Equal(t, "Effusion", preds[0].Label)
}

func TestParseScoresRenormalizes(t *testing.T) {
	out, err := parseScores([]byte(`{"scores":{"pneumonia":0.6,"NORMAL":0.2}}`), []string{"NORMAL", "PNEUMONIA", "COVID"})
	require.NoError(t, err)
	assert.True(t, out.Probabilities)
	assert.InDelta(t, 0.25, out.Values[0], 1e-6)
	assert.InDelta(t, 0.75, out.Values[1], 1e-6)
	assert.Zero(t, out.Values[2])

	_, err = parseScores([]byte(`{"scores":{}}`), []string{"NORMAL"})
	assert.ErrorIs(t, err, ErrInvalidScores)
}

func TestLastJSONLine(t *testing.T) {
	out := []byte("loading weights...\nusing device cpu\n{\"logits\":[1,2]}\n")
	assert.Equal(t, `{"logits":[1,2]}`, string(lastJSONLine(out)))
}

func TestParsePreprocessorShapes(t *testing.T) {
	p, err := ParsePreprocessor([]byte(`{"size": 384}`))
	require.NoError(t, err)
	assert.Equal(t, 384, p.Height)
	assert.Equal(t, 384, p.Width)
	assert.True(t, p.DoNormalize)

	p, err = ParsePreprocessor([]byte(`{"size": {"shortest_edge": 8}, "do_center_crop": true, "crop_size": {"height": 6, "width": 6}}`))
	require.NoError(t, err)
	tensor, err := p.Apply(solid(16, 8, color.White))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 6, 6}, tensor.Shape)

	_, err = ParsePreprocessor([]byte(`{"image_std": [0, 1, 1]}`))
	assert.Error(t, err)
}

func TestParseModelConfigNeedsContiguousIDs(t *testing.T) {
	_, err := ParseModelConfig([]byte(`{"id2label":{"0":"NORMAL","2":"PNEUMONIA"}}`))
	assert.Error(t, err)

	cfg, err := ParseModelConfig([]byte(`{"id2label":{"1":"PNEUMONIA","0":"NORMAL"}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"NORMAL", "PNEUMONIA"}, cfg.Labels)
}
