// Package backbone serves a frozen pretrained network through an ONNX
// runtime session and exposes it as a batched feature extractor. The
// backbone's weights never change; "fine-tuning" in this tool trains the
// classifier head only.
package backbone

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// Metadata is the JSON sidecar exported with the ONNX model: shapes include
// the fixed batch dimension.
type Metadata struct {
	Name        string  `json:"name"`
	InputShape  []int64 `json:"input_shape"`  // e.g. [32, 3, 160, 160]
	OutputShape []int64 `json:"output_shape"` // e.g. [32, 12800]
	ImageSize   int     `json:"image_size"`
}

func (m Metadata) validate() error {
	if len(m.InputShape) != 4 {
		return errors.Errorf("backbone: input shape must be rank 4, got %v", m.InputShape)
	}
	if len(m.OutputShape) != 2 {
		return errors.Errorf("backbone: output shape must be rank 2, got %v", m.OutputShape)
	}
	if m.InputShape[0] != m.OutputShape[0] {
		return errors.Errorf("backbone: batch mismatch between %v and %v", m.InputShape, m.OutputShape)
	}
	return nil
}

// Extractor owns the ONNX session and its pre-allocated input/output
// tensors.
type Extractor struct {
	session *ort.AdvancedSession
	meta    Metadata

	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]

	batch    int // fixed session batch size
	perImage int // values per image (3 * size * size)
	features int // feature vector width per image
}

// New loads the metadata sidecar, allocates the session tensors and creates
// the session.
func New(modelPath, metadataPath string) (*Extractor, error) {
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, errors.Wrap(err, "backbone: initializing ONNX environment")
	}

	raw, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, errors.Wrap(err, "backbone: reading metadata")
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, errors.Wrap(err, "backbone: parsing metadata")
	}
	if err := meta.validate(); err != nil {
		return nil, err
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		return nil, errors.Wrap(err, "backbone: creating input tensor")
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, errors.Wrap(err, "backbone: creating output tensor")
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"output"},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, errors.Wrap(err, "backbone: creating session")
	}

	per := int(meta.InputShape[1] * meta.InputShape[2] * meta.InputShape[3])
	return &Extractor{
		session:      session,
		meta:         meta,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		batch:        int(meta.InputShape[0]),
		perImage:     per,
		features:     int(meta.OutputShape[1]),
	}, nil
}

func (e *Extractor) Name() string     { return e.meta.Name }
func (e *Extractor) FeatureSize() int { return e.features }
func (e *Extractor) BatchSize() int   { return e.batch }
func (e *Extractor) ImageSize() int   { return e.meta.ImageSize }

// Extract runs n images (CHW float64, n*perImage values) through the frozen
// network and returns n*FeatureSize feature values. n may be smaller than
// the session batch; the tail of the input tensor is zeroed and the padded
// rows are discarded.
func (e *Extractor) Extract(images []float64, n int) ([]float64, error) {
	if n < 1 || n > e.batch {
		return nil, errors.Errorf("backbone: batch of %d images, session takes 1..%d", n, e.batch)
	}
	if len(images) != n*e.perImage {
		return nil, errors.Errorf("backbone: expected %d values for %d images, got %d", n*e.perImage, n, len(images))
	}

	in := e.inputTensor.GetData()
	for i, v := range images {
		in[i] = float32(v)
	}
	for i := len(images); i < len(in); i++ {
		in[i] = 0
	}

	if err := e.session.Run(); err != nil {
		return nil, errors.Wrap(err, "backbone: inference failed")
	}

	raw := e.outputTensor.GetData()
	out := make([]float64, n*e.features)
	for i := range out {
		out[i] = float64(raw[i])
	}
	return out, nil
}

// Close releases the session and its tensors.
func (e *Extractor) Close() {
	if e.inputTensor != nil {
		e.inputTensor.Destroy()
	}
	if e.outputTensor != nil {
		e.outputTensor.Destroy()
	}
	if e.session != nil {
		e.session.Destroy()
	}
	ort.DestroyEnvironment()
}
