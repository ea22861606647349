package models

import (
	"encoding/gob"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Artifact kinds.
const (
	KindSimple = "simple"
	KindHead   = "head"
)

// Manifest describes a saved model, next to its weights. It plays the role
// of the metadata sidecar the backbone models carry.
type Manifest struct {
	Kind        string `json:"kind"`
	Backbone    string `json:"backbone,omitempty"`
	InputSize   int    `json:"input_size"`
	FeatureSize int    `json:"feature_size,omitempty"`
	Phase       string `json:"phase,omitempty"`
	Epochs      int    `json:"epochs"`
	RunID       string `json:"run_id,omitempty"`
}

const (
	manifestFile = "manifest.json"
	weightsFile  = "weights.gob"
)

type savedTensor struct {
	Shape []int
	Data  []float64
}

// Save writes the manifest and weights into dir, creating it if needed.
func Save(dir string, m Manifest, w *Weights) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "models: creating %s", dir)
	}

	mf, err := os.Create(filepath.Join(dir, manifestFile))
	if err != nil {
		return errors.Wrap(err, "models: creating manifest")
	}
	defer mf.Close()
	enc := json.NewEncoder(mf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return errors.Wrap(err, "models: encoding manifest")
	}

	saved := make(map[string]savedTensor, len(w.Names))
	for _, name := range w.Names {
		d := w.ByName[name]
		saved[name] = savedTensor{
			Shape: append([]int{}, d.Shape()...),
			Data:  append([]float64{}, d.Data().([]float64)...),
		}
	}

	wf, err := os.Create(filepath.Join(dir, weightsFile))
	if err != nil {
		return errors.Wrap(err, "models: creating weights file")
	}
	defer wf.Close()
	payload := struct {
		Order   []string
		Tensors map[string]savedTensor
	}{Order: w.Names, Tensors: saved}
	if err := gob.NewEncoder(wf).Encode(payload); err != nil {
		return errors.Wrap(err, "models: encoding weights")
	}
	return nil
}

// Load reads a saved model directory back into a manifest and weight store.
func Load(dir string) (Manifest, *Weights, error) {
	var m Manifest

	raw, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return m, nil, errors.Wrapf(err, "models: reading manifest in %s", dir)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, nil, errors.Wrap(err, "models: parsing manifest")
	}

	wf, err := os.Open(filepath.Join(dir, weightsFile))
	if err != nil {
		return m, nil, errors.Wrap(err, "models: opening weights file")
	}
	defer wf.Close()

	var payload struct {
		Order   []string
		Tensors map[string]savedTensor
	}
	if err := gob.NewDecoder(wf).Decode(&payload); err != nil {
		return m, nil, errors.Wrap(err, "models: decoding weights")
	}

	w := NewWeights()
	for _, name := range payload.Order {
		st, ok := payload.Tensors[name]
		if !ok {
			return m, nil, errors.Errorf("models: weights file missing tensor %q", name)
		}
		w.Names = append(w.Names, name)
		w.ByName[name] = tensor.New(tensor.WithShape(st.Shape...), tensor.WithBacking(st.Data))
	}
	return m, w, nil
}
