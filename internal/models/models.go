// Package models defines the two network architectures as framework graphs:
// the small from-scratch CNN and the dense classifier head used on top of a
// frozen pretrained backbone. All math (convolution, pooling, autodiff) is
// the framework's; this package only wires layers, the binary cross-entropy
// cost and the weight store together.
package models

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Weights is the set of named learnable tensors of a model. The tensors are
// shared by every graph built from the same Weights, so a training graph, a
// validation graph and an evaluation graph (possibly with different batch
// sizes) all see solver updates immediately.
type Weights struct {
	Names  []string
	ByName map[string]*tensor.Dense
}

// NewWeights returns an empty weight store; graph builders fill it with
// initialized tensors on first use.
func NewWeights() *Weights {
	return &Weights{ByName: map[string]*tensor.Dense{}}
}

// node returns a graph node for the named weight, creating and registering
// the backing tensor with the given initializer when it does not exist yet.
func (w *Weights) node(g *gorgonia.ExprGraph, name string, shape tensor.Shape, init gorgonia.InitWFn) *gorgonia.Node {
	if d, ok := w.ByName[name]; ok {
		return gorgonia.NewTensor(g, tensor.Float64, shape.Dims(),
			gorgonia.WithShape(shape...), gorgonia.WithName(name), gorgonia.WithValue(d))
	}

	n := gorgonia.NewTensor(g, tensor.Float64, shape.Dims(),
		gorgonia.WithShape(shape...), gorgonia.WithName(name), gorgonia.WithInit(init))
	w.Names = append(w.Names, name)
	w.ByName[name] = n.Value().(*tensor.Dense)
	return n
}

// Graph is one compiled view of a model at a fixed batch size.
type Graph struct {
	G          *gorgonia.ExprGraph
	X          *gorgonia.Node // input placeholder
	Y          *gorgonia.Node // label column (batch, 1)
	Learnables gorgonia.Nodes

	costVal gorgonia.Value
	predVal gorgonia.Value
}

// Cost returns the batch cost captured by the last run.
func (gr *Graph) Cost() float64 {
	return gr.costVal.Data().(float64)
}

// Predictions returns the sigmoid outputs captured by the last run.
func (gr *Graph) Predictions() []float64 {
	return gr.predVal.Data().([]float64)
}

// FeatureSize returns the flattened width after the simple CNN's conv/pool
// stack for a square input of the given side length.
func FeatureSize(inputSize int) int {
	s := inputSize
	for i := 0; i < 3; i++ {
		s = (s - 2) / 2 // 3x3 valid convolution, then 2x2/2 max pool
	}
	return 64 * s * s
}

// SimpleCNN builds the from-scratch network at the given batch and input
// size: three conv/pool blocks (32, 32, 64 filters), a dense layer of 64,
// dropout 0.5 (training graphs only) and a single sigmoid unit.
func SimpleCNN(w *Weights, batchSize, inputSize int, training bool) (*Graph, error) {
	g := gorgonia.NewGraph()

	x := gorgonia.NewTensor(g, tensor.Float64, 4,
		gorgonia.WithShape(batchSize, 3, inputSize, inputSize), gorgonia.WithName("x"))

	var learnables gorgonia.Nodes
	weight := func(name string, shape tensor.Shape, init gorgonia.InitWFn) *gorgonia.Node {
		n := w.node(g, name, shape, init)
		learnables = append(learnables, n)
		return n
	}

	block := func(in *gorgonia.Node, name string, filters, channels int) (*gorgonia.Node, error) {
		k := weight(name, tensor.Shape{filters, channels, 3, 3}, gorgonia.GlorotN(1.0))
		c, err := gorgonia.Conv2d(in, k, tensor.Shape{3, 3}, []int{0, 0}, []int{1, 1}, []int{1, 1})
		if err != nil {
			return nil, errors.Wrapf(err, "models: %s", name)
		}
		a, err := gorgonia.Rectify(c)
		if err != nil {
			return nil, errors.Wrapf(err, "models: %s relu", name)
		}
		p, err := gorgonia.MaxPool2D(a, tensor.Shape{2, 2}, []int{0, 0}, []int{2, 2})
		if err != nil {
			return nil, errors.Wrapf(err, "models: %s pool", name)
		}
		return p, nil
	}

	h, err := block(x, "conv1", 32, 3)
	if err != nil {
		return nil, err
	}
	if h, err = block(h, "conv2", 32, 32); err != nil {
		return nil, err
	}
	if h, err = block(h, "conv3", 64, 32); err != nil {
		return nil, err
	}

	flat := FeatureSize(inputSize)
	if h, err = gorgonia.Reshape(h, tensor.Shape{batchSize, flat}); err != nil {
		return nil, errors.Wrap(err, "models: flatten")
	}

	if h, err = dense(h, "fc1", flat, 64, weight); err != nil {
		return nil, err
	}
	if h, err = gorgonia.Rectify(h); err != nil {
		return nil, errors.Wrap(err, "models: fc1 relu")
	}
	if training {
		if h, err = gorgonia.Dropout(h, 0.5); err != nil {
			return nil, errors.Wrap(err, "models: dropout")
		}
	}
	if h, err = dense(h, "fc2", 64, 1, weight); err != nil {
		return nil, err
	}
	out, err := gorgonia.Sigmoid(h)
	if err != nil {
		return nil, errors.Wrap(err, "models: sigmoid")
	}

	return finish(g, x, out, batchSize, learnables, training)
}

// Head builds the classifier trained on top of the frozen backbone: dense 64
// with ReLU over the feature vector, then a single sigmoid unit.
func Head(w *Weights, batchSize, featureSize int, training bool) (*Graph, error) {
	g := gorgonia.NewGraph()

	x := gorgonia.NewMatrix(g, tensor.Float64,
		gorgonia.WithShape(batchSize, featureSize), gorgonia.WithName("features"))

	var learnables gorgonia.Nodes
	weight := func(name string, shape tensor.Shape, init gorgonia.InitWFn) *gorgonia.Node {
		n := w.node(g, name, shape, init)
		learnables = append(learnables, n)
		return n
	}

	h, err := dense(x, "head1", featureSize, 64, weight)
	if err != nil {
		return nil, err
	}
	if h, err = gorgonia.Rectify(h); err != nil {
		return nil, errors.Wrap(err, "models: head1 relu")
	}
	if h, err = dense(h, "head2", 64, 1, weight); err != nil {
		return nil, err
	}
	out, err := gorgonia.Sigmoid(h)
	if err != nil {
		return nil, errors.Wrap(err, "models: head sigmoid")
	}

	return finish(g, x, out, batchSize, learnables, training)
}

type weightFn func(name string, shape tensor.Shape, init gorgonia.InitWFn) *gorgonia.Node

func dense(in *gorgonia.Node, name string, nin, nout int, weight weightFn) (*gorgonia.Node, error) {
	wn := weight(name+"/w", tensor.Shape{nin, nout}, gorgonia.GlorotN(1.0))
	bn := weight(name+"/b", tensor.Shape{1, nout}, gorgonia.Zeroes())

	xw, err := gorgonia.Mul(in, wn)
	if err != nil {
		return nil, errors.Wrapf(err, "models: %s", name)
	}
	out, err := gorgonia.BroadcastAdd(xw, bn, nil, []byte{0})
	if err != nil {
		return nil, errors.Wrapf(err, "models: %s bias", name)
	}
	return out, nil
}

// finish attaches the label placeholder, the binary cross-entropy cost, the
// value reads and (for training graphs) the gradient nodes.
func finish(g *gorgonia.ExprGraph, x, out *gorgonia.Node, batchSize int, learnables gorgonia.Nodes, training bool) (*Graph, error) {
	y := gorgonia.NewMatrix(g, tensor.Float64,
		gorgonia.WithShape(batchSize, 1), gorgonia.WithName("y"))

	cost, err := binaryCrossEntropy(out, y)
	if err != nil {
		return nil, err
	}

	gr := &Graph{G: g, X: x, Y: y, Learnables: learnables}
	gorgonia.Read(cost, &gr.costVal)
	gorgonia.Read(out, &gr.predVal)

	if training {
		if _, err := gorgonia.Grad(cost, learnables...); err != nil {
			return nil, errors.Wrap(err, "models: gradients")
		}
	}
	return gr, nil
}

// binaryCrossEntropy is -mean(y*log(p+eps) + (1-y)*log(1-p+eps)).
func binaryCrossEntropy(p, y *gorgonia.Node) (*gorgonia.Node, error) {
	one := gorgonia.NewConstant(1.0)
	eps := gorgonia.NewConstant(1e-8)

	logp, err := gorgonia.Log(gorgonia.Must(gorgonia.Add(p, eps)))
	if err != nil {
		return nil, errors.Wrap(err, "models: log(p)")
	}
	notP, err := gorgonia.Sub(one, p)
	if err != nil {
		return nil, errors.Wrap(err, "models: 1-p")
	}
	logNotP, err := gorgonia.Log(gorgonia.Must(gorgonia.Add(notP, eps)))
	if err != nil {
		return nil, errors.Wrap(err, "models: log(1-p)")
	}
	notY, err := gorgonia.Sub(one, y)
	if err != nil {
		return nil, errors.Wrap(err, "models: 1-y")
	}

	pos, err := gorgonia.HadamardProd(y, logp)
	if err != nil {
		return nil, errors.Wrap(err, "models: y*log(p)")
	}
	neg, err := gorgonia.HadamardProd(notY, logNotP)
	if err != nil {
		return nil, errors.Wrap(err, "models: (1-y)*log(1-p)")
	}

	sum, err := gorgonia.Add(pos, neg)
	if err != nil {
		return nil, errors.Wrap(err, "models: cost sum")
	}
	mean, err := gorgonia.Mean(sum)
	if err != nil {
		return nil, errors.Wrap(err, "models: cost mean")
	}
	cost, err := gorgonia.Neg(mean)
	if err != nil {
		return nil, errors.Wrap(err, "models: cost neg")
	}
	return cost, nil
}

// Accuracy is the fraction of predictions on the correct side of 0.5.
func Accuracy(preds, labels []float64) float64 {
	if len(preds) == 0 {
		return 0
	}
	correct := 0
	for i, p := range preds {
		if (p >= 0.5) == (labels[i] >= 0.5) {
			correct++
		}
	}
	return float64(correct) / float64(len(preds))
}
