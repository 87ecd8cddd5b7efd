package coreml

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/nvr-ai/segconvert/conversion"
	"github.com/nvr-ai/segconvert/onnx"
	"github.com/nvr-ai/segconvert/wire"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Activation parameter fields.
const (
	activationLinear    protowire.Number = 5
	activationReLU      protowire.Number = 10
	activationLeakyReLU protowire.Number = 15
	activationTanh      protowire.Number = 30
	activationSigmoid   protowire.Number = 40
)

// layerRule maps one ONNX operator onto a CoreML layer type. params encodes
// the layer parameters and reports which node inputs it folded into them;
// the remaining inputs become layer inputs.
type layerRule struct {
	kind   protowire.Number
	params func(c *converter, n *onnx.Node) (params []byte, absorbed []int, err error)
}

var layerRules = map[string]layerRule{
	"Conv":               {LayerConvolution, convParams},
	"Relu":               {LayerActivation, activation(activationReLU)},
	"LeakyRelu":          {LayerActivation, leakyReLUParams},
	"Sigmoid":            {LayerActivation, activation(activationSigmoid)},
	"Tanh":               {LayerActivation, activation(activationTanh)},
	"Identity":           {LayerActivation, linearParams},
	"Dropout":            {LayerActivation, linearParams},
	"Gemm":               {LayerInnerProduct, gemmParams},
	"MatMul":             {LayerBatchedMatMul, matMulParams},
	"BatchNormalization": {LayerBatchnorm, batchnormParams},
	"Softmax":            {LayerSoftmax, emptyParams},
	"Add":                {LayerAdd, scalarAlpha(0)},
	"Mul":                {LayerMultiply, scalarAlpha(1)},
	"MaxPool":            {LayerPooling, poolParams(0, false)},
	"AveragePool":        {LayerPooling, poolParams(1, false)},
	"GlobalAveragePool":  {LayerPooling, poolParams(1, true)},
	"Reshape":            {LayerReshape, reshapeParams},
	"Flatten":            {LayerFlatten, emptyParams},
	"Transpose":          {LayerPermute, permuteParams},
	"Concat":             {LayerConcat, emptyParams},
	"Resize":             {LayerUpsample, upsampleParams},
	"Upsample":           {LayerUpsample, upsampleParams},
}

// SupportedOps returns the ONNX operators the native converter maps onto
// built-in CoreML layers, sorted.
func SupportedOps() []string {
	out := make([]string, 0, len(layerRules))
	for op := range layerRules {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

// UnsupportedOps returns the operators of g that have no built-in layer,
// sorted and without duplicates.
func UnsupportedOps(g *onnx.ModelGraph) []string {
	var out []string
	for _, op := range g.OpTypes() {
		if _, ok := layerRules[op]; !ok && op != "Constant" {
			out = append(out, op)
		}
	}
	return out
}

type converter struct {
	g           *onnx.ModelGraph
	allowCustom bool

	consts map[string]*onnx.Initializer
	loaded map[string]bool
	rename map[string]string
	layers []Layer
	custom []string
}

// buildModel maps the graph onto a NeuralNetwork model.
func buildModel(g *onnx.ModelGraph, specVersion int32, allowCustom bool) (*Model, []string, error) {
	c := &converter{
		g:           g,
		allowCustom: allowCustom,
		consts:      make(map[string]*onnx.Initializer),
		loaded:      make(map[string]bool),
		rename:      make(map[string]string),
	}

	m := &Model{SpecVersion: specVersion}
	for _, in := range g.RuntimeInputs() {
		f, err := c.inputFeature(in)
		if err != nil {
			return nil, nil, err
		}
		m.Inputs = append(m.Inputs, f)
	}
	for _, out := range g.Outputs {
		dt, err := arrayDataType(elemOrFloat(out.Spec().ElemType))
		if err != nil {
			return nil, nil, errors.Wrapf(err, "output %s", out.Name)
		}
		m.Outputs = append(m.Outputs, Feature{Name: out.Name, Shape: staticShape(out.Shape), DataType: dt})
	}

	for i := range g.Nodes {
		n := &g.Nodes[i]
		if err := c.node(n); err != nil {
			return nil, nil, errors.Wrapf(err, "node %s (%s)", nodeName(n), n.OpType)
		}
	}

	m.Layers = c.layers
	m.Metadata = metadata(g)
	return m, c.custom, nil
}

// inputFeature declares a runtime input. Rank-4 image inputs are exposed
// channels-last and permuted back to NCHW for the layers that follow.
func (c *converter) inputFeature(in onnx.ValueInfo) (Feature, error) {
	dt, err := arrayDataType(elemOrFloat(in.Spec().ElemType))
	if err != nil {
		return Feature{}, errors.Wrapf(err, "input %s", in.Name)
	}
	shape := staticShape(in.Shape)
	nhwc, ok := conversion.ChannelsLast(shape)
	if !ok {
		return Feature{Name: in.Name, Shape: shape, DataType: dt}, nil
	}

	internal := in.Name + "__nchw"
	c.layers = append(c.layers, Layer{
		Name:    in.Name + "_to_nchw",
		Inputs:  []string{in.Name},
		Outputs: []string{internal},
		Kind:    LayerPermute,
		Params:  wire.NewEncoder().PackedInt64s(1, conversion.NHWCToNCHW).Bytes(),
	})
	c.rename[in.Name] = internal
	return Feature{Name: in.Name, Shape: nhwc, DataType: dt}, nil
}

func (c *converter) node(n *onnx.Node) error {
	if n.OpType == "Constant" {
		v, ok := n.Attr("value")
		if !ok || v.T == nil || len(n.Outputs) == 0 {
			return errors.New("constant without tensor value")
		}
		c.consts[n.Outputs[0]] = v.T
		return nil
	}

	rule, ok := layerRules[n.OpType]
	if !ok {
		if !c.allowCustom {
			return errors.Errorf("operator %s has no CoreML layer", n.OpType)
		}
		return c.customLayer(n)
	}

	params, absorbed, err := rule.params(c, n)
	if err != nil {
		return err
	}
	inputs, err := c.layerInputs(n, absorbed)
	if err != nil {
		return err
	}
	c.layers = append(c.layers, Layer{
		Name:    nodeName(n),
		Inputs:  inputs,
		Outputs: n.Outputs,
		Kind:    rule.kind,
		Params:  params,
	})
	return nil
}

// layerInputs resolves the node inputs that flow into the layer. Constant
// inputs that were not folded into parameters are materialized once with a
// loadConstant layer.
func (c *converter) layerInputs(n *onnx.Node, absorbed []int) ([]string, error) {
	skip := make(map[int]bool, len(absorbed))
	for _, i := range absorbed {
		skip[i] = true
	}
	var out []string
	for i, in := range n.Inputs {
		if in == "" || skip[i] {
			continue
		}
		if t, ok := c.constant(in); ok {
			if err := c.loadConstant(in, t); err != nil {
				return nil, err
			}
		}
		out = append(out, c.name(in))
	}
	return out, nil
}

func (c *converter) loadConstant(name string, t *onnx.Initializer) error {
	if c.loaded[name] {
		return nil
	}
	dims := append([]int64(nil), t.Dims...)
	for len(dims) > 3 && dims[0] == 1 {
		dims = dims[1:]
	}
	if len(dims) > 3 {
		return errors.Errorf("constant %s has rank %d; loadConstant holds at most 3", name, len(t.Dims))
	}
	for len(dims) < 3 {
		dims = append([]int64{1}, dims...)
	}

	values := t.Floats
	if !t.DataType.IsFloat() {
		values = make([]float32, len(t.Ints))
		for i, v := range t.Ints {
			values[i] = float32(v)
		}
	}

	c.layers = append(c.layers, Layer{
		Name:    "const_" + name,
		Outputs: []string{name},
		Kind:    LayerLoadConstant,
		Params: wire.NewEncoder().
			PackedInt64s(1, dims).
			Message(10, weightParams(values)).
			Bytes(),
	})
	c.loaded[name] = true
	return nil
}

// customLayer emits a custom layer carrying the operator's constant inputs as
// weights and its scalar attributes as parameters. The application has to
// register a class named after the operator before the model can run.
func (c *converter) customLayer(n *onnx.Node) error {
	var (
		inputs   []string
		absorbed []*onnx.Initializer
	)
	for _, in := range n.Inputs {
		if in == "" {
			continue
		}
		if t, ok := c.constant(in); ok {
			absorbed = append(absorbed, t)
			continue
		}
		inputs = append(inputs, c.name(in))
	}

	e := wire.NewEncoder().String(10, n.OpType)
	for _, t := range absorbed {
		values := t.Floats
		if !t.DataType.IsFloat() {
			values = make([]float32, len(t.Ints))
			for i, v := range t.Ints {
				values[i] = float32(v)
			}
		}
		e.Message(20, weightParams(values))
	}

	attrs := append([]onnx.Attribute(nil), n.Attributes...)
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Name < attrs[j].Name })
	for _, a := range attrs {
		a := a
		value := customParam(a)
		if value == nil {
			continue
		}
		e.Message(30, func(entry *wire.Encoder) {
			entry.String(1, a.Name).Message(2, value)
		})
	}
	domain := n.Domain
	if domain == "" {
		domain = "ai.onnx"
	}
	e.String(40, fmt.Sprintf("%s::%s", domain, n.OpType))

	c.layers = append(c.layers, Layer{
		Name:    nodeName(n),
		Inputs:  inputs,
		Outputs: n.Outputs,
		Kind:    LayerCustom,
		Params:  e.Bytes(),
	})
	c.custom = append(c.custom, n.OpType)
	return nil
}

// customParam encodes an attribute as a CustomLayerParamValue. Lists are
// flattened to comma separated strings.
func customParam(a onnx.Attribute) func(e *wire.Encoder) {
	switch a.Type {
	case onnx.AttributeFloat:
		return func(e *wire.Encoder) { e.Float64(10, float64(a.F)) }
	case onnx.AttributeString:
		return func(e *wire.Encoder) { e.String(20, a.S) }
	case onnx.AttributeInt:
		return func(e *wire.Encoder) { e.Int64(40, a.I) }
	case onnx.AttributeInts:
		parts := make([]string, len(a.Ints))
		for i, v := range a.Ints {
			parts[i] = strconv.FormatInt(v, 10)
		}
		return func(e *wire.Encoder) { e.String(20, strings.Join(parts, ",")) }
	case onnx.AttributeFloats:
		parts := make([]string, len(a.Floats))
		for i, v := range a.Floats {
			parts[i] = strconv.FormatFloat(float64(v), 'g', -1, 32)
		}
		return func(e *wire.Encoder) { e.String(20, strings.Join(parts, ",")) }
	default:
		return nil
	}
}

func (c *converter) constant(name string) (*onnx.Initializer, bool) {
	if t, ok := c.g.Initializer(name); ok {
		return t, true
	}
	t, ok := c.consts[name]
	return t, ok
}

func (c *converter) name(tensor string) string {
	if r, ok := c.rename[tensor]; ok {
		return r
	}
	return tensor
}

// floatConst returns the float constant feeding input i.
func (c *converter) floatConst(n *onnx.Node, i int) (*onnx.Initializer, error) {
	if i >= len(n.Inputs) || n.Inputs[i] == "" {
		return nil, errors.Errorf("input %d missing", i)
	}
	t, ok := c.constant(n.Inputs[i])
	if !ok {
		return nil, errors.Errorf("input %s must be a constant", n.Inputs[i])
	}
	if !t.DataType.IsFloat() {
		return nil, errors.Errorf("input %s must be floating point", n.Inputs[i])
	}
	return t, nil
}

func (c *converter) optionalFloatConst(n *onnx.Node, i int) (*onnx.Initializer, error) {
	if i >= len(n.Inputs) || n.Inputs[i] == "" {
		return nil, nil
	}
	return c.floatConst(n, i)
}

func convParams(c *converter, n *onnx.Node) ([]byte, []int, error) {
	w, err := c.floatConst(n, 1)
	if err != nil {
		return nil, nil, err
	}
	if len(w.Dims) != 4 {
		return nil, nil, errors.Errorf("conv weight rank %d, want 4", len(w.Dims))
	}
	b, err := c.optionalFloatConst(n, 2)
	if err != nil {
		return nil, nil, err
	}

	group := intAttr(n, "group", 1)
	strides := intsAttr(n, "strides", []int64{1, 1})
	dilations := intsAttr(n, "dilations", []int64{1, 1})
	pads := intsAttr(n, "pads", []int64{0, 0, 0, 0})
	autoPad, _ := n.Attr("auto_pad")

	e := wire.NewEncoder().
		Int64(1, w.Dims[0]).
		Int64(2, w.Dims[1]).
		Int64(10, group).
		PackedInt64s(20, w.Dims[2:]).
		PackedInt64s(30, strides).
		PackedInt64s(40, dilations)
	if strings.HasPrefix(autoPad.S, "SAME") {
		e.Message(51, func(*wire.Encoder) {})
	} else {
		e.Message(50, validPadding(pads))
	}
	e.Bool(70, b != nil).Message(90, weightParams(w.Floats))
	if b != nil {
		e.Message(91, weightParams(b.Floats))
	}
	return e.Bytes(), []int{1, 2}, nil
}

// validPadding encodes ONNX [top, left, bottom, right] pads as ValidPadding
// border amounts.
func validPadding(pads []int64) func(e *wire.Encoder) {
	return func(e *wire.Encoder) {
		if len(pads) != 4 {
			return
		}
		e.Message(1, func(border *wire.Encoder) {
			border.Message(10, func(h *wire.Encoder) { h.Int64(1, pads[0]).Int64(2, pads[2]) })
			border.Message(10, func(w *wire.Encoder) { w.Int64(1, pads[1]).Int64(2, pads[3]) })
		})
	}
}

func activation(kind protowire.Number) func(*converter, *onnx.Node) ([]byte, []int, error) {
	return func(*converter, *onnx.Node) ([]byte, []int, error) {
		return wire.NewEncoder().Message(kind, func(*wire.Encoder) {}).Bytes(), nil, nil
	}
}

func leakyReLUParams(_ *converter, n *onnx.Node) ([]byte, []int, error) {
	alpha := floatAttr(n, "alpha", 0.01)
	return wire.NewEncoder().Message(activationLeakyReLU, func(e *wire.Encoder) {
		e.Float32(1, alpha)
	}).Bytes(), nil, nil
}

func linearParams(*converter, *onnx.Node) ([]byte, []int, error) {
	return wire.NewEncoder().Message(activationLinear, func(e *wire.Encoder) {
		e.Float32(1, 1)
	}).Bytes(), []int{1, 2}, nil
}

func emptyParams(*converter, *onnx.Node) ([]byte, []int, error) {
	return []byte{}, nil, nil
}

// scalarAlpha encodes the default alpha of add (0) and multiply (1) layers.
func scalarAlpha(alpha float32) func(*converter, *onnx.Node) ([]byte, []int, error) {
	return func(*converter, *onnx.Node) ([]byte, []int, error) {
		return wire.NewEncoder().Float32(1, alpha).Bytes(), nil, nil
	}
}

func gemmParams(c *converter, n *onnx.Node) ([]byte, []int, error) {
	if floatAttr(n, "alpha", 1) != 1 || floatAttr(n, "beta", 1) != 1 || intAttr(n, "transA", 0) != 0 {
		return nil, nil, errors.New("gemm with alpha, beta or transA is not supported")
	}
	w, err := c.floatConst(n, 1)
	if err != nil {
		return nil, nil, err
	}
	if len(w.Dims) != 2 {
		return nil, nil, errors.Errorf("gemm weight rank %d, want 2", len(w.Dims))
	}
	b, err := c.optionalFloatConst(n, 2)
	if err != nil {
		return nil, nil, err
	}

	// Inner product weights are [out, in]; ONNX stores [in, out] unless transB.
	values, out, in := w.Floats, w.Dims[0], w.Dims[1]
	if intAttr(n, "transB", 0) == 0 {
		values, out, in = transpose2D(w.Floats, w.Dims[0], w.Dims[1]), w.Dims[1], w.Dims[0]
	}

	e := wire.NewEncoder().
		Int64(1, in).
		Int64(2, out).
		Bool(10, b != nil).
		Message(20, weightParams(values))
	if b != nil {
		e.Message(21, weightParams(b.Floats))
	}
	return e.Bytes(), []int{1, 2}, nil
}

func matMulParams(c *converter, n *onnx.Node) ([]byte, []int, error) {
	if len(n.Inputs) < 2 {
		return nil, nil, errors.New("matmul needs two inputs")
	}
	w, ok := c.constant(n.Inputs[1])
	if !ok || len(w.Dims) != 2 || !w.DataType.IsFloat() {
		return []byte{}, nil, nil
	}
	k, m := w.Dims[0], w.Dims[1]
	return wire.NewEncoder().
		Int64(5, k).
		Int64(6, m).
		Message(8, weightParams(transpose2D(w.Floats, k, m))).
		Bytes(), []int{1}, nil
}

func batchnormParams(c *converter, n *onnx.Node) ([]byte, []int, error) {
	var ts [4]*onnx.Initializer
	for i := range ts {
		t, err := c.floatConst(n, i+1)
		if err != nil {
			return nil, nil, err
		}
		ts[i] = t
	}
	return wire.NewEncoder().
		Int64(1, int64(len(ts[0].Floats))).
		Float32(10, floatAttr(n, "epsilon", 1e-5)).
		Message(15, weightParams(ts[0].Floats)).
		Message(16, weightParams(ts[1].Floats)).
		Message(17, weightParams(ts[2].Floats)).
		Message(18, weightParams(ts[3].Floats)).
		Bytes(), []int{1, 2, 3, 4}, nil
}

func poolParams(kind int64, global bool) func(*converter, *onnx.Node) ([]byte, []int, error) {
	return func(_ *converter, n *onnx.Node) ([]byte, []int, error) {
		e := wire.NewEncoder().Int64(1, kind)
		if global {
			return e.Bool(60, true).Bytes(), nil, nil
		}
		kernel, ok := n.Attr("kernel_shape")
		if !ok {
			return nil, nil, errors.New("pooling without kernel_shape")
		}
		e.PackedInt64s(10, kernel.Ints).
			PackedInt64s(20, intsAttr(n, "strides", []int64{1, 1})).
			Message(30, validPadding(intsAttr(n, "pads", []int64{0, 0, 0, 0})))
		if kind == 1 {
			e.Bool(50, intAttr(n, "count_include_pad", 0) == 0)
		}
		return e.Bytes(), nil, nil
	}
}

func reshapeParams(c *converter, n *onnx.Node) ([]byte, []int, error) {
	if len(n.Inputs) < 2 {
		return nil, nil, errors.New("reshape without shape input")
	}
	t, ok := c.constant(n.Inputs[1])
	if !ok || t.DataType.IsFloat() {
		return nil, nil, errors.Errorf("reshape target %s must be an integer constant", n.Inputs[1])
	}
	return wire.NewEncoder().PackedInt64s(1, t.Ints).Bytes(), []int{1}, nil
}

func permuteParams(_ *converter, n *onnx.Node) ([]byte, []int, error) {
	perm, ok := n.Attr("perm")
	if !ok {
		return nil, nil, errors.New("transpose without perm")
	}
	return wire.NewEncoder().PackedInt64s(1, perm.Ints).Bytes(), nil, nil
}

func upsampleParams(c *converter, n *onnx.Node) ([]byte, []int, error) {
	// Upsample carries scales at input 1; Resize at input 2 after roi.
	idx := 1
	if n.OpType == "Resize" {
		idx = 2
	}
	scales, err := c.optionalFloatConst(n, idx)
	if err != nil {
		return nil, nil, err
	}
	if scales == nil || len(scales.Floats) < 2 {
		return nil, nil, errors.New("resize needs constant scales; resizing to sizes is not supported")
	}
	s := scales.Floats[len(scales.Floats)-2:]
	factors := make([]int64, 2)
	for i, v := range s {
		if v < 1 || v != float32(int64(v)) {
			return nil, nil, errors.Errorf("resize scale %g is not a positive integer", v)
		}
		factors[i] = int64(v)
	}

	mode, _ := n.Attr("mode")
	e := wire.NewEncoder().PackedInt64s(1, factors)
	if mode.S == "linear" || mode.S == "bilinear" {
		e.Int64(5, 1)
	}
	return e.Bytes(), []int{1, 2, 3}, nil
}

func transpose2D(v []float32, rows, cols int64) []float32 {
	out := make([]float32, len(v))
	for r := int64(0); r < rows; r++ {
		for c := int64(0); c < cols; c++ {
			out[c*rows+r] = v[r*cols+c]
		}
	}
	return out
}

func intAttr(n *onnx.Node, name string, def int64) int64 {
	if a, ok := n.Attr(name); ok {
		return a.I
	}
	return def
}

func floatAttr(n *onnx.Node, name string, def float32) float32 {
	if a, ok := n.Attr(name); ok {
		return a.F
	}
	return def
}

func intsAttr(n *onnx.Node, name string, def []int64) []int64 {
	if a, ok := n.Attr(name); ok && len(a.Ints) > 0 {
		return a.Ints
	}
	return def
}

func nodeName(n *onnx.Node) string {
	if n.Name != "" {
		return n.Name
	}
	if len(n.Outputs) > 0 {
		return n.OpType + "_" + n.Outputs[0]
	}
	return n.OpType
}

func elemOrFloat(e conversion.ElemType) conversion.ElemType {
	if e == conversion.ElemUnknown || e == "" {
		return conversion.ElemFloat32
	}
	return e
}

// staticShape replaces symbolic dimensions with 1.
func staticShape(shape []int64) []int64 {
	out := make([]int64, len(shape))
	for i, d := range shape {
		if d <= 0 {
			d = 1
		}
		out[i] = d
	}
	return out
}

func metadata(g *onnx.ModelGraph) Metadata {
	user := map[string]string{
		"onnx.opset":    strconv.FormatInt(g.Opset(), 10),
		"onnx.producer": strings.TrimSpace(g.ProducerName + " " + g.ProducerVersion),
	}
	if g.Path != "" {
		user["onnx.source"] = filepath.Base(g.Path)
	}
	return Metadata{
		ShortDescription: "Semantic segmentation model converted from ONNX",
		Author:           "segconvert",
		UserDefined:      user,
	}
}
