package tflite

import (
	"encoding/binary"
	"math"
	"sort"
	"strings"

	"github.com/nvr-ai/segconvert/conversion"
	sm "github.com/nvr-ai/segconvert/savedmodel"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Description is written into every compiled model.
const Description = "segconvert"

// opLowering compiles one TensorFlow node into TFLite operators.
type opLowering func(c *compiler, n *sm.Node) error

var builtinFor = map[string]BuiltinOperator{
	"AddV2":         OpAdd,
	"Add":           OpAdd,
	"BiasAdd":       OpAdd,
	"Sub":           OpSub,
	"Mul":           OpMul,
	"RealDiv":       OpDiv,
	"Pow":           OpPow,
	"Relu":          OpRelu,
	"Sigmoid":       OpLogistic,
	"Tanh":          OpTanh,
	"Sqrt":          OpSqrt,
	"Exp":           OpExp,
	"BatchMatMulV2": OpBatchMatMul,
	"Reshape":       OpReshape,
	"Transpose":     OpTranspose,
	"Pad":           OpPad,
}

var lowerings = map[string]opLowering{
	"Conv2D":                compileConv,
	"DepthwiseConv2dNative": compileConv,
	"MatMul":                compileMatMul,
	"Softmax":               compileSoftmax,
	"ConcatV2":              compileConcat,
	"Mean":                  compileMean,
	"MaxPool":               compilePool(OpMaxPool2D),
	"AvgPool":               compilePool(OpAveragePool2D),
	"ResizeBilinear":        compileResize(OpResizeBilinear),
	"ResizeNearestNeighbor": compileResize(OpResizeNearestNeighbor),
}

type compiler struct {
	sm        *sm.SavedModel
	precision conversion.Precision
	m         *Model

	nodes   map[string]*sm.Node
	tensors map[string]int32
	// fusedBias maps a convolution or matmul to the bias constant of the
	// BiasAdd that directly follows it.
	fusedBias map[string]string
	alias     map[string]string
	skip      map[string]bool
	weights   int64
	clamped   int64
}

// Compiled is a serialized flat-buffer and the weight accounting of its
// compilation.
type Compiled struct {
	Data []byte
	// Weights is the number of float weight elements.
	Weights int64
	// Clamped is the number of weights beyond the float16 range that were
	// clamped to ±MaxFloat16. Always zero at FP32.
	Clamped int64
}

// Compile lowers a SavedModel into a TFLite flat-buffer. At FP16, float
// constants with at least MinQuantizeElements elements are stored as
// float16 buffers feeding DEQUANTIZE ops; everything else stays float32.
//
// Arguments:
//   - model: The intermediate SavedModel.
//   - precision: FP32 or FP16.
//
// Returns:
//   - *Compiled: The serialized flat-buffer with its weight counts.
//   - error: An error if an op has no TFLite builtin or the graph is malformed.
func Compile(model *sm.SavedModel, precision conversion.Precision) (*Compiled, error) {
	sig, ok := model.ServingSignature()
	if !ok {
		return nil, errors.Errorf("saved model has no %s signature", sm.DefaultServingSignature)
	}

	c := &compiler{
		sm:        model,
		precision: precision,
		m:         NewModel(Description),
		nodes:     make(map[string]*sm.Node, len(model.Nodes)),
		tensors:   make(map[string]int32),
		fusedBias: make(map[string]string),
		alias:     make(map[string]string),
		skip:      make(map[string]bool),
	}
	for i := range model.Nodes {
		c.nodes[model.Nodes[i].Name] = &model.Nodes[i]
	}
	c.planFusion()

	for _, key := range sortedKeys(sig.Inputs) {
		info := sig.Inputs[key]
		name := tensorNode(info.Name)
		if _, ok := c.nodes[name]; !ok {
			return nil, errors.Errorf("signature input %s references unknown node %s", key, name)
		}
		typ, err := tensorType(info.DType)
		if err != nil {
			return nil, errors.Wrapf(err, "input %s", key)
		}
		idx := c.m.AddTensor(Tensor{Name: key, Shape: staticShape(info.Shape), Type: typ})
		c.tensors[name] = idx
		c.m.Inputs = append(c.m.Inputs, idx)
	}

	for i := range model.Nodes {
		n := &model.Nodes[i]
		if err := c.node(n); err != nil {
			return nil, errors.Wrapf(err, "%s node %s", n.Op, n.Name)
		}
	}

	for _, key := range sortedKeys(sig.Outputs) {
		info := sig.Outputs[key]
		idx, err := c.input(info.Name)
		if err != nil {
			return nil, errors.Wrapf(err, "output %s", key)
		}
		t := &c.m.Tensors[idx]
		t.Name = key
		t.Shape = staticShape(info.Shape)
		c.m.Outputs = append(c.m.Outputs, idx)
	}

	if c.clamped > 0 {
		log.WithField("clamped", c.clamped).Warnf("clamped weights to the float16 range of ±%d", conversion.MaxFloat16)
	}
	return &Compiled{Data: c.m.Finish(), Weights: c.weights, Clamped: c.clamped}, nil
}

// planFusion finds BiasAdd nodes that can be folded into the bias input of
// the convolution or matmul feeding them.
func (c *compiler) planFusion() {
	consumers := make(map[string]int)
	for _, n := range c.sm.Nodes {
		for _, in := range n.Inputs {
			consumers[tensorNode(in)]++
		}
	}
	for _, n := range c.sm.Nodes {
		if n.Op != "BiasAdd" || len(n.Inputs) != 2 {
			continue
		}
		producer, ok := c.nodes[tensorNode(n.Inputs[0])]
		if !ok || consumers[producer.Name] != 1 {
			continue
		}
		switch producer.Op {
		case "Conv2D", "DepthwiseConv2dNative", "MatMul":
		default:
			continue
		}
		if bias, ok := c.nodes[tensorNode(n.Inputs[1])]; ok && bias.Op == "Const" {
			c.fusedBias[producer.Name] = bias.Name
			c.alias[n.Name] = producer.Name
			c.skip[n.Name] = true
		}
	}
}

func (c *compiler) node(n *sm.Node) error {
	switch {
	case c.skip[n.Name], n.Op == "Placeholder", n.Op == "Const":
		return nil
	case n.Op == "Identity":
		if len(n.Inputs) == 0 {
			return errors.New("identity without input")
		}
		c.alias[n.Name] = tensorNode(n.Inputs[0])
		return nil
	}

	if lower, ok := lowerings[n.Op]; ok {
		return lower(c, n)
	}
	op, ok := builtinFor[n.Op]
	if !ok {
		return errors.Errorf("no TFLite builtin for TensorFlow op %s", n.Op)
	}
	inputs, err := c.inputs(n.Inputs)
	if err != nil {
		return err
	}
	c.emit(op, n.Name, inputs, nil)
	return nil
}

// emit appends an operator with a fresh float32 output tensor named after
// the node.
func (c *compiler) emit(op BuiltinOperator, name string, inputs []int32, opts Options) int32 {
	out := c.m.AddTensor(Tensor{Name: name, Type: TensorFloat32})
	c.tensors[name] = out
	c.m.Operators = append(c.m.Operators, Operator{
		Opcode:  c.m.Opcode(op),
		Inputs:  inputs,
		Outputs: []int32{out},
		Options: opts,
	})
	return out
}

func (c *compiler) inputs(names []string) ([]int32, error) {
	out := make([]int32, 0, len(names))
	for _, name := range names {
		idx, err := c.input(name)
		if err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, nil
}

// input resolves a tensor reference, materializing constants on first use.
func (c *compiler) input(ref string) (int32, error) {
	name := c.resolve(tensorNode(ref))
	if idx, ok := c.tensors[name]; ok {
		return idx, nil
	}
	n, ok := c.nodes[name]
	if !ok {
		return 0, errors.Errorf("reference to unknown node %s", name)
	}
	if n.Op != "Const" {
		return 0, errors.Errorf("node %s is used before it is computed", name)
	}
	t, err := constTensor(n)
	if err != nil {
		return 0, err
	}
	return c.constant(name, t.Shape, t), nil
}

func (c *compiler) resolve(name string) string {
	for {
		a, ok := c.alias[name]
		if !ok {
			return name
		}
		name = a
	}
}

// constant adds a constant tensor under name with the given shape. Large
// float constants are stored as float16 at FP16 precision.
func (c *compiler) constant(name string, shape []int64, t *sm.Tensor) int32 {
	if !isFloat(t.DType) {
		idx := c.m.AddTensor(Tensor{
			Name:   name,
			Shape:  int32Shape(shape),
			Type:   TensorInt32,
			Buffer: c.m.AddBuffer(int32Bytes(t.Ints)),
		})
		c.tensors[name] = idx
		return idx
	}

	c.weights += int64(len(t.Floats))
	if c.precision != conversion.PrecisionFP16 || len(t.Floats) < MinQuantizeElements {
		idx := c.m.AddTensor(Tensor{
			Name:   name,
			Shape:  int32Shape(shape),
			Type:   TensorFloat32,
			Buffer: c.m.AddBuffer(float32Bytes(t.Floats)),
		})
		c.tensors[name] = idx
		return idx
	}

	data, clamped := conversion.ToFloat16(t.Floats)
	c.clamped += clamped
	half := c.m.AddTensor(Tensor{
		Name:   name + "/fp16",
		Shape:  int32Shape(shape),
		Type:   TensorFloat16,
		Buffer: c.m.AddBuffer(data),
	})
	idx := c.m.AddTensor(Tensor{Name: name, Shape: int32Shape(shape), Type: TensorFloat32})
	c.m.Operators = append(c.m.Operators, Operator{
		Opcode:  c.m.Opcode(OpDequantize),
		Inputs:  []int32{half},
		Outputs: []int32{idx},
	})
	c.tensors[name] = idx
	return idx
}

// bias returns the fused bias tensor of n, or a zero bias of the given
// width.
func (c *compiler) bias(n *sm.Node, width int64) (int32, error) {
	if name, ok := c.fusedBias[n.Name]; ok {
		return c.input(name)
	}
	zero := &sm.Tensor{DType: sm.DTFloat, Shape: []int64{width}, Floats: make([]float32, width)}
	return c.constant(n.Name+"/zero_bias", zero.Shape, zero), nil
}

func (c *compiler) constOf(ref string) (*sm.Tensor, error) {
	n, ok := c.nodes[c.resolve(tensorNode(ref))]
	if !ok || n.Op != "Const" {
		return nil, errors.Errorf("%s must be a constant", ref)
	}
	return constTensor(n)
}

func compileConv(c *compiler, n *sm.Node) error {
	if len(n.Inputs) != 2 {
		return errors.Errorf("expected input and filter, got %d inputs", len(n.Inputs))
	}
	x, err := c.input(n.Inputs[0])
	if err != nil {
		return err
	}
	f, err := c.constOf(n.Inputs[1])
	if err != nil {
		return err
	}
	if len(f.Shape) != 4 {
		return errors.Errorf("filter rank %d, want 4", len(f.Shape))
	}
	kh, kw, in, out := f.Shape[0], f.Shape[1], f.Shape[2], f.Shape[3]

	strides := attrInts(n, "strides", []int64{1, 1, 1, 1})
	dilations := attrInts(n, "dilations", []int64{1, 1, 1, 1})
	padding := PaddingValid
	if p, ok := n.Attr("padding"); ok && p.S == "SAME" {
		padding = PaddingSame
	}

	var (
		filter int32
		width  int64
		op     BuiltinOperator
		opts   Options
	)
	if n.Op == "DepthwiseConv2dNative" {
		// [h, w, channels, multiplier] is already [1, h, w, channels*multiplier]
		// in memory.
		width = in * out
		filter = c.constant(n.Name+"/filter", []int64{1, kh, kw, width}, f)
		op = OpDepthwiseConv2D
		opts = DepthwiseConv2DOptions{
			Padding: padding, StrideH: int32(strides[1]), StrideW: int32(strides[2]),
			DepthMultiplier: int32(out), DilationH: int32(dilations[1]), DilationW: int32(dilations[2]),
		}
	} else {
		width = out
		ohwi := &sm.Tensor{DType: f.DType, Floats: hwioToOHWI(f.Floats, kh, kw, in, out)}
		filter = c.constant(n.Name+"/filter", []int64{out, kh, kw, in}, ohwi)
		op = OpConv2D
		opts = Conv2DOptions{
			Padding: padding, StrideH: int32(strides[1]), StrideW: int32(strides[2]),
			DilationH: int32(dilations[1]), DilationW: int32(dilations[2]),
		}
	}

	bias, err := c.bias(n, width)
	if err != nil {
		return err
	}
	c.emit(op, n.Name, []int32{x, filter, bias}, opts)
	return nil
}

// hwioToOHWI reorders a TensorFlow [h, w, in, out] filter to the TFLite
// [out, h, w, in] layout.
func hwioToOHWI(v []float32, h, w, in, out int64) []float32 {
	res := make([]float32, len(v))
	for hh := int64(0); hh < h; hh++ {
		for ww := int64(0); ww < w; ww++ {
			for ii := int64(0); ii < in; ii++ {
				for oo := int64(0); oo < out; oo++ {
					res[((oo*h+hh)*w+ww)*in+ii] = v[((hh*w+ww)*in+ii)*out+oo]
				}
			}
		}
	}
	return res
}

// compileMatMul lowers a MatMul against a constant matrix to
// FULLY_CONNECTED, whose weights are [out, in].
func compileMatMul(c *compiler, n *sm.Node) error {
	if len(n.Inputs) != 2 {
		return errors.Errorf("expected 2 inputs, got %d", len(n.Inputs))
	}
	x, err := c.input(n.Inputs[0])
	if err != nil {
		return err
	}
	w, err := c.constOf(n.Inputs[1])
	if err != nil {
		return errors.Wrap(err, "fully connected weights")
	}
	if len(w.Shape) != 2 {
		return errors.Errorf("weight rank %d, want 2", len(w.Shape))
	}

	rows, cols := w.Shape[0], w.Shape[1]
	values, out, in := w.Floats, rows, cols
	if tb, _ := n.Attr("transpose_b"); !tb.B {
		values, out, in = transpose2D(w.Floats, rows, cols), cols, rows
	}
	weights := c.constant(n.Name+"/weights", []int64{out, in}, &sm.Tensor{DType: w.DType, Floats: values})
	bias, err := c.bias(n, out)
	if err != nil {
		return err
	}
	c.emit(OpFullyConnected, n.Name, []int32{x, weights, bias}, FullyConnectedOptions{KeepNumDims: true})
	return nil
}

func compileSoftmax(c *compiler, n *sm.Node) error {
	inputs, err := c.inputs(n.Inputs)
	if err != nil {
		return err
	}
	c.emit(OpSoftmax, n.Name, inputs, SoftmaxOptions{Beta: 1})
	return nil
}

func compileConcat(c *compiler, n *sm.Node) error {
	if len(n.Inputs) < 2 {
		return errors.New("concat needs values and an axis")
	}
	axis, err := c.constOf(n.Inputs[len(n.Inputs)-1])
	if err != nil || len(axis.Ints) != 1 {
		return errors.New("concat axis must be a scalar constant")
	}
	inputs, err := c.inputs(n.Inputs[:len(n.Inputs)-1])
	if err != nil {
		return err
	}
	c.emit(OpConcatenation, n.Name, inputs, ConcatenationOptions{Axis: int32(axis.Ints[0])})
	return nil
}

func compileMean(c *compiler, n *sm.Node) error {
	inputs, err := c.inputs(n.Inputs)
	if err != nil {
		return err
	}
	keep, _ := n.Attr("keep_dims")
	c.emit(OpMean, n.Name, inputs, ReducerOptions{KeepDims: keep.B})
	return nil
}

func compilePool(op BuiltinOperator) opLowering {
	return func(c *compiler, n *sm.Node) error {
		inputs, err := c.inputs(n.Inputs)
		if err != nil {
			return err
		}
		ksize := attrInts(n, "ksize", nil)
		strides := attrInts(n, "strides", []int64{1, 1, 1, 1})
		if len(ksize) != 4 || len(strides) != 4 {
			return errors.New("pooling needs 4D ksize and strides")
		}
		padding := PaddingValid
		if p, _ := n.Attr("padding"); p.S == "SAME" {
			padding = PaddingSame
		}
		c.emit(op, n.Name, inputs, Pool2DOptions{
			Padding:      padding,
			StrideH:      int32(strides[1]),
			StrideW:      int32(strides[2]),
			FilterHeight: int32(ksize[1]),
			FilterWidth:  int32(ksize[2]),
		})
		return nil
	}
}

func compileResize(op BuiltinOperator) opLowering {
	return func(c *compiler, n *sm.Node) error {
		inputs, err := c.inputs(n.Inputs)
		if err != nil {
			return err
		}
		var opts Options
		if op == OpResizeBilinear {
			align, _ := n.Attr("align_corners")
			half, _ := n.Attr("half_pixel_centers")
			opts = ResizeBilinearOptions{AlignCorners: align.B, HalfPixelCenters: half.B}
		}
		c.emit(op, n.Name, inputs, opts)
		return nil
	}
}

func constTensor(n *sm.Node) (*sm.Tensor, error) {
	v, ok := n.Attr("value")
	if !ok || v.Tensor == nil {
		return nil, errors.Errorf("const %s has no value", n.Name)
	}
	return v.Tensor, nil
}

func attrInts(n *sm.Node, name string, def []int64) []int64 {
	if a, ok := n.Attr(name); ok && len(a.Ints) > 0 {
		return a.Ints
	}
	return def
}

// tensorNode strips the output index from a tensor reference such as
// "conv:0".
func tensorNode(ref string) string {
	if i := strings.LastIndexByte(ref, ':'); i >= 0 {
		return ref[:i]
	}
	return ref
}

func tensorType(d sm.DType) (TensorType, error) {
	switch d {
	case sm.DTFloat:
		return TensorFloat32, nil
	case sm.DTHalf:
		return TensorFloat16, nil
	case sm.DTInt32:
		return TensorInt32, nil
	case sm.DTInt64:
		return TensorInt64, nil
	case sm.DTUint8:
		return TensorUint8, nil
	default:
		return 0, errors.Errorf("no TFLite tensor type for dtype %d", d)
	}
}

func isFloat(d sm.DType) bool {
	return d == sm.DTFloat || d == sm.DTHalf || d == sm.DTDouble
}

// staticShape narrows a shape to int32, replacing unknown dimensions with 1.
func staticShape(shape []int64) []int32 {
	out := make([]int32, len(shape))
	for i, d := range shape {
		if d <= 0 {
			d = 1
		}
		out[i] = int32(d)
	}
	return out
}

func int32Shape(shape []int64) []int32 {
	out := make([]int32, len(shape))
	for i, d := range shape {
		out[i] = int32(d)
	}
	return out
}

func float32Bytes(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
	return b
}

func int32Bytes(v []int64) []byte {
	b := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(b[4*i:], uint32(int32(x)))
	}
	return b
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

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
