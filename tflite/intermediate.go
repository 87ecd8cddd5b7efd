package tflite

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/nvr-ai/segconvert/conversion"
	"github.com/nvr-ai/segconvert/onnx"
	sm "github.com/nvr-ai/segconvert/savedmodel"
	"github.com/pkg/errors"
)

// graphDefProducer is the GraphDef producer version stamped on intermediates.
const graphDefProducer = 1205

var (
	toNHWC = []int64{0, 2, 3, 1}
	toNCHW = []int64{0, 3, 1, 2}
)

// tfRule lowers one ONNX node into TensorFlow ops.
type tfRule func(b *tfBuilder, n *onnx.Node) error

var tfRules = map[string]tfRule{
	"Conv":               lowerConv,
	"Relu":               unary("Relu"),
	"Sigmoid":            unary("Sigmoid"),
	"Tanh":               unary("Tanh"),
	"Sqrt":               unary("Sqrt"),
	"Exp":                unary("Exp"),
	"Identity":           unary("Identity"),
	"Dropout":            unary("Identity"),
	"Add":                binaryOp("AddV2"),
	"Sub":                binaryOp("Sub"),
	"Mul":                binaryOp("Mul"),
	"Div":                binaryOp("RealDiv"),
	"Pow":                binaryOp("Pow"),
	"MatMul":             binaryOp("BatchMatMulV2"),
	"Gemm":               lowerGemm,
	"BatchNormalization": lowerBatchNorm,
	"Softmax":            lowerSoftmax,
	"Reshape":            lowerReshape,
	"Transpose":          lowerTranspose,
	"Concat":             lowerConcat,
	"ReduceMean":         lowerReduceMean,
	"GlobalAveragePool":  lowerGlobalAveragePool,
	"MaxPool":            lowerPool("MaxPool"),
	"AveragePool":        lowerPool("AvgPool"),
	"Resize":             lowerResize,
}

// UnsupportedOps returns the operators of g that cannot be lowered to
// TensorFlow ops, sorted and without duplicates.
func UnsupportedOps(g *onnx.ModelGraph) []string {
	var out []string
	for _, op := range g.OpTypes() {
		if _, ok := tfRules[op]; !ok && op != "Constant" {
			out = append(out, op)
		}
	}
	return out
}

// SupportedOps returns the ONNX operators the native engine lowers, sorted.
func SupportedOps() []string {
	out := make([]string, 0, len(tfRules))
	for op := range tfRules {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

type tfBuilder struct {
	g      *onnx.ModelGraph
	nodes  []sm.Node
	names  map[string]string
	taken  map[string]bool
	consts map[string]*onnx.Initializer
}

// lowerGraph translates the graph into a serving SavedModel. Rank-4 inputs
// are declared channels-last and transposed back to NCHW.
func lowerGraph(g *onnx.ModelGraph) (*sm.SavedModel, error) {
	b := &tfBuilder{
		g:      g,
		names:  make(map[string]string),
		taken:  make(map[string]bool),
		consts: make(map[string]*onnx.Initializer),
	}
	sig := sm.Signature{
		MethodName: sm.PredictMethod,
		Inputs:     make(map[string]sm.TensorInfo),
		Outputs:    make(map[string]sm.TensorInfo),
	}

	for _, in := range g.RuntimeInputs() {
		dtype, err := sm.DTypeFor(floatDefault(in.Spec().ElemType))
		if err != nil {
			return nil, errors.Wrapf(err, "input %s", in.Name)
		}
		shape, nhwc := conversion.ChannelsLast(in.Shape)
		placeholder := b.add("Placeholder", in.Name, nil, map[string]sm.Attr{
			"dtype": sm.TypeAttr(dtype),
			"shape": sm.ShapeAttr(shape),
		})
		sig.Inputs[in.Name] = sm.TensorInfo{Name: placeholder + ":0", DType: dtype, Shape: shape}

		if nhwc {
			perm := b.constInts(in.Name+"/to_nchw/perm", toNCHW)
			b.names[in.Name] = b.add("Transpose", in.Name+"/to_nchw", []string{placeholder, perm}, nil)
		} else {
			b.names[in.Name] = placeholder
		}
	}

	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.OpType == "Constant" {
			v, ok := n.Attr("value")
			if !ok || v.T == nil || len(n.Outputs) == 0 {
				return nil, errors.Errorf("constant node %s has no tensor value", n.Name)
			}
			b.consts[n.Outputs[0]] = v.T
			continue
		}
		rule, ok := tfRules[n.OpType]
		if !ok {
			return nil, errors.Errorf("operator %s has no TensorFlow lowering", n.OpType)
		}
		if err := rule(b, n); err != nil {
			return nil, errors.Wrapf(err, "lower %s node %s", n.OpType, n.Name)
		}
	}

	for _, out := range g.Outputs {
		tensor, err := b.ref(out.Name)
		if err != nil {
			return nil, errors.Wrapf(err, "output %s", out.Name)
		}
		dtype, err := sm.DTypeFor(floatDefault(out.Spec().ElemType))
		if err != nil {
			return nil, errors.Wrapf(err, "output %s", out.Name)
		}
		sig.Outputs[out.Name] = sm.TensorInfo{Name: tensor + ":0", DType: dtype, Shape: append([]int64(nil), out.Shape...)}
	}

	return &sm.SavedModel{
		Tags:       []string{sm.ServeTag},
		Producer:   graphDefProducer,
		Nodes:      b.nodes,
		Signatures: map[string]sm.Signature{sm.DefaultServingSignature: sig},
	}, nil
}

var invalidNodeChars = regexp.MustCompile(`[^A-Za-z0-9_./-]`)

// add appends a node under a unique, TensorFlow-legal name derived from
// hint and returns that name.
func (b *tfBuilder) add(op, hint string, inputs []string, attrs map[string]sm.Attr) string {
	name := strings.TrimLeft(invalidNodeChars.ReplaceAllString(hint, "_"), "_./-")
	if name == "" {
		name = strings.ToLower(op)
	}
	base := name
	for i := 1; b.taken[name]; i++ {
		name = base + "_" + strconv.Itoa(i)
	}
	b.taken[name] = true
	if attrs == nil {
		attrs = make(map[string]sm.Attr)
	}
	b.nodes = append(b.nodes, sm.Node{Name: name, Op: op, Inputs: inputs, Attrs: attrs})
	return name
}

func (b *tfBuilder) constFloats(hint string, shape []int64, values []float32) string {
	return b.add("Const", hint, nil, map[string]sm.Attr{
		"dtype": sm.TypeAttr(sm.DTFloat),
		"value": sm.TensorAttr(&sm.Tensor{DType: sm.DTFloat, Shape: shape, Floats: values}),
	})
}

func (b *tfBuilder) constInts(hint string, values []int64) string {
	return b.add("Const", hint, nil, map[string]sm.Attr{
		"dtype": sm.TypeAttr(sm.DTInt32),
		"value": sm.TensorAttr(&sm.Tensor{DType: sm.DTInt32, Shape: []int64{int64(len(values))}, Ints: values}),
	})
}

func (b *tfBuilder) constant(name string) (*onnx.Initializer, bool) {
	if t, ok := b.g.Initializer(name); ok {
		return t, true
	}
	t, ok := b.consts[name]
	return t, ok
}

// ref resolves an ONNX tensor to the TensorFlow node producing it. Constants
// are emitted on first use.
func (b *tfBuilder) ref(name string) (string, error) {
	if tf, ok := b.names[name]; ok {
		return tf, nil
	}
	t, ok := b.constant(name)
	if !ok {
		return "", errors.Errorf("tensor %s is not produced by any node", name)
	}
	var tf string
	if t.DataType.IsFloat() {
		tf = b.constFloats(name, t.Dims, t.Floats)
	} else {
		tf = b.add("Const", name, nil, map[string]sm.Attr{
			"dtype": sm.TypeAttr(sm.DTInt32),
			"value": sm.TensorAttr(&sm.Tensor{DType: sm.DTInt32, Shape: t.Dims, Ints: t.Ints}),
		})
	}
	b.names[name] = tf
	return tf, nil
}

func (b *tfBuilder) bind(n *onnx.Node, tf string) error {
	if len(n.Outputs) == 0 {
		return errors.New("node has no outputs")
	}
	b.names[n.Outputs[0]] = tf
	return nil
}

func (b *tfBuilder) transpose(hint, x string, perm []int64) string {
	p := b.constInts(hint+"/perm", perm)
	return b.add("Transpose", hint, []string{x, p}, nil)
}

func (b *tfBuilder) floatInput(n *onnx.Node, i int) (*onnx.Initializer, error) {
	if i >= len(n.Inputs) || n.Inputs[i] == "" {
		return nil, nil
	}
	t, ok := b.constant(n.Inputs[i])
	if !ok || !t.DataType.IsFloat() {
		return nil, errors.Errorf("input %s must be a float constant", n.Inputs[i])
	}
	return t, nil
}

func (b *tfBuilder) intInput(n *onnx.Node, i int) ([]int64, bool) {
	if i >= len(n.Inputs) || n.Inputs[i] == "" {
		return nil, false
	}
	t, ok := b.constant(n.Inputs[i])
	if !ok || t.DataType.IsFloat() {
		return nil, false
	}
	return t.Ints, true
}

func outName(n *onnx.Node) string {
	if len(n.Outputs) > 0 && n.Outputs[0] != "" {
		return n.Outputs[0]
	}
	return n.Name
}

func unary(op string) tfRule {
	return func(b *tfBuilder, n *onnx.Node) error {
		x, err := b.ref(n.Inputs[0])
		if err != nil {
			return err
		}
		return b.bind(n, b.add(op, outName(n), []string{x}, nil))
	}
}

func binaryOp(op string) tfRule {
	return func(b *tfBuilder, n *onnx.Node) error {
		if len(n.Inputs) != 2 {
			return errors.Errorf("%s expects 2 inputs, got %d", op, len(n.Inputs))
		}
		x, err := b.ref(n.Inputs[0])
		if err != nil {
			return err
		}
		y, err := b.ref(n.Inputs[1])
		if err != nil {
			return err
		}
		return b.bind(n, b.add(op, outName(n), []string{x, y}, nil))
	}
}

// lowerConv emits Transpose(NHWC) [-> Pad] -> Conv2D or
// DepthwiseConv2dNative [-> BiasAdd] -> Transpose(NCHW).
func lowerConv(b *tfBuilder, n *onnx.Node) error {
	w, err := b.floatInput(n, 1)
	if err != nil {
		return err
	}
	if w == nil || len(w.Dims) != 4 {
		return errors.New("conv needs a rank-4 constant weight")
	}
	bias, err := b.floatInput(n, 2)
	if err != nil {
		return err
	}
	x, err := b.ref(n.Inputs[0])
	if err != nil {
		return err
	}

	out := outName(n)
	m, cg, kh, kw := w.Dims[0], w.Dims[1], w.Dims[2], w.Dims[3]
	group := intAttr(n, "group", 1)
	strides := intsAttr(n, "strides", []int64{1, 1})
	dilations := intsAttr(n, "dilations", []int64{1, 1})
	pads := intsAttr(n, "pads", []int64{0, 0, 0, 0})
	autoPad, _ := n.Attr("auto_pad")

	t := b.transpose(out+"/to_nhwc", x, toNHWC)
	padding := "VALID"
	switch {
	case strings.HasPrefix(autoPad.S, "SAME"):
		padding = "SAME"
	case anyNonZero(pads):
		if len(pads) != 4 {
			return errors.Errorf("conv pads %v, want 4 values", pads)
		}
		paddings := b.add("Const", out+"/paddings", nil, map[string]sm.Attr{
			"dtype": sm.TypeAttr(sm.DTInt32),
			"value": sm.TensorAttr(&sm.Tensor{
				DType: sm.DTInt32,
				Shape: []int64{4, 2},
				Ints:  []int64{0, 0, pads[0], pads[2], pads[1], pads[3], 0, 0},
			}),
		})
		t = b.add("Pad", out+"/pad", []string{t, paddings}, nil)
	}

	attrs := map[string]sm.Attr{
		"strides":     sm.IntsAttr(1, strides[0], strides[1], 1),
		"dilations":   sm.IntsAttr(1, dilations[0], dilations[1], 1),
		"padding":     sm.StringAttr(padding),
		"data_format": sm.StringAttr("NHWC"),
		"T":           sm.TypeAttr(sm.DTFloat),
	}

	var conv string
	switch {
	case group == 1:
		filter := b.constFloats(out+"/filter", []int64{kh, kw, cg, m}, oihwToHWIO(w.Floats, m, cg, kh, kw))
		conv = b.add("Conv2D", out+"/conv", []string{t, filter}, attrs)
	case cg == 1 && m%group == 0:
		mult := m / group
		filter := b.constFloats(out+"/filter", []int64{kh, kw, group, mult}, oihwToHWIO(w.Floats, m, cg, kh, kw))
		conv = b.add("DepthwiseConv2dNative", out+"/depthwise", []string{t, filter}, attrs)
	default:
		return errors.Errorf("grouped convolution with %d groups of %d channels is not supported", group, cg)
	}

	if bias != nil {
		bc := b.constFloats(out+"/bias", bias.Dims, bias.Floats)
		conv = b.add("BiasAdd", out+"/bias_add", []string{conv, bc}, map[string]sm.Attr{
			"data_format": sm.StringAttr("NHWC"),
		})
	}
	return b.bind(n, b.transpose(out, conv, toNCHW))
}

// oihwToHWIO reorders an ONNX [out, in, h, w] filter to TensorFlow
// [h, w, in, out]. For depthwise filters (in == 1) the result is
// [h, w, channels, multiplier] with output o = c*multiplier + k, which is
// the same memory order.
func oihwToHWIO(v []float32, o, i, h, w int64) []float32 {
	out := make([]float32, len(v))
	for oo := int64(0); oo < o; oo++ {
		for ii := int64(0); ii < i; ii++ {
			for hh := int64(0); hh < h; hh++ {
				for ww := int64(0); ww < w; ww++ {
					src := ((oo*i+ii)*h+hh)*w + ww
					dst := ((hh*w+ww)*i+ii)*o + oo
					out[dst] = v[src]
				}
			}
		}
	}
	return out
}

func lowerGemm(b *tfBuilder, n *onnx.Node) error {
	if floatAttr(n, "alpha", 1) != 1 || floatAttr(n, "beta", 1) != 1 || intAttr(n, "transA", 0) != 0 {
		return errors.New("gemm with alpha, beta or transA is not supported")
	}
	x, err := b.ref(n.Inputs[0])
	if err != nil {
		return err
	}
	w, err := b.ref(n.Inputs[1])
	if err != nil {
		return err
	}
	out := outName(n)
	mm := b.add("MatMul", out+"/matmul", []string{x, w}, map[string]sm.Attr{
		"transpose_a": sm.BoolAttr(false),
		"transpose_b": sm.BoolAttr(intAttr(n, "transB", 0) != 0),
	})
	if len(n.Inputs) > 2 && n.Inputs[2] != "" {
		c, err := b.ref(n.Inputs[2])
		if err != nil {
			return err
		}
		mm = b.add("BiasAdd", out, []string{mm, c}, nil)
	}
	return b.bind(n, mm)
}

// lowerBatchNorm folds inference-mode batch normalization into a per-channel
// multiply and add.
func lowerBatchNorm(b *tfBuilder, n *onnx.Node) error {
	var ts [4]*onnx.Initializer
	for i := range ts {
		t, err := b.floatInput(n, i+1)
		if err != nil {
			return err
		}
		if t == nil {
			return errors.Errorf("batch normalization input %d missing", i+1)
		}
		ts[i] = t
	}
	gamma, beta, mean, variance := ts[0].Floats, ts[1].Floats, ts[2].Floats, ts[3].Floats
	c := len(gamma)
	if len(beta) != c || len(mean) != c || len(variance) != c {
		return errors.New("batch normalization parameters differ in length")
	}
	eps := float64(floatAttr(n, "epsilon", 1e-5))
	scale := make([]float32, c)
	shift := make([]float32, c)
	for i := range scale {
		s := gamma[i] / float32(math.Sqrt(float64(variance[i])+eps))
		scale[i] = s
		shift[i] = beta[i] - mean[i]*s
	}

	x, err := b.ref(n.Inputs[0])
	if err != nil {
		return err
	}
	out := outName(n)
	shape := []int64{1, int64(c), 1, 1}
	mul := b.add("Mul", out+"/scale", []string{x, b.constFloats(out+"/scale/value", shape, scale)}, nil)
	return b.bind(n, b.add("AddV2", out, []string{mul, b.constFloats(out+"/shift/value", shape, shift)}, nil))
}

func lowerSoftmax(b *tfBuilder, n *onnx.Node) error {
	if axis := intAttr(n, "axis", -1); axis != -1 {
		return errors.Errorf("softmax over axis %d; only the last axis is supported", axis)
	}
	return unary("Softmax")(b, n)
}

func lowerReshape(b *tfBuilder, n *onnx.Node) error {
	shape, ok := b.intInput(n, 1)
	if !ok {
		return errors.New("reshape needs a constant integer shape")
	}
	x, err := b.ref(n.Inputs[0])
	if err != nil {
		return err
	}
	out := outName(n)
	s := b.constInts(out+"/shape", shape)
	return b.bind(n, b.add("Reshape", out, []string{x, s}, nil))
}

func lowerTranspose(b *tfBuilder, n *onnx.Node) error {
	perm, ok := n.Attr("perm")
	if !ok {
		return errors.New("transpose without perm")
	}
	x, err := b.ref(n.Inputs[0])
	if err != nil {
		return err
	}
	return b.bind(n, b.transpose(outName(n), x, perm.Ints))
}

func lowerConcat(b *tfBuilder, n *onnx.Node) error {
	var inputs []string
	for _, in := range n.Inputs {
		x, err := b.ref(in)
		if err != nil {
			return err
		}
		inputs = append(inputs, x)
	}
	out := outName(n)
	inputs = append(inputs, b.add("Const", out+"/axis", nil, map[string]sm.Attr{
		"dtype": sm.TypeAttr(sm.DTInt32),
		"value": sm.TensorAttr(&sm.Tensor{DType: sm.DTInt32, Shape: []int64{}, Ints: []int64{intAttr(n, "axis", 0)}}),
	}))
	return b.bind(n, b.add("ConcatV2", out, inputs, map[string]sm.Attr{"N": sm.IntAttr(int64(len(n.Inputs)))}))
}

func lowerReduceMean(b *tfBuilder, n *onnx.Node) error {
	axes, ok := b.intInput(n, 1)
	if !ok {
		a, found := n.Attr("axes")
		if !found {
			return errors.New("reduce mean needs constant axes")
		}
		axes = a.Ints
	}
	return mean(b, n, axes, intAttr(n, "keepdims", 1) != 0)
}

func lowerGlobalAveragePool(b *tfBuilder, n *onnx.Node) error {
	return mean(b, n, []int64{2, 3}, true)
}

func mean(b *tfBuilder, n *onnx.Node, axes []int64, keep bool) error {
	x, err := b.ref(n.Inputs[0])
	if err != nil {
		return err
	}
	out := outName(n)
	a := b.constInts(out+"/axes", axes)
	return b.bind(n, b.add("Mean", out, []string{x, a}, map[string]sm.Attr{"keep_dims": sm.BoolAttr(keep)}))
}

func lowerPool(op string) tfRule {
	return func(b *tfBuilder, n *onnx.Node) error {
		kernel, ok := n.Attr("kernel_shape")
		if !ok || len(kernel.Ints) != 2 {
			return errors.New("pooling needs a 2D kernel_shape")
		}
		if anyNonZero(intsAttr(n, "pads", nil)) {
			return errors.New("padded pooling is not supported")
		}
		x, err := b.ref(n.Inputs[0])
		if err != nil {
			return err
		}
		out := outName(n)
		strides := intsAttr(n, "strides", []int64{1, 1})
		t := b.transpose(out+"/to_nhwc", x, toNHWC)
		p := b.add(op, out+"/pool", []string{t}, map[string]sm.Attr{
			"ksize":       sm.IntsAttr(1, kernel.Ints[0], kernel.Ints[1], 1),
			"strides":     sm.IntsAttr(1, strides[0], strides[1], 1),
			"padding":     sm.StringAttr("VALID"),
			"data_format": sm.StringAttr("NHWC"),
		})
		return b.bind(n, b.transpose(out, p, toNCHW))
	}
}

// lowerResize handles Resize with constant NCHW output sizes.
func lowerResize(b *tfBuilder, n *onnx.Node) error {
	sizes, ok := b.intInput(n, 3)
	if !ok || len(sizes) != 4 {
		return errors.New("resize needs constant 4D sizes")
	}
	mode, _ := n.Attr("mode")
	op := "ResizeNearestNeighbor"
	if mode.S == "linear" {
		op = "ResizeBilinear"
	}
	ctm, _ := n.Attr("coordinate_transformation_mode")

	x, err := b.ref(n.Inputs[0])
	if err != nil {
		return err
	}
	out := outName(n)
	t := b.transpose(out+"/to_nhwc", x, toNHWC)
	size := b.constInts(out+"/size", sizes[2:])
	r := b.add(op, out+"/resize", []string{t, size}, map[string]sm.Attr{
		"align_corners":      sm.BoolAttr(ctm.S == "align_corners"),
		"half_pixel_centers": sm.BoolAttr(ctm.S == "half_pixel" || ctm.S == "pytorch_half_pixel"),
	})
	return b.bind(n, b.transpose(out, r, toNCHW))
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

func anyNonZero(v []int64) bool {
	for _, x := range v {
		if x != 0 {
			return true
		}
	}
	return false
}

func floatDefault(e conversion.ElemType) conversion.ElemType {
	if e == conversion.ElemUnknown || e == "" {
		return conversion.ElemFloat32
	}
	return e
}
