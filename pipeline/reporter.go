package pipeline

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/nvr-ai/segconvert/conversion"
	"github.com/nvr-ai/segconvert/onnx"
)

// Reporter receives human-facing progress of a run.
type Reporter interface {
	Start(family conversion.Family, input, output string)
	Loaded(g *onnx.ModelGraph)
	Stage(family conversion.Family, stage Stage)
	Saved(a *conversion.Artifact)
	Compression(ratio float64)
	Verified(v *conversion.VerificationReport)
	Warning(msg string)
	Finish(r *Report)
}

// NopReporter discards progress.
type NopReporter struct{}

func (NopReporter) Start(conversion.Family, string, string) {}
func (NopReporter) Loaded(*onnx.ModelGraph) {}
func (NopReporter) Stage(conversion.Family, Stage) {}
func (NopReporter) Saved(*conversion.Artifact) {}
func (NopReporter) Compression(float64) {}
func (NopReporter) Verified(*conversion.VerificationReport) {}
func (NopReporter) Warning(string) {}
func (NopReporter) Finish(*Report) {}

// ConsoleReporter prints emoji-tagged progress lines.
type ConsoleReporter struct {
	w io.Writer
	// Assets is where the next-steps hint tells operators to copy the FP16
	// artifact.
	Assets string
}

// NewConsoleReporter creates a reporter writing to w.
func NewConsoleReporter(w io.Writer) *ConsoleReporter {
	return &ConsoleReporter{w: w, Assets: "Assets/StreamingAssets/"}
}

var banner = strings.Repeat("=", 60)

var titles = map[conversion.Family]string{
	conversion.FamilyCoreML: "CoreML",
	conversion.FamilyTFLite: "TensorFlow Lite",
}

func (c *ConsoleReporter) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.w, format+"\n", args...)
}

// Start prints the run header.
func (c *ConsoleReporter) Start(family conversion.Family, input, output string) {
	c.printf("%s", banner)
	c.printf("🤖 SegFormer-B0 ONNX → %s", titles[family])
	c.printf("%s", banner)
	c.printf("📁 Input:  %s", input)
	c.printf("📁 Output: %s", output)
	c.printf("")
}

// Loaded prints the graph identity.
func (c *ConsoleReporter) Loaded(g *onnx.ModelGraph) {
	c.printf("✅ ONNX model loaded")
	c.printf("   IR Version: %d", g.IRVersion)
	c.printf("   Producer: %s", g.ProducerName)
	c.printf("")
}

// Stage prints the line announcing a stage.
func (c *ConsoleReporter) Stage(family conversion.Family, stage Stage) {
	switch stage {
	case StageLoad:
		c.printf("📥 Loading ONNX model...")
	case StageConvert:
		c.printf("🔄 Converting to %s...", titles[family])
		c.printf("   This may take several minutes...")
	case StageQuantize:
		c.printf("🗜️  Quantization (FP16) to reduce size...")
	case StageVerify:
		c.printf("🔍 Verifying %s model...", titles[family])
	case StagePersist:
		c.printf("💾 Saving %s models...", titles[family])
	}
}

// Saved prints a persisted artifact and its size.
func (c *ConsoleReporter) Saved(a *conversion.Artifact) {
	c.printf("✅ %s model saved: %s", a.Target.Precision(), a.Path)
	c.printf("📊 Size: %.1f MB", megabytes(a.Size))
}

// Compression prints the FP16 size reduction.
func (c *ConsoleReporter) Compression(ratio float64) {
	c.printf("📉 Compression: %.1f%%", ratio*100)
	c.printf("")
}

// Verified prints the tensors read back from an artifact.
func (c *ConsoleReporter) Verified(v *conversion.VerificationReport) {
	c.printf("   %s (%s runtime):", v.Target, v.Runtime)
	c.printf("     Input  Shape: %v, Dtype: %s", v.Input.Shape, v.Input.ElemType)
	c.printf("     Output Shape: %v, Dtype: %s", v.Output.Shape, v.Output.ElemType)
	for _, m := range v.Mismatches {
		c.printf("     ⚠️  %s", m)
	}
}

// Warning prints a non-fatal problem.
func (c *ConsoleReporter) Warning(msg string) {
	c.printf("⚠️  %s", msg)
}

// Finish prints the success summary or the failure banner.
func (c *ConsoleReporter) Finish(r *Report) {
	c.printf("")
	if !r.Succeeded() {
		c.printf("%s", banner)
		c.printf("❌ Conversion failed: %s", r.ErrorKind)
		c.printf("%s", banner)
		c.printf("   %s", r.Error)
		return
	}

	c.printf("%s", banner)
	c.printf("🎉 CONVERSION SUCCEEDED!")
	c.printf("%s", banner)
	c.printf("")
	if fp16, ok := r.fp16(); ok {
		c.printf("📋 Next steps:")
		c.printf("1. Copy %s into %s", filepath.Base(fp16.Path), c.Assets)
		c.printf("2. Build the %s native plugin that loads it", titles[r.Family])
		c.printf("3. Build the app and test on device")
		c.printf("")
	}
	if r.Path != "" {
		c.printf("📝 Report: %s", r.Path)
	}
}

func (r *Report) fp16() (ArtifactEntry, bool) {
	for _, a := range r.Artifacts {
		if a.Target.Precision() == conversion.PrecisionFP16 {
			return a, true
		}
	}
	return ArtifactEntry{}, false
}

func megabytes(n int64) float64 {
	return float64(n) / (1024 * 1024)
}
