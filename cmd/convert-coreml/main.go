// Package main - Converts the SegFormer ONNX graph to CoreML FP32 and FP16
// models. Paths come from segconvert.yaml or SEGCONVERT_* variables.
package main

import (
	"os"

	"github.com/nvr-ai/segconvert/app"
	"github.com/nvr-ai/segconvert/conversion"
)

func main() {
	os.Exit(app.Main(conversion.FamilyCoreML))
}
