// Package main provides the deepgraph CLI.
package main

import (
	"flag"
	"fmt"
	"os"
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/deepgraph"
	"github.com/born-ml/deepgraph/internal/graph"
	"github.com/born-ml/deepgraph/internal/tensor"
)

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()
	defer klog.Flush()

	var err error
	switch flag.Arg(0) {
	case "version":
		fmt.Printf("deepgraph %s\n", deepgraph.Version)
	case "backends":
		backends()
	case "selfcheck":
		err = selfcheck()
	default:
		usage()
		return
	}
	if err != nil {
		klog.ErrorS(err, "command failed", "command", flag.Arg(0))
		klog.Flush()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("deepgraph - layer-graph deep learning engine")
	fmt.Printf("Version: %s\n\n", deepgraph.Version)
	fmt.Println("Commands:")
	fmt.Println("  version    Show version")
	fmt.Println("  backends   List compiled-in backends and whether their first device opens")
	fmt.Println("  selfcheck  Run the reference convolution on every available device")
	fmt.Println("")
	fmt.Println("klog flags (-v, -logtostderr, ...) go before the command.")
}

// firstDevices returns the first device of every device kind.
func firstDevices() []tensor.Device {
	return []tensor.Device{tensor.CPU, tensor.GPU(0), tensor.FPGA(0)}
}

func backends() {
	registered := tensor.Backends()
	for _, dev := range firstDevices() {
		if !slices.Contains(registered, dev.Kind) {
			fmt.Printf("%-8s not compiled in\n", dev.Kind)
			continue
		}
		if _, err := tensor.Resolve(dev); err != nil {
			fmt.Printf("%-8s unavailable (%v)\n", dev.Kind, err)
			continue
		}
		fmt.Printf("%-8s ok (%s)\n", dev.Kind, dev)
	}
}

var (
	checkInput = []float32{
		0, 1, 0, 4, 5,
		2, 3, 2, 1, 3,
		4, 4, 0, 4, 3,
		2, 5, 2, 6, 4,
		1, 0, 0, 5, 7,
	}
	checkOutput = []float32{16, 19, 22, 24, 27, 25, 18, 26, 31}
	checkDelta  = []float32{
		1, 2, 3, 2, 1,
		2, 4, 6, 4, 2,
		3, 6, 9, 6, 3,
		2, 4, 6, 4, 2,
		1, 2, 3, 2, 1,
	}
)

func selfcheck() error {
	failed := 0
	for _, dev := range firstDevices() {
		if _, err := tensor.Resolve(dev); err != nil {
			fmt.Printf("%-8s skipped\n", dev)
			continue
		}
		if err := convCheck(dev); err != nil {
			fmt.Printf("%-8s FAIL: %v\n", dev, err)
			failed++
			continue
		}
		fmt.Printf("%-8s ok\n", dev)
	}
	if failed > 0 {
		return errors.Errorf("%d device(s) failed", failed)
	}
	return nil
}

// convCheck runs a 3x3 ones kernel over a 5x5 image with valid padding
// and checks the output and the input delta for an all-ones output delta.
func convCheck(dev tensor.Device) error {
	g := graph.New(graph.DefaultConfig())
	defer g.Destroy()

	in, err := g.Input(graph.InputConfig{Shape: tensor.Shape{1, 1, 5, 5}, Device: dev})
	if err != nil {
		return err
	}
	pass, err := g.Activation(graph.ActivationConfig{Func: graph.FuncLinear}, in)
	if err != nil {
		return err
	}
	conv, err := g.Conv(graph.ConvConfig{
		ConvConfig: tensor.ConvConfig{Filters: 1, KernelSize: []int{3, 3}},
		Init:       "ones",
	}, pass)
	if err != nil {
		return err
	}
	conv.Initialize(nil)
	tensor.Load(in.Output(), checkInput)

	pass.Forward()
	conv.Forward()
	if got := conv.Output().Data(); !slices.Equal(got, checkOutput) {
		return errors.Errorf("forward: got %v, want %v", got, checkOutput)
	}

	d, err := conv.EnsureDelta()
	if err != nil {
		return err
	}
	tensor.Fill(d, 1)
	if err := conv.Backward(); err != nil {
		return err
	}
	if got := pass.Delta().Data(); !slices.Equal(got, checkDelta) {
		return errors.Errorf("backward: got %v, want %v", got, checkDelta)
	}
	klog.V(1).InfoS("selfcheck passed", "device", dev.String())
	return nil
}
