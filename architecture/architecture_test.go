package architecture

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestOutputShape(t *testing.T) {
	tests := []struct {
		name  string
		layer ConvLayer
		in    Shape
		want  Shape
	}{
		{"same padding", ConvLayer{Filters: 16, Kernel: 3, Stride: 1, Padding: 1}, Shape{3, 32, 32}, Shape{16, 32, 32}},
		{"same padding pooled", ConvLayer{Filters: 16, Kernel: 3, Stride: 1, Padding: 1, PoolSize: 2}, Shape{3, 32, 32}, Shape{16, 16, 16}},
		{"valid", ConvLayer{Filters: 8, Kernel: 5, Stride: 1}, Shape{1, 28, 28}, Shape{8, 24, 24}},
		{"strided", ConvLayer{Filters: 4, Kernel: 3, Stride: 2, Padding: 1}, Shape{3, 32, 32}, Shape{4, 16, 16}},
		{"overlapping pool", ConvLayer{Filters: 2, Kernel: 1, Stride: 1, PoolSize: 3, PoolStride: 2}, Shape{1, 7, 7}, Shape{2, 3, 3}},
		{"pool one is no pool", ConvLayer{Filters: 2, Kernel: 3, Stride: 1, PoolSize: 1}, Shape{1, 5, 5}, Shape{2, 3, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.layer.OutputShape(tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("OutputShape = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestOutputShapeRejects(t *testing.T) {
	tests := []struct {
		name  string
		layer ConvLayer
		in    Shape
		want  error
	}{
		{"kernel larger than input", ConvLayer{Filters: 1, Kernel: 7, Stride: 1}, Shape{1, 5, 5}, ErrDegenerateShape},
		{"pool larger than conv output", ConvLayer{Filters: 1, Kernel: 3, Stride: 1, PoolSize: 4}, Shape{1, 5, 5}, ErrDegenerateShape},
		{"zero stride", ConvLayer{Filters: 1, Kernel: 3}, Shape{1, 5, 5}, ErrInvalidLayer},
		{"zero filters", ConvLayer{Kernel: 3, Stride: 1}, Shape{1, 5, 5}, ErrInvalidLayer},
		{"empty input", ConvLayer{Filters: 1, Kernel: 1, Stride: 1}, Shape{1, 0, 5}, ErrDegenerateShape},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.layer.OutputShape(tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDeriveFlattenIsOutputSize(t *testing.T) {
	base := []ConvLayer{
		{Filters: 16, Kernel: 3, Stride: 1, Padding: 1, PoolSize: 2},
		{Filters: 32, Kernel: 3, Stride: 1, Padding: 1, PoolSize: 2},
	}
	programs := []string{
		"identity",
		"",
		"add(64,3,1,1,2)",
		"drop(1)",
		"insert(0,8,5,1,2); stride(1,2)",
		"filters(0,3); pool(1,0); kernel(1,1)",
	}
	for _, text := range programs {
		t.Run(text, func(t *testing.T) {
			prog, err := Parse(text)
			if err != nil {
				t.Fatal(err)
			}
			d, err := Derive(prog, Shape{3, 32, 32}, base)
			if err != nil {
				t.Fatal(err)
			}
			out := d.Output()
			if d.FlattenSize != out.C*out.H*out.W {
				t.Errorf("flatten %d, final shape %s", d.FlattenSize, out)
			}
			if len(d.Shapes) != len(d.Layers) {
				t.Errorf("%d shapes for %d layers", len(d.Shapes), len(d.Layers))
			}
		})
	}
}

func TestDeriveKnownStack(t *testing.T) {
	base := []ConvLayer{
		{Filters: 16, Kernel: 3, Stride: 1, Padding: 1, PoolSize: 2},
		{Filters: 32, Kernel: 3, Stride: 1, Padding: 1, PoolSize: 2},
	}
	d, err := Derive(nil, Shape{3, 32, 32}, base)
	if err != nil {
		t.Fatal(err)
	}
	want := []Shape{{16, 16, 16}, {32, 8, 8}}
	if diff := cmp.Diff(want, d.Shapes); diff != "" {
		t.Errorf("shapes (-want +got):\n%s", diff)
	}
	if d.FlattenSize != 2048 {
		t.Errorf("flatten = %d, want 2048", d.FlattenSize)
	}
}

func TestDeriveLeavesBaseAlone(t *testing.T) {
	base := []ConvLayer{{Filters: 16, Kernel: 3, Stride: 1, Padding: 1, PoolSize: 2}}
	before := append([]ConvLayer(nil), base...)
	prog, err := Parse("filters(0,64); add(8,3,1,1)")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Derive(prog, Shape{3, 32, 32}, base); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(before, base); diff != "" {
		t.Errorf("base layers changed (-want +got):\n%s", diff)
	}
}

func TestDeriveRejectsDegenerate(t *testing.T) {
	base := []ConvLayer{{Filters: 4, Kernel: 3, Stride: 1, Padding: 1, PoolSize: 2}}
	for _, text := range []string{
		"add(4,3,1,0,2); add(4,3,1,0,2); add(4,3,1,0,2); add(4,3,1,0,2)",
		"kernel(0,40)",
		"pool(0,64)",
	} {
		prog, err := Parse(text)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := Derive(prog, Shape{1, 16, 16}, base); !errors.Is(err, ErrDegenerateShape) {
			t.Errorf("%s: err = %v, want ErrDegenerateShape", text, err)
		}
	}
}

func TestDeriveRejectsBadEdit(t *testing.T) {
	base := []ConvLayer{{Filters: 1, Kernel: 1, Stride: 1}}
	for _, text := range []string{"drop(2)", "insert(-7,4,3,1,1)", "insert(-1,4,3,1,1)", "insert(2,4,3,1,1)", "stride(-1,2)"} {
		prog, err := Parse(text)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := Derive(prog, Shape{1, 8, 8}, base); !errors.Is(err, ErrInvalidLayer) {
			t.Errorf("%s: err = %v, want ErrInvalidLayer", text, err)
		}
	}
}

func TestInsertAndAdd(t *testing.T) {
	base := []ConvLayer{{Filters: 1, Kernel: 1, Stride: 1}, {Filters: 2, Kernel: 1, Stride: 1}}
	l := ConvLayer{Filters: 9, Kernel: 1, Stride: 1}
	tests := []struct {
		op   Op
		want []int
	}{
		{Add{Layer: l}, []int{1, 2, 9}},
		{Insert{At: 0, Layer: l}, []int{9, 1, 2}},
		{Insert{At: 1, Layer: l}, []int{1, 9, 2}},
		{Insert{At: 2, Layer: l}, []int{1, 2, 9}},
	}
	for _, tt := range tests {
		got, err := tt.op.Apply(base)
		if err != nil {
			t.Fatalf("%s: %v", tt.op.Name(), err)
		}
		filters := make([]int, len(got))
		for i, g := range got {
			filters[i] = g.Filters
		}
		if diff := cmp.Diff(tt.want, filters); diff != "" {
			t.Errorf("%s filters (-want +got):\n%s", tt.op.Name(), diff)
		}
	}
	if len(base) != 2 {
		t.Errorf("base grew to %d layers", len(base))
	}
}

func TestCost(t *testing.T) {
	base := []ConvLayer{{Filters: 16, Kernel: 3, Stride: 1, Padding: 1, PoolSize: 2}}
	d, err := Derive(nil, Shape{3, 32, 32}, base)
	if err != nil {
		t.Fatal(err)
	}
	// weights 16*3*9+16, conv 16*32*32, pooled 16*16*16, dense 4096*10 + 2*10
	want := 448 + 16384 + 4096 + 40960 + 20
	if got := d.Cost([]int{d.FlattenSize, 10}); got != want {
		t.Errorf("cost = %d, want %d", got, want)
	}

	prog, err := Parse("filters(0,1000000000)")
	if err != nil {
		t.Fatal(err)
	}
	huge, err := Derive(prog, Shape{3, 32, 32}, base)
	if err != nil {
		t.Fatal(err)
	}
	if got := huge.Cost([]int{huge.FlattenSize, 64, 10}); got < 1<<40 {
		t.Errorf("cost = %d, want a very large count", got)
	}
	if got := (Shape{1 << 40, 1 << 20, 1 << 20}).Size(); got != math.MaxInt {
		t.Errorf("saturated size = %d", got)
	}
}

func TestClassifier(t *testing.T) {
	fcn := []int{0, 64, 10}
	got, err := Classifier(fcn, 2048)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2048, 64, 10}, got); diff != "" {
		t.Errorf("classifier (-want +got):\n%s", diff)
	}
	if fcn[0] != 0 {
		t.Errorf("configured widths mutated: %v", fcn)
	}
	if _, err := Classifier([]int{10}, 5); !errors.Is(err, ErrInvalidLayer) {
		t.Errorf("single width: err = %v", err)
	}
	if _, err := Classifier(fcn, 0); !errors.Is(err, ErrDegenerateShape) {
		t.Errorf("zero flatten: err = %v", err)
	}
}

func TestParse(t *testing.T) {
	prog, err := Parse("add(64,3,1,1,2); insert(0,8,5,1,0); drop(1); stride(0,2); pad(0,2)")
	if err != nil {
		t.Fatal(err)
	}
	want := Program{
		Add{Layer: ConvLayer{Filters: 64, Kernel: 3, Stride: 1, Padding: 1, PoolSize: 2}},
		Insert{At: 0, Layer: ConvLayer{Filters: 8, Kernel: 5, Stride: 1}},
		Drop{At: 1},
		Set{At: 0, Field: "stride", Value: 2},
		Set{At: 0, Field: "pad", Value: 2},
	}
	if diff := cmp.Diff(want, prog); diff != "" {
		t.Errorf("program (-want +got):\n%s", diff)
	}
	if got := (Program{}).String(); got != "identity" {
		t.Errorf("empty program String = %q", got)
	}

	for _, bad := range []string{"add(1,2,3)", "drop(0.5)", "grow(1)", "filters(1)"} {
		if _, err := Parse(bad); err == nil {
			t.Errorf("Parse(%q) succeeded", bad)
		}
	}
}
