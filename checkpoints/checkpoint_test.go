package checkpoints

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsawler/distribution-transfer/layers"
	"github.com/tsawler/distribution-transfer/optimizer"
	"github.com/tsawler/distribution-transfer/tensor"
)

func testNetwork(t *testing.T, seed int64) *layers.Network {
	t.Helper()
	spec, err := layers.ChestXRayNet(16)
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}
	net, err := layers.NewNetwork(spec, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("NewNetwork failed: %v", err)
	}
	return net
}

func assertSameWeights(t *testing.T, want, got *layers.Network) {
	t.Helper()
	for _, p := range want.NamedParameters() {
		q, ok := got.Parameter(p.Name)
		if !ok {
			t.Fatalf("parameter %s missing after restore", p.Name)
		}
		if !tensor.SameShape(p.Value.Shape, q.Value.Shape) {
			t.Fatalf("%s: shape %v, expected %v", p.Name, q.Value.Shape, p.Value.Shape)
		}
		for i := range p.Value.Data {
			if p.Value.Data[i] != q.Value.Data[i] {
				t.Fatalf("%s[%d] = %f, expected %f", p.Name, i, q.Value.Data[i], p.Value.Data[i])
			}
		}
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatONNX} {
		t.Run(format.String(), func(t *testing.T) {
			net := testNetwork(t, 1)
			net.Freeze()
			path := filepath.Join(t.TempDir(), "emphysema-std-imgnet-50"+format.Extension())

			state := TrainingState{Epoch: 3, Step: 42, LearningRate: 1e-3, Momentum: 0.9, ValLoss: 0.41, ValAUC: 0.77}
			saver := NewCheckpointSaver(format)
			if err := saver.SaveNetwork(net, path, state); err != nil {
				t.Fatalf("SaveNetwork failed: %v", err)
			}

			restored, ckpt, err := LoadNetwork(path)
			if err != nil {
				t.Fatalf("LoadNetwork failed: %v", err)
			}
			assertSameWeights(t, net, restored)

			state.TrainableFrom = layers.GroupClassifier
			if ckpt.TrainingState != state {
				t.Errorf("training state = %+v, expected %+v", ckpt.TrainingState, state)
			}
			if ckpt.Metadata.Framework != frameworkName {
				t.Errorf("framework = %q", ckpt.Metadata.Framework)
			}
			if restored.NumGroups() != net.NumGroups() {
				t.Errorf("restored %d groups, expected %d", restored.NumGroups(), net.NumGroups())
			}
		})
	}
}

func TestCheckpointKeepsOptimizerState(t *testing.T) {
	net := testNetwork(t, 5)
	sgd, err := optimizer.NewSGD(optimizer.SGDConfig{LearningRate: 0.01, Momentum: 0.9})
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range net.NamedParameters() {
		p.Value.Fill(0)
		for i := range p.Value.Grad {
			p.Value.Grad[i] = 0.5
		}
	}
	if err := sgd.Step(net.ParameterGroups(), nil); err != nil {
		t.Fatal(err)
	}
	want := sgd.GetState()

	for _, format := range []CheckpointFormat{FormatJSON, FormatONNX} {
		t.Run(format.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "m"+format.Extension())
			if err := NewCheckpointSaver(format).SaveNetwork(net, path, TrainingState{Epoch: 1, Optimizer: want}); err != nil {
				t.Fatalf("SaveNetwork failed: %v", err)
			}
			ckpt, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}

			got := ckpt.TrainingState.Optimizer
			if got == nil || got.Type != "SGD" || len(got.StateData) != len(want.StateData) {
				t.Fatalf("optimizer state = %+v", got)
			}
			buf := got.StateData[0]
			if buf.Name != want.StateData[0].Name || len(buf.Data) != len(want.StateData[0].Data) {
				t.Fatalf("buffer %s has %d values, expected %s with %d", buf.Name, len(buf.Data), want.StateData[0].Name, len(want.StateData[0].Data))
			}
			// v = 0.9*0 + 0.5 after one step
			if buf.Data[0] != 0.5 {
				t.Errorf("momentum = %f, expected 0.5", buf.Data[0])
			}
			if got.Parameters["momentum"] != 0.9 {
				t.Errorf("momentum hyper-parameter = %v", got.Parameters["momentum"])
			}
		})
	}
}

func TestRestoredNetworkPredictsIdentically(t *testing.T) {
	net := testNetwork(t, 2)
	path := filepath.Join(t.TempDir(), "model.onnx")
	if err := NewCheckpointSaver(FormatONNX).SaveNetwork(net, path, TrainingState{}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	restored, _, err := LoadNetwork(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	x := tensor.MustNew(2, 3, 16, 16)
	x.FillNormal(0, 1, rand.New(rand.NewSource(3)))
	a, _ := net.Forward(x)
	b, _ := restored.Forward(x)
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("output[%d] = %f, expected %f", i, b.Data[i], a.Data[i])
		}
	}
}

func TestSaveOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "model.json")
	saver := NewCheckpointSaver(FormatJSON)

	first := testNetwork(t, 1)
	second := testNetwork(t, 2)
	if err := saver.SaveNetwork(first, path, TrainingState{Epoch: 1}); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	if err := saver.SaveNetwork(second, path, TrainingState{Epoch: 2}); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	restored, ckpt, err := LoadNetwork(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if ckpt.TrainingState.Epoch != 2 {
		t.Errorf("epoch = %d, expected the later save", ckpt.TrainingState.Epoch)
	}
	assertSameWeights(t, second, restored)

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected only the checkpoint in the directory, found %d entries", len(entries))
	}
}

func TestApplyToNetworkErrors(t *testing.T) {
	net := testNetwork(t, 1)
	ckpt := FromNetwork(net, TrainingState{})

	bad := *ckpt
	bad.Weights = append([]WeightTensor(nil), ckpt.Weights...)
	bad.Weights[0].Shape = []int{1, 2, 3}
	if err := ApplyToNetwork(&bad, testNetwork(t, 2)); !errors.Is(err, layers.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}

	missing := *ckpt
	missing.Weights = ckpt.Weights[1:]
	if err := ApplyToNetwork(&missing, testNetwork(t, 2)); err == nil || !strings.Contains(err.Error(), "no weights") {
		t.Errorf("expected missing-parameter error, got %v", err)
	}

	extra := *ckpt
	extra.Weights = append(append([]WeightTensor(nil), ckpt.Weights...), WeightTensor{Name: "unknown.weight"})
	if err := ApplyToNetwork(&extra, testNetwork(t, 2)); err == nil {
		t.Error("expected error for unknown weight")
	}
}

func TestFromNetworkCopiesData(t *testing.T) {
	net := testNetwork(t, 1)
	ckpt := FromNetwork(net, TrainingState{})
	p, _ := net.Parameter(ckpt.Weights[0].Name)
	before := ckpt.Weights[0].Data[0]
	p.Value.Data[0] += 1
	if ckpt.Weights[0].Data[0] != before {
		t.Error("checkpoint must not alias network memory")
	}
}

func TestApplyMatchingSkipsDifferentHead(t *testing.T) {
	pretrained := testNetwork(t, 1)
	ckpt := FromNetwork(pretrained, TrainingState{})

	// shares only the stem conv with ChestXRayNet; the head is wider
	spec, err := layers.NewModelBuilder([]int{1, 3, 16, 16}).
		AddConv2D(16, 3, 2, 1, true, "features.conv0").
		AddReLU("features.relu0").
		AddGlobalAvgPool2D("features.gap").
		AddDense(2, true, "classifier").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}
	target, _ := layers.NewNetwork(spec, rand.New(rand.NewSource(5)))

	applied, skipped := ApplyMatching(ckpt, target)
	if applied != 2 {
		t.Errorf("applied %d weights, expected the 2 stem tensors", applied)
	}
	for _, name := range skipped {
		if strings.HasPrefix(name, "features.conv0") {
			t.Errorf("%s should have been applied", name)
		}
	}
	conv, _ := target.Parameter("features.conv0.weight")
	src, _ := pretrained.Parameter("features.conv0.weight")
	if conv.Value.Data[5] != src.Value.Data[5] {
		t.Error("matching weight was not copied")
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    CheckpointFormat
		wantErr bool
	}{
		{"", FormatJSON, false},
		{"JSON", FormatJSON, false},
		{"onnx", FormatONNX, false},
		{"pt", FormatJSON, true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFormat(%q) = %v, %v", tt.in, got, err)
		}
	}

	if FormatFromPath("a/b.ONNX") != FormatONNX || FormatFromPath("a/b.json") != FormatJSON {
		t.Error("FormatFromPath picked the wrong format")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}
