package dataloader

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/distribution-transfer/vision/preprocessing"
)

type MockDataset struct {
	items []MockItem
}

type MockItem struct {
	name  string
	label int
}

func (md *MockDataset) Len() int {
	return len(md.items)
}

func (md *MockDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(md.items) {
		return "", 0, fmt.Errorf("index %d out of range", index)
	}
	return md.items[index].name, md.items[index].label, nil
}

// newImageDataset writes n small PNG files whose brightness encodes their
// index and returns a dataset over them with alternating labels
func newImageDataset(t *testing.T, n int) (*MockDataset, string) {
	t.Helper()
	dir := t.TempDir()
	ds := &MockDataset{}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("%08d_000.png", i)
		if err := createMockPNG(filepath.Join(dir, name), 12, 12, uint8(i*10)); err != nil {
			t.Fatalf("Failed to create image: %v", err)
		}
		ds.items = append(ds.items, MockItem{name: name, label: i % 2})
	}
	return ds, dir
}

func createMockPNG(path string, width, height int, level uint8) error {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for i := range img.Pix {
		img.Pix[i] = level
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

func TestNewDataBatchesValidation(t *testing.T) {
	ds, dir := newImageDataset(t, 2)
	if _, err := NewDataBatches(ds, Config{ImageFolder: dir, ImageSize: 8}); err == nil {
		t.Error("expected error for zero batch size")
	}
	if _, err := NewDataBatches(ds, Config{ImageFolder: dir, BatchSize: 2}); err == nil {
		t.Error("expected error for zero image size")
	}
	if _, err := NewDataBatches(&MockDataset{}, Config{BatchSize: 2, ImageSize: 8}); err == nil {
		t.Error("expected error for empty dataset")
	}
}

func TestDataBatchesIteration(t *testing.T) {
	ds, dir := newImageDataset(t, 5)
	db, err := NewDataBatches(ds, Config{ImageFolder: dir, BatchSize: 2, ImageSize: 8})
	if err != nil {
		t.Fatalf("NewDataBatches failed: %v", err)
	}

	if db.Len() != 3 {
		t.Fatalf("Expected 3 batches, got %d", db.Len())
	}

	var sizes []int
	var labels []float32
	for {
		b, ok, err := db.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if !ok {
			break
		}
		if b.Images.Shape[1] != 3 || b.Images.Shape[2] != 8 || b.Images.Shape[3] != 8 {
			t.Errorf("unexpected image shape %v", b.Images.Shape)
		}
		sizes = append(sizes, b.Size())
		labels = append(labels, b.Labels...)
	}

	if fmt.Sprint(sizes) != "[2 2 1]" {
		t.Errorf("batch sizes = %v, expected [2 2 1]", sizes)
	}
	if fmt.Sprint(labels) != "[0 1 0 1 0]" {
		t.Errorf("labels = %v, unshuffled order expected", labels)
	}

	// pixel value survives decode -> cache -> CHW
	db.Reset()
	b, _, _ := db.Next()
	want := float32(10) / 255
	got := b.Images.Data[3*8*8+5] // second image, channel 0
	if got < want-0.01 || got > want+0.01 {
		t.Errorf("pixel = %f, expected about %f", got, want)
	}

	if cur, total := db.Progress(); cur != 2 || total != 5 {
		t.Errorf("Progress = %d/%d", cur, total)
	}
}

func TestDataBatchesShuffleIsSeeded(t *testing.T) {
	ds, dir := newImageDataset(t, 10)
	order := func(seed int64) []int {
		db, _ := NewDataBatches(ds, Config{ImageFolder: dir, BatchSize: 10, ImageSize: 4, Shuffle: true, Seed: seed})
		b, _, _ := db.Next()
		return b.Indices
	}
	if fmt.Sprint(order(3)) != fmt.Sprint(order(3)) {
		t.Error("same seed should give the same order")
	}
	if fmt.Sprint(order(3)) == fmt.Sprint(order(4)) {
		t.Error("different seeds should give different orders")
	}
}

func TestDataBatchesUsesCache(t *testing.T) {
	ds, dir := newImageDataset(t, 4)
	db, _ := NewDataBatches(ds, Config{ImageFolder: dir, BatchSize: 4, ImageSize: 6})

	for epoch := 0; epoch < 3; epoch++ {
		db.Reset()
		if _, _, err := db.Next(); err != nil {
			t.Fatalf("Next failed: %v", err)
		}
	}

	stats := db.GetCacheManager().Stats()
	if stats.Misses != 4 || stats.Hits != 8 {
		t.Errorf("expected 4 misses and 8 hits, got %s", stats)
	}

	db.ClearCache()
	if db.GetCacheManager().Len() != 0 {
		t.Error("owned cache should be cleared")
	}
}

func TestDataBatchesSharedCacheNotCleared(t *testing.T) {
	ds, dir := newImageDataset(t, 2)
	shared := NewCacheManager(10, 6*6)
	db, _ := NewDataBatches(ds, Config{ImageFolder: dir, BatchSize: 2, ImageSize: 6, CacheManager: shared})
	db.Next()
	db.ClearCache()
	if shared.Len() != 2 {
		t.Errorf("shared cache must survive ClearCache, has %d items", shared.Len())
	}
}

// recordingTransform records which dataset indices it was applied to
type recordingTransform struct {
	n       int
	applied []int
}

func (r *recordingTransform) SetRandomChoices(rng *rand.Rand, n int) { r.n = n }

func (r *recordingTransform) Apply(img *image.Gray, i int) *image.Gray {
	r.applied = append(r.applied, i)
	return img
}

func (r *recordingTransform) Name() string { return "recording" }

func TestSetRandomChoicesAppliesTransforms(t *testing.T) {
	ds, dir := newImageDataset(t, 3)
	rec := &recordingTransform{}
	db, _ := NewDataBatches(ds, Config{
		ImageFolder: dir,
		BatchSize:   3,
		ImageSize:   8,
		Shuffle:     true,
		Transforms:  []preprocessing.Transform{rec},
		Seed:        1,
	})

	db.SetRandomChoices()
	if rec.n != 3 {
		t.Errorf("choices drawn for %d images, expected 3", rec.n)
	}

	b, _, err := db.Next()
	if err != nil {
		t.Fatalf("Next with transforms failed: %v", err)
	}
	// transforms are keyed by dataset index, not batch position
	if fmt.Sprint(rec.applied) != fmt.Sprint(b.Indices) {
		t.Errorf("applied to %v, batch holds %v", rec.applied, b.Indices)
	}
}

func TestPreload(t *testing.T) {
	ds, dir := newImageDataset(t, 6)
	db, _ := NewDataBatches(ds, Config{ImageFolder: dir, BatchSize: 3, ImageSize: 8, NumWorkers: 3})

	if err := db.Preload(context.Background()); err != nil {
		t.Fatalf("Preload failed: %v", err)
	}
	if db.GetCacheManager().Len() != 6 {
		t.Errorf("Expected 6 cached images, got %d", db.GetCacheManager().Len())
	}

	db.Next()
	if db.GetCacheManager().Stats().Misses != 0 {
		t.Error("batches after Preload should be served from the cache")
	}
}

func TestPreloadReportsMissingFile(t *testing.T) {
	ds, dir := newImageDataset(t, 3)
	ds.items = append(ds.items, MockItem{name: "missing.png"})
	db, _ := NewDataBatches(ds, Config{ImageFolder: dir, BatchSize: 2, ImageSize: 8, NumWorkers: 2})

	err := db.Preload(context.Background())
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

// brokenDataset fails GetItem at one index
type brokenDataset struct {
	*MockDataset
	failAt int
}

var errBrokenRow = errors.New("broken row")

func (b *brokenDataset) GetItem(index int) (string, int, error) {
	if index == b.failAt {
		return "", 0, errBrokenRow
	}
	return b.MockDataset.GetItem(index)
}

func TestPreloadDatasetErrorStartsNoWork(t *testing.T) {
	ds, dir := newImageDataset(t, 6)
	db, err := NewDataBatches(&brokenDataset{MockDataset: ds, failAt: 4}, Config{ImageFolder: dir, BatchSize: 2, ImageSize: 8, NumWorkers: 2})
	if err != nil {
		t.Fatalf("NewDataBatches failed: %v", err)
	}

	if err := db.Preload(context.Background()); !errors.Is(err, errBrokenRow) {
		t.Fatalf("expected the dataset error, got %v", err)
	}
	// no decode may still be running once Preload has returned
	if n := db.GetCacheManager().Len(); n != 0 {
		t.Errorf("%d images decoded before the dataset error was reported", n)
	}
}

func TestPreloadHonoursCancellation(t *testing.T) {
	ds, dir := newImageDataset(t, 3)
	db, _ := NewDataBatches(ds, Config{ImageFolder: dir, BatchSize: 2, ImageSize: 8, NumWorkers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := db.Preload(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestDefaultWorkers(t *testing.T) {
	if DefaultWorkers() < 1 {
		t.Error("DefaultWorkers must be at least 1")
	}
}
