package dataloader

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/distribution-transfer/tensor"
	"github.com/tsawler/distribution-transfer/vision/preprocessing"
)

// Dataset interface defines the contract for datasets
type Dataset interface {
	Len() int
	GetItem(index int) (imagePath string, label int, err error)
}

// Batch is one mini-batch of images in NCHW layout with binary targets
type Batch struct {
	Images  *tensor.Tensor
	Labels  []float32
	Indices []int // dataset indices of the batch items
}

// Size returns the number of images in the batch
func (b *Batch) Size() int {
	return len(b.Labels)
}

// Config holds configuration for DataBatches
type Config struct {
	ImageFolder string // joined with the dataset's image names
	BatchSize   int
	Shuffle     bool
	ImageSize   int
	// Normalize applies ImageNet mean/std normalization
	Normalize  bool
	Transforms []preprocessing.Transform
	// MaxCacheSize is the maximum number of decoded images to keep.
	// Zero caches the whole dataset.
	MaxCacheSize int
	NumWorkers   int // Preload workers; zero uses the logical core count
	CacheManager *CacheManager // Optional shared cache manager
	Seed         int64
}

// DataBatches iterates a dataset in mini-batches, decoding images through
// an LRU cache and applying per-epoch augmentations
type DataBatches struct {
	dataset   Dataset
	config    Config
	indices   []int
	position  int
	rng       *rand.Rand
	mu        sync.Mutex
	processor *preprocessing.ImageProcessor

	// Cache manager - can be shared between DataBatches
	cacheManager *CacheManager
	ownedCache   bool
}

// NewDataBatches creates batches over dataset
func NewDataBatches(dataset Dataset, config Config) (*DataBatches, error) {
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.ImageSize <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", config.ImageSize)
	}
	if dataset.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}
	if config.MaxCacheSize == 0 {
		config.MaxCacheSize = dataset.Len()
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = DefaultWorkers()
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	cacheManager := config.CacheManager
	ownedCache := false
	if cacheManager == nil {
		cacheManager = NewCacheManager(config.MaxCacheSize, config.ImageSize*config.ImageSize)
		ownedCache = true
	}

	db := &DataBatches{
		dataset:      dataset,
		config:       config,
		indices:      indices,
		rng:          rand.New(rand.NewSource(config.Seed)),
		processor:    preprocessing.NewImageProcessor(config.ImageSize, config.Normalize),
		cacheManager: cacheManager,
		ownedCache:   ownedCache,
	}
	db.shuffle()
	return db, nil
}

// DefaultWorkers returns the number of logical cores, at least 1
func DefaultWorkers() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return 1
}

func (db *DataBatches) shuffle() {
	if db.config.Shuffle {
		db.rng.Shuffle(len(db.indices), func(i, j int) {
			db.indices[i], db.indices[j] = db.indices[j], db.indices[i]
		})
	}
}

// Len returns the number of batches per epoch
func (db *DataBatches) Len() int {
	return (db.dataset.Len() + db.config.BatchSize - 1) / db.config.BatchSize
}

// NumSamples returns the number of images
func (db *DataBatches) NumSamples() int {
	return db.dataset.Len()
}

// SetRandomChoices draws new augmentation parameters for every image
func (db *DataBatches) SetRandomChoices() {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, t := range db.config.Transforms {
		t.SetRandomChoices(db.rng, db.dataset.Len())
	}
}

// Reset rewinds to the first batch, reshuffling when enabled
func (db *DataBatches) Reset() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.position = 0
	db.shuffle()
}

// Next returns the next batch. ok is false once the epoch is exhausted.
func (db *DataBatches) Next() (*Batch, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	remaining := len(db.indices) - db.position
	if remaining <= 0 {
		return nil, false, nil
	}
	size := db.config.BatchSize
	if remaining < size {
		size = remaining
	}

	s := db.config.ImageSize
	images, err := tensor.New(size, 3, s, s)
	if err != nil {
		return nil, false, err
	}
	batch := &Batch{Images: images, Labels: make([]float32, size), Indices: make([]int, size)}
	perImage := 3 * s * s

	for i := 0; i < size; i++ {
		idx := db.indices[db.position+i]
		name, label, err := db.dataset.GetItem(idx)
		if err != nil {
			return nil, false, err
		}

		pixels, err := db.loadImageWithCache(name)
		if err != nil {
			return nil, false, fmt.Errorf("image %s: %w", name, err)
		}
		gray, err := preprocessing.FloatsToGray(pixels, s)
		if err != nil {
			return nil, false, fmt.Errorf("image %s: %w", name, err)
		}
		gray = preprocessing.ApplyAll(db.config.Transforms, gray, idx)

		copy(images.Data[i*perImage:(i+1)*perImage], db.processor.ToCHW(gray))
		batch.Labels[i] = float32(label)
		batch.Indices[i] = idx
	}

	db.position += size
	return batch, true, nil
}

func (db *DataBatches) imagePath(name string) string {
	if db.config.ImageFolder == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(db.config.ImageFolder, name)
}

// loadImageWithCache returns the resized grayscale pixels of an image
func (db *DataBatches) loadImageWithCache(name string) ([]float32, error) {
	path := db.imagePath(name)
	if cachedData, exists := db.cacheManager.Get(path); exists {
		return cachedData, nil
	}

	data, err := db.decode(path)
	if err != nil {
		return nil, err
	}
	db.cacheManager.Put(path, data)
	return data, nil
}

func (db *DataBatches) decode(path string) ([]float32, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gray, err := db.processor.DecodeGray(file)
	if err != nil {
		return nil, err
	}
	return preprocessing.GrayToFloats(gray), nil
}

// Preload decodes every image into the cache with NumWorkers goroutines.
// The first decode error cancels the remaining work. A dataset error is
// reported before any decoding starts.
func (db *DataBatches) Preload(ctx context.Context) error {
	paths := make([]string, db.dataset.Len())
	for i := range paths {
		name, _, err := db.dataset.GetItem(i)
		if err != nil {
			return fmt.Errorf("preload item %d: %w", i, err)
		}
		paths[i] = db.imagePath(name)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(db.config.NumWorkers)

	for _, path := range paths {
		path := path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, ok := db.cacheManager.Peek(path); ok {
				return nil
			}
			data, err := db.decode(path)
			if err != nil {
				return fmt.Errorf("preload %s: %w", path, err)
			}
			db.cacheManager.Put(path, data)
			return nil
		})
	}
	return g.Wait()
}

// Stats returns cache statistics
func (db *DataBatches) Stats() string {
	return db.cacheManager.Stats().String()
}

// Progress returns the current position within the epoch
func (db *DataBatches) Progress() (current, total int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.position, len(db.indices)
}

// ClearCache clears the image cache when this instance owns it
func (db *DataBatches) ClearCache() {
	if db.ownedCache {
		db.cacheManager.Clear()
	}
}

// GetCacheManager returns the cache manager for sharing between DataBatches
func (db *DataBatches) GetCacheManager() *CacheManager {
	return db.cacheManager
}
