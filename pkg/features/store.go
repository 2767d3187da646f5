package features

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/audioclassifier/pkg/config"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

const (
	// IndexFileName is the name of the index file in the features directory.
	IndexFileName = "index.json"

	// SpecKey and MFCCKey are the names of the arrays stored in each features file.
	SpecKey = "spec"
	MFCCKey = "mfcc"
)

// Index lists the extracted features.
type Index struct {
	// Classes are the sorted class names: the label of a class is its position.
	Classes  []string        `json:"classes"`
	Settings config.Features `json:"settings"`
	Entries  []Entry         `json:"entries"`
}

// Entry describes the features of one audio file.
type Entry struct {
	// Audio is the path of the audio file, relative to the audio directory.
	Audio string `json:"audio"`

	// Path of the features file, relative to the features directory.
	Path   string `json:"path"`
	Class  string `json:"class"`
	Label  int    `json:"label"`
	Frames int    `json:"frames"`
}

// Features of one audio file.
type Features struct {
	Spec [][]float32
	MFCC [][]float32
}

// listAudio returns the classes (sub-directories of audioDir) and the .wav files of each class.
func listAudio(audioDir string) (classes []string, files map[string][]string, err error) {
	dirEntries, err := os.ReadDir(audioDir)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to list audio directory %q", audioDir)
	}
	files = make(map[string][]string)
	for _, dirEntry := range dirEntries {
		if !dirEntry.IsDir() || strings.HasPrefix(dirEntry.Name(), ".") {
			continue
		}
		class := dirEntry.Name()
		classEntries, err := os.ReadDir(filepath.Join(audioDir, class))
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to list class directory %q", class)
		}
		for _, fileEntry := range classEntries {
			if fileEntry.IsDir() || !strings.EqualFold(filepath.Ext(fileEntry.Name()), ".wav") {
				continue
			}
			files[class] = append(files[class], filepath.Join(class, fileEntry.Name()))
		}
		if len(files[class]) > 0 {
			classes = append(classes, class)
		}
	}
	slices.Sort(classes)
	return classes, files, nil
}

// ExtractAll extracts the features of every .wav file under cfg.Paths.AudioDir, where each sub-directory
// is a class, and stores them in cfg.Paths.FeaturesDir along with an index.
//
// Files that fail to be processed are logged and skipped. It fails only if no file could be processed.
func ExtractAll(ctx context.Context, cfg *config.Config) (*Index, error) {
	settings := cfg.Features
	audioDir, featuresDir := cfg.Paths.AudioDir, cfg.Paths.FeaturesDir
	classes, files, err := listAudio(audioDir)
	if err != nil {
		return nil, err
	}
	if len(classes) == 0 {
		return nil, errors.Errorf("no .wav files found in the class sub-directories of %q", audioDir)
	}
	if err := os.MkdirAll(featuresDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create features directory %q", featuresDir)
	}
	type job struct {
		audio string
		class string
		label int
	}
	var jobs []job
	for label, class := range classes {
		for _, audio := range files[class] {
			jobs = append(jobs, job{audio: audio, class: class, label: label})
		}
	}
	numWorkers := settings.NumWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	klog.Infof("Extracting features of %d files in %d classes, with %d workers", len(jobs), len(classes), numWorkers)

	entries := make([]*Entry, len(jobs))
	var numFailed atomic.Int64
	var bytesWritten atomic.Int64
	extractors := sync.Pool{New: func() any {
		e, err := NewExtractor(settings)
		if err != nil {
			return err
		}
		return e
	}}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(numWorkers)
	for ii, j := range jobs {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			pooled := extractors.Get()
			extractor, ok := pooled.(*Extractor)
			if !ok {
				return pooled.(error)
			}
			defer extractors.Put(extractor)

			samples, err := Decode(filepath.Join(audioDir, j.audio), settings.SampleRate, settings.MaxDuration)
			if err != nil {
				klog.Warningf("Skipping %q: %v", j.audio, err)
				numFailed.Add(1)
				return nil
			}
			spec, mfcc := extractor.Compute(samples)
			relPath := strings.TrimSuffix(j.audio, filepath.Ext(j.audio)) + ".npz"
			outPath := filepath.Join(featuresDir, relPath)
			size, err := Save(outPath, &Features{Spec: spec, MFCC: mfcc})
			if err != nil {
				return err
			}
			bytesWritten.Add(size)
			entries[ii] = &Entry{Audio: j.audio, Path: relPath, Class: j.class, Label: j.label, Frames: len(spec)}
			klog.V(2).Infof("%s: %d frames", j.audio, len(spec))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.WithMessagef(err, "feature extraction failed")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "feature extraction interrupted")
	}

	index := &Index{Classes: classes, Settings: settings}
	for _, entry := range entries {
		if entry != nil {
			index.Entries = append(index.Entries, *entry)
		}
	}
	if len(index.Entries) == 0 {
		return nil, errors.Errorf("failed to extract features from all %d files in %q", len(jobs), audioDir)
	}
	if err := index.Save(featuresDir); err != nil {
		return nil, err
	}
	klog.Infof("Extracted features of %d files (%d skipped), %s written to %q",
		len(index.Entries), numFailed.Load(), humanize.Bytes(uint64(bytesWritten.Load())), featuresDir)
	return index, nil
}

// Save stores the features in a .npz file at path, creating its directory if needed.
// It returns the size of the file written.
func Save(path string, f *Features) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, errors.Wrapf(err, "failed to create directory for %q", path)
	}
	arrays := map[string]*tensors.Tensor{
		SpecKey: matrixToTensor(f.Spec),
		MFCCKey: matrixToTensor(f.MFCC),
	}
	if err := numpy.ToNpzFile(arrays, path); err != nil {
		return 0, errors.WithMessagef(err, "failed to save features to %q", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to stat %q", path)
	}
	return info.Size(), nil
}

// Load reads features saved with Save.
func Load(path string) (*Features, error) {
	arrays, err := numpy.FromNpzFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load features from %q", path)
	}
	f := &Features{}
	for key, target := range map[string]*[][]float32{SpecKey: &f.Spec, MFCCKey: &f.MFCC} {
		t, found := arrays[key]
		if !found {
			return nil, errors.Errorf("features file %q has no %q array", path, key)
		}
		*target, err = tensorToMatrix(t)
		if err != nil {
			return nil, errors.WithMessagef(err, "features file %q, array %q", path, key)
		}
	}
	return f, nil
}

// LoadFeatures reads the features of entry, stored in featuresDir.
func LoadFeatures(featuresDir string, entry Entry) (*Features, error) {
	return Load(filepath.Join(featuresDir, entry.Path))
}

// Save writes the index as JSON in dir.
func (index *Index) Save(dir string) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode features index")
	}
	path := filepath.Join(dir, IndexFileName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write features index %q", path)
	}
	return nil
}

// LoadIndex reads the index saved in dir by ExtractAll.
func LoadIndex(dir string) (*Index, error) {
	path := filepath.Join(dir, IndexFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read features index %q, were the features extracted?", path)
	}
	index := &Index{}
	if err := json.Unmarshal(data, index); err != nil {
		return nil, errors.Wrapf(err, "failed to parse features index %q", path)
	}
	return index, nil
}

func matrixToTensor(m [][]float32) *tensors.Tensor {
	rows, cols := len(m), 0
	if rows > 0 {
		cols = len(m[0])
	}
	flat := make([]float32, 0, rows*cols)
	for _, row := range m {
		flat = append(flat, row...)
	}
	return tensors.FromFlatDataAndDimensions(flat, rows, cols)
}

func tensorToMatrix(t *tensors.Tensor) ([][]float32, error) {
	dims := t.Shape().Dimensions
	if len(dims) != 2 {
		return nil, errors.Errorf("expected a matrix, got shape %s", t.Shape())
	}
	flat := tensors.MustCopyFlatData[float32](t)
	m := make([][]float32, dims[0])
	for r := range m {
		m[r] = flat[r*dims[1] : (r+1)*dims[1]]
	}
	return m, nil
}
