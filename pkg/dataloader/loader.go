// Package dataloader builds the training batch streams for the pre-training
// runners: a static loader over precomputed feature files and an online
// loader extracting filterbanks from raw audio on the fly.
package dataloader

import (
	"encoding/csv"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/speechlab/upstream/pkg/config"
)

var DebugLog func(string, ...interface{})

// Loader is the batch stream contract shared by the static and online
// loaders. Next wraps around epochs indefinitely.
type Loader interface {
	Next() (*Batch, error)
	NumBatches() int
	InputDim() int
}

// Batch is a padded batch of utterance feature matrices. Target carries the
// paired stream in duo mode and aliases Source otherwise.
type Batch struct {
	Source  [][][]float64
	Target  [][][]float64
	Lengths []int
}

type utterance struct {
	id         string
	length     int
	path       string
	targetPath string
}

// TrainLoader reads precomputed features listed by per-set manifest CSVs
// under the configured data path.
type TrainLoader struct {
	utterances []utterance
	batches    [][]int
	dim        int
	duo        bool
	rng        *rand.Rand
	cursor     int
}

// NewTrainLoader validates the data path, reads the train-set manifests and
// buckets utterances into batches. Mode is "duo" when runner.duo_feature is
// set, plain "acoustic" otherwise.
func NewTrainLoader(cfg *config.Config, rng *rand.Rand) (*TrainLoader, error) {
	dl := cfg.Dataloader

	if _, err := os.Stat(dl.DataPath); err != nil {
		return nil, fmt.Errorf("data path not valid: %s", dl.DataPath)
	}

	duo := cfg.Runner.DuoFeature
	if DebugLog != nil {
		DebugLog("loading input data: %v from %s", dl.TrainSet, dl.DataPath)
		if duo {
			DebugLog("loading duo data: %v from %s", dl.TrainSet, dl.TargetPath)
		}
	}

	var utterances []utterance
	for _, set := range dl.TrainSet {
		manifest := filepath.Join(dl.DataPath, set+".csv")
		entries, err := readManifest(manifest)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			entry.path = filepath.Join(dl.DataPath, entry.path)
			if duo {
				if dl.TargetPath == "" {
					return nil, fmt.Errorf("duo_feature set but dataloader target_path is empty")
				}
				rel, err := filepath.Rel(dl.DataPath, entry.path)
				if err != nil {
					return nil, fmt.Errorf("failed to resolve target path for %s: %w", entry.id, err)
				}
				entry.targetPath = filepath.Join(dl.TargetPath, rel)
			}
			utterances = append(utterances, entry)
		}
	}

	if len(utterances) == 0 {
		return nil, fmt.Errorf("no utterances found for train sets %v in %s", dl.TrainSet, dl.DataPath)
	}

	// Long utterances either get dropped or truncated to max_timestep.
	if dl.MaxTimestep > 0 {
		if dl.Drop {
			kept := utterances[:0]
			for _, u := range utterances {
				if u.length <= dl.MaxTimestep {
					kept = append(kept, u)
				}
			}
			utterances = kept
			if len(utterances) == 0 {
				return nil, fmt.Errorf("all utterances exceed max_timestep %d", dl.MaxTimestep)
			}
		} else {
			for i := range utterances {
				if utterances[i].length > dl.MaxTimestep {
					utterances[i].length = dl.MaxTimestep
				}
			}
		}
	}

	// Bucket by descending length so batch members pad against similar sizes.
	sort.Slice(utterances, func(i, j int) bool { return utterances[i].length > utterances[j].length })

	var batches [][]int
	for start := 0; start < len(utterances); start += dl.BatchSize {
		end := start + dl.BatchSize
		if end > len(utterances) {
			end = len(utterances)
		}
		batch := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			batch = append(batch, i)
		}
		batches = append(batches, batch)
	}

	loader := &TrainLoader{
		utterances: utterances,
		batches:    batches,
		dim:        cfg.Transformer.InputDim,
		duo:        duo,
		rng:        rng,
	}
	loader.shuffle()
	return loader, nil
}

func readManifest(path string) ([]utterance, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	var utterances []utterance
	for i, record := range records {
		if i == 0 && record[0] == "id" {
			continue
		}
		if len(record) < 3 {
			return nil, fmt.Errorf("manifest %s line %d: expected id,length,path", path, i+1)
		}
		length, err := strconv.Atoi(record[1])
		if err != nil {
			return nil, fmt.Errorf("manifest %s line %d: bad length: %w", path, i+1, err)
		}
		utterances = append(utterances, utterance{id: record[0], length: length, path: record[2]})
	}
	return utterances, nil
}

func (l *TrainLoader) shuffle() {
	l.rng.Shuffle(len(l.batches), func(i, j int) {
		l.batches[i], l.batches[j] = l.batches[j], l.batches[i]
	})
}

func (l *TrainLoader) NumBatches() int { return len(l.batches) }

func (l *TrainLoader) InputDim() int { return l.dim }

// Next loads the feature matrices of the next batch, reshuffling batch order
// at every epoch boundary.
func (l *TrainLoader) Next() (*Batch, error) {
	if l.cursor >= len(l.batches) {
		l.cursor = 0
		l.shuffle()
	}
	indices := l.batches[l.cursor]
	l.cursor++

	batch := &Batch{}
	maxLen := 0
	for _, idx := range indices {
		if l.utterances[idx].length > maxLen {
			maxLen = l.utterances[idx].length
		}
	}

	for _, idx := range indices {
		u := l.utterances[idx]
		source, err := ReadFeature(u.path, l.dim)
		if err != nil {
			return nil, err
		}
		target := source
		if l.duo {
			target, err = ReadFeature(u.targetPath, l.dim)
			if err != nil {
				return nil, err
			}
		}
		// The manifest length is authoritative: a file holding more frames
		// than its row claims is clamped so downstream masking never indexes
		// past the padded frames.
		length := u.length
		if len(source) < length {
			length = len(source)
		}
		batch.Source = append(batch.Source, padFrames(source, maxLen, l.dim))
		batch.Target = append(batch.Target, padFrames(target, maxLen, l.dim))
		batch.Lengths = append(batch.Lengths, length)
	}
	return batch, nil
}

func padFrames(frames [][]float64, length, dim int) [][]float64 {
	if len(frames) >= length {
		return frames[:length]
	}
	padded := make([][]float64, length)
	copy(padded, frames)
	for i := len(frames); i < length; i++ {
		padded[i] = make([]float64, dim)
	}
	return padded
}
