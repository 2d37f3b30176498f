package dataloader

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/go-audio/wav"

	"github.com/speechlab/upstream/pkg/config"
)

// OnlineLoader extracts log-mel filterbank features from raw WAV files on
// the fly. It is selected when the config carries an online section and does
// not require the precomputed-feature data path to exist.
type OnlineLoader struct {
	files   []utterance
	batches [][]int
	online  *config.Online
	batch   int
	rng     *rand.Rand
	cursor  int
}

// NewOnlineLoader reads the wav manifests under online.file_path and buckets
// them into batches.
func NewOnlineLoader(cfg *config.Config, rng *rand.Rand) (*OnlineLoader, error) {
	online := cfg.Online
	if online == nil {
		return nil, fmt.Errorf("online section missing from config")
	}
	if online.NMels <= 0 {
		return nil, fmt.Errorf("online n_mels must be greater than 0")
	}

	var files []utterance
	for _, set := range online.TrainSet {
		manifest := filepath.Join(online.FilePath, set+".csv")
		entries, err := readManifest(manifest)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			entry.path = filepath.Join(online.FilePath, entry.path)
			files = append(files, entry)
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no wav files found for train sets %v in %s", online.TrainSet, online.FilePath)
	}

	var batches [][]int
	for start := 0; start < len(files); start += cfg.Dataloader.BatchSize {
		end := start + cfg.Dataloader.BatchSize
		if end > len(files) {
			end = len(files)
		}
		batch := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			batch = append(batch, i)
		}
		batches = append(batches, batch)
	}

	loader := &OnlineLoader{
		files:   files,
		batches: batches,
		online:  online,
		rng:     rng,
	}
	loader.shuffle()
	return loader, nil
}

func (l *OnlineLoader) shuffle() {
	l.rng.Shuffle(len(l.batches), func(i, j int) {
		l.batches[i], l.batches[j] = l.batches[j], l.batches[i]
	})
}

func (l *OnlineLoader) NumBatches() int { return len(l.batches) }

func (l *OnlineLoader) InputDim() int { return l.online.NMels }

func (l *OnlineLoader) Next() (*Batch, error) {
	if l.cursor >= len(l.batches) {
		l.cursor = 0
		l.shuffle()
	}
	indices := l.batches[l.cursor]
	l.cursor++

	var features [][][]float64
	maxLen := 0
	for _, idx := range indices {
		samples, rate, err := readWav(l.files[idx].path)
		if err != nil {
			return nil, err
		}
		if l.online.SampleRate > 0 && rate != l.online.SampleRate {
			return nil, fmt.Errorf("wav %s has sample rate %d, config expects %d",
				l.files[idx].path, rate, l.online.SampleRate)
		}
		fbank := Fbank(samples, rate, l.online.WinMs, l.online.HopMs, l.online.NMels)
		if len(fbank) == 0 {
			return nil, fmt.Errorf("wav %s too short for one analysis window", l.files[idx].path)
		}
		features = append(features, fbank)
		if len(fbank) > maxLen {
			maxLen = len(fbank)
		}
	}

	batch := &Batch{}
	for _, fbank := range features {
		padded := padFrames(fbank, maxLen, l.online.NMels)
		batch.Source = append(batch.Source, padded)
		batch.Target = append(batch.Target, padded)
		batch.Lengths = append(batch.Lengths, len(fbank))
	}
	return batch, nil
}

func readWav(path string) ([]float64, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open wav file: %w", err)
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode wav %s: %w", path, err)
	}

	bitDepth := buf.SourceBitDepth
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float64(int(1) << (bitDepth - 1))
	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}

	// Downmix to mono.
	samples := make([]float64, 0, len(buf.Data)/channels)
	for i := 0; i+channels <= len(buf.Data); i += channels {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(buf.Data[i+c])
		}
		samples = append(samples, sum/float64(channels)/scale)
	}
	return samples, buf.Format.SampleRate, nil
}

// Fbank computes log-mel filterbank frames from mono samples.
func Fbank(samples []float64, rate int, winMs, hopMs float64, nMels int) [][]float64 {
	win := int(float64(rate) * winMs / 1000)
	hop := int(float64(rate) * hopMs / 1000)
	if win <= 0 || hop <= 0 || len(samples) < win {
		return nil
	}

	// Pre-emphasis.
	emphasized := make([]float64, len(samples))
	emphasized[0] = samples[0]
	for i := 1; i < len(samples); i++ {
		emphasized[i] = samples[i] - 0.97*samples[i-1]
	}

	nfft := 1
	for nfft < win {
		nfft <<= 1
	}
	bins := nfft/2 + 1
	filters := melFilterbank(nMels, bins, nfft, rate)
	window := hammingWindow(win)

	var frames [][]float64
	for start := 0; start+win <= len(emphasized); start += hop {
		frame := make([]float64, nfft)
		for i := 0; i < win; i++ {
			frame[i] = emphasized[start+i] * window[i]
		}
		power := powerSpectrum(frame, bins)

		mels := make([]float64, nMels)
		for m := 0; m < nMels; m++ {
			var sum float64
			for k, weight := range filters[m] {
				sum += weight * power[k]
			}
			mels[m] = math.Log(sum + 1e-10)
		}
		frames = append(frames, mels)
	}
	return frames
}

func hammingWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

func powerSpectrum(frame []float64, bins int) []float64 {
	n := len(frame)
	power := make([]float64, bins)
	for k := 0; k < bins; k++ {
		var re, im float64
		for t, x := range frame {
			angle := -2 * math.Pi * float64(k) * float64(t) / float64(n)
			re += x * math.Cos(angle)
			im += x * math.Sin(angle)
		}
		power[k] = (re*re + im*im) / float64(n)
	}
	return power
}

func hzToMel(hz float64) float64 {
	return 2595 * math.Log10(1+hz/700)
}

func melToHz(mel float64) float64 {
	return 700 * (math.Pow(10, mel/2595) - 1)
}

func melFilterbank(nMels, bins, nfft, rate int) [][]float64 {
	low := hzToMel(0)
	high := hzToMel(float64(rate) / 2)

	points := make([]float64, nMels+2)
	for i := range points {
		mel := low + (high-low)*float64(i)/float64(nMels+1)
		hz := melToHz(mel)
		points[i] = hz * float64(nfft) / float64(rate)
	}

	filters := make([][]float64, nMels)
	for m := 0; m < nMels; m++ {
		filter := make([]float64, bins)
		left, center, right := points[m], points[m+1], points[m+2]
		for k := 0; k < bins; k++ {
			f := float64(k)
			switch {
			case f > left && f <= center:
				filter[k] = (f - left) / (center - left)
			case f > center && f < right:
				filter[k] = (right - f) / (right - center)
			}
		}
		filters[m] = filter
	}
	return filters
}
