// Package features computes spectrogram and MFCC features of audio files, and persists them.
package features

import (
	"math"

	"github.com/gomlx/audioclassifier/pkg/config"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/mat"
)

// minPower is the floor applied to mel energies before taking the logarithm.
const minPower = 1e-10

// Extractor computes log-mel spectrograms and MFCCs with fixed settings.
//
// It is not safe for concurrent use, since it reuses the FFT plan and buffers: create one per goroutine.
type Extractor struct {
	settings config.Features

	window    []float64
	fft       *fourier.FFT
	melBank   *mat.Dense // [melBins, windowSize/2+1]
	dctBasis  *mat.Dense // [mfccCoefficients, melBins]
	frameBuf  []float64
	coeffsBuf []complex128
}

// NewExtractor creates an Extractor for the given settings.
func NewExtractor(settings config.Features) (*Extractor, error) {
	if settings.SampleRate <= 0 || settings.WindowSize <= 1 || settings.HopSize <= 0 || settings.MelBins <= 0 {
		return nil, errors.Errorf("invalid feature settings: sample_rate=%d, window_size=%d, hop_size=%d, mel_bins=%d",
			settings.SampleRate, settings.WindowSize, settings.HopSize, settings.MelBins)
	}
	if settings.MFCCCoefficients <= 0 || settings.MFCCCoefficients > settings.MelBins {
		return nil, errors.Errorf("invalid feature settings: mfcc_coefficients=%d must be in [1, mel_bins=%d]",
			settings.MFCCCoefficients, settings.MelBins)
	}
	maxFreq := settings.MaxFrequency
	if maxFreq <= 0 {
		maxFreq = float64(settings.SampleRate) / 2
	}
	if maxFreq <= settings.MinFrequency {
		return nil, errors.Errorf("invalid feature settings: max_frequency=%g <= min_frequency=%g",
			maxFreq, settings.MinFrequency)
	}
	return &Extractor{
		settings:  settings,
		window:    hannWindow(settings.WindowSize),
		fft:       fourier.NewFFT(settings.WindowSize),
		melBank:   melFilterBank(settings.MelBins, settings.WindowSize, settings.SampleRate, settings.MinFrequency, maxFreq),
		dctBasis:  dctBasis(settings.MFCCCoefficients, settings.MelBins),
		frameBuf:  make([]float64, settings.WindowSize),
		coeffsBuf: make([]complex128, settings.WindowSize/2+1),
	}, nil
}

// Settings used by the extractor.
func (e *Extractor) Settings() config.Features { return e.settings }

// NumFrames returns the number of frames produced for numSamples samples.
// Signals shorter than one window yield one (zero padded) frame.
func (e *Extractor) NumFrames(numSamples int) int {
	if numSamples <= e.settings.WindowSize {
		return 1
	}
	return 1 + (numSamples-e.settings.WindowSize)/e.settings.HopSize
}

// powerSpectrum returns the power of the short-time Fourier transform, shaped [frames, windowSize/2+1].
func (e *Extractor) powerSpectrum(samples []float64) *mat.Dense {
	numFrames := e.NumFrames(len(samples))
	numCoeffs := len(e.coeffsBuf)
	power := mat.NewDense(numFrames, numCoeffs, nil)
	for frame := range numFrames {
		start := frame * e.settings.HopSize
		for ii := range e.frameBuf {
			var v float64
			if start+ii < len(samples) {
				v = samples[start+ii]
			}
			e.frameBuf[ii] = v * e.window[ii]
		}
		coeffs := e.fft.Coefficients(e.coeffsBuf, e.frameBuf)
		row := power.RawRowView(frame)
		for ii, c := range coeffs {
			re, im := real(c), imag(c)
			row[ii] = re*re + im*im
		}
	}
	return power
}

// logMel returns the log-mel energies in decibels, shaped [frames, melBins].
func (e *Extractor) logMel(samples []float64) *mat.Dense {
	power := e.powerSpectrum(samples)
	var mel mat.Dense
	mel.Mul(power, e.melBank.T())
	mel.Apply(func(_, _ int, v float64) float64 {
		return 10 * math.Log10(math.Max(v, minPower))
	}, &mel)
	return &mel
}

// Spectrogram returns the log-mel spectrogram of samples, shaped [frames][melBins].
func (e *Extractor) Spectrogram(samples []float64) [][]float32 {
	return toFloat32Matrix(e.logMel(samples))
}

// MFCC returns the Mel-frequency cepstral coefficients of samples, shaped [frames][mfccCoefficients].
func (e *Extractor) MFCC(samples []float64) [][]float32 {
	return toFloat32Matrix(e.mfccFromLogMel(e.logMel(samples)))
}

// Compute returns both the spectrogram and the MFCCs, sharing the STFT computation.
func (e *Extractor) Compute(samples []float64) (spec, mfcc [][]float32) {
	logMel := e.logMel(samples)
	return toFloat32Matrix(logMel), toFloat32Matrix(e.mfccFromLogMel(logMel))
}

// mfccFromLogMel applies an orthonormal DCT-II over the mel axis, keeping the first coefficients.
func (e *Extractor) mfccFromLogMel(logMel *mat.Dense) *mat.Dense {
	var mfcc mat.Dense
	mfcc.Mul(logMel, e.dctBasis.T())
	return &mfcc
}

func toFloat32Matrix(m *mat.Dense) [][]float32 {
	rows, cols := m.Dims()
	flat := make([]float32, rows*cols)
	out := make([][]float32, rows)
	for r := range rows {
		out[r] = flat[r*cols : (r+1)*cols]
		for c, v := range m.RawRowView(r) {
			out[r][c] = float32(v)
		}
	}
	return out
}

// hannWindow returns a periodic Hann window of size n.
func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for ii := range w {
		w[ii] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(ii)/float64(n))
	}
	return w
}

// HzToMel converts a frequency to the HTK mel scale.
func HzToMel(hz float64) float64 {
	return 2595 * math.Log10(1+hz/700)
}

// MelToHz converts an HTK mel value back to Hz.
func MelToHz(mel float64) float64 {
	return 700 * (math.Pow(10, mel/2595) - 1)
}

// melFilterBank builds triangular filters equally spaced on the mel scale, shaped [numBins, windowSize/2+1].
func melFilterBank(numBins, windowSize, sampleRate int, minFreq, maxFreq float64) *mat.Dense {
	numCoeffs := windowSize/2 + 1
	bank := mat.NewDense(numBins, numCoeffs, nil)
	minMel, maxMel := HzToMel(minFreq), HzToMel(maxFreq)
	edges := make([]float64, numBins+2)
	for ii := range edges {
		edges[ii] = MelToHz(minMel + (maxMel-minMel)*float64(ii)/float64(numBins+1))
	}
	binHz := float64(sampleRate) / float64(windowSize)
	for bin := range numBins {
		lower, center, upper := edges[bin], edges[bin+1], edges[bin+2]
		for k := range numCoeffs {
			f := float64(k) * binHz
			var w float64
			switch {
			case f > lower && f <= center:
				w = (f - lower) / (center - lower)
			case f > center && f < upper:
				w = (upper - f) / (upper - center)
			}
			bank.Set(bin, k, w)
		}
	}
	return bank
}

// dctBasis returns the orthonormal DCT-II matrix truncated to numCoeffs rows, shaped [numCoeffs, n].
func dctBasis(numCoeffs, n int) *mat.Dense {
	basis := mat.NewDense(numCoeffs, n, nil)
	for k := range numCoeffs {
		scale := math.Sqrt(2 / float64(n))
		if k == 0 {
			scale = math.Sqrt(1 / float64(n))
		}
		for ii := range n {
			basis.Set(k, ii, scale*math.Cos(math.Pi/float64(n)*(float64(ii)+0.5)*float64(k)))
		}
	}
	return basis
}
