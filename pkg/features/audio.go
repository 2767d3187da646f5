package features

import (
	"time"

	"github.com/pkg/errors"
	"github.com/unixpickle/wav"
)

// Decode reads the WAV file at path and returns its samples as mono audio at sampleRate, with values in [-1, 1].
//
// If maxDuration > 0, the audio is cropped to its first maxDuration.
func Decode(path string, sampleRate int, maxDuration time.Duration) ([]float64, error) {
	sound, err := wav.ReadSoundFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read WAV file %q", path)
	}
	if sound.Channels() <= 0 || sound.SampleRate() <= 0 {
		return nil, errors.Errorf("invalid WAV file %q: %d channels, sample rate %d",
			path, sound.Channels(), sound.SampleRate())
	}
	if maxDuration > 0 && sound.Duration() > maxDuration {
		wav.Crop(sound, 0, maxDuration)
	}

	// Append converts the number of channels and the sample rate.
	mono := wav.NewPCM16Sound(1, sampleRate)
	wav.Append(mono, sound)
	pcm := mono.Samples()
	samples := make([]float64, len(pcm))
	for ii, s := range pcm {
		samples[ii] = float64(s)
	}
	return samples, nil
}

// WriteMono writes samples (mono, values in [-1, 1]) as a 16 bits PCM WAV file.
func WriteMono(path string, samples []float64, sampleRate int) error {
	sound := wav.NewPCM16Sound(1, sampleRate)
	pcm := make([]wav.Sample, len(samples))
	for ii, s := range samples {
		pcm[ii] = wav.Sample(s)
	}
	sound.SetSamples(pcm)
	if err := wav.WriteFile(sound, path); err != nil {
		return errors.Wrapf(err, "failed to write WAV file %q", path)
	}
	return nil
}
