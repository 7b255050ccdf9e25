package bridge

import (
	"math"

	"github.com/sirupsen/logrus"
)

// audioLogEvery controls how often inbound audio stats are logged.
const audioLogEvery = 50

type audioStats struct {
	frames int
	bytes  int
}

func (a *audioStats) observe(log logrus.FieldLogger, pcm []byte) {
	a.frames++
	a.bytes += len(pcm)
	metricAudioBytes.Add(float64(len(pcm)))
	if a.frames == 1 || a.frames%audioLogEvery == 0 {
		log.WithFields(logrus.Fields{
			"frame": a.frames,
			"bytes": len(pcm),
			"total": a.bytes,
			"rms":   math.Round(calcRMS(pcm)),
		}).Debug("audio in")
	}
}

// calcRMS computes the RMS level of 16-bit little-endian PCM.
func calcRMS(b []byte) float64 {
	n := len(b) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(uint16(b[i*2]) | uint16(b[i*2+1])<<8)
		sum += float64(sample) * float64(sample)
	}
	return math.Sqrt(sum / float64(n))
}
