package engine

import (
	"fmt"

	"github.com/opd-ai/rtcmedia/transport"
)

// QualityLevel is a coarse classification of a session's reception
// quality, computed from the Transport Endpoint's raw metrics (spec §4.5
// "Metrics polling"). Supplemented from the teacher's av/quality.go,
// which layers this assessment on top of the same kind of raw RTP
// statistics this module's Transport Endpoint already exposes.
type QualityLevel int

const (
	// QualityExcellent indicates optimal reception quality.
	QualityExcellent QualityLevel = iota
	// QualityGood indicates good quality with minor issues.
	QualityGood
	// QualityFair indicates acceptable quality with noticeable issues.
	QualityFair
	// QualityPoor indicates poor quality with significant problems.
	QualityPoor
	// QualityUnacceptable indicates unacceptable quality.
	QualityUnacceptable
)

// String implements fmt.Stringer.
func (q QualityLevel) String() string {
	switch q {
	case QualityExcellent:
		return "Excellent"
	case QualityGood:
		return "Good"
	case QualityFair:
		return "Fair"
	case QualityPoor:
		return "Poor"
	case QualityUnacceptable:
		return "Unacceptable"
	default:
		return fmt.Sprintf("Unknown(%d)", int(q))
	}
}

// QualityThresholds tunes the fraction-lost and jitter cutoffs used to
// classify a transport.MetricsSnapshot into a QualityLevel, mirroring
// av/quality.go's QualityThresholds table.
//
// Jitter is compared in the same raw inter-arrival-jitter units the
// Transport Endpoint reports (spec §4.1 "Control datagrams"), i.e. the
// sender's RTP clock-rate units, not wall-clock time. The defaults below
// assume a 90 kHz video clock, the common case for this module's
// supported codecs; a caller negotiating a different clock rate should
// supply its own thresholds.
type QualityThresholds struct {
	ExcellentFractionLost float64
	GoodFractionLost      float64
	FairFractionLost      float64
	PoorFractionLost      float64

	ExcellentJitter uint32
	GoodJitter      uint32
	FairJitter      uint32
	PoorJitter      uint32
}

// DefaultQualityThresholds returns sensible defaults adapted from the
// teacher's VoIP-tuned table.
func DefaultQualityThresholds() *QualityThresholds {
	return &QualityThresholds{
		ExcellentFractionLost: 0.01,
		GoodFractionLost:      0.03,
		FairFractionLost:      0.08,
		PoorFractionLost:      0.15,

		ExcellentJitter: 1800,  // ~20ms at 90kHz
		GoodJitter:      4500,  // ~50ms
		FairJitter:      9000,  // ~100ms
		PoorJitter:      18000, // ~200ms
	}
}

// Classify scores snap's fraction-lost and jitter fields independently
// and reports the worse of the two, mirroring av.QualityMonitor's
// assessment logic.
func (t *QualityThresholds) Classify(snap transport.MetricsSnapshot) QualityLevel {
	lossLevel := t.classifyFractionLost(float64(snap.FractionLost) / 256)
	jitterLevel := t.classifyJitter(snap.Jitter)
	if lossLevel > jitterLevel {
		return lossLevel
	}
	return jitterLevel
}

func (t *QualityThresholds) classifyFractionLost(f float64) QualityLevel {
	switch {
	case f < t.ExcellentFractionLost:
		return QualityExcellent
	case f < t.GoodFractionLost:
		return QualityGood
	case f < t.FairFractionLost:
		return QualityFair
	case f < t.PoorFractionLost:
		return QualityPoor
	default:
		return QualityUnacceptable
	}
}

func (t *QualityThresholds) classifyJitter(j uint32) QualityLevel {
	switch {
	case j < t.ExcellentJitter:
		return QualityExcellent
	case j < t.GoodJitter:
		return QualityGood
	case j < t.FairJitter:
		return QualityFair
	case j < t.PoorJitter:
		return QualityPoor
	default:
		return QualityUnacceptable
	}
}
