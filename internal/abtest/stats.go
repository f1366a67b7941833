package abtest

import (
	"math"
)

// VariantStats is the input to a two-proportion analysis: how many contacts
// a variant reached and how many converted on the test's chosen metric.
type VariantStats struct {
	Recipients  int
	Conversions int
}

// Rate returns the conversion proportion, 0 when the variant reached nobody.
func (v VariantStats) Rate() float64 {
	if v.Recipients == 0 {
		return 0
	}
	return float64(v.Conversions) / float64(v.Recipients)
}

// Analysis is the outcome of one two-proportion Z-test.
type Analysis struct {
	RateA          float64
	RateB          float64
	ZScore         float64
	PValue         float64
	EffectSize     float64
	CILower        float64
	CIUpper        float64
	Significant    bool
	Winner         string // "A", "B", or "inconclusive"
	ImprovementPct float64
	SampleSize     int
}

// Analyze runs a pooled two-proportion Z-test of B against A at the given
// confidence level (e.g. 0.95). The confidence interval is on the rate
// difference p_B - p_A. Zero variance (identical all-or-nothing rates)
// yields an inconclusive result rather than a division by zero.
func Analyze(a, b VariantStats, confidence float64) Analysis {
	pA := a.Rate()
	pB := b.Rate()

	out := Analysis{
		RateA:      pA,
		RateB:      pB,
		Winner:     "inconclusive",
		SampleSize: a.Recipients + b.Recipients,
	}
	if a.Recipients == 0 || b.Recipients == 0 {
		out.PValue = 1
		return out
	}

	nA := float64(a.Recipients)
	nB := float64(b.Recipients)

	pooled := (float64(a.Conversions) + float64(b.Conversions)) / (nA + nB)
	se := math.Sqrt(pooled * (1 - pooled) * (1/nA + 1/nB))
	if se == 0 {
		out.PValue = 1
		return out
	}

	z := (pB - pA) / se
	p := 2 * (1 - normalCDF(math.Abs(z)))

	// Cohen's h effect size via arcsine transform
	h := 2*math.Asin(math.Sqrt(pB)) - 2*math.Asin(math.Sqrt(pA))

	// CI for the rate difference uses unpooled SE and the z multiplier for
	// the requested confidence level
	seDiff := math.Sqrt(pA*(1-pA)/nA + pB*(1-pB)/nB)
	zCrit := normalQuantile(1 - (1-confidence)/2)
	diff := pB - pA

	out.ZScore = z
	out.PValue = p
	out.EffectSize = h
	out.CILower = diff - zCrit*seDiff
	out.CIUpper = diff + zCrit*seDiff
	out.Significant = p < (1 - confidence)

	if out.Significant {
		if pB > pA {
			out.Winner = "B"
			if pA > 0 {
				out.ImprovementPct = (pB - pA) / pA * 100
			}
		} else {
			out.Winner = "A"
			if pB > 0 {
				out.ImprovementPct = (pA - pB) / pB * 100
			}
		}
	}
	return out
}

// normalCDF is the standard normal cumulative distribution function.
func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

// normalQuantile is the inverse standard normal CDF using Acklam's rational
// approximation (relative error below 1.15e-9 over the open unit interval).
func normalQuantile(p float64) float64 {
	if p <= 0 {
		return math.Inf(-1)
	}
	if p >= 1 {
		return math.Inf(1)
	}

	a := [6]float64{-3.969683028665376e+01, 2.209460984245205e+02, -2.759285104469687e+02,
		1.383577518672690e+02, -3.066479806614716e+01, 2.506628277459239e+00}
	b := [5]float64{-5.447609879822406e+01, 1.615858368580409e+02, -1.556989798598866e+02,
		6.680131188771972e+01, -1.328068155288572e+01}
	c := [6]float64{-7.784894002430293e-03, -3.223964580411365e-01, -2.400758277161838e+00,
		-2.549732539343734e+00, 4.374664141464968e+00, 2.938163982698783e+00}
	d := [4]float64{7.784695709041462e-03, 3.224671290700398e-01, 2.445134137142996e+00,
		3.754408661907416e+00}

	const pLow = 0.02425
	const pHigh = 1 - pLow

	switch {
	case p < pLow:
		q := math.Sqrt(-2 * math.Log(p))
		return (((((c[0]*q+c[1])*q+c[2])*q+c[3])*q+c[4])*q + c[5]) /
			((((d[0]*q+d[1])*q+d[2])*q+d[3])*q + 1)
	case p <= pHigh:
		q := p - 0.5
		r := q * q
		return (((((a[0]*r+a[1])*r+a[2])*r+a[3])*r+a[4])*r + a[5]) * q /
			(((((b[0]*r+b[1])*r+b[2])*r+b[3])*r+b[4])*r + 1)
	default:
		q := math.Sqrt(-2 * math.Log(1-p))
		return -(((((c[0]*q+c[1])*q+c[2])*q+c[3])*q+c[4])*q + c[5]) /
			((((d[0]*q+d[1])*q+d[2])*q+d[3])*q + 1)
	}
}
