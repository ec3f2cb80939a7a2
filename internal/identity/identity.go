package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"diffract/internal/recipe"
)

// Params is the normalized parameter set a dataset identity is derived from.
// Field set and ordering are part of the identity contract: changing either
// changes every computed identity.
type Params struct {
	Sample     string   `json:"sample"`
	Setting    string   `json:"setting"`
	Stage      string   `json:"stage"`
	AzStart    float64  `json:"az_start"`
	AzEnd      float64  `json:"az_end"`
	Bins       int      `json:"bins"`
	FrameStart int      `json:"frame_start"`
	FrameEnd   int      `json:"frame_end"`
	Step       int      `json:"step"`
	ThetaLo    float64  `json:"theta_lo"`
	ThetaHi    float64  `json:"theta_hi"`
	Peaks      []string `json:"peaks"`
	Background int      `json:"background"`
}

// FromRecipe builds normalized identity parameters. frameEnd is recorded as
// given: callers pass the recipe's declared end frame, which may be -1 for
// "all frames".
func FromRecipe(r *recipe.Recipe, frameEnd int) Params {
	lo, hi := r.CombinedLimits()
	return Params{
		Sample:     r.Sample,
		Setting:    r.Setting,
		Stage:      string(r.Stage),
		AzStart:    r.AzStart,
		AzEnd:      r.AzEnd,
		Bins:       r.BinCount(),
		FrameStart: r.FrameStart,
		FrameEnd:   frameEnd,
		Step:       r.Step,
		ThetaLo:    lo,
		ThetaHi:    hi,
		Peaks:      r.MillerIndices(),
		Background: len(r.BackgroundCandidates()),
	}
}

// Compute returns the 8-hex-character dataset identity for the parameters.
// Stable across runs, architectures, and Go versions: the hash covers the
// canonical JSON encoding, whose key order is fixed by the struct.
func Compute(p Params) string {
	canonical, err := json.Marshal(p)
	if err != nil {
		// Params contains only marshalable fields; this cannot happen.
		panic(fmt.Sprintf("identity: marshal params: %v", err))
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:8]
}

// SeriesKey returns the identity of the parameter set with the frame range
// blanked out. Runs over different frame windows of the same sample and
// fitting setup share a series key, which is what frame-level resume is
// keyed by: a rerun that widens the frame range can still reuse frames the
// narrower run already completed.
func SeriesKey(p Params) string {
	p.FrameStart = 0
	p.FrameEnd = 0
	p.Step = 0
	return Compute(p)
}

// ParamsString renders the human-auditable path segment describing the
// dataset, e.g. "220deg-44bins-0sf-100efr-8.2l2t_8.8u2t-1peaks-0bkg".
func ParamsString(p Params) string {
	end := "allfr"
	if p.FrameEnd >= 0 {
		end = fmt.Sprintf("%defr", p.FrameEnd)
	}
	return strings.Join([]string{
		fmt.Sprintf("%ddeg", int(p.AzEnd-p.AzStart)),
		fmt.Sprintf("%dbins", p.Bins),
		fmt.Sprintf("%dsf", p.FrameStart),
		end,
		fmt.Sprintf("%.1fl2t_%.1fu2t", p.ThetaLo, p.ThetaHi),
		fmt.Sprintf("%dpeaks", len(p.Peaks)),
		fmt.Sprintf("%dbkg", p.Background),
	}, "-")
}

// DirName combines the parameter string and identity into the dataset
// directory name.
func DirName(p Params) string {
	return ParamsString(p) + "-" + Compute(p)
}
