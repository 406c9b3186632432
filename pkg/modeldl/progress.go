// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modeldl

import "math"

// modelAssetWeight is the share of the aggregate percent carried by the
// "model" asset. The remaining points are split evenly over whatever other
// assets the descriptor names. When the model file is the only asset it
// absorbs the pool and carries the full 100.
const modelAssetWeight = 80.0

// secondaryWeightPool is what non-model assets share between them.
const secondaryWeightPool = 100.0 - modelAssetWeight

// assetWeights returns the percent weight of each asset present in the
// descriptor (non-empty URL only). Weights always sum to 100.
func assetWeights(assets map[string]string) map[string]float64 {
	present := make([]string, 0, len(assets))
	for key, url := range assets {
		if url != "" {
			present = append(present, key)
		}
	}

	weights := make(map[string]float64, len(present))
	others := 0
	hasModel := false
	for _, key := range present {
		if key == AssetModel {
			hasModel = true
		} else {
			others++
		}
	}

	if !hasModel {
		// Defensive only: descriptors are validated to carry a model asset.
		if others == 0 {
			return weights
		}
		for _, key := range present {
			weights[key] = 100.0 / float64(others)
		}
		return weights
	}

	if others == 0 {
		weights[AssetModel] = modelAssetWeight + secondaryWeightPool
		return weights
	}

	weights[AssetModel] = modelAssetWeight
	share := secondaryWeightPool / float64(others)
	for _, key := range present {
		if key != AssetModel {
			weights[key] = share
		}
	}
	return weights
}

// percent computes the aggregate completion percent of a session.
//
// Each asset contributes weight × fraction, where fraction is 1 for a
// completed asset, downloaded/total for a live transfer with a known total,
// and 0 otherwise. The result only reaches 100 once every asset is done;
// rounding can otherwise not push it past 99.
func (s *session) percent() int {
	weights := assetWeights(s.descriptor.Assets)

	var sum float64
	allDone := true
	for key, w := range weights {
		frac := 0.0
		if _, ok := s.completed[key]; ok {
			frac = 1.0
		} else {
			allDone = false
			if total := s.totals[key]; total > 0 {
				frac = float64(s.bytes[key]) / float64(total)
				if frac > 1 {
					frac = 1
				}
			}
		}
		sum += w * frac
	}

	p := int(math.Round(sum))
	if p < 0 {
		p = 0
	}
	if allDone {
		return 100
	}
	if p > 99 {
		p = 99
	}
	return p
}

// progressStep returns the configured notification threshold in points.
func progressStep(cfg Settings) int {
	step := cfg.ProgressStep
	if step <= 0 {
		step = 1
	}
	if step > 5 {
		step = 5
	}
	return step
}
