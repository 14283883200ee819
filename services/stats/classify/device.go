// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package classify derives the per-test dimensions used by the aggregator:
// device buckets, quality score and grade, and path labels.
//
// Every function here is pure and never fails. Anything it cannot classify
// degrades to an empty result or to Unknown.
package classify

import (
	"sort"
	"strings"
)

// Unknown is the label used for any dimension that cannot be derived.
const Unknown = "unknown"

// Devices returns the sorted device names whose keywords occur in at least
// one marker.
//
// Description:
//
//	A device matches when any of its keywords is a substring of any marker,
//	compared case-insensitively. A marker may match several devices. The
//	result may be empty; defaulting to Unknown is the aggregator's job.
//
// Inputs:
//   - markers: Marker names of one test.
//   - keywords: Device name to keyword list.
//
// Outputs:
//   - []string: Matching device names, sorted. Never nil.
func Devices(markers []string, keywords map[string][]string) []string {
	lowered := make([]string, len(markers))
	for i, m := range markers {
		lowered[i] = strings.ToLower(m)
	}

	out := make([]string, 0, len(keywords))
	for device, keys := range keywords {
		if matchesAny(lowered, keys) {
			out = append(out, device)
		}
	}
	sort.Strings(out)
	return out
}

func matchesAny(markers, keys []string) bool {
	for _, k := range keys {
		k = strings.ToLower(k)
		if k == "" {
			continue
		}
		for _, m := range markers {
			if strings.Contains(m, k) {
				return true
			}
		}
	}
	return false
}
