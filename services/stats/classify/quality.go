// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package classify

import "strings"

// Quality grades, best first.
const (
	GradeA = "A"
	GradeB = "B"
	GradeC = "C"
)

// Grades lists every grade in display order.
var Grades = []string{GradeA, GradeB, GradeC}

// SkipLikeMarkers lower the quality score of a test. This set is broader
// than the exact "skip" check that removes a test from coverage tables.
var SkipLikeMarkers = map[string]struct{}{
	"skip":   {},
	"skipif": {},
	"xfail":  {},
}

// QualityResult is the structural quality of one test.
type QualityResult struct {
	Score int    `json:"score"`
	Grade string `json:"grade"`
}

// Score computes a test's structural quality.
//
//	+2 for at least one assertion, +1 more for three or more
//	+1 if parametrized
//	+1 if documented
//	-1 if any skip-like marker is present
//
// Grades: A for 4 and up, B for 2 and up, C otherwise. Scores may be
// negative.
func Score(assertCount int, hasParametrize, hasDocstring bool, markers []string) QualityResult {
	score := 0
	if assertCount >= 1 {
		score += 2
	}
	if assertCount >= 3 {
		score++
	}
	if hasParametrize {
		score++
	}
	if hasDocstring {
		score++
	}
	if hasSkipLike(markers) {
		score--
	}
	return QualityResult{Score: score, Grade: gradeFor(score)}
}

func gradeFor(score int) string {
	switch {
	case score >= 4:
		return GradeA
	case score >= 2:
		return GradeB
	default:
		return GradeC
	}
}

func hasSkipLike(markers []string) bool {
	for _, m := range markers {
		if _, ok := SkipLikeMarkers[strings.ToLower(m)]; ok {
			return true
		}
	}
	return false
}
