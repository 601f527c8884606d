// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

// Stage identifies one node of the answer pipeline's state machine.
//
// The dispatch loop in Pipeline.run advances from StageClassifier until it
// reaches StageDone. Transitions between stages are decided either by the
// confidence router (Route) or by the fixed successor encoded in the loop;
// see the package documentation for the full control flow.
type Stage int

const (
	// StageClassifier determines topic domain, intent, referenced
	// organizations, and urgency signals for the incoming question.
	StageClassifier Stage = iota

	// StageRetriever runs semantic search over the governance corpus and
	// deduplicates the results.
	StageRetriever

	// StageExpander broadens a weakly-matched query once and re-retrieves.
	StageExpander

	// StageResearcher fetches external web corroboration for gray-zone
	// confidence.
	StageResearcher

	// StageSynthesizer produces the grounded, cited answer.
	StageSynthesizer

	// StageQuality grades the drafted answer and may send it back for one
	// re-synthesis.
	StageQuality

	// StageEscalate refers the question to a human contact instead of
	// answering. Terminal branch, reachable only from the classifier.
	StageEscalate

	// StageDone terminates the dispatch loop.
	StageDone
)

var stageLabels = map[Stage]string{
	StageClassifier:  "classifier",
	StageRetriever:   "retriever",
	StageExpander:    "retrieval_expander",
	StageResearcher:  "researcher",
	StageSynthesizer: "synthesizer",
	StageQuality:     "quality",
	StageEscalate:    "escalate",
	StageDone:        "done",
}

// String returns the stage's snake_case name as used in logs, traces, and
// metric labels.
func (s Stage) String() string {
	if name, ok := stageLabels[s]; ok {
		return name
	}
	return "unknown"
}
