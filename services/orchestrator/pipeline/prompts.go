// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Prompt templates and fixed user-facing texts for every pipeline stage.
// Templates are fmt.Sprintf format strings; the call sites document the
// argument order.
package pipeline

import "github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"

// fallbackAnswer ships when synthesis fails outright (LLM error or open
// breaker). The quality gate recognizes it and auto-passes, so a grader
// outage can never strand the user without a reply.
const fallbackAnswer = "I wasn't able to put together a reliable answer to your question right now. " +
	"Please try again in a few minutes. If the question is urgent, the Office of the Athlete " +
	"Ombuds offers free, confidential guidance at 719-866-5000 or ombudsman@usathlete.org."

// answerDisclaimer is appended to every non-empty answer as the final
// pipeline step.
const answerDisclaimer = "\n\n---\nThis information is educational and is not legal advice. " +
	"For guidance on your specific situation, contact the Office of the Athlete Ombuds."

// IsFallbackAnswer reports whether text is (or begins with) the
// deterministic synthesis-failure reply. Exposed for handlers that want to
// mark degraded turns.
func IsFallbackAnswer(text string) bool {
	if len(text) < len(fallbackAnswer) {
		return false
	}
	return text[:len(fallbackAnswer)] == fallbackAnswer
}

// =============================================================================
// Classifier
// =============================================================================

// classifierPrompt asks the fast model for a single JSON object describing
// the question. Sprintf args: recent history block, latest question.
const classifierPrompt = `You are the intake classifier for an athlete governance assistant. Read the conversation and the latest question, then answer with ONE JSON object and nothing else.

Fields:
- "topic_domain": one of "team_selection", "dispute_resolution", "safesport", "anti_doping", "eligibility", "governance", "athlete_rights", "funding", "general".
- "query_intent": one of "factual", "procedural", "deadline", "escalation", "general". Use "escalation" ONLY when the question reports abuse, harassment, retaliation, a doping violation, or otherwise needs a human authority rather than an informational answer.
- "organization_ids": array with at most one lowercase organization identifier mentioned or implied (for example "usas" for USA Swimming), or [] when none is clear.
- "has_time_constraint": true when the question mentions a deadline, hearing date, or other time pressure.
- "needs_clarification": true when the question is too vague to answer usefully.
- "emotional_state": one of "calm", "frustrated", "distressed".

Conversation so far:
%s

Latest question: %s

JSON:`

// =============================================================================
// Retrieval Expander
// =============================================================================

// expansionPrompt rewrites a weakly-matched question into three search
// variations. Sprintf args: topic domain, the question.
const expansionPrompt = `The semantic search below found little in a corpus of athlete governance documents (bylaws, selection procedures, SafeSport code, anti-doping rules, dispute policies). Rewrite it as three search queries that are more likely to match document language.

Topic area: %s
Question: %s

Produce exactly three variations:
1. SPECIFIC: narrow phrasing using likely document terminology
2. BROAD: wider phrasing covering the general rule or policy area
3. RELATED: phrasing aimed at an adjacent rule that would still answer the question

Answer with ONE JSON object and nothing else:
{"queries": ["specific", "broad", "related"]}`

// =============================================================================
// Synthesizer
// =============================================================================

// synthesizerSystemPrompt sets the grounding contract. The per-intent
// format instruction from formatInstructions is appended to it.
const synthesizerSystemPrompt = `You are an assistant that explains athlete governance rules: team selection, dispute resolution, SafeSport, anti-doping, eligibility, athlete rights, and funding.

Grounding rules, in order of importance:
1. Only state facts that appear in the source material provided with the question. Never invent rules, deadlines, section numbers, or contact details.
2. Cite the source title (and section when given) next to each substantive claim, like: (USA Swimming Selection Procedures, §4.2).
3. When sources conflict, prefer the higher authority and say so: law over international rules over governing-body policy over local or event documents.
4. If the sources are silent on part of the question, say what they do not cover. You may offer a clearly labeled inference ("The documents do not address X directly; based on the general rule in Y, it is likely that...") but never present one as established fact.
5. Match the reader: plain language, short sentences, no legalese unless quoting.`

// Per-intent response formats. General also covers escalation and
// unclassified intents that reach synthesis.
const (
	formatFactual = `Response format: a direct answer of at most 150 words making a single claim, followed by its source citation.`

	formatProcedural = `Response format: one or two sentences of overview, then numbered steps in order, each with its source citation where available. At most 300 words.`

	formatDeadline = `Response format: lead with the date or deadline in the first sentence, then at most 100 words of qualifying detail and the source citation. If the sources give no concrete date, say so in the first sentence.`

	formatGeneral = `Response format, using these five section headings:
**Short answer** - two or three sentences.
**What the rules say** - the relevant provisions with citations.
**What this means for you** - practical implications.
**Steps you can take** - concrete next actions.
**Where to get help** - the relevant office or contact from the sources, if any.`
)

// formatInstructions returns the response-shape instruction for an intent.
func formatInstructions(intent datatypes.QueryIntent) string {
	switch intent {
	case datatypes.IntentFactual:
		return formatFactual
	case datatypes.IntentProcedural:
		return formatProcedural
	case datatypes.IntentDeadline:
		return formatDeadline
	default:
		return formatGeneral
	}
}

// revisionInstruction is appended to the synthesis request on a quality
// retry. Sprintf arg: the grader's critique.
const revisionInstruction = `

Your previous draft of this answer was rejected by review. Critique:
%s

Write a corrected answer that resolves the critique. Keep everything that was accurate and cited.`

// =============================================================================
// Quality Grader
// =============================================================================

// qualityPrompt asks the fast model to review a drafted answer against its
// sources. Sprintf args: question, source material, drafted answer.
const qualityPrompt = `You are reviewing a drafted answer from an athlete governance assistant before it is shown to the athlete.

Question: %s

Source material the answer must be grounded in:
%s

Drafted answer:
%s

Check, in order:
1. Unsupported claims: anything stated as fact that the source material does not back. Severity "critical".
2. Wrong or fabricated citations, dates, section numbers, or contact details. Severity "critical".
3. Missing answer: the draft dodges the question the sources could answer. Severity "major".
4. Unclear or disorganized writing. Severity "minor".

Answer with ONE JSON object and nothing else:
{"passed": true or false, "score": 0.0 to 1.0, "issues": [{"severity": "critical" or "major" or "minor", "description": "..."}], "critique": "one short paragraph"}`

// =============================================================================
// Escalation Referral
// =============================================================================

// escalationPrompt writes the human-facing referral. Sprintf args: the
// question, the formatted target list, the urgency word.
const escalationPrompt = `An athlete asked a question that must be handled by a human authority, not answered by an assistant. Write a short referral message (under 200 words) that:
- acknowledges the situation with care and without judgment,
- explains in one sentence why this goes to the contacts below,
- lists each contact with its phone, email, or URL exactly as given,
- reflects "%[3]s" urgency in its tone,
- does NOT attempt to answer the underlying question or assess what happened.

Question: %[1]s

Contacts:
%[2]s

Referral message:`
