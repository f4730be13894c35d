/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package scanner

// Severity levels assigned to findings.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "info"
)

var severityByRule = map[string]string{
	"expression-injection": SeverityCritical,
	"credentials":          SeverityCritical,
	"dangerous-checkout":   SeverityHigh,
	"dangerous-action":     SeverityHigh,
	"dangerous-write":      SeverityHigh,
	"repo-jacking":         SeverityHigh,
	"unsecure-commands":    SeverityHigh,
	"known-vulnerability":  SeverityHigh,
	"dangerous-artefact":   SeverityMedium,
	"runner-label":         SeverityMedium,
	"bot-check":            SeverityMedium,
	"local-action":         SeverityLow,
	"shellcheck":           SeverityLow,
	"oidc-action":          SeverityInfo,
}

var recommendationByRule = map[string]string{
	"expression-injection": "Sanitize untrusted input before use in expressions. Use intermediate environment variables.",
	"dangerous-checkout":   "Avoid checking out untrusted code in privileged contexts like workflow_run or pull_request_target.",
	"dangerous-action":     "Treat artifact data as untrusted. Validate and sanitize before use.",
	"dangerous-write":      "Sanitize inputs before writing to GITHUB_ENV or GITHUB_OUTPUT to prevent command injection.",
	"repo-jacking":         "Verify that referenced GitHub actions point to valid organizations/users.",
	"unsecure-commands":    "Remove ACTIONS_ALLOW_UNSECURE_COMMANDS environment variable.",
	"known-vulnerability":  "Update the action to a patched version.",
	"dangerous-artefact":   "Avoid uploading sensitive files like .git/config in artifacts.",
	"credentials":          "Avoid hardcoding credentials. Use GitHub secrets instead.",
	"runner-label":         "Use ephemeral self-hosted runners or GitHub-hosted runners for untrusted code.",
	"bot-check":            "Use more robust checks than github.actor for bot identity verification.",
	"local-action":         "Review local action for potential vulnerabilities.",
	"oidc-action":          "Review OIDC action for proper security configuration.",
	"shellcheck":           "Fix shell script issues identified by shellcheck.",
}

const defaultRecommendation = "Review and fix the identified security issue."

// SeverityForRule maps an analyzer rule kind to a severity level. Unknown
// rules default to medium.
func SeverityForRule(rule string) string {
	if sev, ok := severityByRule[rule]; ok {
		return sev
	}
	return SeverityMedium
}

// RecommendationForRule returns the remediation advice for an analyzer
// rule kind.
func RecommendationForRule(rule string) string {
	if rec, ok := recommendationByRule[rule]; ok {
		return rec
	}
	return defaultRecommendation
}
