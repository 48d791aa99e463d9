// Package request parses merge-request bodies into a Request.
package request

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Issue-form field headers.
const (
	fieldCandidates        = "### PR Numbers"
	fieldReleaseCandidate  = "### Release PR (Optional)"
	fieldApprovalsOverride = "### Required Approvals Override (Optional)"
)

// noResponse is the placeholder GitHub issue forms insert for empty
// optional fields.
const noResponse = "_No response_"

// Request is the parsed content of an originator issue. Built once, then
// read-only for the rest of the cycle.
type Request struct {
	OriginatorID      int
	Submitter         string
	Candidates        []int
	ReleaseCandidate  int // 0 when absent
	ApprovalsOverride int // 0 when absent
}

// HasReleaseCandidate reports whether a release candidate was requested.
func (r *Request) HasReleaseCandidate() bool {
	return r.ReleaseCandidate > 0
}

// Parse extracts a Request from an originator issue body. The body is
// either a GitHub issue form (### headers) or legacy "Key: value" lines.
func Parse(originatorID int, submitter, body string) (*Request, error) {
	lines := strings.Split(body, "\n")

	candidatesRaw := parseFormField(lines, fieldCandidates)
	releaseRaw := parseFormField(lines, fieldReleaseCandidate)
	overrideRaw := parseFormField(lines, fieldApprovalsOverride)

	// Legacy format fallback: "PR Numbers: 1,2,3" style lines.
	if candidatesRaw == "" {
		candidatesRaw = parseLegacyField(lines, "PR Numbers")
		releaseRaw = parseLegacyField(lines, "Release PR")
		overrideRaw = parseLegacyField(lines, "Required Approvals")
	}

	candidates, err := parseCandidateList(cleanValue(candidatesRaw))
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("could not extract PR numbers from the issue body")
	}

	req := &Request{
		OriginatorID: originatorID,
		Submitter:    submitter,
		Candidates:   candidates,
	}

	if v := cleanValue(releaseRaw); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid release PR %q", v)
		}
		req.ReleaseCandidate = n
	}

	if v := cleanValue(overrideRaw); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid required approvals override %q", v)
		}
		// Zero or negative override means "use branch protection"
		if n > 0 {
			req.ApprovalsOverride = n
		}
	}

	return req, nil
}

// parseFormField finds a ### header and returns the first non-empty line
// after it, stopping at the next header or the no-response placeholder.
func parseFormField(lines []string, header string) string {
	for i, line := range lines {
		if strings.TrimSpace(line) != header {
			continue
		}
		for j := i + 1; j < len(lines) && j < i+10; j++ {
			value := strings.TrimSpace(lines[j])
			if value == "" {
				continue
			}
			if strings.HasPrefix(value, "###") {
				break
			}
			if value == noResponse {
				break
			}
			return value
		}
	}
	return ""
}

// parseLegacyField finds a "Key: value" line whose key starts with the
// given prefix, so "Required Approvals" matches both the bare key and
// "Required Approvals Override".
func parseLegacyField(lines []string, key string) string {
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		k, v, found := strings.Cut(trimmed, ":")
		if !found {
			continue
		}
		k = strings.TrimSpace(k)
		if len(k) >= len(key) && strings.EqualFold(k[:len(key)], key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// cleanValue strips markdown formatting and placeholder sentinels.
func cleanValue(value string) string {
	cleaned := strings.NewReplacer("`", "", "*", "", "_", "").Replace(value)
	cleaned = strings.TrimSpace(cleaned)
	if strings.EqualFold(cleaned, "none") || cleaned == "No response" {
		return ""
	}
	return cleaned
}

// parseCandidateList parses a comma-separated digit list, tolerating
// whitespace and dropping duplicates. The result is sorted ascending;
// that order is the merge order.
func parseCandidateList(raw string) ([]int, error) {
	if raw == "" {
		return nil, nil
	}

	seen := make(map[int]bool)
	var candidates []int

	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid PR number %q", part)
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		candidates = append(candidates, n)
	}

	sort.Ints(candidates)
	return candidates, nil
}

// ParseError is the body of the comment posted to the originator when
// extraction fails.
func ParseError(err error) string {
	return fmt.Sprintf(`❌ **Error**: %s

**Common Issues:**
• Make sure the PR Numbers field is filled with comma-separated numbers (e.g., `+"`123,124,125`"+`)
• Ensure you're using the correct issue template
• Check that all required fields are properly completed

**To Fix**: Edit the issue description or create a new issue with the correct information.`, err)
}
