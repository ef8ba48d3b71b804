package llm

import (
	"context"
	"fmt"
	"log"
	"os"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/api/option"
)

const maxReadmeSample = 2000

// Vertex implements the semantic checks of the pipeline on top of Google's
// Vertex AI generative models.
//
// Error policy is deliberately asymmetric: pattern extraction fails closed
// (empty list, the record is skipped cheaply), while the scanner and
// similarity checks fail open so that a transient model failure never
// silently drops a candidate — final output is reviewed by a human anyway.
type Vertex struct {
	client *genai.Client
	model  string
}

// NewVertex creates a new Vertex AI client for the given project/location.
func NewVertex(ctx context.Context, projectID, location, model string) (*Vertex, error) {
	// Get credentials from environment or service account file
	var opts []option.ClientOption
	if creds := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); creds != "" {
		opts = append(opts, option.WithCredentialsFile(creds))
	}

	client, err := genai.NewClient(ctx, projectID, location, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vertex AI client: %w", err)
	}

	return &Vertex{client: client, model: model}, nil
}

// generate runs one system-instruction + user-prompt exchange and returns the
// model's text response.
func (v *Vertex) generate(ctx context.Context, system, prompt string) (string, error) {
	m := v.client.GenerativeModel(v.model)
	m.SetTemperature(0.2)
	m.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(system)},
	}

	resp, err := m.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("failed to generate response: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no response generated")
	}
	text, ok := resp.Candidates[0].Content.Parts[0].(genai.Text)
	if !ok {
		return "", fmt.Errorf("unexpected response type")
	}
	return string(text), nil
}

// ExtractPatterns asks the model for 3–5 code-search patterns that capture
// the vulnerability's mechanism. Returns an empty slice on any transport or
// parse failure (fail-closed).
func (v *Vertex) ExtractPatterns(ctx context.Context, code, vulnType string) []string {
	prompt := fmt.Sprintf(`You are analyzing vulnerable code to find SIMILAR SECURITY VULNERABILITIES in other projects.

Vulnerability Type: %s

Code Snippet:
`+"```"+`
%s
`+"```"+`

Task: extract 3-5 SPECIFIC search patterns that identify THE VULNERABILITY ITSELF, not incidental identifiers.

Requirements:
1. Focus on the security flaw - what makes this code vulnerable?
2. For SQL injection: string concatenation/formatting of user input into queries.
3. For XSS: unescaped output rendering.
4. For path traversal: unsanitized file paths.
5. For command injection: shell execution with user input.
6. Do NOT match generic variable assignments or common function names.
7. Match the DANGEROUS OPERATION in the code (e.g. execute() with %%, os.system with +).
8. Each pattern must be a valid GitHub code search query focused on the vulnerability.

Return ONLY a JSON array of search query strings.
Example format: ["execute(\"%%s\" %% user_input)", "os.system(cmd +"]`, vulnType, code)

	raw, err := v.generate(ctx, "You are a security expert specializing in code vulnerability analysis. Return only valid JSON.", prompt)
	if err != nil {
		log.Printf("llm: pattern extraction failed: %v", err)
		return nil
	}

	patterns, err := parsePatternList(raw)
	if err != nil {
		log.Printf("llm: could not parse pattern list: %v (raw: %s)", err, truncateForLog(raw, 200))
		return nil
	}
	return patterns
}

// IsScanner classifies whether a repository is itself a vulnerability
// scanner or security tool — a trivial, uninteresting match. Returns false
// on any error (fail-open: keep the candidate).
func (v *Vertex) IsScanner(ctx context.Context, repoName, description, readme string) bool {
	prompt := fmt.Sprintf(`Determine if this GitHub repository is a vulnerability scanner, security analysis tool, or penetration testing framework.

Repository: %s
Description: %s

README Sample:
%s

A repository IS a scanner/security tool if it:
- Scans code for vulnerabilities
- Is a security testing framework
- Is a penetration testing tool
- Is explicitly designed to find security issues in other code

A repository is NOT a scanner if it:
- Is a regular application that happens to have vulnerabilities
- Is a web framework, library, or tool with security issues
- Is a real-world project that contains vulnerable code patterns

Answer with ONLY "YES" if it's a scanner/security tool, or "NO" if it's not. No explanation.`,
		repoName, description, truncate(readme, maxReadmeSample))

	raw, err := v.generate(ctx, "You are a security expert analyzing GitHub repositories. Answer only YES or NO.", prompt)
	if err != nil {
		log.Printf("llm: scanner check failed for %s: %v", repoName, err)
		return false
	}
	return parseYesNo(raw)
}

// ValidateSimilarity confirms the found code shares the same vulnerability
// class and the same dangerous operation as the original. Returns true on
// any error (fail-open: accept the match).
func (v *Vertex) ValidateSimilarity(ctx context.Context, originalCode, foundCode, vulnType string) bool {
	prompt := fmt.Sprintf(`Compare these two code snippets to determine if they contain the SAME SECURITY VULNERABILITY.

Vulnerability Type: %s

Original Vulnerable Code:
`+"```"+`
%s
`+"```"+`

Found Code:
`+"```"+`
%s
`+"```"+`

Question: does the "Found Code" contain the SAME SECURITY VULNERABILITY as the "Original Vulnerable Code"?

STRICT requirements - answer YES only if:
1. SAME type of vulnerability (e.g. both SQL injection)
2. SAME dangerous operation (e.g. both use .execute() with string formatting)
3. SAME security flaw mechanism (e.g. both concatenate user input into SQL)
4. The "Found Code" is ACTUALLY VULNERABLE, not just using similar names

Answer NO if:
- Just similar variable/function names in a different context
- One is vulnerable but the other is safe
- Different types of vulnerabilities
- The "Found Code" is documentation, comments, or test files
- Different programming languages

Answer with ONLY "YES" or "NO". No explanation.`, vulnType, originalCode, foundCode)

	raw, err := v.generate(ctx, "You are a security expert comparing vulnerability patterns. Answer only YES or NO.", prompt)
	if err != nil {
		log.Printf("llm: similarity validation failed: %v", err)
		return true
	}
	return parseYesNo(raw)
}

// Close closes the Vertex AI client.
func (v *Vertex) Close() error {
	return v.client.Close()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func truncateForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
