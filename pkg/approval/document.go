package approval

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mahnoorkhalid8/digitalfte/pkg/frontmatter"
	"github.com/mahnoorkhalid8/digitalfte/pkg/task"
)

// header is the YAML block of an approval document. Timestamps are kept as
// strings so a hand-edited value never breaks decoding of the status field.
type header struct {
	ID          string            `yaml:"id"`
	CreatedAt   string            `yaml:"created_at"`
	Status      string            `yaml:"status"`
	ActionType  string            `yaml:"action_type"`
	Priority    string            `yaml:"priority"`
	ExpiresAt   string            `yaml:"expires_at"`
	RequestedBy string            `yaml:"requested_by"`
	DecidedBy   string            `yaml:"decided_by"`
	DecidedAt   string            `yaml:"decided_at"`
	Comments    string            `yaml:"comments"`
	Legacy      string            `yaml:"approval_comments,omitempty"`
	Title       string            `yaml:"title,omitempty"`
	TaskID      string            `yaml:"task_id,omitempty"`
	Action      *Action           `yaml:"action,omitempty"`
	Risk        RiskAnalysis      `yaml:"risk_analysis"`
	Preview     map[string]string `yaml:"preview,omitempty"`
	Task        *task.Task        `yaml:"task,omitempty"`
}

const timeLayout = time.RFC3339Nano

var parseLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}

// decodeRequest parses an approval document. ok is false when the status
// field held a value outside the lifecycle; the request is then PENDING.
func decodeRequest(data []byte) (req *Request, ok bool, err error) {
	var h header
	body, err := frontmatter.Decode(data, &h)
	if err != nil {
		return nil, false, err
	}
	if h.ID == "" {
		return nil, false, fmt.Errorf("%w: missing id", ErrMalformedFrontMatter)
	}

	req = &Request{
		ID:          h.ID,
		ActionType:  h.ActionType,
		Priority:    ParsePriority(h.Priority),
		RequestedBy: h.RequestedBy,
		Title:       h.Title,
		TaskID:      h.TaskID,
		Risk:        h.Risk,
		Preview:     h.Preview,
		Task:        h.Task,
		DecidedBy:   h.DecidedBy,
		Comments:    h.Comments,
		body:        body,
	}
	if req.Comments == "" {
		req.Comments = h.Legacy
	}
	if h.Action != nil {
		req.Action = *h.Action
	}
	req.Status, ok = ParseStatus(h.Status)

	if req.CreatedAt, err = parseTime(h.CreatedAt); err != nil {
		return nil, false, fmt.Errorf("%w: created_at: %v", ErrMalformedFrontMatter, err)
	}
	if req.ExpiresAt, err = parseTime(h.ExpiresAt); err != nil {
		return nil, false, fmt.Errorf("%w: expires_at: %v", ErrMalformedFrontMatter, err)
	}
	// A reviewer's hand-typed decided_at is informational only.
	req.DecidedAt, _ = parseTime(h.DecidedAt)
	return req, ok, nil
}

func encodeRequest(req *Request) ([]byte, error) {
	h := header{
		ID:          req.ID,
		CreatedAt:   formatTime(req.CreatedAt),
		Status:      string(req.Status),
		ActionType:  req.ActionType,
		Priority:    string(req.Priority),
		ExpiresAt:   formatTime(req.ExpiresAt),
		RequestedBy: req.RequestedBy,
		DecidedBy:   req.DecidedBy,
		DecidedAt:   formatTime(req.DecidedAt),
		Comments:    req.Comments,
		Title:       req.Title,
		TaskID:      req.TaskID,
		Risk:        req.Risk,
		Preview:     req.Preview,
		Task:        req.Task,
	}
	if !req.Action.isZero() {
		action := req.Action
		h.Action = &action
	}

	body := req.body
	if body == nil {
		body = renderBody(req)
	}
	return frontmatter.Encode(h, body)
}

func (a Action) isZero() bool {
	return a.Description == "" && a.Server == "" && a.Method == "" && len(a.Parameters) == 0 &&
		a.Context == "" && a.Reasoning == "" && a.ExpectedOutcome == ""
}

// renderBody writes the reviewer-facing part of a new request.
func renderBody(req *Request) []byte {
	var b bytes.Buffer
	title := req.Title
	if title == "" {
		title = req.ActionType
	}
	fmt.Fprintf(&b, "# Approval Request: %s\n\n", title)

	b.WriteString("## Action Details\n\n")
	if req.Action.Description != "" {
		b.WriteString(req.Action.Description + "\n\n")
	}
	fmt.Fprintf(&b, "- Action type: %s\n", req.ActionType)
	fmt.Fprintf(&b, "- Priority: %s\n", req.Priority)
	fmt.Fprintf(&b, "- Requested by: %s\n", req.RequestedBy)
	fmt.Fprintf(&b, "- Expires at: %s\n", formatTime(req.ExpiresAt))
	if req.Action.Server != "" || req.Action.Method != "" {
		fmt.Fprintf(&b, "- Execution: %s %s\n", req.Action.Server, req.Action.Method)
	}
	if len(req.Action.Parameters) > 0 {
		b.WriteString("- Parameters:\n")
		for _, k := range sortedKeys(req.Action.Parameters) {
			fmt.Fprintf(&b, "  - %s: %s\n", k, req.Action.Parameters[k])
		}
	}
	if req.Action.Context != "" {
		fmt.Fprintf(&b, "\n### Context\n\n%s\n", req.Action.Context)
	}
	if req.Action.Reasoning != "" {
		fmt.Fprintf(&b, "\n### Reasoning\n\n%s\n", req.Action.Reasoning)
	}
	if req.Action.ExpectedOutcome != "" {
		fmt.Fprintf(&b, "\n### Expected Outcome\n\n%s\n", req.Action.ExpectedOutcome)
	}

	r := req.Risk
	b.WriteString("\n## Risk Analysis\n\n")
	fmt.Fprintf(&b, "- Impact: %s\n", orUnknown(r.ImpactLevel))
	fmt.Fprintf(&b, "- Reversibility: %s\n", orUnknown(r.Reversibility))
	fmt.Fprintf(&b, "- Data sensitivity: %s\n", orUnknown(r.DataSensitivity))
	fmt.Fprintf(&b, "- Scope: %s\n", orUnknown(r.Scope))
	fmt.Fprintf(&b, "- Policy: %s\n", orUnknown(r.PolicyStatus))
	for _, v := range r.Violations {
		fmt.Fprintf(&b, "  - %s\n", v)
	}
	if len(r.Triggers) > 0 {
		fmt.Fprintf(&b, "- Requires approval because: %s\n", strings.Join(r.Triggers, ", "))
	}
	if len(r.Risks) > 0 {
		b.WriteString("\n### Risks\n")
		for i, risk := range r.Risks {
			fmt.Fprintf(&b, "\n%d. **%s**\n", i+1, risk.Title)
			fmt.Fprintf(&b, "   - Likelihood: %s\n", orUnknown(risk.Likelihood))
			fmt.Fprintf(&b, "   - Impact: %s\n", orUnknown(risk.Impact))
			fmt.Fprintf(&b, "   - Mitigation: %s\n", orNone(risk.Mitigation))
		}
	}
	if len(r.Safeguards) > 0 {
		b.WriteString("\n### Safeguards\n\n")
		for _, s := range r.Safeguards {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}

	if preview := renderPreview(req.ActionType, req.Preview); preview != "" {
		b.WriteString("\n## Preview\n\n")
		b.WriteString(preview)
	}

	b.WriteString("\n## Human Instructions\n\n")
	b.WriteString("To approve: change `status` to \"APPROVED\", fill in `decided_by` and save.\n")
	b.WriteString("To reject: change `status` to \"REJECTED\", add `comments` and save.\n")
	fmt.Fprintf(&b, "If no decision is made by %s the request expires.\n", formatTime(req.ExpiresAt))
	return b.Bytes()
}

func renderPreview(actionType string, data map[string]string) string {
	if len(data) == 0 {
		return ""
	}
	var b strings.Builder
	switch actionType {
	case "send_email":
		b.WriteString("```\n")
		fmt.Fprintf(&b, "To: %s\n", orNA(data["to"]))
		fmt.Fprintf(&b, "Subject: %s\n\n", orNA(data["subject"]))
		b.WriteString(orNA(data["body"]) + "\n")
		b.WriteString("```\n")
	case "post_linkedin", "post_twitter":
		b.WriteString("```\n")
		b.WriteString(orNA(data["content"]) + "\n")
		b.WriteString("```\n")
	default:
		b.WriteString("```\n")
		for _, k := range sortedKeys(data) {
			fmt.Fprintf(&b, "%s: %s\n", k, data[k])
		}
		b.WriteString("```\n")
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

func orNone(v string) string {
	if v == "" {
		return "none"
	}
	return v
}

func orNA(v string) string {
	if v == "" {
		return "N/A"
	}
	return v
}
