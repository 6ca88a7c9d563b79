package bot

import (
	"fmt"
	"strconv"
	"strings"

	"announce_dedup/internal/model"
)

const (
	defaultAuditEntries = 10
	maxAuditEntries     = 50
)

// SourceArgs holds the parsed arguments of /addsource.
type SourceArgs struct {
	SourceType model.SourceType
	SiteCode   string
	URL        string
}

// AuditArgs holds the parsed arguments of /audit.
type AuditArgs struct {
	Decision model.Decision
	Limit    int
}

// ParseIDArg extracts a numeric ID from a command argument string.
func ParseIDArg(args string) (int64, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return 0, fmt.Errorf("source ID is required")
	}
	id, err := strconv.ParseInt(strings.Fields(s)[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid source ID %q", s)
	}
	return id, nil
}

// ParseDomainArgs splits "<domain> <rest...>" into a normalized domain and
// the remaining text.
func ParseDomainArgs(args string) (string, string, error) {
	parts := strings.SplitN(strings.TrimSpace(args), " ", 2)
	domain := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(parts[0])), ".")
	if domain == "" {
		return "", "", fmt.Errorf("domain is required")
	}
	if strings.ContainsAny(domain, "/:?") {
		return "", "", fmt.Errorf("expected a bare domain, got %q", parts[0])
	}
	rest := ""
	if len(parts) == 2 {
		rest = strings.TrimSpace(parts[1])
	}
	return domain, rest, nil
}

// ParseParamList splits a comma or space separated parameter list.
func ParseParamList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// ParsePriorityArgs extracts a source type and its rank.
func ParsePriorityArgs(args string) (model.SourceType, int, error) {
	parts := strings.Fields(args)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("usage: /setpriority <source_type> <n>")
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("invalid priority %q", parts[1])
	}
	return model.SourceType(parts[0]).Normalize(), n, nil
}

// ParseSourceArgs parses "<source_type> <site_code> <url>".
func ParseSourceArgs(args string) (SourceArgs, error) {
	parts := strings.Fields(args)
	if len(parts) != 3 {
		return SourceArgs{}, fmt.Errorf("usage: /addsource <source_type> <site_code> <url>")
	}
	url := parts[2]
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return SourceArgs{}, fmt.Errorf("invalid feed URL %q", url)
	}
	return SourceArgs{
		SourceType: model.SourceType(parts[0]).Normalize(),
		SiteCode:   parts[1],
		URL:        url,
	}, nil
}

// ParseIntervalArgs extracts a source ID and interval in minutes.
func ParseIntervalArgs(args string) (int64, int, error) {
	parts := strings.Fields(args)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("usage: /interval <id> <minutes>")
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid source ID %q", parts[0])
	}
	mins, err := strconv.Atoi(parts[1])
	if err != nil || mins < 1 || mins > 1440 {
		return 0, 0, fmt.Errorf("interval must be between 1 and 1440 minutes")
	}
	return id, mins, nil
}

// ParseAuditArgs parses "[decision] [n]" in either order.
func ParseAuditArgs(args string) (AuditArgs, error) {
	out := AuditArgs{Limit: defaultAuditEntries}
	for _, p := range strings.Fields(args) {
		if n, err := strconv.Atoi(p); err == nil {
			if n < 1 || n > maxAuditEntries {
				return AuditArgs{}, fmt.Errorf("entry count must be between 1 and %d", maxAuditEntries)
			}
			out.Limit = n
			continue
		}
		d := model.Decision(strings.ToLower(p))
		if !d.Valid() {
			return AuditArgs{}, fmt.Errorf("unknown decision %q, use: inserted, replaced, kept_existing, error", p)
		}
		out.Decision = d
	}
	return out, nil
}
