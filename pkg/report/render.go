package report

import (
	"fmt"
	"strings"

	"labelsync/pkg/labels"
)

// Render formats the report as Markdown, for logs and pull request comments
func (r *Report) Render() string {
	var sb strings.Builder

	if r.DryRun {
		sb.WriteString("## Label sync dry run\n\n")
		sb.WriteString("The following changes would be made once this configuration is merged.\n")
	} else {
		sb.WriteString("## Label sync report\n")
	}

	for _, e := range r.Entries {
		fmt.Fprintf(&sb, "\n### %s\n\n", e.Repository)

		if e.ConfigError != nil {
			fmt.Fprintf(&sb, "⚠️ Configuration error: %s\n", e.ConfigError.Message)
			continue
		}

		if e.Count() == 0 && len(e.RemoteErrors) == 0 {
			sb.WriteString("No changes needed - labels are up to date\n")
			continue
		}

		r.renderChanges(&sb, "+", "create", "created", e.Created)
		r.renderChanges(&sb, "~", "update", "updated", e.Updated)
		r.renderChanges(&sb, "-", "delete", "deleted", e.Deleted)

		for _, msg := range e.RemoteErrors {
			fmt.Fprintf(&sb, "❌ %s\n", msg)
		}
	}

	verb := "Applied"
	if r.DryRun {
		verb = "Would apply"
	}
	fmt.Fprintf(&sb, "\n**%s %d change(s) across %d repositories** (%d created, %d updated, %d deleted)",
		verb, r.Totals.Created+r.Totals.Updated+r.Totals.Deleted, r.Totals.Repositories,
		r.Totals.Created, r.Totals.Updated, r.Totals.Deleted)
	if r.HasErrors() {
		fmt.Fprintf(&sb, ", %d configuration error(s), %d remote error(s)", r.Totals.ConfigErrors, r.Totals.RemoteErrors)
	}
	sb.WriteString("\n")

	return sb.String()
}

func (r *Report) renderChanges(sb *strings.Builder, marker, would, did string, changes []labels.LabelChange) {
	for _, c := range changes {
		action := did
		if r.DryRun {
			action = "would " + would
		}
		fmt.Fprintf(sb, "- `%s` %s label **%s**%s\n", marker, action, c.Name, describe(c))
	}
}

func describe(c labels.LabelChange) string {
	switch c.Type {
	case labels.ChangeTypeCreate:
		return fmt.Sprintf(" (%s)", labels.FormatColor(c.After.Color))
	case labels.ChangeTypeUpdate:
		var parts []string
		if c.Before.Color != c.After.Color {
			parts = append(parts, fmt.Sprintf("color %s → %s", labels.FormatColor(c.Before.Color), labels.FormatColor(c.After.Color)))
		}
		if c.Before.Description != c.After.Description {
			parts = append(parts, fmt.Sprintf("description %q → %q", c.Before.Description, c.After.Description))
		}
		if len(parts) == 0 {
			return ""
		}
		return " (" + strings.Join(parts, ", ") + ")"
	default:
		return ""
	}
}
