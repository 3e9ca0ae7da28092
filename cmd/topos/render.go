package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/rand/topos/internal/differ"
	"github.com/rand/topos/internal/index"
	"github.com/rand/topos/internal/store"
	"github.com/rand/topos/internal/trace"
	"github.com/rand/topos/internal/validation"
	"github.com/rand/topos/internal/workspace"
)

var (
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	symbolStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	changedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
)

func severityStyle(sev validation.Severity) lipgloss.Style {
	switch sev {
	case validation.SeverityError:
		return errorStyle
	case validation.SeverityWarning:
		return warnStyle
	}
	return infoStyle
}

func renderDiagnostics(ws *workspace.Workspace, diags []validation.Diagnostic) {
	if len(diags) == 0 {
		fmt.Println(okStyle.Render("✓ no findings"))
		return
	}
	var errs, warns, infos int
	for _, d := range diags {
		switch d.Severity {
		case validation.SeverityError:
			errs++
		case validation.SeverityWarning:
			warns++
		default:
			infos++
		}
		fmt.Printf("%s %s %s %s\n",
			severityStyle(d.Severity).Render(string(d.Severity)),
			dimStyle.Render(d.Code),
			dimStyle.Render(d.Span.String()),
			d.Message,
		)
		for _, hint := range d.Hints {
			fmt.Printf("  %s %s\n", dimStyle.Render("hint:"), hint)
		}
	}
	fmt.Printf("\n%d errors, %d warnings, %d notes\n", errs, warns, infos)
}

func renderSymbols(path string, symbols []*index.Symbol) {
	fmt.Println(headerStyle.Render(path))
	for _, s := range symbols {
		indent := ""
		if s.Parent != "" {
			indent = "  "
		}
		detail := ""
		if s.Detail != "" {
			detail = " " + dimStyle.Render(s.Detail)
		}
		visibility := ""
		if s.Private {
			visibility = dimStyle.Render(" (private)")
		}
		fmt.Printf("%s%s %s%s%s\n", indent, dimStyle.Render(string(s.Kind)), symbolStyle.Render(s.Name), detail, visibility)
	}
}

func renderStoredSymbols(symbols []store.StoredSymbol) {
	if len(symbols) == 0 {
		fmt.Println(dimStyle.Render("no matches in the saved index"))
		return
	}
	for _, s := range symbols {
		parent := ""
		if s.Parent != "" {
			parent = dimStyle.Render(" in " + s.Parent)
		}
		fmt.Printf("%s %s%s %s\n", dimStyle.Render(s.Kind), symbolStyle.Render(s.Name), parent, dimStyle.Render(s.File))
	}
}

func renderTrace(report *trace.Report) {
	fmt.Println(headerStyle.Render("Traceability"))
	for _, entry := range report.Requirements {
		flags := []string{
			flag("behavior", entry.Coverage.HasBehavior),
			flag("task", entry.Coverage.HasTask),
			flag("impl", entry.Coverage.HasImplementation),
			flag("tests", entry.Coverage.HasTests),
		}
		fmt.Printf("%s %s %s\n", symbolStyle.Render(entry.ID), entry.Title, strings.Join(flags, " "))
		for _, b := range entry.Behaviors {
			fmt.Printf("  %s %s %s\n", dimStyle.Render("behavior"), b.Name, dimStyle.Render(b.File))
		}
		for _, t := range entry.Tasks {
			fmt.Printf("  %s %s %s\n", dimStyle.Render("task"), t.ID, dimStyle.Render(t.Status))
		}
	}
	if len(report.OrphanBehaviors) > 0 {
		fmt.Println(headerStyle.Render("\nOrphan behaviors"))
		for _, b := range report.OrphanBehaviors {
			fmt.Printf("  %s %s\n", b.Name, dimStyle.Render(b.File))
		}
	}
	if len(report.OrphanTasks) > 0 {
		fmt.Println(headerStyle.Render("\nOrphan tasks"))
		for _, t := range report.OrphanTasks {
			fmt.Printf("  %s %s\n", t.ID, dimStyle.Render(t.File))
		}
	}
	c := report.Coverage
	fmt.Printf("\n%d requirements: %d with behaviors, %d with tasks, %d implemented, %d tested\n",
		c.TotalRequirements, c.WithBehaviors, c.WithTasks, c.WithImplementation, c.WithTests)
}

func flag(name string, ok bool) string {
	if ok {
		return okStyle.Render("✓" + name)
	}
	return dimStyle.Render("✗" + name)
}

func renderDrift(report *differ.DriftReport) {
	if len(report.Structural) == 0 && len(report.Semantic) == 0 {
		fmt.Println(okStyle.Render("✓ no drift"))
		return
	}
	for _, change := range report.Structural {
		line := fmt.Sprintf("%s %s", changedStyle.Render(string(change.Kind)), change.Path)
		if change.Before != "" || change.After != "" {
			line += dimStyle.Render(fmt.Sprintf("  %q → %q", change.Before, change.After))
		}
		fmt.Println(line)
	}
	for _, finding := range report.Semantic {
		fmt.Printf("%s %s alignment=%.2f severity=%s confidence=%.2f\n",
			warnStyle.Render("semantic"), finding.Path, finding.AlignmentScore, finding.Severity, finding.Confidence)
	}
	for _, finding := range report.Inconclusive {
		fmt.Printf("%s %s (%s)\n", dimStyle.Render("inconclusive"), finding.Path, finding.Category)
	}
}

// renderHover prints hover info, rendering documentation as markdown
// when the terminal supports it.
func renderHover(info *workspace.HoverInfo) {
	fmt.Printf("%s %s\n", dimStyle.Render(info.Kind), symbolStyle.Render(info.Name))
	if info.Signature != "" {
		fmt.Println(dimStyle.Render(info.Signature))
	}
	if info.Documentation != "" {
		rendered, err := glamour.Render(info.Documentation, "auto")
		if err != nil {
			fmt.Println(info.Documentation)
		} else {
			fmt.Fprint(os.Stdout, rendered)
		}
	}
	if len(info.InvolvedSymbols) > 0 {
		fmt.Printf("%s %s\n", dimStyle.Render("involves:"), strings.Join(info.InvolvedSymbols, ", "))
	}
}
