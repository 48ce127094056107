package main

import (
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"

	"meal-cost/decision/estimation"
	"meal-cost/pkg/confidence"
)

// =============================================================================
// OUTPUT FORMATTERS
// =============================================================================

type reportOptions struct {
	Lines bool
	AsOf  time.Time
}

// JSONRecipe is one recipe of the json report.
type JSONRecipe struct {
	estimation.CostResult
	Error string `json:"error,omitempty"`
}

func writeJSON(w io.Writer, rows []costRow) error {
	out := make([]JSONRecipe, 0, len(rows))
	for _, row := range rows {
		r := JSONRecipe{CostResult: row.Result}
		if row.Err != nil {
			r.Error = row.Err.Error()
		}
		out = append(out, r)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"recipes": out})
}

func writeTable(w io.Writer, rows []costRow, opts reportOptions) error {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "╔══════════════════════════════════════════════════════════════════════╗")
	fmt.Fprintf(w, "║  🍽  MEAL COSTS as of %-47s ║\n", opts.AsOf.Format("2006-01-02 15:04"))
	fmt.Fprintln(w, "╠══════════════════════════════════════════════════════════════════════╣")
	fmt.Fprintf(w, "║  %-26s %10s %10s %10s %8s ║\n", "RECIPE", "TOTAL", "ADULT", "CHILD", "CONF")
	fmt.Fprintln(w, "╠══════════════════════════════════════════════════════════════════════╣")

	for _, row := range rows {
		res := row.Result
		if row.Err != nil {
			fmt.Fprintf(w, "║  %-26s ❌ %-37s ║\n", truncate(res.RecipeID, 26), truncate(row.Err.Error(), 37))
			continue
		}
		fmt.Fprintf(w, "║  %-26s %10s %10s %10s %8s ║\n",
			truncate(res.RecipeID, 26),
			money(res.TotalCost.StringFixed(2), res.Currency),
			res.PerAdultPortionCost.StringFixed(2),
			res.PerChildPortionCost.StringFixed(2),
			percent(res.Confidence),
		)
		if opts.Lines {
			for _, l := range res.Lines {
				detail := l.Basis
				if !l.Priced {
					detail = "no price: " + l.Reason
				}
				fmt.Fprintf(w, "║      %-20s %9s  %-30s ║\n", truncate(l.Ref, 20), l.Cost.StringFixed(2), truncate(detail, 30))
			}
		}
		for _, issue := range res.Issues {
			fmt.Fprintf(w, "║    ⚠️  %-61s ║\n", truncate(issue.Message, 61))
		}
	}
	fmt.Fprintln(w, "╚══════════════════════════════════════════════════════════════════════╝")
	return nil
}

func writeMarkdown(w io.Writer, rows []costRow, opts reportOptions) error {
	fmt.Fprintln(w, "## 🍽 Meal Cost Report")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Prices as of %s.\n", opts.AsOf.Format(time.RFC3339))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "| Recipe | Total | Per Adult | Per Child | Confidence |")
	fmt.Fprintln(w, "|--------|-------|-----------|-----------|------------|")

	var issues []string
	for _, row := range rows {
		res := row.Result
		if row.Err != nil {
			fmt.Fprintf(w, "| %s | ❌ %s | | | |\n", res.RecipeID, row.Err.Error())
			continue
		}
		total := money(res.TotalCost.StringFixed(2), res.Currency)
		if res.Stale {
			total += " ⚠️"
		}
		fmt.Fprintf(w, "| %s | %s | %s | %s | %s |\n",
			res.RecipeID, total,
			res.PerAdultPortionCost.StringFixed(2), res.PerChildPortionCost.StringFixed(2),
			percent(res.Confidence)+" "+confidence.Label(res.Confidence))
		for _, issue := range res.Issues {
			issues = append(issues, fmt.Sprintf("- **%s** `%s`: %s", res.RecipeID, issue.Code, issue.Message))
		}
	}

	if opts.Lines {
		for _, row := range rows {
			if row.Err != nil || len(row.Result.Lines) == 0 {
				continue
			}
			fmt.Fprintln(w)
			fmt.Fprintf(w, "### %s\n", row.Result.RecipeID)
			fmt.Fprintln(w)
			fmt.Fprintln(w, "| Line | Quantity | Cost | Basis |")
			fmt.Fprintln(w, "|------|----------|------|-------|")
			for _, l := range row.Result.Lines {
				basis := l.Basis
				if !l.Priced {
					basis = "⚠️ " + l.Reason
				}
				fmt.Fprintf(w, "| %s | %s %s | %s | %s |\n", l.Ref, l.Quantity.String(), l.Unit, l.Cost.StringFixed(2), basis)
			}
		}
	}

	if len(issues) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "### ⚠️ Issues")
		fmt.Fprintln(w)
		for _, line := range issues {
			fmt.Fprintln(w, line)
		}
	}
	return nil
}

func money(amount, currency string) string {
	if currency == "" || currency == "USD" {
		return "$" + amount
	}
	return amount + " " + currency
}

func percent(v float64) string {
	return fmt.Sprintf("%.0f%%", v*100)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
