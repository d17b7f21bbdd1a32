package harness

// This file renders the end-of-run summary of scenario reports.

import (
	"fmt"
	"strings"

	"github.com/10gen/mongo-harness/internal/reportutils"
	"github.com/10gen/mongo-harness/internal/scenario"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
)

// Summarize renders the reports as tables. The returned boolean
// indicates whether every scenario passed.
func Summarize(reports []scenario.Report) (string, bool) {
	strBuilder := &strings.Builder{}

	passed := lo.CountBy(reports, func(r scenario.Report) bool { return r.Passed })

	table := tablewriter.NewWriter(strBuilder)
	table.SetHeader([]string{"Scenario", "Result", "Elapsed", "Checks", "Topology"})

	for _, r := range reports {
		table.Append([]string{
			r.Scenario,
			lo.Ternary(r.Passed, "passed", "FAILED"),
			reportutils.DurationToHMS(r.Elapsed),
			reportutils.FmtCount(len(r.Checks)),
			r.TopologyID,
		})
	}

	fmt.Fprintf(
		strBuilder,
		"\n%s of %s scenarios passed (%s%%):\n",
		reportutils.FmtCount(passed),
		reportutils.FmtCount(len(reports)),
		reportutils.FmtPercent(passed, len(reports)),
	)
	table.Render()

	failed := lo.Filter(reports, func(r scenario.Report, _ int) bool { return !r.Passed })
	if len(failed) > 0 {
		failuresTable := tablewriter.NewWriter(strBuilder)
		failuresTable.SetHeader([]string{"Scenario", "Error"})
		failuresTable.SetAutoWrapText(false)

		for _, r := range failed {
			failuresTable.Append([]string{r.Scenario, fmt.Sprintf("%v", r.Err)})
		}

		strBuilder.WriteString("\nFailures:\n")
		failuresTable.Render()
	}

	for _, r := range reports {
		if len(r.Checks) == 0 {
			continue
		}

		checksTable := tablewriter.NewWriter(strBuilder)
		checksTable.SetHeader([]string{"Check", "Observed"})

		for _, check := range r.Checks {
			checksTable.Append([]string{check.Name, check.Observed})
		}

		fmt.Fprintf(strBuilder, "\nChecks of %#q:\n", r.Scenario)
		checksTable.Render()
	}

	return strBuilder.String(), len(failed) == 0
}
